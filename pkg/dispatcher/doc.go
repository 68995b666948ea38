/*
Package dispatcher runs the scheduling loops between the durable queue
and the connection manager.

A bounded pool of outbound workers claims due messages (priority first,
FIFO within priority) and hands each to the target host's live
connection. Targets that are no longer active/approved in the Host
Directory are failed immediately with a non-retryable reason; transport
failures are re-queued with capped exponential backoff until retries are
exhausted. A successfully transmitted command stays in_flight until the
agent's correlated reply arrives — completion is reply-driven, which is
what gives at-least-once delivery semantics over an unreliable link.

The inbound loop drains agent frames: replies complete their request,
release any waiter blocked on it and are then consumed; agent-initiated
events route through a capability-keyed handler table registered by the
business layer.

Two background loops finish the picture: the reconciler requeues a
host's in-flight messages when its agent disconnects (a reply can no
longer arrive on that connection), and the sweep expires never-claimed
messages past the retention window while refreshing queue depth gauges.

All waits are signal- or timer-driven; nothing busy-polls and nothing
waits unboundedly.
*/
package dispatcher
