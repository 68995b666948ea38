/*
Package queue implements the durable priority message queue that mediates
all server<->agent traffic in Shepherd.

The Queue wraps the storage layer with the message lifecycle:

	pending/scheduled -> in_flight -> completed | failed | expired

Enqueue creates messages, ClaimNext hands exclusive ownership of one
eligible message to a dispatcher worker, and Complete/Fail/Expire drive
terminal transitions. Fail applies the retry policy: messages with
retries remaining are re-queued as pending with scheduled_at pushed into
the future (the dispatcher supplies a capped exponential delay via
Backoff); exhausted messages become terminally failed. FailPermanent
bypasses retries for policy failures such as an invalid target.

Ingest records inbound frames idempotently: a duplicate frame for a
known message id returns the stored message and re-applies nothing.

WaitForReply / ResolveReply implement request/response matching. A caller
enqueues an outbound request, then blocks in WaitForReply under its own
context deadline; when the dispatcher drains the correlated inbound reply
it resolves the waiter. A terminal failure or expiry of the request
releases the waiter with an error, so no caller blocks past its budget.
*/
package queue
