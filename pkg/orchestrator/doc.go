/*
Package orchestrator coordinates reboots of parent hosts that run child
workloads.

A reboot orchestration snapshots the parent's children once, then moves
through a fixed sequence: shut down every running child (bounded by the
caller-supplied shutdown timeout), issue the reboot command and wait for
its acknowledgment, watch the parent's liveness signal for the
disconnect/reconnect pair the reboot produces, and finally restart the
snapshotted children. Every per-child step records an individual outcome
(success, failed, timeout, skipped), and every wait is bounded.

The orchestrator drives everything through the durable queue using
correlated request/reply messages; it holds no transport state of its
own. Reconnect detection comes from the pluggable LivenessSignal so the
state machine is testable without a live websocket.

One orchestration runs per parent host at a time. State is persisted
after every transition, so an observer polling the orchestration record
sees each phase as it happens. A server restart does not resume
in-flight runs; they are simply absent from the running set and remain
in their last persisted state.
*/
package orchestrator
