/*
Package manager assembles the control plane.

The Manager owns the component graph: BoltDB store, durable queue,
connection registry, websocket transport, dispatch loops and the reboot
orchestrator. It installs the inbound ingestion path (transport frames
become queued messages) and the agent-event handlers, and exposes the
operations the HTTP API serves: message enqueue and lookup, host
registry management, and reboot orchestration control.
*/
package manager
