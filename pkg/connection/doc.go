/*
Package connection tracks live agent connections.

The Manager maps host id -> live connection handle with three rules:

  - at most one live connection per host; a new registration supersedes
    and closes the prior handle
  - sends to the same host are serialized by a per-host lock while
    different hosts proceed fully in parallel
  - the registry is transient in-memory state with no durability; a
    server restart simply forces all agents to reconnect

The Manager also fans out connect/disconnect liveness events to
subscribers. The reboot orchestrator consumes these directly (reconnect
detection must not ride the general message queue), and the dispatcher
uses disconnect events to reconcile in-flight messages.
*/
package connection
