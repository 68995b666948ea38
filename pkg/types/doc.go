/*
Package types defines the core data structures used throughout Shepherd.

This package contains all fundamental types that represent Shepherd's
domain model: queued messages and their lifecycle, the wire envelope,
persisted queue metric rollups, host records and the reboot
orchestration state machine. All other packages build on these types for
state management, transport and orchestration logic.

# Core Types

Message queue:
  - Message: one unit of server<->agent traffic with status, priority,
    retry bookkeeping and correlation fields
  - MessageStatus: pending, scheduled, in_flight, completed, failed, expired
  - Priority: low, normal, high, urgent (higher dispatches first)
  - Envelope: transport-agnostic wire frame

Orchestration:
  - RebootOrchestration: one coordinated reboot attempt for a parent host
  - OrchestrationStatus: state machine states from pending_shutdown
    through restart_completed or failed
  - ChildSnapshot / ChildOutcome: immutable child capture and per-child results

Directory:
  - Host: identity, approval/active flags and parent/child topology

All types are JSON-serializable; persisted records are stored as JSON in
BoltDB buckets by the storage package.
*/
package types
