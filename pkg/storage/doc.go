/*
Package storage provides persistent state management for Shepherd.

The Store interface defines CRUD operations over the four persisted
record kinds: queued messages, queue metric rollups, reboot
orchestrations and host records. BoltStore implements it with BoltDB,
storing each record as JSON keyed by its id in a dedicated bucket.

# Claim Atomicity

ClaimNextMessage is the one operation with a concurrency contract: it
must never hand the same message to two workers. BoltDB allows a single
write transaction at a time, so performing the eligibility scan and the
in_flight transition inside one db.Update gives the mutual-exclusion
guarantee without any additional locking.

# Selection Ordering

Eligible messages (status pending or scheduled, scheduled_at <= now) are
ordered by priority descending, then scheduled_at ascending, then the
bucket-assigned sequence number ascending. The sequence number is the
FIFO tie-break: it is assigned monotonically at creation via the bucket's
NextSequence counter.

Messages are never deleted by this layer; retention and cleanup of
terminal messages is an external housekeeping concern.
*/
package storage
