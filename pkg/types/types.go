package types

import (
	"encoding/json"
	"time"
)

// Direction indicates which way a message travels between the server and an agent.
type Direction string

const (
	// DirectionOutbound is server -> agent traffic (commands).
	DirectionOutbound Direction = "outbound"
	// DirectionInbound is agent -> server traffic (results, events).
	DirectionInbound Direction = "inbound"
)

// MessageStatus represents the lifecycle state of a queued message.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusScheduled MessageStatus = "scheduled"
	MessageStatusInFlight  MessageStatus = "in_flight"
	MessageStatusCompleted MessageStatus = "completed"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusExpired   MessageStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s MessageStatus) Terminal() bool {
	return s == MessageStatusCompleted || s == MessageStatusFailed || s == MessageStatusExpired
}

// Priority orders dispatch among otherwise equally eligible messages.
// Higher values dispatch first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// String returns a human-readable representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Message is one unit of server<->agent traffic in the durable queue.
//
// The queue never interprets Payload; message-type specific handling
// belongs to the business layer. Seq is an internal surrogate id assigned
// by the store and is the FIFO tie-break within equal priority and
// eligibility.
type Message struct {
	MessageID     string        `json:"message_id"`
	Seq           uint64        `json:"seq"`
	HostID        string        `json:"host_id,omitempty"` // empty only for broadcast/administrative messages
	Direction     Direction     `json:"direction"`
	Type          string        `json:"message_type"`
	Payload       []byte        `json:"payload,omitempty"`
	Status        MessageStatus `json:"status"`
	Priority      Priority      `json:"priority"`
	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	CreatedAt     time.Time     `json:"created_at"`
	ScheduledAt   time.Time     `json:"scheduled_at"`
	StartedAt     time.Time     `json:"started_at,omitempty"`
	CompletedAt   time.Time     `json:"completed_at,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	LastErrorAt   time.Time     `json:"last_error_at,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	ReplyTo       string        `json:"reply_to,omitempty"`
	WorkerToken   string        `json:"worker_token,omitempty"` // set while in_flight
}

// Envelope is the transport-agnostic wire shape of a message frame.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	MessageType   string          `json:"message_type"`
	Direction     Direction       `json:"direction"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
}

// EnvelopeFor builds the wire envelope for a stored message.
func EnvelopeFor(msg *Message) Envelope {
	return Envelope{
		MessageID:     msg.MessageID,
		MessageType:   msg.Type,
		Direction:     msg.Direction,
		Payload:       json.RawMessage(msg.Payload),
		CorrelationID: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
	}
}

// QueueMetric is a persisted rollup of queue activity for one metric name,
// direction, optional host and time period. Not authoritative: it is
// reconstructable from message history.
type QueueMetric struct {
	Name           string    `json:"metric_name"`
	Direction      Direction `json:"direction"`
	HostID         string    `json:"host_id,omitempty"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	Count          int64     `json:"count"`
	ErrorCount     int64     `json:"error_count"`
	MinLatencyMs   int64     `json:"min_latency_ms"`
	MaxLatencyMs   int64     `json:"max_latency_ms"`
	AvgLatencyMs   int64     `json:"avg_latency_ms"`
	TotalLatencyMs int64     `json:"total_latency_ms"` // running sum backing AvgLatencyMs
}

// Key returns the identity of the rollup row.
func (m *QueueMetric) Key() string {
	return m.Name + "|" + string(m.Direction) + "|" + m.HostID + "|" + m.PeriodStart.UTC().Format(time.RFC3339)
}

// Host is a managed machine (physical, VM or container) known to the
// Host Directory. ParentID is set for child hosts (containers/VMs running
// under a parent host).
type Host struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	ParentID  string    `json:"parent_id,omitempty"`
	Approved  bool      `json:"approved"`
	Active    bool      `json:"active"`
	Running   bool      `json:"running"` // for child hosts: workload currently up
	CreatedAt time.Time `json:"created_at"`
}

// OrchestrationStatus is the state of a coordinated reboot attempt.
type OrchestrationStatus string

const (
	OrchestrationPendingShutdown    OrchestrationStatus = "pending_shutdown"
	OrchestrationShutdownInProgress OrchestrationStatus = "shutdown_in_progress"
	OrchestrationShutdownCompleted  OrchestrationStatus = "shutdown_completed"
	OrchestrationRebootIssued       OrchestrationStatus = "reboot_issued"
	OrchestrationRestartingChildren OrchestrationStatus = "restarting_children"
	OrchestrationRestartCompleted   OrchestrationStatus = "restart_completed"
	OrchestrationFailed             OrchestrationStatus = "failed"
)

// Terminal reports whether the orchestration has finished.
func (s OrchestrationStatus) Terminal() bool {
	return s == OrchestrationRestartCompleted || s == OrchestrationFailed
}

// ChildOutcome is the per-child result of a shutdown or restart step.
type ChildOutcome string

const (
	ChildOutcomeSuccess ChildOutcome = "success"
	ChildOutcomeFailed  ChildOutcome = "failed"
	ChildOutcomeTimeout ChildOutcome = "timeout"
	ChildOutcomeSkipped ChildOutcome = "skipped"
)

// ChildSnapshot captures one child host and its pre-reboot running state.
// The snapshot is taken once at orchestration creation and never re-read,
// so topology changes mid-flight cannot add or drop targets.
type ChildSnapshot struct {
	ChildID string `json:"child_id"`
	Running bool   `json:"running"`
}

// RebootOrchestration is one coordinated reboot attempt for a parent host
// and the child workloads running on it.
type RebootOrchestration struct {
	ID                     string                  `json:"id"`
	ParentHostID           string                  `json:"parent_host_id"`
	Status                 OrchestrationStatus     `json:"status"`
	ChildHostsSnapshot     []ChildSnapshot         `json:"child_hosts_snapshot"`
	ChildShutdownStatus    map[string]ChildOutcome `json:"child_hosts_shutdown_status"`
	ChildRestartStatus     map[string]ChildOutcome `json:"child_hosts_restart_status"`
	ShutdownTimeoutSeconds int                     `json:"shutdown_timeout_seconds"`
	InitiatedBy            string                  `json:"initiated_by"`
	InitiatedAt            time.Time               `json:"initiated_at"`
	ShutdownCompletedAt    time.Time               `json:"shutdown_completed_at,omitempty"`
	RebootIssuedAt         time.Time               `json:"reboot_issued_at,omitempty"`
	AgentReconnectedAt     time.Time               `json:"agent_reconnected_at,omitempty"`
	RestartCompletedAt     time.Time               `json:"restart_completed_at,omitempty"`
	ErrorMessage           string                  `json:"error_message,omitempty"`
}

// Well-known message types. The queue itself is payload-agnostic; these
// tags belong to the business layer.
const (
	MessageTypeChildShutdown = "child.shutdown"
	MessageTypeChildStart    = "child.start"
	MessageTypeHostReboot    = "host.reboot"
	MessageTypeHostStatus    = "host.status"
)

// HostStatusReport is the payload of an agent-initiated host.status
// event: the running state of each child workload on the reporting host.
type HostStatusReport struct {
	Children map[string]bool `json:"children"`
}

// UnmarshalPayload decodes the message payload into v.
func (m *Message) UnmarshalPayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// CommandResult is the minimal reply payload agents send back for a
// command message. Anything beyond this envelope is command-specific.
type CommandResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
