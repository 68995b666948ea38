package storage

import (
	"errors"
	"time"

	"github.com/openfleet/shepherd/pkg/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the interface for control-plane state storage.
// Implemented by BoltDB-backed storage.
type Store interface {
	// Messages
	CreateMessage(msg *types.Message) (uint64, error)
	GetMessage(messageID string) (*types.Message, error)
	ListMessages() ([]*types.Message, error)
	ListMessagesByStatus(status types.MessageStatus) ([]*types.Message, error)
	ListMessagesByHost(hostID string, direction types.Direction) ([]*types.Message, error)

	// ClaimNextMessage atomically selects the best eligible message for
	// the given direction (priority desc, scheduled_at asc, seq asc among
	// status pending/scheduled with scheduled_at <= now), transitions it
	// to in_flight tagged with workerToken, and returns it. Returns
	// ErrNotFound when no message is eligible.
	ClaimNextMessage(direction types.Direction, workerToken string, now time.Time) (*types.Message, error)

	// TransitionMessage loads the message, applies mutate and writes the
	// result back, all inside one write transaction. Concurrent
	// transitions on the same message serialize: each mutate sees the
	// state the previous one committed. Returning an error from mutate
	// aborts the transaction; the error is returned unchanged.
	TransitionMessage(messageID string, mutate func(*types.Message) error) error

	// Queue metrics
	UpsertQueueMetric(metric *types.QueueMetric) error
	GetQueueMetric(key string) (*types.QueueMetric, error)
	ListQueueMetrics() ([]*types.QueueMetric, error)

	// Reboot orchestrations
	CreateOrchestration(o *types.RebootOrchestration) error
	GetOrchestration(id string) (*types.RebootOrchestration, error)
	UpdateOrchestration(o *types.RebootOrchestration) error
	ListOrchestrations() ([]*types.RebootOrchestration, error)

	// Hosts
	CreateHost(host *types.Host) error
	GetHost(id string) (*types.Host, error)
	UpdateHost(host *types.Host) error
	ListHosts() ([]*types.Host, error)
	ListHostsByParent(parentID string) ([]*types.Host, error)
	DeleteHost(id string) error

	// Utility
	Close() error
}
