package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openfleet/shepherd/pkg/log"
	"github.com/openfleet/shepherd/pkg/storage"
	"github.com/openfleet/shepherd/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidTarget means a directed message was enqueued without a host.
	ErrInvalidTarget = errors.New("invalid target: host_id required for directed message")
	// ErrNotFound means the referenced message does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrTerminalStatus means a transition was attempted on a message that
	// already reached completed, failed or expired.
	ErrTerminalStatus = errors.New("message already in terminal status")
)

// EnqueueRequest describes one message to enqueue.
type EnqueueRequest struct {
	MessageID     string // optional; generated when empty
	Direction     types.Direction
	HostID        string
	Type          string
	Payload       []byte
	Priority      types.Priority
	MaxRetries    int
	ScheduledAt   time.Time // zero = eligible immediately
	CorrelationID string
	ReplyTo       string
	Broadcast     bool // administrative message with no target host
}

// Queue is the durable priority message queue mediating all server<->agent
// traffic. It is a thin behavioral layer over the Store: status
// transitions, retry bookkeeping, idempotent inbound ingestion and
// request/response matching.
//
// All methods are safe for concurrent use.
type Queue struct {
	store   storage.Store
	waiters *waiters
	notify  chan struct{}
	logger  zerolog.Logger
}

// New creates a Queue over the given store.
func New(store storage.Store) *Queue {
	return &Queue{
		store:   store,
		waiters: newWaiters(),
		notify:  make(chan struct{}, 1),
		logger:  log.WithComponent("queue"),
	}
}

// Notify returns a channel that receives a signal whenever a message may
// have become eligible for dispatch. The dispatcher selects on it instead
// of busy-polling.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue creates a new message and returns its message id.
// Fails synchronously with ErrInvalidTarget when a directed message
// carries no host id.
func (q *Queue) Enqueue(req EnqueueRequest) (string, error) {
	if req.HostID == "" && !req.Broadcast {
		return "", ErrInvalidTarget
	}

	now := time.Now().UTC()
	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}

	status := types.MessageStatusPending
	if scheduledAt.After(now) {
		status = types.MessageStatusScheduled
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	msg := &types.Message{
		MessageID:     messageID,
		HostID:        req.HostID,
		Direction:     req.Direction,
		Type:          req.Type,
		Payload:       req.Payload,
		Status:        status,
		Priority:      req.Priority,
		MaxRetries:    req.MaxRetries,
		CreatedAt:     now,
		ScheduledAt:   scheduledAt,
		CorrelationID: req.CorrelationID,
		ReplyTo:       req.ReplyTo,
	}

	if _, err := q.store.CreateMessage(msg); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	q.logger.Debug().
		Str("message_id", msg.MessageID).
		Str("host_id", msg.HostID).
		Str("type", msg.Type).
		Str("direction", string(msg.Direction)).
		Str("priority", msg.Priority.String()).
		Msg("message enqueued")

	q.wake()
	return msg.MessageID, nil
}

// ClaimNext atomically claims the best eligible message for the given
// direction, tagging it with workerToken. Returns nil when nothing is
// eligible.
func (q *Queue) ClaimNext(direction types.Direction, workerToken string) (*types.Message, error) {
	msg, err := q.store.ClaimNextMessage(direction, workerToken, time.Now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return msg, nil
}

// errAlreadyApplied aborts a transition whose effect is already in
// place, e.g. completing an already-completed message.
var errAlreadyApplied = errors.New("transition already applied")

// transition runs mutate against the stored message inside one write
// transaction, so the terminal-status check and the status write cannot
// interleave with a concurrent Complete/Fail/Expire on the same
// message.
func (q *Queue) transition(messageID string, mutate func(*types.Message) error) error {
	err := q.store.TransitionMessage(messageID, mutate)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, messageID)
	case errors.Is(err, errAlreadyApplied):
		return nil
	}
	return err
}

// Complete marks a message as successfully processed. Completing an
// already-completed message is a no-op; any other terminal status is an
// error.
func (q *Queue) Complete(messageID string) error {
	return q.transition(messageID, func(msg *types.Message) error {
		if msg.Status == types.MessageStatusCompleted {
			return errAlreadyApplied
		}
		if msg.Status.Terminal() {
			return fmt.Errorf("complete %s (status %s): %w", messageID, msg.Status, ErrTerminalStatus)
		}
		msg.Status = types.MessageStatusCompleted
		msg.CompletedAt = time.Now().UTC()
		return nil
	})
}

// Fail records a failed delivery attempt. If the message still has
// retries left, it is re-queued as pending with scheduled_at pushed out
// by retryDelay; otherwise it transitions to the terminal failed status
// and any reply waiter is released with an error.
func (q *Queue) Fail(messageID string, failure error, retryDelay time.Duration) error {
	var retried bool
	var retryCount int
	err := q.transition(messageID, func(msg *types.Message) error {
		if msg.Status.Terminal() {
			return fmt.Errorf("fail %s (status %s): %w", messageID, msg.Status, ErrTerminalStatus)
		}

		now := time.Now().UTC()
		msg.ErrorMessage = failure.Error()
		msg.LastErrorAt = now
		msg.WorkerToken = ""

		if msg.RetryCount < msg.MaxRetries {
			msg.RetryCount++
			msg.Status = types.MessageStatusPending
			msg.ScheduledAt = now.Add(retryDelay)
			retried = true
			retryCount = msg.RetryCount
			return nil
		}

		msg.Status = types.MessageStatusFailed
		msg.CompletedAt = now
		return nil
	})
	if err != nil {
		return err
	}

	if retried {
		q.logger.Debug().
			Str("message_id", messageID).
			Int("retry_count", retryCount).
			Dur("retry_delay", retryDelay).
			Msg("message re-queued for retry")
		q.wake()
		return nil
	}

	q.logger.Warn().
		Str("message_id", messageID).
		Str("error", failure.Error()).
		Msg("message failed terminally")
	q.waiters.fail(messageID, fmt.Errorf("message failed: %s", failure.Error()))
	return nil
}

// FailPermanent records a non-retryable policy failure: the message goes
// straight to failed regardless of remaining retries.
func (q *Queue) FailPermanent(messageID string, failure error) error {
	err := q.transition(messageID, func(msg *types.Message) error {
		if msg.Status.Terminal() {
			return fmt.Errorf("fail %s (status %s): %w", messageID, msg.Status, ErrTerminalStatus)
		}
		now := time.Now().UTC()
		msg.Status = types.MessageStatusFailed
		msg.ErrorMessage = failure.Error()
		msg.LastErrorAt = now
		msg.CompletedAt = now
		msg.WorkerToken = ""
		return nil
	})
	if err != nil {
		return err
	}
	q.waiters.fail(messageID, fmt.Errorf("message failed: %s", failure.Error()))
	return nil
}

// Expire moves a never-delivered message to the terminal expired status.
// Expiring an already-expired message is a no-op.
func (q *Queue) Expire(messageID string) error {
	err := q.transition(messageID, func(msg *types.Message) error {
		if msg.Status == types.MessageStatusExpired {
			return errAlreadyApplied
		}
		if msg.Status.Terminal() {
			return fmt.Errorf("expire %s (status %s): %w", messageID, msg.Status, ErrTerminalStatus)
		}
		msg.Status = types.MessageStatusExpired
		msg.CompletedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	q.waiters.fail(messageID, fmt.Errorf("message expired before delivery"))
	return nil
}

// Ingest records an inbound frame received from an agent. Duplicate
// frames for an already-known message id are idempotently ignored: the
// stored message is returned with accepted=false and no effects are
// re-applied.
func (q *Queue) Ingest(hostID string, env types.Envelope) (msg *types.Message, accepted bool, err error) {
	if env.MessageID == "" {
		return nil, false, fmt.Errorf("ingest: frame without message_id")
	}

	existing, err := q.store.GetMessage(env.MessageID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("ingest: %w", err)
	}

	now := time.Now().UTC()
	msg = &types.Message{
		MessageID:     env.MessageID,
		HostID:        hostID,
		Direction:     types.DirectionInbound,
		Type:          env.MessageType,
		Payload:       []byte(env.Payload),
		Status:        types.MessageStatusPending,
		Priority:      types.PriorityNormal,
		CreatedAt:     now,
		ScheduledAt:   now,
		CorrelationID: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
	}
	if _, err := q.store.CreateMessage(msg); err != nil {
		// Lost a race with a duplicate frame; treat as already processed.
		if dup, getErr := q.store.GetMessage(env.MessageID); getErr == nil {
			return dup, false, nil
		}
		return nil, false, fmt.Errorf("ingest: %w", err)
	}

	q.wake()
	return msg, true, nil
}

// ListInFlight returns the in-flight messages for one host and direction.
// Used by the dispatcher's liveness-driven reconciliation.
func (q *Queue) ListInFlight(hostID string, direction types.Direction) ([]*types.Message, error) {
	msgs, err := q.store.ListMessagesByHost(hostID, direction)
	if err != nil {
		return nil, err
	}
	var inFlight []*types.Message
	for _, msg := range msgs {
		if msg.Status == types.MessageStatusInFlight {
			inFlight = append(inFlight, msg)
		}
	}
	return inFlight, nil
}

// ListByStatus returns all messages with the given status.
func (q *Queue) ListByStatus(status types.MessageStatus) ([]*types.Message, error) {
	return q.store.ListMessagesByStatus(status)
}

// GetStatus returns the current persisted state of a message.
func (q *Queue) GetStatus(messageID string) (*types.Message, error) {
	return q.get(messageID)
}

func (q *Queue) get(messageID string) (*types.Message, error) {
	msg, err := q.store.GetMessage(messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, messageID)
	}
	return msg, err
}
