package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openfleet/shepherd/pkg/connection"
	"github.com/openfleet/shepherd/pkg/directory"
	"github.com/openfleet/shepherd/pkg/log"
	"github.com/openfleet/shepherd/pkg/metrics"
	"github.com/openfleet/shepherd/pkg/queue"
	"github.com/openfleet/shepherd/pkg/storage"
	"github.com/openfleet/shepherd/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidParent means the parent host is unknown or not active/approved.
	ErrInvalidParent = errors.New("parent host is not a valid target")
	// ErrAlreadyRunning means a reboot orchestration is already in
	// progress for the parent host.
	ErrAlreadyRunning = errors.New("reboot orchestration already in progress for host")
	// ErrNotFound is returned when an orchestration id is unknown.
	ErrNotFound = errors.New("orchestration not found")
)

// LivenessSignal delivers connect/disconnect events for a host. The
// connection manager implements it; tests substitute their own signal so
// reconnect detection does not hard-depend on any probing mechanism.
type LivenessSignal interface {
	Subscribe(hostID string) (<-chan connection.Event, func())
}

// Config holds orchestrator tuning.
type Config struct {
	// RebootAckTimeout bounds the wait for the parent agent to
	// acknowledge the reboot command.
	RebootAckTimeout time.Duration
	// ReconnectWindow bounds the wait for the parent agent to disconnect
	// and reconnect after the reboot is acknowledged.
	ReconnectWindow time.Duration
	// ChildStartTimeout bounds the wait for each child restart
	// acknowledgment.
	ChildStartTimeout time.Duration
	// CommandMaxRetries is applied to every command the orchestrator
	// enqueues.
	CommandMaxRetries int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RebootAckTimeout:  time.Minute,
		ReconnectWindow:   10 * time.Minute,
		ChildStartTimeout: 2 * time.Minute,
		CommandMaxRetries: 3,
	}
}

// Orchestrator drives coordinated reboots: snapshot the parent's child
// hosts, shut them down through the queue, reboot the parent, wait for
// its agent to reconnect, then restart the snapshotted children and
// record per-child outcomes.
//
// It is a client of the queue: every step is driven by correlated
// replies or by the liveness signal, never by polling host status.
type Orchestrator struct {
	store  storage.Store
	queue  *queue.Queue
	live   LivenessSignal
	dir    directory.HostDirectory
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	running map[string]struct{} // parent host ids with an active run

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an Orchestrator.
func New(store storage.Store, q *queue.Queue, live LivenessSignal, dir directory.HostDirectory, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.RebootAckTimeout <= 0 {
		cfg.RebootAckTimeout = def.RebootAckTimeout
	}
	if cfg.ReconnectWindow <= 0 {
		cfg.ReconnectWindow = def.ReconnectWindow
	}
	if cfg.ChildStartTimeout <= 0 {
		cfg.ChildStartTimeout = def.ChildStartTimeout
	}
	if cfg.CommandMaxRetries <= 0 {
		cfg.CommandMaxRetries = def.CommandMaxRetries
	}
	return &Orchestrator{
		store:   store,
		queue:   q,
		live:    live,
		dir:     dir,
		cfg:     cfg,
		logger:  log.WithComponent("orchestrator"),
		running: make(map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Stop aborts all running orchestrations and waits for their goroutines.
// Aborted runs are marked failed; a restarted server never resumes a
// half-finished reboot sequence.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	o.wg.Wait()
}

// Start begins a reboot orchestration for parentHostID and returns its
// id. The child snapshot is captured here, exactly once; later steps
// never re-read the directory, so topology changes mid-flight cannot
// add or drop targets. Fails synchronously for an invalid parent or a
// parent that is already mid-orchestration.
func (o *Orchestrator) Start(parentHostID string, shutdownTimeoutSeconds int, initiatedBy string) (string, error) {
	valid, err := o.dir.IsTargetValid(parentHostID)
	if err != nil {
		return "", fmt.Errorf("host directory: %w", err)
	}
	if !valid {
		return "", fmt.Errorf("%w: %s", ErrInvalidParent, parentHostID)
	}

	children, err := o.dir.ListChildren(parentHostID)
	if err != nil {
		return "", fmt.Errorf("listing children of %s: %w", parentHostID, err)
	}

	o.mu.Lock()
	if _, busy := o.running[parentHostID]; busy {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAlreadyRunning, parentHostID)
	}
	o.running[parentHostID] = struct{}{}
	o.mu.Unlock()

	snapshot := make([]types.ChildSnapshot, 0, len(children))
	for _, c := range children {
		// A child acting as its own parent would recurse forever; treat
		// every snapshotted child as a leaf and drop self-references.
		if c.ChildID == parentHostID {
			continue
		}
		snapshot = append(snapshot, types.ChildSnapshot{ChildID: c.ChildID, Running: c.Running})
	}

	orch := &types.RebootOrchestration{
		ID:                     uuid.New().String(),
		ParentHostID:           parentHostID,
		Status:                 types.OrchestrationPendingShutdown,
		ChildHostsSnapshot:     snapshot,
		ChildShutdownStatus:    make(map[string]types.ChildOutcome),
		ChildRestartStatus:     make(map[string]types.ChildOutcome),
		ShutdownTimeoutSeconds: shutdownTimeoutSeconds,
		InitiatedBy:            initiatedBy,
		InitiatedAt:            time.Now().UTC(),
	}
	if err := o.store.CreateOrchestration(orch); err != nil {
		o.release(parentHostID)
		return "", fmt.Errorf("persisting orchestration: %w", err)
	}

	o.wg.Add(1)
	go o.run(orch)

	return orch.ID, nil
}

// Get returns the persisted state of an orchestration.
func (o *Orchestrator) Get(id string) (*types.RebootOrchestration, error) {
	orch, err := o.store.GetOrchestration(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return orch, err
}

func (o *Orchestrator) release(parentHostID string) {
	o.mu.Lock()
	delete(o.running, parentHostID)
	o.mu.Unlock()
}

// run drives one orchestration to a terminal state.
func (o *Orchestrator) run(orch *types.RebootOrchestration) {
	defer o.wg.Done()
	defer o.release(orch.ParentHostID)

	logger := o.logger.With().Str("orchestration_id", orch.ID).Str("parent_host_id", orch.ParentHostID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-o.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Subscribe to the parent's liveness before anything is enqueued so
	// the disconnect/reconnect pair around the reboot cannot be missed.
	events, unsubscribe := o.live.Subscribe(orch.ParentHostID)
	defer unsubscribe()

	if !o.shutdownChildren(ctx, orch, logger) {
		return
	}
	if !o.rebootParent(ctx, orch, logger) {
		return
	}
	if !o.awaitReconnect(ctx, orch, events, logger) {
		return
	}
	o.restartChildren(ctx, orch, logger)
}

// shutdownChildren runs the pending_shutdown -> shutdown_in_progress ->
// shutdown_completed leg. Returns false when the orchestration failed.
func (o *Orchestrator) shutdownChildren(ctx context.Context, orch *types.RebootOrchestration, logger zerolog.Logger) bool {
	var targets []types.ChildSnapshot
	for _, c := range orch.ChildHostsSnapshot {
		if c.Running {
			targets = append(targets, c)
		} else {
			orch.ChildShutdownStatus[c.ChildID] = types.ChildOutcomeSkipped
		}
	}

	requests := make(map[string]string, len(targets)) // child id -> message id
	for _, c := range targets {
		msgID, err := o.sendCommand(c.ChildID, types.MessageTypeChildShutdown, orch)
		if err != nil {
			o.fail(orch, fmt.Sprintf("enqueueing shutdown for child %s: %v", c.ChildID, err))
			return false
		}
		requests[c.ChildID] = msgID
	}

	orch.Status = types.OrchestrationShutdownInProgress
	o.persist(orch)
	logger.Info().Int("children", len(targets)).Msg("child shutdown commands issued")

	timeout := time.Duration(orch.ShutdownTimeoutSeconds) * time.Second
	outcomes := o.collectReplies(ctx, requests, timeout)

	allDown := true
	for childID, outcome := range outcomes {
		orch.ChildShutdownStatus[childID] = outcome
		if outcome != types.ChildOutcomeSuccess {
			allDown = false
		}
	}

	if !allDown {
		o.persist(orch)
		o.fail(orch, fmt.Sprintf("child shutdown did not complete within %ds", orch.ShutdownTimeoutSeconds))
		return false
	}

	orch.Status = types.OrchestrationShutdownCompleted
	if orch.ShutdownCompletedAt.IsZero() {
		orch.ShutdownCompletedAt = time.Now().UTC()
	}
	o.persist(orch)
	logger.Info().Msg("all children shut down")
	return true
}

// rebootParent issues the reboot command and waits for the parent agent
// to acknowledge it before the reboot actually severs the connection.
func (o *Orchestrator) rebootParent(ctx context.Context, orch *types.RebootOrchestration, logger zerolog.Logger) bool {
	// A parent deleted or revoked mid-flight is a hard directory error.
	valid, err := o.dir.IsTargetValid(orch.ParentHostID)
	if err != nil {
		o.fail(orch, fmt.Sprintf("host directory: %v", err))
		return false
	}
	if !valid {
		o.fail(orch, fmt.Sprintf("parent host %s disappeared or was revoked during orchestration", orch.ParentHostID))
		return false
	}

	msgID, err := o.sendCommand(orch.ParentHostID, types.MessageTypeHostReboot, orch)
	if err != nil {
		o.fail(orch, fmt.Sprintf("enqueueing reboot: %v", err))
		return false
	}

	orch.Status = types.OrchestrationRebootIssued
	if orch.RebootIssuedAt.IsZero() {
		orch.RebootIssuedAt = time.Now().UTC()
	}
	o.persist(orch)
	logger.Info().Msg("reboot command issued")

	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.RebootAckTimeout)
	defer cancel()
	reply, err := o.queue.WaitForReply(waitCtx, msgID)
	if err != nil {
		o.fail(orch, fmt.Sprintf("reboot command not acknowledged: %v", err))
		return false
	}
	if ok, detail := resultOf(reply); !ok {
		o.fail(orch, fmt.Sprintf("reboot command rejected by agent: %s", detail))
		return false
	}
	return true
}

// awaitReconnect waits for the disconnect/reconnect pair the reboot
// produces, bounded by the reconnect window.
func (o *Orchestrator) awaitReconnect(ctx context.Context, orch *types.RebootOrchestration, events <-chan connection.Event, logger zerolog.Logger) bool {
	deadline := time.NewTimer(o.cfg.ReconnectWindow)
	defer deadline.Stop()

	sawDisconnect := false
	for {
		select {
		case <-ctx.Done():
			o.fail(orch, "orchestration aborted while waiting for agent reconnect")
			return false
		case <-deadline.C:
			o.fail(orch, fmt.Sprintf("parent agent did not reconnect within %s of reboot", o.cfg.ReconnectWindow))
			return false
		case ev, ok := <-events:
			if !ok {
				o.fail(orch, "liveness signal closed while waiting for agent reconnect")
				return false
			}
			switch ev.Kind {
			case connection.EventDisconnected:
				sawDisconnect = true
				logger.Debug().Msg("parent agent disconnected for reboot")
			case connection.EventConnected:
				if !sawDisconnect {
					// Stale connect from before the reboot; keep waiting.
					continue
				}
				if orch.AgentReconnectedAt.IsZero() {
					orch.AgentReconnectedAt = ev.At
				}
				orch.Status = types.OrchestrationRestartingChildren
				o.persist(orch)
				logger.Info().Msg("parent agent reconnected")
				return true
			}
		}
	}
}

// restartChildren re-issues start commands for every snapshotted child
// that was running before the reboot. Partial failure does not abort the
// run: each child's outcome is recorded independently and the
// orchestration completes once every child has been attempted.
func (o *Orchestrator) restartChildren(ctx context.Context, orch *types.RebootOrchestration, logger zerolog.Logger) {
	requests := make(map[string]string)
	for _, c := range orch.ChildHostsSnapshot {
		if !c.Running {
			orch.ChildRestartStatus[c.ChildID] = types.ChildOutcomeSkipped
			continue
		}
		msgID, err := o.sendCommand(c.ChildID, types.MessageTypeChildStart, orch)
		if err != nil {
			logger.Error().Err(err).Str("child_id", c.ChildID).Msg("failed to enqueue child start")
			orch.ChildRestartStatus[c.ChildID] = types.ChildOutcomeFailed
			continue
		}
		requests[c.ChildID] = msgID
	}
	o.persist(orch)

	outcomes := o.collectReplies(ctx, requests, o.cfg.ChildStartTimeout)
	for childID, outcome := range outcomes {
		orch.ChildRestartStatus[childID] = outcome
	}

	orch.Status = types.OrchestrationRestartCompleted
	if orch.RestartCompletedAt.IsZero() {
		orch.RestartCompletedAt = time.Now().UTC()
	}
	o.persist(orch)
	metrics.OrchestrationsTotal.WithLabelValues(string(types.OrchestrationRestartCompleted)).Inc()
	logger.Info().Interface("child_restart_status", orch.ChildRestartStatus).Msg("reboot orchestration completed")
}

// sendCommand enqueues one urgent command correlated to the
// orchestration, registering the reply waiter before the message becomes
// claimable.
func (o *Orchestrator) sendCommand(hostID, messageType string, orch *types.RebootOrchestration) (string, error) {
	msgID := uuid.New().String()
	o.queue.ExpectReply(msgID)
	_, err := o.queue.Enqueue(queue.EnqueueRequest{
		MessageID:     msgID,
		Direction:     types.DirectionOutbound,
		HostID:        hostID,
		Type:          messageType,
		Priority:      types.PriorityUrgent,
		MaxRetries:    o.cfg.CommandMaxRetries,
		CorrelationID: orch.ID,
	})
	if err != nil {
		return "", err
	}
	return msgID, nil
}

// collectReplies awaits the replies to a batch of requests in parallel,
// all under one timeout, and classifies each into a ChildOutcome.
func (o *Orchestrator) collectReplies(ctx context.Context, requests map[string]string, timeout time.Duration) map[string]types.ChildOutcome {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	outcomes := make(map[string]types.ChildOutcome, len(requests))

	var wg sync.WaitGroup
	for childID, msgID := range requests {
		wg.Add(1)
		go func(childID, msgID string) {
			defer wg.Done()
			reply, err := o.queue.WaitForReply(waitCtx, msgID)

			var outcome types.ChildOutcome
			switch {
			case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
				outcome = types.ChildOutcomeTimeout
			case err != nil:
				outcome = types.ChildOutcomeFailed
			default:
				if ok, _ := resultOf(reply); ok {
					outcome = types.ChildOutcomeSuccess
				} else {
					outcome = types.ChildOutcomeFailed
				}
			}

			mu.Lock()
			outcomes[childID] = outcome
			mu.Unlock()
		}(childID, msgID)
	}
	wg.Wait()
	return outcomes
}

// fail moves the orchestration to the terminal failed state.
func (o *Orchestrator) fail(orch *types.RebootOrchestration, reason string) {
	orch.Status = types.OrchestrationFailed
	orch.ErrorMessage = reason
	o.persist(orch)
	metrics.OrchestrationsTotal.WithLabelValues(string(types.OrchestrationFailed)).Inc()
	o.logger.Warn().
		Str("orchestration_id", orch.ID).
		Str("parent_host_id", orch.ParentHostID).
		Str("error", reason).
		Msg("reboot orchestration failed")
}

func (o *Orchestrator) persist(orch *types.RebootOrchestration) {
	if err := o.store.UpdateOrchestration(orch); err != nil {
		o.logger.Error().Err(err).Str("orchestration_id", orch.ID).Msg("failed to persist orchestration state")
	}
}

// resultOf parses the minimal command-result payload from a reply.
// An unparseable or empty payload counts as success: the reply itself is
// the acknowledgment, and agents only attach a body to report failure
// detail.
func resultOf(reply *types.Message) (bool, string) {
	if reply == nil || len(reply.Payload) == 0 {
		return true, ""
	}
	var res types.CommandResult
	if err := json.Unmarshal(reply.Payload, &res); err != nil {
		return true, ""
	}
	if res.Success {
		return true, ""
	}
	return false, res.Error
}
