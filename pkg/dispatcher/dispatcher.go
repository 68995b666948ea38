package dispatcher

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfleet/shepherd/pkg/connection"
	"github.com/openfleet/shepherd/pkg/directory"
	"github.com/openfleet/shepherd/pkg/log"
	"github.com/openfleet/shepherd/pkg/metrics"
	"github.com/openfleet/shepherd/pkg/queue"
	"github.com/openfleet/shepherd/pkg/types"
	"github.com/rs/zerolog"
)

// Handler processes an agent-initiated inbound message (one that is not
// a reply to an outbound request). Handlers are keyed by message type and
// owned by the business layer; the dispatcher only routes.
type Handler func(msg *types.Message) error

// Config holds dispatcher tuning.
type Config struct {
	// Workers is the number of concurrent outbound dispatch workers.
	Workers int
	// ClaimInterval is the fallback poll interval when no enqueue signal
	// arrives.
	ClaimInterval time.Duration
	// Backoff computes transport-failure retry delays.
	Backoff queue.Backoff
	// ExpireAfter is how long a never-claimed message may wait before the
	// sweep moves it to expired. Zero disables expiry.
	ExpireAfter time.Duration
	// SweepInterval is how often the expiry sweep and queue-depth gauges run.
	SweepInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		ClaimInterval: time.Second,
		Backoff:       queue.DefaultBackoff,
		ExpireAfter:   24 * time.Hour,
		SweepInterval: time.Minute,
	}
}

// Dispatcher is the scheduling loop between the queue and the connection
// manager: it claims due outbound messages and hands them to live
// connections, drains inbound messages and matches replies to waiters,
// applies retry/backoff and terminal-failure policy, and reconciles
// in-flight messages when an agent disconnects.
type Dispatcher struct {
	queue    *queue.Queue
	conns    *connection.Manager
	dir      directory.HostDirectory
	recorder *metrics.Recorder
	cfg      Config

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates a dispatcher. recorder may be nil to disable persisted
// rollups (tests).
func New(q *queue.Queue, conns *connection.Manager, dir directory.HostDirectory, recorder *metrics.Recorder, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = DefaultConfig().ClaimInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Dispatcher{
		queue:    q,
		conns:    conns,
		dir:      dir,
		recorder: recorder,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("dispatcher"),
	}
}

// Handle registers a handler for agent-initiated inbound messages of the
// given type. Must be called before Start.
func (d *Dispatcher) Handle(messageType string, h Handler) {
	d.handlersMu.Lock()
	d.handlers[messageType] = h
	d.handlersMu.Unlock()
}

// Start launches the worker pool, the inbound drain loop, the expiry
// sweep and the disconnect reconciler.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.outboundLoop(fmt.Sprintf("dispatch-%d", i))
	}

	d.wg.Add(1)
	go d.inboundLoop()

	d.wg.Add(1)
	go d.sweepLoop()

	d.wg.Add(1)
	go d.reconcileLoop()
}

// Stop terminates all loops and waits for them to finish.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// outboundLoop claims and dispatches outbound messages until stopped.
// It drains everything claimable, then suspends until the queue signals
// new work or the fallback interval elapses.
func (d *Dispatcher) outboundLoop(workerToken string) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		d.drainOutbound(workerToken)

		select {
		case <-d.stopCh:
			return
		case <-d.queue.Notify():
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) drainOutbound(workerToken string) {
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		msg, err := d.queue.ClaimNext(types.DirectionOutbound, workerToken)
		if err != nil {
			d.logger.Error().Err(err).Msg("claim failed")
			return
		}
		if msg == nil {
			return
		}
		d.dispatch(msg)
	}
}

// dispatch sends one claimed outbound message. On success the message
// stays in_flight until its reply arrives; completion is reply-driven.
// Messages without a target host are broadcasts and fan out instead.
func (d *Dispatcher) dispatch(msg *types.Message) {
	if msg.HostID == "" {
		d.broadcast(msg)
		return
	}

	// Fast-fail policy: ineligible targets are never retried.
	valid, err := d.dir.IsTargetValid(msg.HostID)
	if err != nil {
		d.failTransport(msg, fmt.Errorf("host directory: %w", err))
		return
	}
	if !valid {
		d.logger.Warn().
			Str("message_id", msg.MessageID).
			Str("host_id", msg.HostID).
			Msg("target host not active/approved, failing message")
		if err := d.queue.FailPermanent(msg.MessageID, fmt.Errorf("target host %s is not active/approved", msg.HostID)); err != nil {
			d.logger.Error().Err(err).Str("message_id", msg.MessageID).Msg("failed to record policy failure")
		}
		d.observeTerminal(msg, true)
		return
	}

	if err := d.conns.Send(msg.HostID, types.EnvelopeFor(msg)); err != nil {
		d.failTransport(msg, err)
		return
	}

	d.logger.Debug().
		Str("message_id", msg.MessageID).
		Str("host_id", msg.HostID).
		Str("type", msg.Type).
		Msg("message dispatched, awaiting reply")
}

// broadcast fans a targetless message out to every connected agent and
// completes it. Fan-out is fire-and-forget: no single reply can answer
// it, so delivery to at least one agent counts as done. With no agents
// connected the retry policy keeps it queued for a later attempt.
func (d *Dispatcher) broadcast(msg *types.Message) {
	delivered := d.conns.Broadcast(types.EnvelopeFor(msg))
	if delivered == 0 {
		d.failTransport(msg, errors.New("no agents connected for broadcast"))
		return
	}

	if err := d.queue.Complete(msg.MessageID); err != nil {
		d.logger.Error().Err(err).Str("message_id", msg.MessageID).Msg("failed to complete broadcast")
		return
	}
	d.logger.Debug().
		Str("message_id", msg.MessageID).
		Str("type", msg.Type).
		Int("delivered", delivered).
		Msg("broadcast delivered")
	d.observeTerminal(msg, false)
}

// failTransport applies the retry policy for a transport failure.
func (d *Dispatcher) failTransport(msg *types.Message, cause error) {
	terminal := msg.RetryCount >= msg.MaxRetries
	delay := d.cfg.Backoff.Delay(msg.RetryCount)

	if err := d.queue.Fail(msg.MessageID, cause, delay); err != nil {
		d.logger.Error().Err(err).Str("message_id", msg.MessageID).Msg("failed to record transport failure")
		return
	}

	if terminal {
		d.observeTerminal(msg, true)
	} else {
		metrics.MessageRetries.Inc()
	}
}

// inboundLoop drains inbound messages: replies are matched to their
// requests and waiters, agent-initiated events are routed to handlers.
func (d *Dispatcher) inboundLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		for {
			msg, err := d.queue.ClaimNext(types.DirectionInbound, "inbound-drain")
			if err != nil {
				d.logger.Error().Err(err).Msg("inbound claim failed")
				break
			}
			if msg == nil {
				break
			}
			d.processInbound(msg)
		}

		select {
		case <-d.stopCh:
			return
		case <-d.queue.Notify():
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) processInbound(msg *types.Message) {
	if msg.ReplyTo != "" {
		d.processReply(msg)
		return
	}

	d.handlersMu.RLock()
	handler, ok := d.handlers[msg.Type]
	d.handlersMu.RUnlock()

	if !ok {
		d.logger.Debug().
			Str("message_id", msg.MessageID).
			Str("type", msg.Type).
			Msg("no handler for inbound message type")
		d.completeInbound(msg)
		return
	}

	if err := handler(msg); err != nil {
		d.failTransport(msg, fmt.Errorf("handler %s: %w", msg.Type, err))
		return
	}
	d.completeInbound(msg)
}

// processReply completes the outbound request the reply answers, hands
// the reply to any registered waiter, and completes the reply itself.
func (d *Dispatcher) processReply(reply *types.Message) {
	request, err := d.queue.GetStatus(reply.ReplyTo)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		d.logger.Warn().
			Str("message_id", reply.MessageID).
			Str("reply_to", reply.ReplyTo).
			Msg("reply references unknown request")
	case err != nil:
		d.logger.Error().Err(err).Str("message_id", reply.MessageID).Msg("failed to load request for reply")
	case !request.Status.Terminal():
		if err := d.queue.Complete(request.MessageID); err != nil {
			d.logger.Error().Err(err).Str("message_id", request.MessageID).Msg("failed to complete request")
		} else {
			d.observeTerminal(request, false)
		}
	}

	d.queue.ResolveReply(reply)
	d.completeInbound(reply)
}

func (d *Dispatcher) completeInbound(msg *types.Message) {
	if err := d.queue.Complete(msg.MessageID); err != nil {
		d.logger.Error().Err(err).Str("message_id", msg.MessageID).Msg("failed to complete inbound message")
		return
	}
	metrics.MessagesCompleted.WithLabelValues(string(types.DirectionInbound), string(types.MessageStatusCompleted)).Inc()
	if d.recorder != nil {
		d.recorder.ObserveLogged(metrics.MetricReceived, types.DirectionInbound, msg.HostID, time.Since(msg.CreatedAt), false)
	}
}

// observeTerminal records process and rollup metrics for an outbound
// message that just reached a terminal status.
func (d *Dispatcher) observeTerminal(msg *types.Message, failed bool) {
	status := types.MessageStatusCompleted
	if failed {
		status = types.MessageStatusFailed
	}
	metrics.MessagesCompleted.WithLabelValues(string(msg.Direction), string(status)).Inc()

	latency := time.Since(msg.CreatedAt)
	metrics.DispatchLatency.Observe(latency.Seconds())
	if d.recorder != nil {
		name := metrics.MetricDispatched
		if msg.Direction == types.DirectionInbound {
			name = metrics.MetricReceived
		}
		d.recorder.ObserveLogged(name, msg.Direction, msg.HostID, latency, failed)
	}
}

// reconcileLoop watches liveness events. A disconnect requeues the
// host's in-flight outbound messages as transport failures: a reply can
// no longer arrive on that connection, so the retry policy takes over.
func (d *Dispatcher) reconcileLoop() {
	defer d.wg.Done()

	events, cancel := d.conns.Subscribe("")
	defer cancel()

	for {
		select {
		case <-d.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			metrics.ConnectedAgents.Set(float64(d.conns.ConnectedCount()))
			if ev.Kind == connection.EventDisconnected {
				d.reconcileHost(ev.HostID)
			}
		}
	}
}

func (d *Dispatcher) reconcileHost(hostID string) {
	inFlight, err := d.queue.ListInFlight(hostID, types.DirectionOutbound)
	if err != nil {
		d.logger.Error().Err(err).Str("host_id", hostID).Msg("failed to list in-flight messages")
		return
	}
	for _, msg := range inFlight {
		d.failTransport(msg, fmt.Errorf("agent disconnected while message awaited reply"))
	}
	if len(inFlight) > 0 {
		d.logger.Info().
			Str("host_id", hostID).
			Int("requeued", len(inFlight)).
			Msg("reconciled in-flight messages after disconnect")
	}
}

// sweepLoop expires never-claimed messages past the retention window and
// refreshes queue depth gauges.
func (d *Dispatcher) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Dispatcher) sweep() {
	now := time.Now().UTC()
	for _, status := range []types.MessageStatus{
		types.MessageStatusPending,
		types.MessageStatusScheduled,
		types.MessageStatusInFlight,
	} {
		msgs, err := d.queue.ListByStatus(status)
		if err != nil {
			d.logger.Error().Err(err).Msg("sweep: list failed")
			return
		}

		depth := make(map[types.Direction]int)
		for _, msg := range msgs {
			depth[msg.Direction]++

			// Expiry applies only to messages never claimed for delivery.
			if d.cfg.ExpireAfter > 0 &&
				status != types.MessageStatusInFlight &&
				msg.StartedAt.IsZero() &&
				now.Sub(msg.CreatedAt) > d.cfg.ExpireAfter {
				if err := d.queue.Expire(msg.MessageID); err != nil {
					d.logger.Error().Err(err).Str("message_id", msg.MessageID).Msg("sweep: expire failed")
					continue
				}
				metrics.MessagesCompleted.WithLabelValues(string(msg.Direction), string(types.MessageStatusExpired)).Inc()
				if d.recorder != nil {
					d.recorder.ObserveLogged(metrics.MetricExpired, msg.Direction, msg.HostID, now.Sub(msg.CreatedAt), true)
				}
				depth[msg.Direction]--
			}
		}
		for direction, n := range depth {
			metrics.QueueDepth.WithLabelValues(string(direction), string(status)).Set(float64(n))
		}
	}
}
