package manager

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/openfleet/shepherd/pkg/config"
	"github.com/openfleet/shepherd/pkg/connection"
	"github.com/openfleet/shepherd/pkg/directory"
	"github.com/openfleet/shepherd/pkg/dispatcher"
	"github.com/openfleet/shepherd/pkg/log"
	"github.com/openfleet/shepherd/pkg/metrics"
	"github.com/openfleet/shepherd/pkg/orchestrator"
	"github.com/openfleet/shepherd/pkg/queue"
	"github.com/openfleet/shepherd/pkg/storage"
	"github.com/openfleet/shepherd/pkg/transport"
	"github.com/openfleet/shepherd/pkg/types"
	"github.com/rs/zerolog"
)

// ErrHostNotFound is returned for operations on an unknown host id.
var ErrHostNotFound = errors.New("host not found")

// Manager wires the control-plane components together: durable store,
// message queue, connection registry, websocket transport, dispatch
// loops and the reboot orchestrator. The API layer talks only to the
// Manager.
type Manager struct {
	cfg      *config.Config
	store    storage.Store
	queue    *queue.Queue
	conns    *connection.Manager
	dir      directory.HostDirectory
	recorder *metrics.Recorder
	disp     *dispatcher.Dispatcher
	orch     *orchestrator.Orchestrator
	ws       *transport.WebsocketServer
	logger   zerolog.Logger
}

// New builds a Manager from configuration. Nothing runs until Start.
func New(cfg *config.Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	q := queue.New(store)
	conns := connection.NewManager()
	dir := directory.NewStoreDirectory(store)
	recorder := metrics.NewRecorder(store, time.Hour)

	disp := dispatcher.New(q, conns, dir, recorder, dispatcher.Config{
		Workers:       cfg.Queue.Workers,
		ClaimInterval: cfg.Queue.ClaimInterval,
		Backoff: queue.Backoff{
			Base: cfg.Queue.RetryBackoffBase,
			Cap:  cfg.Queue.RetryBackoffCap,
		},
		ExpireAfter:   cfg.Queue.ExpireAfter,
		SweepInterval: cfg.Queue.SweepInterval,
	})

	orch := orchestrator.New(store, q, conns, dir, orchestrator.Config{
		RebootAckTimeout:  cfg.Orchestrator.RebootAckTimeout,
		ReconnectWindow:   cfg.Orchestrator.ReconnectWindow,
		ChildStartTimeout: cfg.Orchestrator.ChildStartTimeout,
		CommandMaxRetries: cfg.Queue.DefaultMaxRetries,
	})

	ws := transport.NewWebsocketServer(conns, dir, transport.DefaultConfig())

	m := &Manager{
		cfg:      cfg,
		store:    store,
		queue:    q,
		conns:    conns,
		dir:      dir,
		recorder: recorder,
		disp:     disp,
		orch:     orch,
		ws:       ws,
		logger:   log.WithComponent("manager"),
	}

	// Agent frames enter the queue through idempotent ingestion; the
	// dispatch loops take it from there.
	conns.SetReceiver(m.receive)
	disp.Handle(types.MessageTypeHostStatus, m.handleHostStatus)

	return m, nil
}

// Start launches the dispatch loops.
func (m *Manager) Start() {
	m.disp.Start()
	m.logger.Info().Str("data_dir", m.cfg.Storage.DataDir).Msg("manager started")
}

// Stop shuts the components down in dependency order and closes the
// store.
func (m *Manager) Stop() {
	m.orch.Stop()
	m.disp.Stop()
	if err := m.store.Close(); err != nil {
		m.logger.Error().Err(err).Msg("failed to close store")
	}
	m.logger.Info().Msg("manager stopped")
}

// WebsocketHandler returns the HTTP handler agents connect to.
func (m *Manager) WebsocketHandler() http.Handler {
	return m.ws
}

// receive ingests one inbound agent frame. Duplicates are dropped here;
// accepted frames become queued inbound messages.
func (m *Manager) receive(hostID string, env types.Envelope) {
	_, accepted, err := m.queue.Ingest(hostID, env)
	if err != nil {
		m.logger.Error().Err(err).Str("host_id", hostID).Msg("failed to ingest inbound frame")
		return
	}
	if !accepted {
		m.logger.Debug().
			Str("host_id", hostID).
			Str("message_id", env.MessageID).
			Msg("duplicate inbound frame ignored")
		return
	}
	metrics.MessagesEnqueued.WithLabelValues(string(types.DirectionInbound), types.PriorityNormal.String()).Inc()
}

// handleHostStatus applies agent-reported workload state to child hosts.
func (m *Manager) handleHostStatus(msg *types.Message) error {
	var report types.HostStatusReport
	if err := msg.UnmarshalPayload(&report); err != nil {
		return fmt.Errorf("parsing host status report: %w", err)
	}
	for childID, running := range report.Children {
		host, err := m.store.GetHost(childID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if host.Running != running {
			host.Running = running
			if err := m.store.UpdateHost(host); err != nil {
				return err
			}
		}
	}
	return nil
}

// EnqueueMessage enqueues an outbound command. A negative maxRetries
// selects the configured default.
func (m *Manager) EnqueueMessage(hostID, messageType string, payload []byte, priority types.Priority, maxRetries int, scheduledAt time.Time) (string, error) {
	if maxRetries < 0 {
		maxRetries = m.cfg.Queue.DefaultMaxRetries
	}
	id, err := m.queue.Enqueue(queue.EnqueueRequest{
		Direction:   types.DirectionOutbound,
		HostID:      hostID,
		Type:        messageType,
		Payload:     payload,
		Priority:    priority,
		MaxRetries:  maxRetries,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		return "", err
	}
	metrics.MessagesEnqueued.WithLabelValues(string(types.DirectionOutbound), priority.String()).Inc()
	return id, nil
}

// BroadcastMessage enqueues an outbound message with no target host;
// the dispatcher fans it out to every connected agent. A negative
// maxRetries selects the configured default.
func (m *Manager) BroadcastMessage(messageType string, payload []byte, priority types.Priority, maxRetries int, scheduledAt time.Time) (string, error) {
	if maxRetries < 0 {
		maxRetries = m.cfg.Queue.DefaultMaxRetries
	}
	id, err := m.queue.Enqueue(queue.EnqueueRequest{
		Direction:   types.DirectionOutbound,
		Type:        messageType,
		Payload:     payload,
		Priority:    priority,
		MaxRetries:  maxRetries,
		ScheduledAt: scheduledAt,
		Broadcast:   true,
	})
	if err != nil {
		return "", err
	}
	metrics.MessagesEnqueued.WithLabelValues(string(types.DirectionOutbound), priority.String()).Inc()
	return id, nil
}

// GetMessage returns the persisted state of one message.
func (m *Manager) GetMessage(messageID string) (*types.Message, error) {
	return m.queue.GetStatus(messageID)
}

// ListMessages returns all messages, optionally filtered by status.
func (m *Manager) ListMessages(status types.MessageStatus) ([]*types.Message, error) {
	if status == "" {
		return m.store.ListMessages()
	}
	return m.store.ListMessagesByStatus(status)
}

// StartReboot begins a reboot orchestration for parentHostID.
// A non-positive shutdown timeout selects the configured default.
func (m *Manager) StartReboot(parentHostID string, shutdownTimeoutSeconds int, initiatedBy string) (string, error) {
	if shutdownTimeoutSeconds <= 0 {
		shutdownTimeoutSeconds = m.cfg.Orchestrator.DefaultShutdownTimeoutSeconds
	}
	return m.orch.Start(parentHostID, shutdownTimeoutSeconds, initiatedBy)
}

// GetOrchestration returns the persisted state of one orchestration.
func (m *Manager) GetOrchestration(id string) (*types.RebootOrchestration, error) {
	return m.orch.Get(id)
}

// ListOrchestrations returns all reboot orchestrations.
func (m *Manager) ListOrchestrations() ([]*types.RebootOrchestration, error) {
	return m.store.ListOrchestrations()
}

// RegisterHost creates a host record. New hosts start unapproved; an
// operator approves them before the dispatcher will target them.
func (m *Manager) RegisterHost(hostname, parentID string) (*types.Host, error) {
	if parentID != "" {
		if _, err := m.store.GetHost(parentID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: parent %s", ErrHostNotFound, parentID)
			}
			return nil, err
		}
	}
	host := &types.Host{
		ID:        uuid.New().String(),
		Hostname:  hostname,
		ParentID:  parentID,
		Approved:  false,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateHost(host); err != nil {
		return nil, err
	}
	m.logger.Info().Str("host_id", host.ID).Str("hostname", hostname).Msg("host registered")
	return host, nil
}

// ApproveHost marks a host as approved for dispatch.
func (m *Manager) ApproveHost(id string) (*types.Host, error) {
	host, err := m.getHost(id)
	if err != nil {
		return nil, err
	}
	host.Approved = true
	if err := m.store.UpdateHost(host); err != nil {
		return nil, err
	}
	m.logger.Info().Str("host_id", id).Msg("host approved")
	return host, nil
}

// SetHostActive toggles a host's active flag. Inactive hosts stop being
// valid dispatch targets without losing their record.
func (m *Manager) SetHostActive(id string, active bool) (*types.Host, error) {
	host, err := m.getHost(id)
	if err != nil {
		return nil, err
	}
	host.Active = active
	if err := m.store.UpdateHost(host); err != nil {
		return nil, err
	}
	return host, nil
}

// GetHost returns one host record.
func (m *Manager) GetHost(id string) (*types.Host, error) {
	return m.getHost(id)
}

// ListHosts returns all host records.
func (m *Manager) ListHosts() ([]*types.Host, error) {
	return m.store.ListHosts()
}

// DeleteHost removes a host record.
func (m *Manager) DeleteHost(id string) error {
	if _, err := m.getHost(id); err != nil {
		return err
	}
	return m.store.DeleteHost(id)
}

// HostConnected reports whether the host's agent currently holds a live
// connection.
func (m *Manager) HostConnected(id string) bool {
	return m.conns.Connected(id)
}

// QueueMetrics returns the persisted metric rollups.
func (m *Manager) QueueMetrics() ([]*types.QueueMetric, error) {
	return m.store.ListQueueMetrics()
}

func (m *Manager) getHost(id string) (*types.Host, error) {
	host, err := m.store.GetHost(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotFound, id)
	}
	return host, err
}
