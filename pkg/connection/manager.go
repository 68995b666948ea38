package connection

import (
	"errors"
	"sync"
	"time"

	"github.com/openfleet/shepherd/pkg/log"
	"github.com/openfleet/shepherd/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNoConnection means no live connection exists for the target host.
// The caller leaves the message queued for the next dispatch attempt.
var ErrNoConnection = errors.New("no live connection for host")

// Conn is one live bidirectional agent connection. Implementations are
// owned by the transport layer; the manager only sends frames and closes
// superseded handles.
type Conn interface {
	Send(env types.Envelope) error
	Close() error
}

// EventKind distinguishes liveness events.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
)

// Event is a liveness signal for one host. The reboot orchestrator
// subscribes to these directly, bypassing the message queue, because
// reconnection is a timing-critical signal rather than payload traffic.
type Event struct {
	HostID string
	Kind   EventKind
	At     time.Time
}

// ReceiveFunc handles an inbound frame surfaced by a transport.
type ReceiveFunc func(hostID string, env types.Envelope)

// hostConn serializes sends for one host while different hosts proceed
// fully in parallel.
type hostConn struct {
	mu   sync.Mutex
	conn Conn
}

type subscriber struct {
	hostID string // empty = all hosts
	ch     chan Event
}

// Manager tracks which hosts currently have a live connection and routes
// outbound frames to them. The registry is transient, in-memory state:
// after a restart every agent must reconnect, which the scheduler and
// orchestrator tolerate because they rely only on the queue and the
// liveness signal.
type Manager struct {
	mu        sync.RWMutex
	conns     map[string]*hostConn
	subs      map[*subscriber]struct{}
	onReceive ReceiveFunc
	logger    zerolog.Logger
}

// NewManager creates an empty connection registry.
func NewManager() *Manager {
	return &Manager{
		conns:  make(map[string]*hostConn),
		subs:   make(map[*subscriber]struct{}),
		logger: log.WithComponent("connection"),
	}
}

// SetReceiver installs the inbound frame handler. Must be called before
// any transport starts delivering frames.
func (m *Manager) SetReceiver(fn ReceiveFunc) {
	m.mu.Lock()
	m.onReceive = fn
	m.mu.Unlock()
}

// Register installs conn as the live connection for hostID. At most one
// live connection exists per host: a new connection supersedes and
// invalidates the prior handle, which is closed.
func (m *Manager) Register(hostID string, conn Conn) {
	m.mu.Lock()
	prev := m.conns[hostID]
	m.conns[hostID] = &hostConn{conn: conn}
	m.mu.Unlock()

	if prev != nil {
		prev.mu.Lock()
		prev.conn.Close()
		prev.mu.Unlock()
		m.logger.Debug().Str("host_id", hostID).Msg("superseded prior connection")
	}

	m.logger.Info().Str("host_id", hostID).Msg("agent connected")
	m.publish(Event{HostID: hostID, Kind: EventConnected, At: time.Now().UTC()})
}

// Unregister removes conn if it is still the live connection for hostID.
// A handle superseded by a newer registration is ignored, so a stale
// transport teardown cannot kill the replacement connection.
func (m *Manager) Unregister(hostID string, conn Conn) {
	m.mu.Lock()
	hc, ok := m.conns[hostID]
	if !ok || hc.conn != conn {
		m.mu.Unlock()
		return
	}
	delete(m.conns, hostID)
	m.mu.Unlock()

	m.logger.Info().Str("host_id", hostID).Msg("agent disconnected")
	m.publish(Event{HostID: hostID, Kind: EventDisconnected, At: time.Now().UTC()})
}

// Send routes an outbound envelope to the host's live connection.
// Returns ErrNoConnection when none exists; any other error is a
// transport failure on a live connection.
func (m *Manager) Send(hostID string, env types.Envelope) error {
	m.mu.RLock()
	hc, ok := m.conns[hostID]
	m.mu.RUnlock()
	if !ok {
		return ErrNoConnection
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.conn.Send(env)
}

// Broadcast fans an envelope out to every live connection and returns
// the number of hosts it was delivered to. Per-host send failures are
// logged and skipped; a broadcast is best-effort by nature.
func (m *Manager) Broadcast(env types.Envelope) int {
	m.mu.RLock()
	targets := make(map[string]*hostConn, len(m.conns))
	for hostID, hc := range m.conns {
		targets[hostID] = hc
	}
	m.mu.RUnlock()

	delivered := 0
	for hostID, hc := range targets {
		hc.mu.Lock()
		err := hc.conn.Send(env)
		hc.mu.Unlock()
		if err != nil {
			m.logger.Debug().Err(err).Str("host_id", hostID).Msg("broadcast send failed")
			continue
		}
		delivered++
	}
	return delivered
}

// OnReceive surfaces an inbound frame from a transport to the installed
// receiver.
func (m *Manager) OnReceive(hostID string, env types.Envelope) {
	m.mu.RLock()
	fn := m.onReceive
	m.mu.RUnlock()
	if fn != nil {
		fn(hostID, env)
	}
}

// Connected reports whether hostID has a live connection.
func (m *Manager) Connected(hostID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[hostID]
	return ok
}

// ConnectedCount returns the number of live connections.
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Subscribe returns a channel of liveness events for hostID (empty string
// subscribes to all hosts) and a cancel function. Events are dropped for
// subscribers that fall behind rather than blocking the registry.
func (m *Manager) Subscribe(hostID string) (<-chan Event, func()) {
	sub := &subscriber{hostID: hostID, ch: make(chan Event, 16)}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if _, ok := m.subs[sub]; ok {
			delete(m.subs, sub)
			close(sub.ch)
		}
		m.mu.Unlock()
	}
	return sub.ch, cancel
}

func (m *Manager) publish(ev Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for sub := range m.subs {
		if sub.hostID != "" && sub.hostID != ev.HostID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber buffer full, skip
		}
	}
}
