package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openfleet/shepherd/pkg/connection"
	"github.com/openfleet/shepherd/pkg/directory"
	"github.com/openfleet/shepherd/pkg/log"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openfleet/shepherd/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 1 << 20 // 1 MiB
	sendBufferSize = 64
)

// inboundRate caps how fast a single agent can push frames at the
// server. Bursts cover reconnect catch-up; sustained flooding gets the
// connection dropped.
var inboundRate = rate.Limit(50)

const inboundBurst = 100

// Config holds websocket endpoint tuning.
type Config struct {
	// HeaderHostID names the request header carrying the agent's host id.
	HeaderHostID string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{HeaderHostID: "X-Shepherd-Host-ID"}
}

// WebsocketServer upgrades agent HTTP requests to websocket connections
// and bridges them into the connection manager. Each accepted connection
// becomes the host's single live connection.Conn.
type WebsocketServer struct {
	conns    *connection.Manager
	dir      directory.HostDirectory
	cfg      Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewWebsocketServer creates the agent endpoint handler.
func NewWebsocketServer(conns *connection.Manager, dir directory.HostDirectory, cfg Config) *WebsocketServer {
	if cfg.HeaderHostID == "" {
		cfg.HeaderHostID = DefaultConfig().HeaderHostID
	}
	return &WebsocketServer{
		conns: conns,
		dir:   dir,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: log.WithComponent("transport"),
	}
}

// ServeHTTP handles GET /v1/agents/ws. The agent identifies itself with
// the host id header; unknown or unapproved hosts are rejected before
// the upgrade.
func (s *WebsocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hostID := r.Header.Get(s.cfg.HeaderHostID)
	if hostID == "" {
		hostID = r.URL.Query().Get("host_id")
	}
	if hostID == "" {
		http.Error(w, "missing host id", http.StatusBadRequest)
		return
	}

	valid, err := s.dir.IsTargetValid(hostID)
	if err != nil {
		s.logger.Error().Err(err).Str("host_id", hostID).Msg("host directory lookup failed")
		http.Error(w, "host directory unavailable", http.StatusServiceUnavailable)
		return
	}
	if !valid {
		http.Error(w, "host not approved", http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("host_id", hostID).Msg("websocket upgrade failed")
		return
	}

	ac := &agentConn{
		hostID:  hostID,
		ws:      ws,
		send:    make(chan types.Envelope, sendBufferSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(inboundRate, inboundBurst),
		logger:  s.logger.With().Str("host_id", hostID).Logger(),
	}

	s.conns.Register(hostID, ac)
	go ac.writePump()
	go ac.readPump(s.conns)
}

// agentConn is one live agent websocket. It implements connection.Conn:
// Send hands the envelope to the write pump, which owns all writes to
// the underlying socket.
type agentConn struct {
	hostID  string
	ws      *websocket.Conn
	send    chan types.Envelope
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// Send queues env for transmission. Fails when the connection is closed
// or the agent is too slow to drain its send buffer.
func (c *agentConn) Send(env types.Envelope) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection to %s closed", c.hostID)
	case c.send <- env:
		return nil
	default:
		return fmt.Errorf("send buffer full for %s", c.hostID)
	}
}

// Close tears the connection down. Safe to call multiple times; the
// manager calls it when a newer connection supersedes this one.
func (c *agentConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
	return nil
}

// readPump drains inbound frames until the socket dies, then unregisters
// from the manager. Runs as the sole reader of the socket.
func (c *agentConn) readPump(conns *connection.Manager) {
	defer func() {
		conns.Unregister(c.hostID, c)
		c.Close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		if !c.limiter.Allow() {
			c.logger.Warn().Msg("agent exceeded inbound rate limit, dropping connection")
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}
		conns.OnReceive(c.hostID, env)
	}
}

// writePump owns all writes to the socket: queued envelopes plus the
// keepalive pings that arm the read deadline on the agent side.
func (c *agentConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
