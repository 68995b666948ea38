package dispatcher

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openfleet/shepherd/pkg/connection"
	"github.com/openfleet/shepherd/pkg/directory"
	"github.com/openfleet/shepherd/pkg/queue"
	"github.com/openfleet/shepherd/pkg/storage"
	"github.com/openfleet/shepherd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a connection.Conn that records sent envelopes.
type fakeConn struct {
	mu      sync.Mutex
	sent    []types.Envelope
	sendErr error
}

func (c *fakeConn) Send(env types.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fixture struct {
	queue *queue.Queue
	conns *connection.Manager
	dir   *directory.Memory
	disp  *Dispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := queue.New(store)
	conns := connection.NewManager()
	conns.SetReceiver(func(hostID string, env types.Envelope) {
		q.Ingest(hostID, env)
	})
	dir := directory.NewMemory()

	if cfg.ClaimInterval == 0 {
		cfg.ClaimInterval = 10 * time.Millisecond
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = queue.Backoff{Base: time.Millisecond, Cap: time.Second}
	}

	d := New(q, conns, dir, nil, cfg)
	return &fixture{queue: q, conns: conns, dir: dir, disp: d}
}

func (f *fixture) addApprovedHost(id string) {
	f.dir.AddHost(&types.Host{ID: id, Approved: true, Active: true})
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.disp.Start()
	t.Cleanup(f.disp.Stop)
}

func waitForStatus(t *testing.T, q *queue.Queue, id string, want types.MessageStatus) *types.Message {
	t.Helper()
	var msg *types.Message
	require.Eventually(t, func() bool {
		m, err := q.GetStatus(id)
		if err != nil {
			return false
		}
		msg = m
		return m.Status == want
	}, 3*time.Second, 5*time.Millisecond, "message %s never reached %s", id, want)
	return msg
}

func TestDispatchedMessageStaysInFlightUntilReply(t *testing.T) {
	f := newFixture(t, Config{})
	f.addApprovedHost("host-1")

	conn := &fakeConn{}
	f.conns.Register("host-1", conn)
	f.start(t)

	id, err := f.queue.Enqueue(queue.EnqueueRequest{
		Direction: types.DirectionOutbound,
		HostID:    "host-1",
		Type:      "service.restart",
	})
	require.NoError(t, err)

	msg := waitForStatus(t, f.queue, id, types.MessageStatusInFlight)
	assert.Equal(t, 1, conn.sentCount())
	assert.False(t, msg.StartedAt.IsZero())

	// The agent replies; the request completes.
	f.conns.OnReceive("host-1", types.Envelope{
		MessageID:   "reply-1",
		MessageType: "service.restart.result",
		ReplyTo:     id,
	})

	waitForStatus(t, f.queue, id, types.MessageStatusCompleted)
	waitForStatus(t, f.queue, "reply-1", types.MessageStatusCompleted)
}

func TestTransportFailureRetriesWithBackoff(t *testing.T) {
	f := newFixture(t, Config{})
	f.addApprovedHost("host-1")
	// No connection registered: every attempt is a transport failure.
	f.start(t)

	id, err := f.queue.Enqueue(queue.EnqueueRequest{
		Direction:  types.DirectionOutbound,
		HostID:     "host-1",
		Type:       "service.restart",
		MaxRetries: 2,
	})
	require.NoError(t, err)

	msg := waitForStatus(t, f.queue, id, types.MessageStatusFailed)
	assert.Equal(t, 2, msg.RetryCount)
	assert.LessOrEqual(t, msg.RetryCount, msg.MaxRetries)
	assert.Contains(t, msg.ErrorMessage, "no live connection")
}

func TestZeroMaxRetriesFailsOnFirstTransportError(t *testing.T) {
	f := newFixture(t, Config{})
	f.addApprovedHost("host-1")
	f.start(t)

	id, err := f.queue.Enqueue(queue.EnqueueRequest{
		Direction:  types.DirectionOutbound,
		HostID:     "host-1",
		Type:       "service.restart",
		MaxRetries: 0,
	})
	require.NoError(t, err)

	msg := waitForStatus(t, f.queue, id, types.MessageStatusFailed)
	assert.Equal(t, 0, msg.RetryCount)
}

func TestInvalidTargetFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, Config{})
	// Host exists but is not approved.
	f.dir.AddHost(&types.Host{ID: "host-1", Approved: false, Active: true})
	f.start(t)

	id, err := f.queue.Enqueue(queue.EnqueueRequest{
		Direction:  types.DirectionOutbound,
		HostID:     "host-1",
		Type:       "service.restart",
		MaxRetries: 5,
	})
	require.NoError(t, err)

	msg := waitForStatus(t, f.queue, id, types.MessageStatusFailed)
	assert.Equal(t, 0, msg.RetryCount, "policy failures must not consume retries")
	assert.Contains(t, msg.ErrorMessage, "not active/approved")
}

func TestDisconnectRequeuesInFlightMessages(t *testing.T) {
	f := newFixture(t, Config{Backoff: queue.Backoff{Base: time.Hour, Cap: time.Hour}})
	f.addApprovedHost("host-1")

	conn := &fakeConn{}
	f.conns.Register("host-1", conn)
	f.start(t)

	id, err := f.queue.Enqueue(queue.EnqueueRequest{
		Direction:  types.DirectionOutbound,
		HostID:     "host-1",
		Type:       "service.restart",
		MaxRetries: 3,
	})
	require.NoError(t, err)

	waitForStatus(t, f.queue, id, types.MessageStatusInFlight)

	// The agent drops before replying; the message goes back to pending
	// with one retry consumed and a backoff delay applied.
	f.conns.Unregister("host-1", conn)

	msg := waitForStatus(t, f.queue, id, types.MessageStatusPending)
	assert.Equal(t, 1, msg.RetryCount)
	assert.Contains(t, msg.ErrorMessage, "disconnected")
	assert.True(t, msg.ScheduledAt.After(time.Now().UTC().Add(30*time.Minute)))
}

func TestAgentInitiatedEventRoutesToHandler(t *testing.T) {
	f := newFixture(t, Config{})

	var mu sync.Mutex
	var handled []string
	f.disp.Handle("host.status", func(msg *types.Message) error {
		mu.Lock()
		handled = append(handled, msg.MessageID)
		mu.Unlock()
		return nil
	})
	f.start(t)

	f.conns.OnReceive("host-1", types.Envelope{
		MessageID:   "event-1",
		MessageType: "host.status",
	})

	waitForStatus(t, f.queue, "event-1", types.MessageStatusCompleted)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"event-1"}, handled)
}

func TestUnhandledEventTypeIsConsumed(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	f.conns.OnReceive("host-1", types.Envelope{
		MessageID:   "event-1",
		MessageType: "totally.unknown",
	})

	waitForStatus(t, f.queue, "event-1", types.MessageStatusCompleted)
}

func TestHandlerErrorAppliesRetryPolicy(t *testing.T) {
	f := newFixture(t, Config{})

	f.disp.Handle("host.status", func(msg *types.Message) error {
		return errors.New("transient parse failure")
	})
	f.start(t)

	f.conns.OnReceive("host-1", types.Envelope{
		MessageID:   "event-1",
		MessageType: "host.status",
	})

	// Inbound messages are ingested with the default retry budget of
	// zero, so a handler error is terminal.
	msg := waitForStatus(t, f.queue, "event-1", types.MessageStatusFailed)
	assert.Contains(t, msg.ErrorMessage, "transient parse failure")
}

func TestSweepExpiresNeverClaimedMessages(t *testing.T) {
	f := newFixture(t, Config{
		SweepInterval: 20 * time.Millisecond,
		ExpireAfter:   time.Millisecond,
	})
	f.addApprovedHost("host-1")

	// Scheduled far in the future: the outbound loop never claims it, so
	// the sweep sees a never-started message past the retention window.
	id, err := f.queue.Enqueue(queue.EnqueueRequest{
		Direction:   types.DirectionOutbound,
		HostID:      "host-1",
		Type:        "service.restart",
		ScheduledAt: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	f.start(t)
	waitForStatus(t, f.queue, id, types.MessageStatusExpired)
}

func TestBroadcastFansOutToAllConnectedAgents(t *testing.T) {
	f := newFixture(t, Config{})
	first := &fakeConn{}
	second := &fakeConn{}
	f.conns.Register("host-1", first)
	f.conns.Register("host-2", second)
	f.start(t)

	id, err := f.queue.Enqueue(queue.EnqueueRequest{
		Direction: types.DirectionOutbound,
		Type:      "fleet.announce",
		Broadcast: true,
	})
	require.NoError(t, err)

	// Fire-and-forget: delivery to the connected agents completes it.
	waitForStatus(t, f.queue, id, types.MessageStatusCompleted)
	assert.Equal(t, 1, first.sentCount())
	assert.Equal(t, 1, second.sentCount())
}

func TestBroadcastWithNoAgentsRetriesUntilExhausted(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	id, err := f.queue.Enqueue(queue.EnqueueRequest{
		Direction:  types.DirectionOutbound,
		Type:       "fleet.announce",
		Broadcast:  true,
		MaxRetries: 1,
	})
	require.NoError(t, err)

	msg := waitForStatus(t, f.queue, id, types.MessageStatusFailed)
	assert.Equal(t, 1, msg.RetryCount)
	assert.Contains(t, msg.ErrorMessage, "no agents connected")
}
