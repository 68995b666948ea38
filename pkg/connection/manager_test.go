package connection

import (
	"errors"
	"testing"
	"time"

	"github.com/openfleet/shepherd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records sent envelopes and close calls.
type fakeConn struct {
	sent    []types.Envelope
	closed  bool
	sendErr error
}

func (c *fakeConn) Send(env types.Envelope) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestSendWithoutConnection(t *testing.T) {
	m := NewManager()
	err := m.Send("host-1", types.Envelope{MessageID: "m1"})
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestRegisterAndSend(t *testing.T) {
	m := NewManager()
	conn := &fakeConn{}
	m.Register("host-1", conn)

	require.NoError(t, m.Send("host-1", types.Envelope{MessageID: "m1"}))
	require.Len(t, conn.sent, 1)
	assert.Equal(t, "m1", conn.sent[0].MessageID)

	assert.True(t, m.Connected("host-1"))
	assert.Equal(t, 1, m.ConnectedCount())
}

func TestRegisterSupersedesPriorConnection(t *testing.T) {
	m := NewManager()
	first := &fakeConn{}
	second := &fakeConn{}

	m.Register("host-1", first)
	m.Register("host-1", second)

	assert.True(t, first.closed, "superseded connection should be closed")

	require.NoError(t, m.Send("host-1", types.Envelope{MessageID: "m1"}))
	assert.Empty(t, first.sent)
	assert.Len(t, second.sent, 1)
}

func TestUnregisterIgnoresStaleHandle(t *testing.T) {
	m := NewManager()
	first := &fakeConn{}
	second := &fakeConn{}

	m.Register("host-1", first)
	m.Register("host-1", second)

	// Teardown of the superseded transport must not kill the replacement.
	m.Unregister("host-1", first)
	assert.True(t, m.Connected("host-1"))

	m.Unregister("host-1", second)
	assert.False(t, m.Connected("host-1"))
}

func TestSendPropagatesTransportError(t *testing.T) {
	m := NewManager()
	m.Register("host-1", &fakeConn{sendErr: errors.New("broken pipe")})

	err := m.Send("host-1", types.Envelope{MessageID: "m1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoConnection)
}

func TestSubscribeReceivesLivenessEvents(t *testing.T) {
	m := NewManager()
	events, cancel := m.Subscribe("host-1")
	defer cancel()

	conn := &fakeConn{}
	m.Register("host-1", conn)
	m.Register("host-2", &fakeConn{}) // different host, filtered out
	m.Unregister("host-1", conn)

	want := []EventKind{EventConnected, EventDisconnected}
	for _, kind := range want {
		select {
		case ev := <-events:
			assert.Equal(t, "host-1", ev.HostID)
			assert.Equal(t, kind, ev.Kind)
			assert.False(t, ev.At.IsZero())
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestSubscribeAllHosts(t *testing.T) {
	m := NewManager()
	events, cancel := m.Subscribe("")
	defer cancel()

	m.Register("host-1", &fakeConn{})
	m.Register("host-2", &fakeConn{})

	hosts := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			hosts[ev.HostID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.True(t, hosts["host-1"])
	assert.True(t, hosts["host-2"])
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	m := NewManager()
	_, cancel := m.Subscribe("host-1")
	cancel()
	cancel()

	// Publishing after cancel must not panic on the closed channel.
	m.Register("host-1", &fakeConn{})
}

func TestOnReceiveRoutesToReceiver(t *testing.T) {
	m := NewManager()

	var gotHost string
	var gotEnv types.Envelope
	m.SetReceiver(func(hostID string, env types.Envelope) {
		gotHost = hostID
		gotEnv = env
	})

	m.OnReceive("host-1", types.Envelope{MessageID: "m1"})
	assert.Equal(t, "host-1", gotHost)
	assert.Equal(t, "m1", gotEnv.MessageID)
}

func TestBroadcastDeliversToAllConnections(t *testing.T) {
	m := NewManager()
	first := &fakeConn{}
	second := &fakeConn{}
	broken := &fakeConn{sendErr: errors.New("broken pipe")}
	m.Register("host-1", first)
	m.Register("host-2", second)
	m.Register("host-3", broken)

	delivered := m.Broadcast(types.Envelope{MessageID: "m1", MessageType: "fleet.announce"})
	assert.Equal(t, 2, delivered)
	require.Len(t, first.sent, 1)
	require.Len(t, second.sent, 1)
	assert.Equal(t, "m1", first.sent[0].MessageID)
}

func TestBroadcastWithNoConnections(t *testing.T) {
	m := NewManager()
	assert.Equal(t, 0, m.Broadcast(types.Envelope{MessageID: "m1"}))
}
