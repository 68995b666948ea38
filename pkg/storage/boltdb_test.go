package storage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openfleet/shepherd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testMessage(id string, priority types.Priority, scheduledAt time.Time) *types.Message {
	return &types.Message{
		MessageID:   id,
		HostID:      "host-1",
		Direction:   types.DirectionOutbound,
		Type:        "test.command",
		Status:      types.MessageStatusPending,
		Priority:    priority,
		CreatedAt:   scheduledAt,
		ScheduledAt: scheduledAt,
	}
}

func TestMessageCRUD(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	msg := testMessage("msg-1", types.PriorityNormal, now)
	seq, err := store.CreateMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, seq, msg.Seq)

	got, err := store.GetMessage("msg-1")
	require.NoError(t, err)
	assert.Equal(t, msg.MessageID, got.MessageID)
	assert.Equal(t, types.MessageStatusPending, got.Status)

	_, err = store.GetMessage("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateMessageRejectsDuplicateID(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	_, err := store.CreateMessage(testMessage("msg-1", types.PriorityNormal, now))
	require.NoError(t, err)

	_, err = store.CreateMessage(testMessage("msg-1", types.PriorityHigh, now))
	assert.Error(t, err)
}

func TestSequenceAssignmentIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	var prev uint64
	for _, id := range []string{"a", "b", "c"} {
		seq, err := store.CreateMessage(testMessage(id, types.PriorityNormal, now))
		require.NoError(t, err)
		assert.Greater(t, seq, prev)
		prev = seq
	}
}

func TestClaimNextMessageOrdering(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name     string
		messages []*types.Message
		wantID   string
	}{
		{
			name: "higher priority wins",
			messages: []*types.Message{
				testMessage("low", types.PriorityLow, now.Add(-2*time.Minute)),
				testMessage("urgent", types.PriorityUrgent, now.Add(-time.Minute)),
			},
			wantID: "urgent",
		},
		{
			name: "earlier scheduled_at wins within priority",
			messages: []*types.Message{
				testMessage("later", types.PriorityNormal, now.Add(-time.Minute)),
				testMessage("earlier", types.PriorityNormal, now.Add(-2*time.Minute)),
			},
			wantID: "earlier",
		},
		{
			name: "insertion order breaks exact ties",
			messages: []*types.Message{
				testMessage("first", types.PriorityNormal, now.Add(-time.Minute)),
				testMessage("second", types.PriorityNormal, now.Add(-time.Minute)),
			},
			wantID: "first",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			for _, msg := range tt.messages {
				_, err := store.CreateMessage(msg)
				require.NoError(t, err)
			}

			claimed, err := store.ClaimNextMessage(types.DirectionOutbound, "worker-1", now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, claimed.MessageID)
			assert.Equal(t, types.MessageStatusInFlight, claimed.Status)
			assert.Equal(t, "worker-1", claimed.WorkerToken)
			assert.False(t, claimed.StartedAt.IsZero())
		})
	}
}

func TestClaimNextMessageEligibility(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	future := testMessage("future", types.PriorityUrgent, now.Add(time.Hour))
	future.Status = types.MessageStatusScheduled
	_, err := store.CreateMessage(future)
	require.NoError(t, err)

	inbound := testMessage("inbound", types.PriorityUrgent, now.Add(-time.Minute))
	inbound.Direction = types.DirectionInbound
	_, err = store.CreateMessage(inbound)
	require.NoError(t, err)

	done := testMessage("done", types.PriorityUrgent, now.Add(-time.Minute))
	done.Status = types.MessageStatusCompleted
	_, err = store.CreateMessage(done)
	require.NoError(t, err)

	// Only the inbound message is claimable, and only for its direction.
	_, err = store.ClaimNextMessage(types.DirectionOutbound, "w", now)
	assert.ErrorIs(t, err, ErrNotFound)

	claimed, err := store.ClaimNextMessage(types.DirectionInbound, "w", now)
	require.NoError(t, err)
	assert.Equal(t, "inbound", claimed.MessageID)
}

func TestClaimNextMessageScheduledBecomesEligible(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	msg := testMessage("sched", types.PriorityNormal, now.Add(time.Minute))
	msg.Status = types.MessageStatusScheduled
	_, err := store.CreateMessage(msg)
	require.NoError(t, err)

	_, err = store.ClaimNextMessage(types.DirectionOutbound, "w", now)
	assert.ErrorIs(t, err, ErrNotFound)

	claimed, err := store.ClaimNextMessage(types.DirectionOutbound, "w", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "sched", claimed.MessageID)
}

func TestConcurrentClaimMutualExclusion(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	const total = 20
	for i := 0; i < total; i++ {
		_, err := store.CreateMessage(testMessage(
			string(rune('a'+i)), types.PriorityNormal, now.Add(-time.Minute)))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]string)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			for {
				claimed, err := store.ClaimNextMessage(types.DirectionOutbound, token, now)
				if err != nil {
					return
				}
				mu.Lock()
				prev, dup := seen[claimed.MessageID]
				seen[claimed.MessageID] = token
				mu.Unlock()
				if dup {
					t.Errorf("message %s claimed by both %s and %s", claimed.MessageID, prev, token)
				}
			}
		}(string(rune('w' + w)))
	}
	wg.Wait()

	assert.Len(t, seen, total)
}

func TestQueueMetricUpsert(t *testing.T) {
	store := newTestStore(t)
	start := time.Now().UTC().Truncate(time.Hour)

	metric := &types.QueueMetric{
		Name:        "messages_dispatched",
		Direction:   types.DirectionOutbound,
		HostID:      "host-1",
		PeriodStart: start,
		PeriodEnd:   start.Add(time.Hour),
		Count:       1,
	}
	require.NoError(t, store.UpsertQueueMetric(metric))

	metric.Count = 5
	require.NoError(t, store.UpsertQueueMetric(metric))

	got, err := store.GetQueueMetric(metric.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Count)

	all, err := store.ListQueueMetrics()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOrchestrationRoundTrip(t *testing.T) {
	store := newTestStore(t)

	orch := &types.RebootOrchestration{
		ID:           "orch-1",
		ParentHostID: "parent-1",
		Status:       types.OrchestrationPendingShutdown,
		ChildHostsSnapshot: []types.ChildSnapshot{
			{ChildID: "child-1", Running: true},
			{ChildID: "child-2", Running: false},
		},
		ChildShutdownStatus:    map[string]types.ChildOutcome{},
		ChildRestartStatus:     map[string]types.ChildOutcome{},
		ShutdownTimeoutSeconds: 60,
		InitiatedAt:            time.Now().UTC(),
	}
	require.NoError(t, store.CreateOrchestration(orch))

	orch.Status = types.OrchestrationShutdownInProgress
	orch.ChildShutdownStatus["child-1"] = types.ChildOutcomeSuccess
	require.NoError(t, store.UpdateOrchestration(orch))

	got, err := store.GetOrchestration("orch-1")
	require.NoError(t, err)
	assert.Equal(t, types.OrchestrationShutdownInProgress, got.Status)
	assert.Equal(t, types.ChildOutcomeSuccess, got.ChildShutdownStatus["child-1"])
	assert.Len(t, got.ChildHostsSnapshot, 2)

	_, err = store.GetOrchestration("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHostOperations(t *testing.T) {
	store := newTestStore(t)

	parent := &types.Host{ID: "parent-1", Hostname: "edge-01", Approved: true, Active: true}
	require.NoError(t, store.CreateHost(parent))
	require.NoError(t, store.CreateHost(&types.Host{ID: "child-1", ParentID: "parent-1", Running: true}))
	require.NoError(t, store.CreateHost(&types.Host{ID: "child-2", ParentID: "parent-1"}))
	require.NoError(t, store.CreateHost(&types.Host{ID: "other", ParentID: "parent-2"}))

	children, err := store.ListHostsByParent("parent-1")
	require.NoError(t, err)
	assert.Len(t, children, 2)

	all, err := store.ListHosts()
	require.NoError(t, err)
	assert.Len(t, all, 4)

	require.NoError(t, store.DeleteHost("child-2"))
	_, err = store.GetHost("child-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionMessage(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateMessage(testMessage("msg-1", types.PriorityNormal, time.Now().UTC()))
	require.NoError(t, err)

	require.NoError(t, store.TransitionMessage("msg-1", func(msg *types.Message) error {
		msg.Status = types.MessageStatusInFlight
		return nil
	}))
	msg, err := store.GetMessage("msg-1")
	require.NoError(t, err)
	assert.Equal(t, types.MessageStatusInFlight, msg.Status)

	// A mutate error aborts the transaction; nothing is written.
	boom := errors.New("rejected")
	err = store.TransitionMessage("msg-1", func(msg *types.Message) error {
		msg.Status = types.MessageStatusFailed
		return boom
	})
	assert.ErrorIs(t, err, boom)
	msg, err = store.GetMessage("msg-1")
	require.NoError(t, err)
	assert.Equal(t, types.MessageStatusInFlight, msg.Status)

	err = store.TransitionMessage("missing", func(*types.Message) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentTransitionsSerialize(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateMessage(testMessage("msg-1", types.PriorityNormal, time.Now().UTC()))
	require.NoError(t, err)

	const workers = 4
	const perWorker = 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				err := store.TransitionMessage("msg-1", func(msg *types.Message) error {
					msg.RetryCount++
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	// Every increment commits; none are lost to interleaved writes.
	msg, err := store.GetMessage("msg-1")
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, msg.RetryCount)
}
