package metrics

import (
	"testing"
	"time"

	"github.com/openfleet/shepherd/pkg/storage"
	"github.com/openfleet/shepherd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderFoldsIntoPeriodRollup(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r := NewRecorder(store, time.Hour)

	require.NoError(t, r.Observe(MetricDispatched, types.DirectionOutbound, "host-1", 100*time.Millisecond, false))
	require.NoError(t, r.Observe(MetricDispatched, types.DirectionOutbound, "host-1", 300*time.Millisecond, true))
	require.NoError(t, r.Observe(MetricDispatched, types.DirectionOutbound, "host-1", 200*time.Millisecond, false))

	rollups, err := store.ListQueueMetrics()
	require.NoError(t, err)
	require.Len(t, rollups, 1)

	m := rollups[0]
	assert.Equal(t, int64(3), m.Count)
	assert.Equal(t, int64(1), m.ErrorCount)
	assert.Equal(t, int64(100), m.MinLatencyMs)
	assert.Equal(t, int64(300), m.MaxLatencyMs)
	assert.Equal(t, int64(200), m.AvgLatencyMs)
	assert.Equal(t, m.PeriodStart.Add(time.Hour), m.PeriodEnd)
}

func TestRecorderSeparatesRollupsByIdentity(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r := NewRecorder(store, time.Hour)

	require.NoError(t, r.Observe(MetricDispatched, types.DirectionOutbound, "host-1", time.Millisecond, false))
	require.NoError(t, r.Observe(MetricDispatched, types.DirectionOutbound, "host-2", time.Millisecond, false))
	require.NoError(t, r.Observe(MetricReceived, types.DirectionInbound, "host-1", time.Millisecond, false))

	rollups, err := store.ListQueueMetrics()
	require.NoError(t, err)
	assert.Len(t, rollups, 3)
}

func TestRecorderDefaultsPeriod(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r := NewRecorder(store, 0)
	assert.Equal(t, time.Hour, r.period)
}
