package metrics

import (
	"errors"
	"time"

	"github.com/openfleet/shepherd/pkg/log"
	"github.com/openfleet/shepherd/pkg/storage"
	"github.com/openfleet/shepherd/pkg/types"
	"github.com/rs/zerolog"
)

// Metric names recorded by the dispatcher.
const (
	MetricDispatched = "messages_dispatched"
	MetricReceived   = "messages_received"
	MetricExpired    = "messages_expired"
)

// Recorder writes persisted queue-metric rollups. It is written by the
// dispatcher only; every other component treats the rollups as
// read-only. Rollups are not authoritative — they are reconstructable
// from message history.
type Recorder struct {
	store  storage.Store
	period time.Duration
	logger zerolog.Logger
}

// NewRecorder creates a Recorder with the given rollup period.
// A non-positive period defaults to one hour.
func NewRecorder(store storage.Store, period time.Duration) *Recorder {
	if period <= 0 {
		period = time.Hour
	}
	return &Recorder{
		store:  store,
		period: period,
		logger: log.WithComponent("metrics"),
	}
}

// Observe folds one event into the rollup row for the current period.
func (r *Recorder) Observe(name string, direction types.Direction, hostID string, latency time.Duration, failed bool) error {
	now := time.Now().UTC()
	start := now.Truncate(r.period)

	metric := &types.QueueMetric{
		Name:        name,
		Direction:   direction,
		HostID:      hostID,
		PeriodStart: start,
		PeriodEnd:   start.Add(r.period),
	}

	existing, err := r.store.GetQueueMetric(metric.Key())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if existing != nil {
		metric = existing
	}

	ms := latency.Milliseconds()
	metric.Count++
	if failed {
		metric.ErrorCount++
	}
	if metric.Count == 1 || ms < metric.MinLatencyMs {
		metric.MinLatencyMs = ms
	}
	if ms > metric.MaxLatencyMs {
		metric.MaxLatencyMs = ms
	}
	metric.TotalLatencyMs += ms
	metric.AvgLatencyMs = metric.TotalLatencyMs / metric.Count

	return r.store.UpsertQueueMetric(metric)
}

// ObserveLogged is Observe with errors logged instead of returned, for
// hot paths where a rollup failure must not affect dispatch.
func (r *Recorder) ObserveLogged(name string, direction types.Direction, hostID string, latency time.Duration, failed bool) {
	if err := r.Observe(name, direction, hostID, latency, failed); err != nil {
		r.logger.Error().Err(err).Str("metric", name).Msg("failed to record queue metric")
	}
}
