package core

import "context"

// Metric names emitted by the sync orchestrator. Consent service metrics are
// derived from the operation name instead.
const (
	MetricSyncTotal      = "openfinance.sync.total"
	MetricSyncDurationMS = "openfinance.sync.duration_ms"
)

// NopMetricsRecorder is the default recorder when no backend is wired.
type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var _ MetricsRecorder = NopMetricsRecorder{}
