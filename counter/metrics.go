package counter

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

const metricsNamespace = "vehicle_counter"

var (
	framesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "frames_processed_total",
		Help:      "Total number of frames run through the counting engine",
	}, []string{"counter"})

	vehiclesCounted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "vehicles_counted_total",
		Help:      "Total number of vehicles that crossed the counting line",
	}, []string{"counter", "category"})

	liveTracks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "live_tracks",
		Help:      "Number of tracks currently followed",
	}, []string{"counter"})

	frameDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "frame_duration_seconds",
		Help:      "Time to fetch, detect and track one frame",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"counter"})

	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "runs_finished_total",
		Help:      "Counting runs by final status",
	}, []string{"counter", "status"})
)

// gatherMetrics reads this package's series for one counter instance back from
// the default registry, keyed by metric name.
func gatherMetrics(counterName string) (map[string]interface{}, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "unable to gather metrics")
	}
	out := make(map[string]interface{})
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), metricsNamespace+"_") {
			continue
		}
		series := []interface{}{}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]interface{}, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["counter"] != counterName {
				continue
			}
			delete(labels, "counter")
			entry := map[string]interface{}{"labels": labels}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				entry["value"] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				entry["value"] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				entry["count"] = float64(m.GetHistogram().GetSampleCount())
				entry["sum"] = m.GetHistogram().GetSampleSum()
			default:
				continue
			}
			series = append(series, entry)
		}
		if len(series) > 0 {
			out[mf.GetName()] = series
		}
	}
	return out, nil
}
