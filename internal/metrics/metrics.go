// Package metrics exposes placement activity to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace          = "zcrush"
	placementSubsystem = "placement"
	epochSubsystem     = "epoch"
)

// Error reasons reported by ObserveError.
const (
	ReasonUnknownRule  = "unknown_rule"
	ReasonUnknownEpoch = "unknown_epoch"
	ReasonTooDeep      = "too_deep"
	ReasonOther        = "other"
)

// PlacementMetrics counts placement calls and epoch changes.
type PlacementMetrics struct {
	maps      *prometheus.CounterVec
	partial   *prometheus.CounterVec
	errors    *prometheus.CounterVec
	epoch     prometheus.Gauge
	publishes prometheus.Counter
}

// NewPlacementMetrics creates the collectors and registers them on reg.
func NewPlacementMetrics(reg prometheus.Registerer) *PlacementMetrics {
	m := &PlacementMetrics{
		maps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: placementSubsystem,
			Name:      "maps_total",
			Help:      "Number of placements computed.",
		}, []string{"rule"}),
		partial: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: placementSubsystem,
			Name:      "partial_total",
			Help:      "Number of placements that found fewer devices than requested.",
		}, []string{"rule"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: placementSubsystem,
			Name:      "errors_total",
			Help:      "Number of placement requests that failed.",
		}, []string{"reason"}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: epochSubsystem,
			Name:      "current",
			Help:      "Topology epoch placements are computed against.",
		}),
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: epochSubsystem,
			Name:      "publishes_total",
			Help:      "Number of topology epochs published.",
		}),
	}
	reg.MustRegister(m.maps, m.partial, m.errors, m.epoch, m.publishes)
	return m
}

// ObserveMap records one successful placement.
func (m *PlacementMetrics) ObserveMap(ruleID int32, partial bool) {
	rule := strconv.FormatInt(int64(ruleID), 10)
	m.maps.WithLabelValues(rule).Inc()
	if partial {
		m.partial.WithLabelValues(rule).Inc()
	}
}

// ObserveError records one failed placement.
func (m *PlacementMetrics) ObserveError(reason string) {
	m.errors.WithLabelValues(reason).Inc()
}

// SetEpoch records a newly published epoch.
func (m *PlacementMetrics) SetEpoch(epoch uint64) {
	m.epoch.Set(float64(epoch))
	m.publishes.Inc()
}
