package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

const namespace = "deskcast"

var _ domain.Observer = (*Observer)(nil)

// Observer exports session events as Prometheus metrics.
type Observer struct {
	Phase            *prometheus.GaugeVec
	Latency          prometheus.Gauge
	EncoderStarts    *prometheus.CounterVec
	EncoderStops     prometheus.Counter
	RestartsQueued   *prometheus.CounterVec
	TeardownFailures *prometheus.CounterVec
}

// New registers the session metrics with reg.
func New(reg prometheus.Registerer) *Observer {
	f := promauto.With(reg)
	return &Observer{
		Phase: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_phase",
			Help:      "1 for the phase the session is currently in, 0 otherwise",
		}, []string{"phase"}),
		Latency: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latency_profile",
			Help:      "Active latency profile (0 normal, 1 low, 2 ultra)",
		}),
		EncoderStarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoder_starts_total",
			Help:      "Encoder processes started, by latency profile",
		}, []string{"latency"}),
		EncoderStops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoder_stops_total",
			Help:      "Encoder processes stopped during teardown",
		}),
		RestartsQueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_queued_total",
			Help:      "Latency restarts accepted, by target profile",
		}, []string{"latency"}),
		TeardownFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_failures_total",
			Help:      "Teardown steps that failed, by step",
		}, []string{"step"}),
	}
}

func (o *Observer) PhaseChanged(from, to domain.Phase) {
	o.Phase.WithLabelValues(from.String()).Set(0)
	o.Phase.WithLabelValues(to.String()).Set(1)
}

func (o *Observer) StatusChanged(st domain.Status) {
	o.Latency.Set(float64(st.Latency))
}

func (o *Observer) EncoderStarted(_ int, latency domain.LatencyProfile) {
	o.EncoderStarts.WithLabelValues(latency.String()).Inc()
}

func (o *Observer) EncoderStopped(int) {
	o.EncoderStops.Inc()
}

func (o *Observer) RestartQueued(latency domain.LatencyProfile, _ string) {
	o.RestartsQueued.WithLabelValues(latency.String()).Inc()
}

func (o *Observer) TeardownFailed(step string, _ error) {
	o.TeardownFailures.WithLabelValues(step).Inc()
}
