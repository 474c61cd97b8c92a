package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const (
	namespace = "eth_connector"
	subsystem = "relayer"
)

// Reporter forwards a single sample to an external metrics backend.
type Reporter interface {
	Report(ctx context.Context, name string, value float64, tags []string) error
}

// Metrics collects relayer metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	retries     *prometheus.CounterVec
	stepSeconds *prometheus.HistogramVec
	reporter    Reporter
}

func New(reg prometheus.Registerer, reporter Reporter) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Number of transfer state transitions.",
		}, []string{"direction", "from", "to"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "finalization_outcomes_total",
			Help:      "Number of finalization outcomes by status.",
		}, []string{"direction", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "step_retries_total",
			Help:      "Number of retried protocol steps.",
		}, []string{"direction", "step"}),
		stepSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "step_duration_seconds",
			Help:      "Duration of protocol steps.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"direction", "step"}),
		reporter: reporter,
	}
	var err error
	if m.transitions, err = register(reg, m.transitions); err != nil {
		return nil, err
	}
	if m.outcomes, err = register(reg, m.outcomes); err != nil {
		return nil, err
	}
	if m.retries, err = register(reg, m.retries); err != nil {
		return nil, err
	}
	if m.stepSeconds, err = register(reg, m.stepSeconds); err != nil {
		return nil, err
	}
	return m, nil
}

// register adopts an already registered collector of the same type so that
// several coordinators in one process share the exported series.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) Transition(direction, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(direction, from, to).Inc()
}

// Outcome counts a terminal result and forwards it to the reporter, if any.
func (m *Metrics) Outcome(ctx context.Context, direction, status string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(direction, status).Inc()
	if m.reporter == nil {
		return
	}
	tags := []string{"direction:" + direction, "status:" + status}
	if err := m.reporter.Report(ctx, "bridging."+status, 1, tags); err != nil {
		log.Warn().Err(err).Msg("failed to report outcome metric")
	}
}

func (m *Metrics) Retry(direction, step string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(direction, step).Inc()
}

func (m *Metrics) ObserveStep(direction, step string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepSeconds.WithLabelValues(direction, step).Observe(d.Seconds())
}
