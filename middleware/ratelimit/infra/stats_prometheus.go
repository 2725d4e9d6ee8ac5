package infra

import (
	"context"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusStats expõe decisões e varreduras como métricas.
// A chave do cliente nunca vira label (cardinalidade).
type PrometheusStats struct {
	decisions       *prometheus.CounterVec
	storageFailures *prometheus.CounterVec
	sweeps          *prometheus.CounterVec
	swept           prometheus.Counter
}

func NewPrometheusStats(reg prometheus.Registerer) *PrometheusStats {
	factory := promauto.With(reg)
	return &PrometheusStats{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_decisions_total",
				Help: "Total number of rate limit decisions",
			},
			[]string{"policy", "result"},
		),
		storageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_storage_failures_total",
				Help: "Decisions taken without a storage answer",
			},
			[]string{"policy"},
		),
		sweeps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_sweeps_total",
				Help: "Cleanup sweeps of expired rate limit records",
			},
			[]string{"result"},
		),
		swept: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ratelimit_swept_records_total",
				Help: "Expired rate limit records removed by sweeps",
			},
		),
	}
}

// Record implementa domain.StatsStore.
func (p *PrometheusStats) Record(_ context.Context, ev domain.StatsEvent) error {
	p.decisions.WithLabelValues(ev.Policy, statsField(ev)).Inc()
	if ev.StorageFailed {
		p.storageFailures.WithLabelValues(ev.Policy).Inc()
	}
	return nil
}

// ObserveSweep implementa domain.SweepObserver.
func (p *PrometheusStats) ObserveSweep(removed int64, err error) {
	if err != nil {
		p.sweeps.WithLabelValues("error").Inc()
		return
	}
	p.sweeps.WithLabelValues("ok").Inc()
	p.swept.Add(float64(removed))
}

// MultiStats repassa cada evento para vários StatsStore; devolve o primeiro erro.
type MultiStats []domain.StatsStore

func (m MultiStats) Record(ctx context.Context, ev domain.StatsEvent) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
