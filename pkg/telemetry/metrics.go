package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/si64-net/si64/pkg/coordination"
	"github.com/si64-net/si64/pkg/ledger"
)

// Metrics exports fleet and settlement figures. Gauges are refreshed by a
// background loop; counters are bumped inline by the owning components.
type Metrics struct {
	registry *prometheus.Registry

	activeNodes   prometheus.Gauge
	poolSize      *prometheus.GaugeVec
	queueDepth    *prometheus.GaugeVec
	payoutBacklog prometheus.Gauge
	totalRevenue  prometheus.Gauge

	JobsSubmitted  prometheus.Counter
	JobsDispatched prometheus.Counter
	Settlements    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "si64_active_nodes",
			Help: "Nodes currently commissioned into the fleet.",
		}),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "si64_pool_size",
			Help: "Commissioned nodes per hardware class.",
		}, []string{"hardware_class"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "si64_queue_depth",
			Help: "Jobs waiting per hardware class.",
		}, []string{"hardware_class"}),
		payoutBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "si64_payout_backlog",
			Help: "Payout instructions awaiting settlement.",
		}),
		totalRevenue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "si64_total_revenue",
			Help: "Confirmed settlement and rental revenue in coins.",
		}),
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "si64_jobs_submitted_total",
			Help: "Jobs accepted at admission.",
		}),
		JobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "si64_jobs_dispatched_total",
			Help: "Jobs handed to nodes.",
		}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "si64_settlements_total",
			Help: "Settlement outcomes by terminal status.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.activeNodes, m.poolSize, m.queueDepth, m.payoutBacklog, m.totalRevenue,
		m.JobsSubmitted, m.JobsDispatched, m.Settlements,
	)
	return m
}

// Registry exposes the metric set for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RunCollector refreshes the gauges from the store and ledger until the
// context ends.
func (m *Metrics) RunCollector(ctx context.Context, store *coordination.Store, vault *ledger.Ledger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := store.Snapshot(ctx)
			m.activeNodes.Set(float64(snap.ActiveNodes))
			for hw, n := range snap.PoolSizes {
				m.poolSize.WithLabelValues(hw).Set(float64(n))
			}
			for hw, n := range snap.QueueDepths {
				m.queueDepth.WithLabelValues(hw).Set(float64(n))
			}
			m.payoutBacklog.Set(float64(snap.PayoutBacklog))

			if revenue, err := vault.TotalRevenue(ctx); err == nil {
				m.totalRevenue.Set(revenue)
			} else {
				log.Ctx(ctx).Debug().Err(err).Msg("revenue refresh failed")
			}
		}
	}
}
