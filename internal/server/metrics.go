package server

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"remittance/internal/ledger"
)

type metricsRegistry struct {
	registry      *prometheus.Registry
	depositsTotal *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	sweepsTotal   *prometheus.CounterVec
	replaysTotal  prometheus.Counter
}

func newMetricsRegistry(l *ledger.Ledger, decimals int32, stats NotifyStats) *metricsRegistry {
	deposits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remittance_deposits_total",
		Help: "Escrow deposits by outcome",
	}, []string{"status"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remittance_settlements_total",
		Help: "Withdrawals and reclaims by outcome",
	}, []string{"kind", "status"})

	sweeps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remittance_sweeps_total",
		Help: "Administrative sweeps by outcome",
	}, []string{"status"})

	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remittance_idempotent_replays_total",
		Help: "Responses served from the idempotency store",
	})

	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	custodied := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "remittance_custodied_balance",
		Help: "Sum of pending escrow amounts in whole tokens",
	}, func() float64 {
		v, _ := new(big.Float).Quo(new(big.Float).SetInt(l.CustodiedBalance()), scale).Float64()
		return v
	})

	entries := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "remittance_entries",
		Help: "Escrow entries ever created",
	}, func() float64 {
		return float64(l.EntryCount())
	})

	unconfirmed := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "remittance_unconfirmed_transfers",
		Help: "Entries waiting on a broadcast transfer to confirm",
	}, func() float64 {
		return float64(len(l.Unconfirmed()))
	})

	r := prometheus.NewRegistry()
	r.MustRegister(deposits, settlements, sweeps, replays, custodied, entries, unconfirmed)

	if stats != nil {
		r.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "remittance_notifications_dropped_total",
				Help: "Ledger notifications dropped because the queue was full",
			}, func() float64 { return float64(stats.Dropped()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "remittance_notifications_failed_total",
				Help: "Notifications that exhausted their retries",
			}, func() float64 { return float64(stats.Failed()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "remittance_dlq_depth",
				Help: "Number of items in the DLQ",
			}, func() float64 { return float64(stats.DLQDepth()) }),
		)
	}

	return &metricsRegistry{
		registry:      r,
		depositsTotal: deposits,
		settlements:   settlements,
		sweepsTotal:   sweeps,
		replaysTotal:  replays,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incDeposit(status string) {
	m.depositsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incSettlement(kind ledger.EventKind, status string) {
	m.settlements.WithLabelValues(string(kind), status).Inc()
}

func (m *metricsRegistry) incSweep(status string) {
	m.sweepsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incReplay() {
	m.replaysTotal.Inc()
}
