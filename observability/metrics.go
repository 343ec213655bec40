// Package observability hosts the Prometheus collectors shared by the
// settlement network subsystems. Registries are initialised lazily so that
// engines constructed in tests never double-register collectors.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics

	auctionOnce sync.Once
	auctionReg  *AuctionMetrics

	fraudOnce sync.Once
	fraudReg  *FraudMetrics

	ledgerOnce sync.Once
	ledgerReg  *LedgerMetrics

	gatewayOnce sync.Once
	gatewayReg  *GatewayMetrics

	lifecycleOnce sync.Once
	lifecycleReg  *LifecycleMetrics
)

// SettlementMetrics tracks coordinator health on the hot path.
type SettlementMetrics struct {
	Latency       *prometheus.HistogramVec
	Outcomes      *prometheus.CounterVec
	LegOutcomes   *prometheus.CounterVec
	Compensations prometheus.Counter
	BudgetBreach  prometheus.Counter
	FreezeEngaged prometheus.Gauge
	RailHealthy   *prometheus.GaugeVec
}

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "settlenet",
				Subsystem: "settlement",
				Name:      "duration_seconds",
				Help:      "End-to-end settlement latency segmented by outcome.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
			}, []string{"outcome"}),
			Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlenet",
				Subsystem: "settlement",
				Name:      "outcomes_total",
				Help:      "Terminal settlement outcomes segmented by kind.",
			}, []string{"outcome", "kind"}),
			LegOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlenet",
				Subsystem: "settlement",
				Name:      "leg_outcomes_total",
				Help:      "Per-leg rail results segmented by leg type and phase.",
			}, []string{"leg", "phase", "result"}),
			Compensations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "settlenet",
				Subsystem: "settlement",
				Name:      "compensations_total",
				Help:      "Correcting ledger entries appended by the recovery path.",
			}),
			BudgetBreach: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "settlenet",
				Subsystem: "settlement",
				Name:      "budget_breaches_total",
				Help:      "Settlements that completed past the five second ceiling.",
			}),
			FreezeEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "settlenet",
				Subsystem: "settlement",
				Name:      "freeze_engaged",
				Help:      "Set to 1 while the system-wide freeze latch is engaged.",
			}),
			RailHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "settlenet",
				Subsystem: "settlement",
				Name:      "rail_healthy",
				Help:      "Per-rail health as observed by the last probe.",
			}, []string{"rail"}),
		}
		prometheus.MustRegister(
			settlementReg.Latency,
			settlementReg.Outcomes,
			settlementReg.LegOutcomes,
			settlementReg.Compensations,
			settlementReg.BudgetBreach,
			settlementReg.FreezeEngaged,
			settlementReg.RailHealthy,
		)
	})
	return settlementReg
}

// AuctionMetrics tracks capital-auction liquidity.
type AuctionMetrics struct {
	BidsPerAuction prometheus.Histogram
	Closed         *prometheus.CounterVec
	WinningRate    prometheus.Histogram
	QuotesIssued   prometheus.Counter
	QuotesExpired  prometheus.Counter
}

// Auction returns the lazily-initialised auction metrics registry.
func Auction() *AuctionMetrics {
	auctionOnce.Do(func() {
		auctionReg = &AuctionMetrics{
			BidsPerAuction: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "settlenet",
				Subsystem: "auction",
				Name:      "bids_per_auction",
				Help:      "Valid bids counted at auction close.",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
			}),
			Closed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlenet",
				Subsystem: "auction",
				Name:      "closed_total",
				Help:      "Closed auctions segmented by competitive or fallback pricing.",
			}, []string{"pricing"}),
			WinningRate: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "settlenet",
				Subsystem: "auction",
				Name:      "winning_rate",
				Help:      "Winning annualised discount rate distribution.",
				Buckets:   []float64{0.005, 0.01, 0.02, 0.04, 0.06, 0.08, 0.10, 0.15},
			}),
			QuotesIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "settlenet",
				Subsystem: "auction",
				Name:      "quotes_issued_total",
				Help:      "Pricing quotes issued to buyers.",
			}),
			QuotesExpired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "settlenet",
				Subsystem: "auction",
				Name:      "quotes_expired_total",
				Help:      "Quotes that lapsed unused past their TTL.",
			}),
		}
		prometheus.MustRegister(
			auctionReg.BidsPerAuction,
			auctionReg.Closed,
			auctionReg.WinningRate,
			auctionReg.QuotesIssued,
			auctionReg.QuotesExpired,
		)
	})
	return auctionReg
}

// FraudMetrics tracks gate decisions.
type FraudMetrics struct {
	Decisions  *prometheus.CounterVec
	Recomputes prometheus.Counter
}

// Fraud returns the lazily-initialised fraud metrics registry.
func Fraud() *FraudMetrics {
	fraudOnce.Do(func() {
		fraudReg = &FraudMetrics{
			Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlenet",
				Subsystem: "fraud",
				Name:      "decisions_total",
				Help:      "Fraud gate decisions segmented by checkpoint and verdict.",
			}, []string{"checkpoint", "verdict"}),
			Recomputes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "settlenet",
				Subsystem: "fraud",
				Name:      "recomputes_total",
				Help:      "Stale scores recomputed against the oracle.",
			}),
		}
		prometheus.MustRegister(fraudReg.Decisions, fraudReg.Recomputes)
	})
	return fraudReg
}

// LedgerMetrics tracks journal growth and reconciliation.
type LedgerMetrics struct {
	Entries        *prometheus.CounterVec
	ReconcileDrift prometheus.Gauge
	ChainDepth     prometheus.Gauge
}

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerReg = &LedgerMetrics{
			Entries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlenet",
				Subsystem: "ledger",
				Name:      "entries_total",
				Help:      "Appended journal entries segmented by type.",
			}, []string{"type"}),
			ReconcileDrift: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "settlenet",
				Subsystem: "ledger",
				Name:      "reconcile_drift",
				Help:      "Absolute imbalance observed by the last reconciliation sweep.",
			}),
			ChainDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "settlenet",
				Subsystem: "ledger",
				Name:      "chain_depth",
				Help:      "Highest sequence number in the journal.",
			}),
		}
		prometheus.MustRegister(ledgerReg.Entries, ledgerReg.ReconcileDrift, ledgerReg.ChainDepth)
	})
	return ledgerReg
}

// GatewayMetrics tracks boundary API traffic.
type GatewayMetrics struct {
	Requests  *prometheus.CounterVec
	Latency   *prometheus.HistogramVec
	Throttles *prometheus.CounterVec
}

// Gateway returns the lazily-initialised gateway metrics registry.
func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayReg = &GatewayMetrics{
			Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlenet",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and status class.",
			}, []string{"route", "status"}),
			Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "settlenet",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution per route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			Throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlenet",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Requests rejected by rate limiting, segmented by route.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(gatewayReg.Requests, gatewayReg.Latency, gatewayReg.Throttles)
	})
	return gatewayReg
}

// LifecycleMetrics tracks the background job sweeps.
type LifecycleMetrics struct {
	Runs      *prometheus.CounterVec
	Processed *prometheus.CounterVec
}

// Lifecycle returns the lazily-initialised lifecycle metrics registry.
func Lifecycle() *LifecycleMetrics {
	lifecycleOnce.Do(func() {
		lifecycleReg = &LifecycleMetrics{
			Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlenet",
				Subsystem: "lifecycle",
				Name:      "job_runs_total",
				Help:      "Scheduled job executions segmented by job and result.",
			}, []string{"job", "result"}),
			Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlenet",
				Subsystem: "lifecycle",
				Name:      "items_processed_total",
				Help:      "Rows acted on by each scheduled job.",
			}, []string{"job"}),
		}
		prometheus.MustRegister(lifecycleReg.Runs, lifecycleReg.Processed)
	})
	return lifecycleReg
}
