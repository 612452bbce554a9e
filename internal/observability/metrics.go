package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the risk core.
type Metrics struct {
	// --- Core Processing ---
	InstructionsApplied  *prometheus.CounterVec
	InstructionsRejected *prometheus.CounterVec
	InstructionDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreStateHashDur     prometheus.Histogram
	CoreSequence         prometheus.Gauge

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter

	// --- Fan-out ---
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Margin ---
	MarginChecks       *prometheus.CounterVec
	InvalidOracleReads prometheus.Counter

	// --- Liquidation ---
	LiquidationsEntered    prometheus.Counter
	LiquidationPrimitives  *prometheus.CounterVec
	LiquidationMarginFreed *prometheus.CounterVec
	LiquidationFees        *prometheus.CounterVec

	// --- Bankruptcy ---
	Bankruptcies     *prometheus.CounterVec
	InsurancePayouts *prometheus.CounterVec
	SocialLoss       *prometheus.CounterVec

	// --- Settlement ---
	MarketsSettled    *prometheus.CounterVec
	PositionsSettled  *prometheus.CounterVec
	SettlementRetries *prometheus.CounterVec
	SettlementPnlPool *prometheus.GaugeVec

	// --- Persistence ---
	PersistRecordsWritten  prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Publisher ---
	PublishedRecords prometheus.Counter
	PublishErrors    prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses
// the default registry; tests pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		InstructionsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_instructions_applied_total",
			Help: "Instructions committed by the risk core",
		}, []string{"instruction"}),

		InstructionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_instructions_rejected_total",
			Help: "Instructions aborted and rolled back, by error kind",
		}, []string{"instruction", "kind"}),

		InstructionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_risk_instruction_duration_seconds",
			Help:    "Time to apply a single instruction",
			Buckets: latencyBuckets,
		}, []string{"instruction"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_risk_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_sequence",
			Help: "Next instruction sequence number",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_idempotency_duplicates_total",
			Help: "Duplicate instruction keys by tier",
		}, []string{"instruction", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_dedup_lru_size",
			Help: "Instruction keys held in the LRU",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		// Fan-out
		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_publish_drops_total",
			Help: "Outputs dropped because the publish channel was full",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		// Margin
		MarginChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_margin_checks_total",
			Help: "Margin calculations by requirement type and outcome",
		}, []string{"type", "outcome"}),

		InvalidOracleReads: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_margin_invalid_oracle_total",
			Help: "Margin calculations that saw a stale or uncertain price",
		}),

		// Liquidation
		LiquidationsEntered: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_liquidations_entered_total",
			Help: "Accounts flagged BeingLiquidated",
		}),

		LiquidationPrimitives: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_liquidation_primitives_total",
			Help: "Liquidation primitives committed by kind and resulting status",
		}, []string{"kind", "status"}),

		LiquidationMarginFreed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_liquidation_margin_freed_total",
			Help: "Margin shortage released by liquidations (quote)",
		}, []string{"kind"}),

		LiquidationFees: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_liquidation_fees_total",
			Help: "Liquidation fees (quote or liability tokens) by recipient",
		}, []string{"kind", "recipient"}),

		// Bankruptcy
		Bankruptcies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_bankruptcies_resolved_total",
			Help: "Bankruptcy resolutions by market kind",
		}, []string{"market_kind", "market"}),

		InsurancePayouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_insurance_payouts_total",
			Help: "Insurance fund payouts",
		}, []string{"market_kind", "market"}),

		SocialLoss: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_social_loss_total",
			Help: "Losses socialized across holders or depositors",
		}, []string{"market_kind", "market"}),

		// Settlement
		MarketsSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_markets_settled_total",
			Help: "Expired markets whose settlement price was fixed",
		}, []string{"market"}),

		PositionsSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_positions_settled_total",
			Help: "Positions closed at the settlement price",
		}, []string{"market"}),

		SettlementRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_settlement_pool_short_total",
			Help: "Position settlements deferred because the pnl pool was short",
		}, []string{"market"}),

		SettlementPnlPool: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_risk_settlement_pnl_pool",
			Help: "Pnl pool of a settling market (quote)",
		}, []string{"market"}),

		// Persistence
		PersistRecordsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_persist_records_written_total",
			Help: "Instruction records written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_risk_persist_batch_size",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_risk_persist_batch_duration_seconds",
			Help:    "Time to write one batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		// Publisher
		PublishedRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_published_records_total",
			Help: "Records published to JetStream",
		}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_publish_errors_total",
			Help: "JetStream publish failures",
		}),
	}
}
