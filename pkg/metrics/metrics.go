package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPC gateway
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Chain RPC calls by method and outcome",
	}, []string{"method", "status"})

	RPCRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "rpc",
		Name:      "retries_total",
		Help:      "Chain RPC retries by method and error kind",
	}, []string{"method", "kind"})

	RPCCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "custody",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "Time from enqueue to result, including queueing",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method"})

	RPCQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "custody",
		Subsystem: "rpc",
		Name:      "queue_depth",
		Help:      "Calls waiting for the dispatcher",
	})

	// Balance cache
	BalanceCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "balance_cache",
		Name:      "lookups_total",
		Help:      "Balance lookups by result (hit, miss, bypass)",
	}, []string{"result"})

	// Scanner
	ScanTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "scanner",
		Name:      "ticks_total",
		Help:      "Scanner ticks by outcome",
	}, []string{"status"})

	ScanWatermark = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "custody",
		Subsystem: "scanner",
		Name:      "watermark_block",
		Help:      "Last fully processed block",
	})

	DepositsCredited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "ledger",
		Name:      "deposits_total",
		Help:      "Deposits by outcome (credited, duplicate)",
	}, []string{"asset", "outcome"})

	// Consolidation
	ConsolidationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "consolidation",
		Name:      "runs_total",
		Help:      "Consolidation runs by outcome",
	}, []string{"status"})

	ConsolidationSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "consolidation",
		Name:      "sweeps_total",
		Help:      "Per-address sweeps by outcome",
	}, []string{"status"})

	// Withdrawals and fee routing
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "withdrawal",
		Name:      "total",
		Help:      "Withdrawals by terminal status",
	}, []string{"status"})

	FeeProfitTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "fees",
		Name:      "profit_transfers_total",
		Help:      "Profit transfers by outcome",
	}, []string{"status"})

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "custody",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// Database
	DatabaseConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "custody",
		Subsystem: "db",
		Name:      "connections",
		Help:      "Connection pool state (open, idle, in_use)",
	}, []string{"state"})
)
