package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "downlake_build_info",
			Help: "Build information of the downlake pipeline",
		},
		[]string{"version", "commit", "date"},
	)

	ReconcileDatasetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downlake_reconcile_datasets_total",
			Help: "Total number of datasets handled by catalog reconciliation",
		},
		[]string{"outcome"},
	)

	ReconcileVersionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downlake_reconcile_versions_total",
			Help: "Total number of dataset versions handled by catalog reconciliation",
		},
		[]string{"outcome"},
	)

	ReconcileAssetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downlake_reconcile_assets_total",
			Help: "Total number of assets handled by catalog reconciliation",
		},
		[]string{"outcome"},
	)

	ReconcileFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "downlake_reconcile_failures_total",
			Help: "Total number of per-entity failures during catalog reconciliation",
		},
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "downlake_reconcile_duration_seconds",
			Help:    "Duration of catalog reconciliation runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		},
	)

	ViewRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "downlake_view_refresh_duration_seconds",
			Help:    "Duration of analytics view refreshes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"view"},
	)

	ViewRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downlake_view_refresh_total",
			Help: "Total number of analytics view refreshes",
		},
		[]string{"view", "status"},
	)

	ExportDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "downlake_export_duration_seconds",
			Help:    "Duration of rollup parquet exports in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)
