// Package metrics exposes Prometheus instrumentation for the
// pre-aggregation engine. Counters are labeled by aggregate function so one
// process can host many aggregators.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RowsUpdated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "preagg",
		Name:      "rows_updated_total",
		Help:      "Base rows folded into aggregate buffers.",
	}, []string{"aggr_func"})

	BucketsFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "preagg",
		Name:      "buckets_flushed_total",
		Help:      "Aggregate buckets written to the aggregate table.",
	}, []string{"aggr_func"})

	FlushErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "preagg",
		Name:      "flush_errors_total",
		Help:      "Failed bucket flushes.",
	}, []string{"aggr_func"})

	OutOfOrderUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "preagg",
		Name:      "out_of_order_updates_total",
		Help:      "Late rows folded into already-flushed buckets.",
	}, []string{"aggr_func"})

	RecoveryReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "preagg",
		Name:      "recovery_replayed_total",
		Help:      "Binlog entries replayed during recovery.",
	}, []string{"aggr_func"})
)
