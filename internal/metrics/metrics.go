package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance", Name: "scans_total", Help: "Scans by source and outcome",
	}, []string{"source", "outcome"})
	AnomaliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance", Name: "anomalies_total", Help: "Redundant transitions accepted without state change",
	}, []string{"kind"})
	ReconciledKeys = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance", Name: "reconciled_keys_total", Help: "Person-day keys re-derived from offline batches",
	})
	LockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attendance", Name: "key_lock_wait_seconds", Help: "Time spent waiting for a person-day lock",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	})
	AggregationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance", Name: "aggregations_total", Help: "Aggregator updates by result",
	}, []string{"result"})
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance", Name: "notifications_total", Help: "Notification attempts by status",
	}, []string{"channel", "status"})
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance", Name: "http_requests_total", Help: "API requests by route and status code",
	}, []string{"route", "code"})
	DBPing = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attendance", Name: "db_ping_seconds", Help: "DB ping latency",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(ScansTotal, AnomaliesTotal, ReconciledKeys, LockWait, AggregationsTotal, NotificationsTotal, HTTPRequests, DBPing)
}

func Handler() http.Handler { return promhttp.Handler() }

func ObserveDBPing(d time.Duration) { DBPing.Observe(d.Seconds()) }

func ObserveLockWait(d time.Duration) { LockWait.Observe(d.Seconds()) }
