package keysmith

import "github.com/prometheus/client_golang/prometheus"

var CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "keysmith",
	Subsystem: "cache",
	Name:      "lookups",
}, []string{"result"})

var RefreshCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "keysmith",
	Subsystem: "reconcile",
	Name:      "refreshes",
}, []string{"mode", "result"})

var SelfHealOps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "keysmith",
	Subsystem: "reconcile",
	Name:      "selfheal_ops",
}, []string{"kind"})

var RefreshDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "keysmith",
	Subsystem: "reconcile",
	Name:      "refresh_duration",
	Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 200, 500},
}, []string{"mode"})

var OpResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "keysmith",
	Subsystem: "ops",
	Name:      "results",
}, []string{"op", "result"})

var SweptEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "keysmith",
	Subsystem: "sweeper",
	Name:      "swept",
}, []string{"kind"})
