package prometheus

import (
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kisalt"

var (
	ShortenTotal = promauto.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "shorten_total",
		Help:      "Shorten requests by outcome.",
	}, []string{"result"})

	ResolveTotal = promauto.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "resolve_total",
		Help:      "Short code resolutions by outcome.",
	}, []string{"result"})

	CacheLookups = promauto.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "cache_lookups_total",
		Help:      "Fast tier lookups by result.",
	}, []string{"result"})

	DurableFailures = promauto.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "durable_failures_total",
		Help:      "Durable tier operations that failed.",
	}, []string{"op"})

	UnsyncedRecords = promauto.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "unsynced_records",
		Help:      "Records held only by the fast tier, waiting for reconciliation.",
	})

	AccessDropped = promauto.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "access_updates_dropped_total",
		Help:      "Access updates deferred because the worker queue was full.",
	})

	SafetyRejections = promauto.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "safety",
		Name:      "rejections_total",
		Help:      "URLs rejected by the safety validator, by check.",
	}, []string{"check"})

	PreviewTotal = promauto.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "preview",
		Name:      "fetch_total",
		Help:      "Preview fetches by outcome.",
	}, []string{"result"})
)
