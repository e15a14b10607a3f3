package buffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "megumidb",
		Subsystem: "buffer_pool",
		Name:      "fetch_hits_total",
		Help:      "Number of page fetches served from the pool.",
	})
	fetchMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "megumidb",
		Subsystem: "buffer_pool",
		Name:      "fetch_misses_total",
		Help:      "Number of page fetches that went to disk.",
	})
	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "megumidb",
		Subsystem: "buffer_pool",
		Name:      "evictions_total",
		Help:      "Number of frames reclaimed from the LRU replacer.",
	})
	dirtyWritebacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "megumidb",
		Subsystem: "buffer_pool",
		Name:      "dirty_writebacks_total",
		Help:      "Number of dirty victim pages written back to disk.",
	})
)
