// Package metrics exposes vmfs's operational counters
// through a Prometheus registry: page faults by kind, frame evictions,
// swap traffic, cache hit/miss/readahead-drop counts, writeback sweeps,
// and a gauge of frames currently in use.
//
// Grounded on talyz-systemd_exporter's use of
// github.com/prometheus/client_golang/prometheus, trading that collector's
// Describe/Collect pull model (computed from live /proc state each scrape)
// for a push model of plain Counter/Gauge handles, since vmfs's counters
// are incremented inline by the subsystems as events happen rather than
// sampled from outside.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"vmfs/cache"
	"vmfs/frame"
	"vmfs/page"
)

const namespace = "vmfs"

// Set holds every counter/gauge vmfs exports, plus the registry they are
// registered against.
type Set struct {
	reg *prometheus.Registry

	PageFaults          *prometheus.CounterVec
	FrameEvictions      prometheus.Counter
	SwapIns             prometheus.Counter
	SwapOuts            prometheus.Counter
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	CacheReadaheadDrops prometheus.Counter
	WritebackSweeps     prometheus.Counter
	FramesInUse         prometheus.Gauge
}

// PageFaultKind labels the vmfs_page_faults_total counter.
type PageFaultKind string

const (
	FaultDemandPage  PageFaultKind = "demand_page"
	FaultStackGrowth PageFaultKind = "stack_growth"
	FaultDenied      PageFaultKind = "denied"
)

// New builds a fresh Set registered against a new prometheus.Registry.
func New() *Set {
	s := &Set{
		reg: prometheus.NewRegistry(),
		PageFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_faults_total",
			Help:      "Page faults handled, by outcome.",
		}, []string{"kind"}),
		FrameEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_evictions_total",
			Help:      "Physical frames reclaimed via clock eviction.",
		}),
		SwapIns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swap_ins_total",
			Help:      "Anonymous pages read back in from swap.",
		}),
		SwapOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swap_outs_total",
			Help:      "Anonymous pages written out to swap.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Buffer cache accesses that found their cluster resident.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Buffer cache accesses that required a load from disk.",
		}),
		CacheReadaheadDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_readahead_dropped_total",
			Help:      "Read-ahead requests dropped because the queue was full or the target was already cached.",
		}),
		WritebackSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writeback_sweeps_total",
			Help:      "Buffer cache writeback sweeps completed (periodic worker passes and explicit flushes).",
		}),
		FramesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frames_in_use",
			Help:      "Physical frames currently claimed.",
		}),
	}
	s.reg.MustRegister(s.PageFaults, s.FrameEvictions, s.SwapIns, s.SwapOuts,
		s.CacheHits, s.CacheMisses, s.CacheReadaheadDrops, s.WritebackSweeps, s.FramesInUse)
	return s
}

// Registry returns the underlying Prometheus registry, for a caller to
// expose via an HTTP handler (promhttp.HandlerFor); wiring one up is the
// caller's choice, not this module's.
func (s *Set) Registry() *prometheus.Registry {
	return s.reg
}

// WireFrameTable connects a frame.Table's eviction/occupancy callbacks to
// this Set's counters.
func (s *Set) WireFrameTable(t *frame.Table) {
	t.OnMetrics(nil, s.FrameEvictions.Inc, func(n int) {
		s.FramesInUse.Set(float64(n))
	})
}

// WireCache connects a cache.Cache's hit/miss/drop/sweep callbacks to this
// Set's counters.
func (s *Set) WireCache(c *cache.Cache) {
	c.OnMetrics(s.CacheHits.Inc, s.CacheMisses.Inc, s.CacheReadaheadDrops.Inc, s.WritebackSweeps.Inc)
}

// WirePageSwap installs the swap-in/swap-out counters into package page's
// instrumentation hook. Since ANON swap traffic is process-wide only in
// the sense that one vmfs instance runs one Set, this should be called
// once at startup.
func (s *Set) WirePageSwap() {
	page.SetMetrics(s.SwapIns.Inc, s.SwapOuts.Inc)
}

// RecordFault increments the page-faults counter for the given outcome.
func (s *Set) RecordFault(kind PageFaultKind) {
	s.PageFaults.WithLabelValues(string(kind)).Inc()
}
