package main

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"idlegrove.app/internal/persistence/indexdb"
	"idlegrove.app/internal/persistence/r2s3"
	"idlegrove.app/internal/sim/multisession"
)

// statsCache keeps one scrape from locking the manager once per metric.
type statsCache struct {
	mgr *multisession.Manager

	mu   sync.Mutex
	at   time.Time
	last multisession.Stats
}

func (c *statsCache) get() multisession.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.at) > 250*time.Millisecond {
		c.last = c.mgr.Stats()
		c.at = time.Now()
	}
	return c.last
}

func newRegistry(mgr *multisession.Manager, idx indexdb.Index, mirror *mirrorRuntime) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sc := &statsCache{mgr: mgr}
	gauge := func(name, help string, f func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: "idlegrove", Name: name, Help: help}, f))
	}
	counter := func(name, help string, f func() float64) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: "idlegrove", Name: name, Help: help}, f))
	}

	gauge("sessions_live", "Player sessions currently running.", func() float64 { return float64(sc.get().Live) })
	counter("sessions_started_total", "Player sessions started.", func() float64 { return float64(sc.get().Started) })
	counter("sessions_stopped_total", "Player sessions stopped.", func() float64 { return float64(sc.get().Stopped) })
	gauge("production_rate", "Sum of live sessions' production per second.", func() float64 { return sc.get().ProductionRate })
	gauge("actions_applied", "Actions applied by live sessions.", func() float64 { return float64(sc.get().ActionsApplied) })
	gauge("actions_rejected", "Actions rejected as no-ops by live sessions.", func() float64 { return float64(sc.get().ActionsRejected) })
	gauge("saves_ok", "Successful save writes by live sessions.", func() float64 { return float64(sc.get().SavesOK) })
	gauge("saves_failed", "Failed save writes by live sessions.", func() float64 { return float64(sc.get().SavesFailed) })
	gauge("scores_ok", "Successful leaderboard upserts by live sessions.", func() float64 { return float64(sc.get().ScoresOK) })
	gauge("scores_failed", "Failed leaderboard upserts by live sessions.", func() float64 { return float64(sc.get().ScoresFailed) })

	if idx != nil {
		gauge("index_queue_depth", "Index write queue depth.", func() float64 { return float64(idx.Stats().QueueDepth) })
		gauge("index_queue_capacity", "Index write queue capacity.", func() float64 { return float64(idx.Stats().QueueCapacity) })
		counter("index_dropped_total", "Index writes dropped.", func() float64 { return float64(idx.Stats().QueueDroppedTotal) })
		counter("index_flush_fail_total", "Index flushes that failed.", func() float64 { return float64(idx.Stats().FlushFailTotal) })
	}

	if _, ok := mirror.Stats(); ok {
		ms := func(f func(r2s3.Stats) float64) func() float64 {
			return func() float64 {
				s, _ := mirror.Stats()
				return f(s)
			}
		}
		gauge("mirror_queue_depth", "Current mirror queue depth.", ms(func(s r2s3.Stats) float64 { return float64(s.QueueDepth) }))
		gauge("mirror_queue_capacity", "Mirror queue capacity.", ms(func(s r2s3.Stats) float64 { return float64(s.QueueCapacity) }))
		counter("mirror_enqueued_total", "Total mirror enqueue attempts.", ms(func(s r2s3.Stats) float64 { return float64(s.EnqueuedTotal) }))
		counter("mirror_coalesced_total", "Enqueues folded into an already queued upload.", ms(func(s r2s3.Stats) float64 { return float64(s.CoalescedTotal) }))
		counter("mirror_dropped_total", "Files dropped because the queue stayed saturated.", ms(func(s r2s3.Stats) float64 { return float64(s.DroppedTotal) }))
		counter("mirror_upload_success_total", "Successful mirror uploads.", ms(func(s r2s3.Stats) float64 { return float64(s.UploadSuccessTotal) }))
		counter("mirror_upload_fail_total", "Mirror uploads that failed after retry.", ms(func(s r2s3.Stats) float64 { return float64(s.UploadFailTotal) }))
		gauge("mirror_last_success_unix", "Unix time of the last successful upload.", ms(func(s r2s3.Stats) float64 { return float64(s.LastSuccessUnix) }))
	}
	return reg
}
