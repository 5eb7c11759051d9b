// Package stats samples process health for the dashboard stats
// endpoint.
package stats

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Snapshot is one point-in-time view of the relay process.
type Snapshot struct {
	GoVersion      string  `json:"go_version"`
	Goroutines     int     `json:"goroutines"`
	HeapAllocBytes uint64  `json:"heap_alloc_bytes"`
	HeapSysBytes   uint64  `json:"heap_sys_bytes"`
	NumGC          uint32  `json:"num_gc"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	LiveSessions   int64   `json:"live_sessions"`
}

// Collector tracks the live session gauge and samples runtime memory
// stats on demand.
type Collector struct {
	start        time.Time
	liveSessions atomic.Int64
}

// NewCollector starts the uptime clock now.
func NewCollector() *Collector {
	return &Collector{start: time.Now()}
}

// SessionOpened increments the live session gauge.
func (c *Collector) SessionOpened() { c.liveSessions.Add(1) }

// SessionClosed decrements the live session gauge.
func (c *Collector) SessionClosed() { c.liveSessions.Add(-1) }

// LiveSessions returns the current gauge value.
func (c *Collector) LiveSessions() int64 { return c.liveSessions.Load() }

// Snapshot samples the runtime. ReadMemStats stops the world briefly,
// so callers should not invoke this in a hot path.
func (c *Collector) Snapshot() Snapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Snapshot{
		GoVersion:      runtime.Version(),
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: m.HeapAlloc,
		HeapSysBytes:   m.HeapSys,
		NumGC:          m.NumGC,
		UptimeSeconds:  time.Since(c.start).Seconds(),
		LiveSessions:   c.liveSessions.Load(),
	}
}
