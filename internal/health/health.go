// Package health reports process and engine vitals for the ops endpoint.
package health

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/process"
)

// Stats is one point-in-time health sample.
type Stats struct {
	UptimeSeconds float64 `json:"uptimeSeconds"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryRSS     uint64  `json:"memoryRssBytes"`
	HostLoad1     float64 `json:"hostLoad1"`
	Goroutines    int     `json:"goroutines"`

	Sessions    int `json:"sessions"`
	Bundles     int `json:"bundles"`
	Connections int `json:"connections"`
}

// Collector samples process stats and engine gauges on demand.
type Collector struct {
	started time.Time
	proc    *process.Process

	sessions    func() int
	bundles     func() int
	connections func() int
}

// NewCollector builds a Collector. The gauge funcs may be nil.
func NewCollector(sessions, bundles, connections func() int) *Collector {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Collector{
		started:     time.Now(),
		proc:        proc,
		sessions:    sessions,
		bundles:     bundles,
		connections: connections,
	}
}

// Snapshot returns current vitals. Sampling failures leave the affected
// fields zero; health reporting is never an error path.
func (c *Collector) Snapshot() Stats {
	s := Stats{
		UptimeSeconds: time.Since(c.started).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
	}
	if c.proc != nil {
		if pct, err := c.proc.CPUPercent(); err == nil {
			s.CPUPercent = pct
		}
		if mem, err := c.proc.MemoryInfo(); err == nil && mem != nil {
			s.MemoryRSS = mem.RSS
		}
	}
	if avg, err := load.Avg(); err == nil && avg != nil {
		s.HostLoad1 = avg.Load1
	}
	if c.sessions != nil {
		s.Sessions = c.sessions()
	}
	if c.bundles != nil {
		s.Bundles = c.bundles()
	}
	if c.connections != nil {
		s.Connections = c.connections()
	}
	return s
}
