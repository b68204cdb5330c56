// Package health serves the operational snapshot behind /api/health.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is the JSON body of a health response. Host fields are zero
// when the platform probe fails; the endpoint itself still reports ok.
type Snapshot struct {
	Status         string         `json:"status"`
	UptimeSec      uint64         `json:"uptimeSec"`
	CPUPercent     float64        `json:"cpuPercent"`
	MemUsedPercent float64        `json:"memUsedPercent"`
	Goroutines     int            `json:"goroutines"`
	Sessions       map[string]int `json:"sessions"`
	Upstream       string         `json:"upstream,omitempty"`
}

// Checker assembles snapshots from the hub's registries plus host probes.
type Checker struct {
	counts   func() map[string]int
	upstream func() string
	log      zerolog.Logger
}

// NewChecker wires the session counter and an optional upstream state
// source. upstream may be nil when no link is configured.
func NewChecker(counts func() map[string]int, upstream func() string, log zerolog.Logger) *Checker {
	return &Checker{counts: counts, upstream: upstream, log: log}
}

// Snapshot gathers the current host and hub state. Probe failures are
// logged and leave the corresponding fields at zero.
func (c *Checker) Snapshot() Snapshot {
	s := Snapshot{
		Status:     "ok",
		Goroutines: runtime.NumGoroutine(),
		Sessions:   c.counts(),
	}

	if uptime, err := host.Uptime(); err == nil {
		s.UptimeSec = uptime
	} else {
		c.log.Debug().Err(err).Msg("host uptime probe failed")
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	} else if err != nil {
		c.log.Debug().Err(err).Msg("cpu probe failed")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemUsedPercent = vm.UsedPercent
	} else {
		c.log.Debug().Err(err).Msg("memory probe failed")
	}

	if c.upstream != nil {
		s.Upstream = c.upstream()
	}
	return s
}

// Handler serves the snapshot as JSON.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(c.Snapshot()); err != nil {
			c.log.Error().Err(err).Msg("health encode failed")
		}
	}
}
