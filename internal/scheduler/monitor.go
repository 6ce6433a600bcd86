package scheduler

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"report-scheduler/internal/pool"
	"report-scheduler/internal/telemetry"
)

// StatsSource reports worker pool counters.
type StatsSource interface {
	Stats() pool.Stats
}

// Sample is one monitor reading.
type Sample struct {
	Pool          pool.Stats
	Armed         int
	RSSBytes      uint64
	HostUsedPct   float64
	MemoryUnknown bool
}

// Monitor periodically reports pool and dispatcher counters. It never changes state.
type Monitor struct {
	stats StatsSource
	disp  *Dispatcher
	log   zerolog.Logger
	proc  *process.Process
}

func NewMonitor(stats StatsSource, disp *Dispatcher, log zerolog.Logger) *Monitor {
	m := &Monitor{stats: stats, disp: disp, log: log}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = p
	} else {
		log.Warn().Err(err).Msg("process stats unavailable")
	}
	return m
}

// Sample reads the counters. Memory figures are best effort.
func (m *Monitor) Sample(ctx context.Context) Sample {
	s := Sample{Pool: m.stats.Stats(), Armed: m.disp.Armed()}
	if m.proc != nil {
		if mi, err := m.proc.MemoryInfoWithContext(ctx); err == nil {
			s.RSSBytes = mi.RSS
		} else {
			s.MemoryUnknown = true
			m.log.Debug().Err(err).Msg("read process memory")
		}
	} else {
		s.MemoryUnknown = true
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.HostUsedPct = vm.UsedPercent
	} else {
		s.MemoryUnknown = true
		m.log.Debug().Err(err).Msg("read host memory")
	}
	return s
}

// Tick samples, updates gauges and logs one line.
func (m *Monitor) Tick(ctx context.Context) {
	s := m.Sample(ctx)
	telemetry.PoolActive.Set(float64(s.Pool.Active))
	telemetry.PoolQueued.Set(float64(s.Pool.Queued))
	telemetry.PoolComplete.Set(float64(s.Pool.Completed))
	telemetry.ArmedTimers.Set(float64(s.Armed))
	if !s.MemoryUnknown {
		telemetry.ProcessRSS.Set(float64(s.RSSBytes))
		telemetry.HostMemUsed.Set(s.HostUsedPct)
	}
	m.log.Info().
		Int("active", s.Pool.Active).
		Int("queued", s.Pool.Queued).
		Int64("completed", s.Pool.Completed).
		Int("armed", s.Armed).
		Uint64("rss", s.RSSBytes).
		Float64("host_mem_pct", s.HostUsedPct).
		Msg("monitor")
}
