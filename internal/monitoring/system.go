package monitoring

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSampler polls host CPU and memory via gopsutil and mirrors the
// readings into the metrics gauges and a snapshot for server.stats.
type SystemSampler struct {
	metrics  *Metrics
	logger   zerolog.Logger
	interval time.Duration

	mu       sync.RWMutex
	snapshot SystemSnapshot

	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
}

// SystemSnapshot is one host sample.
type SystemSnapshot struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	MemoryUsedMB  float64 `json:"memoryUsedMb"`
	Goroutines    int     `json:"goroutines"`
	SampledAt     int64   `json:"sampledAt"`
}

// NewSystemSampler starts sampling immediately.
func NewSystemSampler(interval time.Duration, metrics *Metrics, logger zerolog.Logger) *SystemSampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := &SystemSampler{
		metrics:  metrics,
		logger:   logger.With().Str("component", "system").Logger(),
		interval: interval,
		stop:     make(chan struct{}),
	}
	s.sample()
	s.done.Add(1)
	go s.loop()
	return s
}

func (s *SystemSampler) loop() {
	defer s.done.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-s.stop:
			return
		}
	}
}

func (s *SystemSampler) sample() {
	snap := SystemSnapshot{
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now().UnixMilli(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	} else if err != nil {
		s.logger.Debug().Err(err).Msg("CPU sample failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = vm.UsedPercent
		snap.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
	} else {
		s.logger.Debug().Err(err).Msg("Memory sample failed")
	}

	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.CPUPercent.Set(snap.CPUPercent)
		s.metrics.MemoryPercent.Set(snap.MemoryPercent)
		s.metrics.Goroutines.Set(float64(snap.Goroutines))
	}
}

// Snapshot returns the most recent sample.
func (s *SystemSampler) Snapshot() SystemSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Stop halts the sampling loop. Idempotent.
func (s *SystemSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.done.Wait()
}
