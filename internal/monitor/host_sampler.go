package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/raftbench/internal/model"
)

// HostSampler samples CPU and memory usage of the orchestrator host
type HostSampler struct {
	logger   *zap.Logger
	interval time.Duration
	probe    func() (cpuPercent, memPercent float64, err error)

	mu    sync.Mutex
	stats model.HostStats
	cpu   float64
	mem   float64

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewHostSampler creates a sampler that takes one sample per interval
func NewHostSampler(interval time.Duration, logger *zap.Logger) *HostSampler {
	return &HostSampler{
		logger:   logger.Named("host-sampler"),
		interval: interval,
		probe:    probeHost,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func probeHost() (float64, float64, error) {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(cpuPercent) == 0 {
		return 0, 0, fmt.Errorf("no CPU usage reported")
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get memory usage: %w", err)
	}

	return cpuPercent[0], memInfo.UsedPercent, nil
}

// Start starts the sampling loop
func (s *HostSampler) Start(ctx context.Context) {
	// prime the CPU counters so the first tick reports a real interval
	if _, _, err := s.probe(); err != nil {
		s.logger.Debug("Initial host probe failed", zap.Error(err))
	}
	go s.sampleLoop(ctx)
}

// Stop ends sampling and returns the averages over all samples
func (s *HostSampler) Stop() model.HostStats {
	s.once.Do(func() {
		close(s.stop)
	})
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	if stats.Samples > 0 {
		stats.CPUUsage = s.cpu / float64(stats.Samples)
		stats.MemoryUsage = s.mem / float64(stats.Samples)
	}
	stats.CollectedAt = time.Now()
	return stats
}

func (s *HostSampler) sampleLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *HostSampler) sample() {
	cpuPercent, memPercent, err := s.probe()
	if err != nil {
		s.logger.Error("Failed to sample host", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Samples++
	s.cpu += cpuPercent
	s.mem += memPercent
	if cpuPercent > s.stats.PeakCPU {
		s.stats.PeakCPU = cpuPercent
	}
	if memPercent > s.stats.PeakMemory {
		s.stats.PeakMemory = memPercent
	}

	s.logger.Debug("Host sampled",
		zap.Float64("cpu_usage", cpuPercent),
		zap.Float64("memory_usage", memPercent))
}
