package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory usage for one supervised process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessSampler periodically samples the process returned by a pid func
// and exports the result as gauges.
type ProcessSampler struct {
	name     string
	interval time.Duration

	mu     sync.RWMutex
	latest *ProcessMetrics
	handle *process.Process

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewProcessSampler creates a sampler for the process labelled name.
func NewProcessSampler(name string, interval time.Duration) *ProcessSampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	gauge := func(metric, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      metric,
			Help:      help,
		}, []string{"name"})
	}
	return &ProcessSampler{
		name:       name,
		interval:   interval,
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the supervised process."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of the supervised process."),
		numThreads: gauge("num_threads", "Thread count of the supervised process."),
		numFDs:     gauge("num_fds", "Open file descriptors of the supervised process (Unix only)."),
	}
}

// RegisterMetrics registers the gauges with r.
func (s *ProcessSampler) RegisterMetrics(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.numFDs)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples until ctx is done. pid returns 0 while nothing is running.
func (s *ProcessSampler) Run(ctx context.Context, pid func() int32) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample(pid())
		}
	}
}

// Sample takes one measurement. pid <= 0 clears the previous sample.
func (s *ProcessSampler) Sample(pid int32) {
	if pid <= 0 {
		s.reset()
		return
	}
	m, err := s.measure(pid)
	if err != nil {
		slog.Debug("process sample failed", "name", s.name, "pid", pid, "error", err)
		s.reset()
		return
	}
	s.cpuPercent.WithLabelValues(s.name).Set(m.CPUPercent)
	s.memoryMB.WithLabelValues(s.name).Set(m.MemoryMB)
	s.numThreads.WithLabelValues(s.name).Set(float64(m.NumThreads))
	if runtime.GOOS != "windows" && m.NumFDs > 0 {
		s.numFDs.WithLabelValues(s.name).Set(float64(m.NumFDs))
	}
	s.mu.Lock()
	s.latest = m
	s.mu.Unlock()
}

// Latest returns the most recent sample, nil when none.
func (s *ProcessSampler) Latest() *ProcessMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil
	}
	cp := *s.latest
	return &cp
}

func (s *ProcessSampler) measure(pid int32) (*ProcessMetrics, error) {
	s.mu.Lock()
	// keep the handle between samples so CPUPercent has a baseline
	if s.handle == nil || s.handle.Pid != pid {
		h, err := process.NewProcess(pid)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.handle = h
	}
	proc := s.handle
	s.mu.Unlock()

	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	m := &ProcessMetrics{
		PID:        pid,
		Name:       s.name,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			m.NumFDs = fds
		}
	}
	return m, nil
}

func (s *ProcessSampler) reset() {
	s.mu.Lock()
	s.latest = nil
	s.handle = nil
	s.mu.Unlock()
	s.cpuPercent.DeleteLabelValues(s.name)
	s.memoryMB.DeleteLabelValues(s.name)
	s.numThreads.DeleteLabelValues(s.name)
	s.numFDs.DeleteLabelValues(s.name)
}
