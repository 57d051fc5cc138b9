package monitor

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"

	"github.com/vnykmshr/stageflow/pkg/common/logging"
	"github.com/vnykmshr/stageflow/pkg/common/validation"
	"github.com/vnykmshr/stageflow/pkg/engine/core"
)

// SystemConfig holds configuration for a system monitor.
type SystemConfig struct {
	// DiskPath is the mount point whose usage is sampled.
	DiskPath string

	// Logger receives sampling failure reports. If nil, the shared
	// default logger is used.
	Logger logging.Logger
}

// DefaultSystemConfig returns the default system monitor configuration.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		DiskPath: "/",
	}
}

// SystemMonitor samples host CPU, memory, disk, and network usage via
// gopsutil on a background ticker.
type SystemMonitor struct {
	config SystemConfig
	logger logging.Logger

	mu      sync.Mutex
	usage   core.ResourceUsage
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSystem creates a system monitor with default configuration.
func NewSystem() *SystemMonitor {
	return NewSystemWithConfig(DefaultSystemConfig())
}

// NewSystemWithConfig creates a system monitor with the given
// configuration.
func NewSystemWithConfig(config SystemConfig) *SystemMonitor {
	if config.DiskPath == "" {
		config.DiskPath = "/"
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &SystemMonitor{
		config: config,
		logger: logger,
	}
}

// Start begins sampling at the given interval. The first sample is taken
// synchronously so Usage is meaningful immediately after Start returns.
func (m *SystemMonitor) Start(interval time.Duration) error {
	if err := validation.ValidatePositiveDuration("monitor", "interval", interval); err != nil {
		return err
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	m.sample()
	go m.loop(stop, done, interval)
	return nil
}

// Stop halts sampling and waits for the loop to exit.
func (m *SystemMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
}

// Running reports whether the monitor is sampling.
func (m *SystemMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Usage returns the most recent usage snapshot.
func (m *SystemMonitor) Usage() core.ResourceUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

func (m *SystemMonitor) loop(stop, done chan struct{}, interval time.Duration) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// sample reads host metrics. Individual probe failures leave that field at
// zero and are logged at debug level; sampling never fails as a whole.
func (m *SystemMonitor) sample() {
	var usage core.ResourceUsage

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		usage.CPUPercent = percents[0]
	} else if err != nil {
		m.logger.Debug("cpu sample failed", "error", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		usage.MemoryPercent = vm.UsedPercent
	} else {
		m.logger.Debug("memory sample failed", "error", err)
	}

	if du, err := disk.Usage(m.config.DiskPath); err == nil {
		usage.DiskPercent = du.UsedPercent
	} else {
		m.logger.Debug("disk sample failed", "path", m.config.DiskPath, "error", err)
	}

	if counters, err := net.IOCounters(false); err == nil && len(counters) > 0 {
		usage.NetworkBytes = counters[0].BytesSent + counters[0].BytesRecv
	} else if err != nil {
		m.logger.Debug("network sample failed", "error", err)
	}

	m.mu.Lock()
	m.usage = usage
	m.mu.Unlock()
}
