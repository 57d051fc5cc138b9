package monitor

import (
	"sync"
	"time"

	"github.com/vnykmshr/stageflow/pkg/engine/core"
)

// StaticMonitor reports fixed usage values. Useful in tests and examples
// where real host sampling would be noise.
type StaticMonitor struct {
	mu    sync.Mutex
	usage core.ResourceUsage
}

// NewStatic creates a monitor that always reports usage.
func NewStatic(usage core.ResourceUsage) *StaticMonitor {
	return &StaticMonitor{usage: usage}
}

// Start is a no-op.
func (m *StaticMonitor) Start(time.Duration) error { return nil }

// Stop is a no-op.
func (m *StaticMonitor) Stop() {}

// Usage returns the configured usage values.
func (m *StaticMonitor) Usage() core.ResourceUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// SetUsage replaces the reported usage values.
func (m *StaticMonitor) SetUsage(usage core.ResourceUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = usage
}
