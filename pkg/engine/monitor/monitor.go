package monitor

import (
	"errors"
	"time"

	"github.com/vnykmshr/stageflow/pkg/engine/core"
)

// ErrAlreadyRunning is returned by Start on a monitor that is running.
var ErrAlreadyRunning = errors.New("monitor already running")

// Monitor samples resource usage in the background.
type Monitor interface {
	// Start begins sampling at the given interval.
	Start(interval time.Duration) error

	// Stop halts sampling and waits for the sampling loop to exit. Safe to
	// call on a stopped monitor.
	Stop()

	// Usage returns the most recent usage snapshot.
	Usage() core.ResourceUsage
}

var (
	_ Monitor = (*SystemMonitor)(nil)
	_ Monitor = (*StaticMonitor)(nil)
)
