// Package monitor provides resource monitors consumed by the scheduler.
//
// A Monitor samples host resource usage in the background and exposes the
// latest snapshot through Usage. SystemMonitor reads real host metrics via
// gopsutil; StaticMonitor reports fixed values for tests and examples. The
// scheduler only ever reads from a monitor.
package monitor
