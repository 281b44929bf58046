// Package metrics keeps process-wide counters for mpnet servers and
// connections, useful for spotting noisy peers or a starved dispatcher.
package metrics

import (
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// All metrics definitions.
const (
	// Server side.

	ConnsAccepted = iota
	ConnsRejected
	AcceptFails
	DispatchCycles

	// Connection side.

	ConnsClosed
	FramesRead
	FramesDropped
	ResyncBytes
	RateLimited
	RequestsHandled
	HandleFails

	// Keep it last.

	Max
)

var names = [Max]string{
	ConnsAccepted:   "connections accepted",
	ConnsRejected:   "connections rejected by the driver factory or pool",
	AcceptFails:     "failed accept calls",
	DispatchCycles:  "dispatch cycles",
	ConnsClosed:     "connections closed",
	FramesRead:      "frames read",
	FramesDropped:   "frames dropped on decode failure",
	ResyncBytes:     "bytes skipped while resynchronizing",
	RateLimited:     "connections closed for exceeding the rate limit",
	RequestsHandled: "requests handled",
	HandleFails:     "requests whose handler failed",
}

var (
	metrics [Max]atomic.Uint64

	// Logger receives ShowMetrics output.
	Logger = zap.NewNop()
)

// Add metrics counter.
func Add(name int, delta uint64) {
	if name < 0 || name >= Max {
		return
	}
	metrics[name].Add(delta)
}

// Get one metric counter.
func Get(name int) uint64 {
	if name < 0 || name >= Max {
		return 0
	}
	return metrics[name].Load()
}

// GetAll get all metrics.
func GetAll() [Max]uint64 {
	var m [Max]uint64
	for i := range metrics {
		m[i] = metrics[i].Load()
	}
	return m
}

// ShowMetricsOfPeriod logs the counter deltas over the next d.
// It blocks for d.
func ShowMetricsOfPeriod(d time.Duration) {
	old := GetAll()
	<-time.After(d)
	cur := GetAll()
	var m [Max]uint64
	for i := range metrics {
		m[i] = cur[i] - old[i]
	}
	showAll(m)
}

// ShowMetrics logs every counter.
func ShowMetrics() {
	showAll(GetAll())
}

func showAll(m [Max]uint64) {
	fields := make([]zap.Field, 0, Max)
	for i := range m {
		fields = append(fields, zap.Uint64(names[i], m[i]))
	}
	Logger.Info("mpnet metrics", fields...)
}
