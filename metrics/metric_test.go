package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Zereker/mpnet/metrics"
)

func TestMetrics(t *testing.T) {
	metrics.Add(metrics.FramesRead, 1)
	assert.Equal(t, uint64(1), metrics.Get(metrics.FramesRead))
	metrics.Add(metrics.FramesRead, 1)
	assert.Equal(t, uint64(2), metrics.Get(metrics.FramesRead))
	metrics.Add(metrics.Max+1, 1)
	metrics.Add(-1, 1)
	metrics.Add(metrics.ResyncBytes, 9)
	metrics.Add(metrics.DispatchCycles, 99)
	assert.Equal(t, uint64(0), metrics.Get(metrics.Max+1))
	assert.Equal(t, uint64(0), metrics.Get(-1))

	all := metrics.GetAll()
	assert.Equal(t, uint64(2), all[metrics.FramesRead])
	assert.Equal(t, uint64(9), all[metrics.ResyncBytes])
	assert.Equal(t, uint64(99), all[metrics.DispatchCycles])
}

func TestShowMetrics(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	old := metrics.Logger
	metrics.Logger = zap.New(core)
	defer func() { metrics.Logger = old }()

	metrics.Add(metrics.ConnsAccepted, 3)
	metrics.ShowMetrics()

	entries := logs.TakeAll()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Len(t, fields, metrics.Max)
	assert.Equal(t, metrics.Get(metrics.ConnsAccepted), fields["connections accepted"])

	go func() {
		time.Sleep(20 * time.Millisecond)
		metrics.Add(metrics.HandleFails, 5)
	}()
	metrics.ShowMetricsOfPeriod(200 * time.Millisecond)

	entries = logs.TakeAll()
	require.Len(t, entries, 1)
	fields = entries[0].ContextMap()
	assert.Equal(t, uint64(5), fields["requests whose handler failed"])
	assert.Equal(t, uint64(0), fields["connections accepted"])
}
