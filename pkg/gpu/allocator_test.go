package gpu

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"inference-node/pkg/errors"
)

func newTestAllocator(t *testing.T, cfg AllocatorConfig, querier DeviceQuerier) *Allocator {
	t.Helper()

	a, err := NewAllocator(cfg, querier, nil, WithAllocatorRand(rand.New(rand.NewSource(7))))
	require.NoError(t, err)

	return a
}

func testConfig(devices int) AllocatorConfig {
	return AllocatorConfig{
		DeviceCount:     devices,
		MinFreeMemory:   10,
		MaxFailureShare: 0.5,
		OverrideDevice:  -1,
		FailureWindow:   8,
	}
}

func TestAssign_noDevices(t *testing.T) {
	a := newTestAllocator(t, testConfig(0), nil)

	assert.Equal(t, HostDevice, a.Assign(context.Background(), "w-1"))
	assert.Equal(t, HostDevice, a.Assign(context.Background(), "w-1"))
}

func TestAssign_overrideBypassesFeedback(t *testing.T) {
	cfg := testConfig(2)
	cfg.OverrideDevice = 1

	a := newTestAllocator(t, cfg, NewStaticQuerier(0, 0))

	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, a.Assign(context.Background(), "w-1"))
	}

	assert.Equal(t, 0, a.Snapshot().FailureHistory)
}

func TestAssign_belowMinimumFallsBackToHost(t *testing.T) {
	a := newTestAllocator(t, testConfig(1), NewStaticQuerier(5))

	for i := 0; i < 10; i++ {
		assert.Equal(t, HostDevice, a.Assign(context.Background(), fmt.Sprintf("w-%d", i)))
	}

	assert.Equal(t, float64(10), testutil.ToFloat64(a.hostFallbacks))
}

func TestAssign_singleEligibleDevice(t *testing.T) {
	a := newTestAllocator(t, testConfig(3), NewStaticQuerier(5, 500, -1))

	assert.Equal(t, 1, a.Assign(context.Background(), "w-1"))
}

func TestAssign_failedQueryExcludesDevice(t *testing.T) {
	querier := NewStaticQuerier(1000, 1000)
	querier.Set(0, -1)

	a := newTestAllocator(t, testConfig(2), querier)

	for i := 0; i < 20; i++ {
		assert.Equal(t, 1, a.Assign(context.Background(), fmt.Sprintf("w-%d", i)))
	}

	snapshot := a.Snapshot()
	assert.Equal(t, int64(-1), snapshot.Devices[0].FreeMemory)
	assert.False(t, snapshot.Devices[0].Eligible)
}

func TestAssign_samplesByFreeMemory(t *testing.T) {
	a := newTestAllocator(t, testConfig(2), NewStaticQuerier(100, 300))

	const trials = 8000

	counts := make([]int, 2)
	for i := 0; i < trials; i++ {
		counts[a.Assign(context.Background(), fmt.Sprintf("w-%d", i))]++
	}

	assert.InDelta(t, 3.0, float64(counts[1])/float64(counts[0]), 0.3)
}

func TestAssign_repeatCallRecordsFailure(t *testing.T) {
	a := newTestAllocator(t, testConfig(1), NewStaticQuerier(1000))

	ctx := context.Background()
	require.Equal(t, 0, a.Assign(ctx, "w-1"))
	require.Equal(t, 0, a.Assign(ctx, "w-1"))

	snapshot := a.Snapshot()
	assert.Equal(t, 1, snapshot.Devices[0].Failures)
	assert.Equal(t, []string{"w-1"}, snapshot.Devices[0].Workers)
}

func TestAssign_failureShareExcludesDevice(t *testing.T) {
	a := newTestAllocator(t, testConfig(2), NewStaticQuerier(1000, 1000))

	a.failures.record(0)
	a.failures.record(0)
	a.failures.record(1)

	for i := 0; i < 50; i++ {
		assert.Equal(t, 1, a.Assign(context.Background(), fmt.Sprintf("fresh-%d", i)))
	}

	snapshot := a.Snapshot()
	assert.False(t, snapshot.Devices[0].Eligible)
	assert.True(t, snapshot.Devices[1].Eligible)
}

func TestAssign_windowLetsDeviceRecover(t *testing.T) {
	cfg := testConfig(2)
	cfg.FailureWindow = 4

	a := newTestAllocator(t, cfg, NewStaticQuerier(1000, 1000))

	for i := 0; i < 4; i++ {
		a.failures.record(0)
	}
	a.refreshFreeMemory(context.Background())
	require.False(t, a.isEligible(0))

	// newer failures on device 1 push device 0 out of the window
	for i := 0; i < 3; i++ {
		a.failures.record(1)
	}
	a.failures.record(0)

	assert.InDelta(t, 0.25, a.failureShare(0), 1e-9)
	assert.True(t, a.isEligible(0))
	assert.False(t, a.isEligible(1))
}

func TestAssign_lifetimeCountersNeverForget(t *testing.T) {
	cfg := testConfig(2)
	cfg.FailureWindow = 0

	a := newTestAllocator(t, cfg, NewStaticQuerier(1000, 1000))

	for i := 0; i < 100; i++ {
		a.failures.record(0)
	}
	for i := 0; i < 60; i++ {
		a.failures.record(1)
	}

	a.refreshFreeMemory(context.Background())
	assert.False(t, a.isEligible(0))
	assert.True(t, a.isEligible(1))
}

func TestAssign_allDevicesFailingFallsBackToHost(t *testing.T) {
	a := newTestAllocator(t, testConfig(1), NewStaticQuerier(1000))

	a.failures.record(0)
	a.failures.record(0)

	assert.Equal(t, HostDevice, a.Assign(context.Background(), "w-1"))
	assert.NotContains(t, a.workers, "w-1")
}

func TestRelease_forgetsWorker(t *testing.T) {
	a := newTestAllocator(t, testConfig(1), NewStaticQuerier(1000))

	ctx := context.Background()
	require.Equal(t, 0, a.Assign(ctx, "w-1"))

	a.Release("w-1")
	require.Equal(t, 0, a.Assign(ctx, "w-1"))

	assert.Equal(t, 0, a.Snapshot().FailureHistory)
}

func TestNewAllocator_registersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()

	a, err := NewAllocator(testConfig(1), NewStaticQuerier(1000), nil, WithRegisterer(reg))
	require.NoError(t, err)

	a.Assign(context.Background(), "w-1")

	assert.Equal(t, float64(1), testutil.ToFloat64(a.assignments.WithLabelValues("0")))
	assert.Equal(t, float64(1000), testutil.ToFloat64(a.freeMemoryGauge.WithLabelValues("0")))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	// free memory, assignments and the host fallback counter
	assert.Equal(t, 3, count)
}

func TestNewAllocator_invalidShare(t *testing.T) {
	cfg := testConfig(1)
	cfg.MaxFailureShare = 0

	_, err := NewAllocator(cfg, nil, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidShare)
}

func TestNewAllocator_negativeLimits(t *testing.T) {
	cfg := testConfig(1)
	cfg.DeviceCount = -1

	_, err := NewAllocator(cfg, nil, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidDeviceCount)

	cfg = testConfig(1)
	cfg.MinFreeMemory = -2

	_, err = NewAllocator(cfg, NewStaticQuerier(1000), nil)
	assert.ErrorIs(t, err, errors.ErrInvalidMinFree)
}

func TestParseSMIFreeMemory(t *testing.T) {
	free, err := parseSMIFreeMemory(0, []byte("2048\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(2048*1024*1024), free)

	_, err = parseSMIFreeMemory(3, []byte(""))
	assert.True(t, errors.IsDeviceQueryError(err))

	_, err = parseSMIFreeMemory(3, []byte("N/A"))
	assert.True(t, errors.IsDeviceQueryError(err))
}

func TestStaticQuerier_unknownDevice(t *testing.T) {
	_, err := NewStaticQuerier(1).FreeMemory(context.Background(), 4)
	assert.True(t, errors.IsDeviceQueryError(err))
}
