package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateFirstPollSkipsProbe(t *testing.T) {
	// Unroutable address: a real probe would fail
	checker := NewChecker("192.0.2.1", 50*time.Millisecond, time.Minute)

	// First poll bypasses the probe entirely
	assert.NoError(t, checker.Gate(context.Background()))

	// Second poll actually probes and fails
	err := checker.Gate(context.Background())
	require.Error(t, err)
	assert.True(t, checker.CoolingDown())
}

func TestGateProbeFailureCounted(t *testing.T) {
	checker := NewChecker("192.0.2.1", 50*time.Millisecond, time.Minute)
	require.NoError(t, checker.Gate(context.Background()))

	// An unreachable gateway is an outage like any other: the failed probe
	// must show up in the counters, not just open the cooldown.
	err := checker.Gate(context.Background())
	require.Error(t, err)

	diag := checker.Diagnostics()
	assert.Equal(t, int64(1), diag.TotalPolls)
	assert.Equal(t, int64(1), diag.ConsecutiveFailures)
	assert.False(t, diag.LastFailureAt.IsZero())
}

func TestGateProbeSuccess(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	checker := NewChecker(listener.Addr().String(), time.Second, time.Minute)

	assert.NoError(t, checker.Gate(context.Background()))
	assert.NoError(t, checker.Gate(context.Background()))
	assert.False(t, checker.CoolingDown())
}

func TestGateCooldownSuppressesAttempts(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	checker := NewChecker(listener.Addr().String(), time.Second, 100*time.Millisecond)
	require.NoError(t, checker.Gate(context.Background()))

	// A fetch failure opens the window even though the probe would pass
	checker.RecordFailure()
	err = checker.Gate(context.Background())
	assert.ErrorIs(t, err, ErrCoolingDown)

	// Window elapses, attempts resume
	time.Sleep(120 * time.Millisecond)
	assert.NoError(t, checker.Gate(context.Background()))
}

func TestDiagnosticsCounters(t *testing.T) {
	checker := NewChecker("127.0.0.1:80", time.Second, time.Minute)

	checker.RecordSuccess(100 * time.Millisecond)
	checker.RecordSuccess(300 * time.Millisecond)
	checker.RecordFailure()
	checker.RecordFailure()

	diag := checker.Diagnostics()
	assert.Equal(t, int64(4), diag.TotalPolls)
	assert.Equal(t, int64(2), diag.Successes)
	assert.Equal(t, int64(2), diag.ConsecutiveFailures)
	assert.InDelta(t, 0.5, diag.SuccessRate, 0.0001)
	assert.InDelta(t, 200.0, diag.AverageLatencyMS, 0.1)
	assert.False(t, diag.LastFailureAt.IsZero())
	assert.False(t, diag.LastSuccessAt.IsZero())

	// Any success resets the consecutive counter
	checker.RecordSuccess(200 * time.Millisecond)
	diag = checker.Diagnostics()
	assert.Equal(t, int64(0), diag.ConsecutiveFailures)
}

func TestDiagnosticsLatencyWindowIsBounded(t *testing.T) {
	checker := NewChecker("127.0.0.1:80", time.Second, time.Minute)

	// Fill the window with slow samples, then overwrite with fast ones
	for i := 0; i < latencyWindow; i++ {
		checker.RecordSuccess(time.Second)
	}
	for i := 0; i < latencyWindow; i++ {
		checker.RecordSuccess(10 * time.Millisecond)
	}

	diag := checker.Diagnostics()
	assert.InDelta(t, 10.0, diag.AverageLatencyMS, 0.1)
	assert.Equal(t, int64(2*latencyWindow), diag.TotalPolls)
}

func TestDiagnosticsEmpty(t *testing.T) {
	checker := NewChecker("127.0.0.1", time.Second, time.Minute)
	diag := checker.Diagnostics()

	assert.Equal(t, int64(0), diag.TotalPolls)
	assert.Equal(t, 0.0, diag.SuccessRate)
	assert.Equal(t, 0.0, diag.AverageLatencyMS)
}
