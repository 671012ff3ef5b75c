package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomind-oss/llmgateway/core"
)

func testConfig() Config {
	return Config{
		Global:  LimiterConfig{RequestsPerMinute: 100, ConcurrentLimit: 100, QueueSize: 100},
		PerUser: LimiterConfig{RequestsPerMinute: 2, ConcurrentLimit: 1, QueueSize: 1},
		IdleTTL: time.Hour,
	}
}

func TestDoRunsWorkWhenCapacityAvailable(t *testing.T) {
	s := New(testConfig(), nil, nil)
	out, err := Do(context.Background(), s, "user1", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestDoRejectsOnQueueOverflow(t *testing.T) {
	cfg := Config{
		Global:  LimiterConfig{RequestsPerMinute: 100, ConcurrentLimit: 100, QueueSize: 100},
		PerUser: LimiterConfig{RequestsPerMinute: 1, ConcurrentLimit: 1, QueueSize: 0},
		IdleTTL: time.Hour,
	}
	s := New(cfg, nil, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	go Do(context.Background(), s, "user1", func(ctx context.Context) (struct{}, error) {
		close(started)
		<-release
		return struct{}{}, nil
	})
	<-started

	_, err := Do(context.Background(), s, "user1", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	require.Error(t, err)
	var gwErr *core.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, core.CategoryQueueOverflow, gwErr.Category)

	close(release)
}

func TestDoIsolatesLimitersPerPrincipal(t *testing.T) {
	cfg := Config{
		Global:  LimiterConfig{RequestsPerMinute: 100, ConcurrentLimit: 100, QueueSize: 100},
		PerUser: LimiterConfig{RequestsPerMinute: 1, ConcurrentLimit: 1, QueueSize: 0},
		IdleTTL: time.Hour,
	}
	s := New(cfg, nil, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	go Do(context.Background(), s, "user1", func(ctx context.Context) (struct{}, error) {
		close(started)
		<-release
		return struct{}{}, nil
	})
	<-started

	// A different principal must not be blocked by user1's saturated limiter.
	out, err := Do(context.Background(), s, "user2", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	close(release)
}

func TestDoCancellationReleasesQueueSlotWithoutDebitingReservoir(t *testing.T) {
	cfg := Config{
		Global:  LimiterConfig{RequestsPerMinute: 100, ConcurrentLimit: 100, QueueSize: 100},
		PerUser: LimiterConfig{RequestsPerMinute: 5, ConcurrentLimit: 1, QueueSize: 1},
		IdleTTL: time.Hour,
	}
	s := New(cfg, nil, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	go Do(context.Background(), s, "user1", func(ctx context.Context) (struct{}, error) {
		close(started)
		<-release
		return struct{}{}, nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := Do(ctx, s, "user1", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	}()

	require.Eventually(t, func() bool {
		snap := s.userLimiter("user1").snapshot()
		return snap.Queued == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	wg.Wait()

	snap := s.userLimiter("user1").snapshot()
	assert.Equal(t, 0, snap.Queued, "canceled waiter must be removed from the queue")
	assert.Equal(t, 4, snap.Reservoir, "canceled waiter must not debit the reservoir")

	close(release)
}

func TestDrainWaitsForInFlightWorkThenSucceeds(t *testing.T) {
	s := New(testConfig(), nil, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	go Do(context.Background(), s, "user1", func(ctx context.Context) (struct{}, error) {
		close(started)
		<-release
		return struct{}{}, nil
	})
	<-started

	done := make(chan error, 1)
	go func() { done <- s.Drain(2 * time.Second) }()

	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-done)
}

func TestDrainRejectsNewWork(t *testing.T) {
	s := New(testConfig(), nil, nil)
	require.NoError(t, s.Drain(time.Second))

	_, err := Do(context.Background(), s, "user1", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	require.Error(t, err)
	var gwErr *core.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, core.CategoryShutdown, gwErr.Category)
}

func TestHealthReportsGlobalSnapshotAndUserCount(t *testing.T) {
	s := New(testConfig(), nil, nil)
	_, _ = Do(context.Background(), s, "user1", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	h := s.Health()
	assert.Equal(t, 0, h.Running)
	assert.Equal(t, 0, h.Queued)
	assert.Equal(t, 99, h.Reservoir)
	assert.Equal(t, 1, h.TotalUsers)
}
