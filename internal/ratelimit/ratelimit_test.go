// Copyright 2025 James Ross
package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireWithinCapacityDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	lim, err := New(t.TempDir(), "svc", Config{RatePerWindow: 5, Window: time.Second}, nil)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, lim.Acquire(ctx))
	}
	require.Less(t, time.Since(start), 200*time.Millisecond)

	st, err := lim.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, st.Available)
}

func TestAcquireBeyondCapacityWaitsForWindow(t *testing.T) {
	ctx := context.Background()
	lim, err := New(t.TempDir(), "svc", Config{RatePerWindow: 2, Window: 200 * time.Millisecond}, nil)
	require.NoError(t, err)

	require.NoError(t, lim.Acquire(ctx))
	require.NoError(t, lim.Acquire(ctx))

	start := time.Now()
	require.NoError(t, lim.Acquire(ctx))
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	lim, err := New(t.TempDir(), "svc", Config{RatePerWindow: 1, Window: time.Hour}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, lim.Acquire(ctx))

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = lim.Acquire(cctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestSlidingWindowAcrossConcurrentProcesses is a scaled-down version of
// spec.md §8's cross-process rate limit scenario: two independent Limiter
// handles sharing one state directory (simulating two OS processes) race
// Acquire calls against R=5, W=1s; no rolling 1s window may ever contain
// more than R recorded timestamps.
func TestSlidingWindowAcrossConcurrentProcesses(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{RatePerWindow: 5, Window: time.Second}
	a, err := New(dir, "svc", cfg, nil)
	require.NoError(t, err)
	b, err := New(dir, "svc", cfg, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var timestamps []float64
	record := func() {
		mu.Lock()
		timestamps = append(timestamps, nowUnix())
		mu.Unlock()
	}

	var wg sync.WaitGroup
	run := func(l *Limiter, n int) {
		defer wg.Done()
		for i := 0; i < n; i++ {
			require.NoError(t, l.Acquire(ctx))
			record()
		}
	}
	wg.Add(2)
	go run(a, 20)
	go run(b, 20)
	wg.Wait()

	require.Len(t, timestamps, 40)
	for _, center := range timestamps {
		count := 0
		for _, t2 := range timestamps {
			if t2 > center-cfg.Window.Seconds() && t2 <= center {
				count++
			}
		}
		require.LessOrEqualf(t, count, cfg.RatePerWindow, "window ending at %f held %d entries", center, count)
	}
}
