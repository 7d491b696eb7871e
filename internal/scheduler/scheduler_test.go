package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextRun(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 5, 0, time.UTC), NextRun(base, time.Hour, 5*time.Second))
	assert.Equal(t, time.Date(2024, 3, 1, 10, 20, 0, 0, time.UTC), NextRun(base, time.Hour, 20*time.Minute))
	assert.Equal(t, time.Date(2024, 3, 2, 0, 10, 0, 0, time.UTC), NextRun(base, 24*time.Hour, 10*time.Minute))
	// 恰好落在执行时刻时取下一个
	assert.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), NextRun(base, 15*time.Minute, 0))
	assert.Equal(t, base, NextRun(base, 0, time.Minute))
}

func TestAlignedRunsImmediatelyAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewAligned(ctx, "test", 20*time.Millisecond, 0)
	s.RunImmediately = true

	var calls int32
	done := make(chan struct{})
	go func() {
		s.Start(func(context.Context) {
			if atomic.AddInt32(&calls, 1) >= 3 {
				cancel()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestAlignedRejectsInvalidInterval(t *testing.T) {
	var calls int32
	NewAligned(context.Background(), "bad", 0, 0).Start(func(context.Context) { atomic.AddInt32(&calls, 1) })
	assert.Zero(t, atomic.LoadInt32(&calls))
}
