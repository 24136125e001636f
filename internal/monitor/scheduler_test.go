package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerRunsTasksUntilCancelled(t *testing.T) {
	var fast, failing atomic.Int64
	s := NewScheduler(discardLogger(),
		Task{Name: "fast", Interval: 5 * time.Millisecond, RunOnStart: true, Run: func(context.Context) error {
			fast.Add(1)
			return nil
		}},
		Task{Name: "failing", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			failing.Add(1)
			return errors.New("boom")
		}},
		Task{Name: "disabled", Interval: 0, Run: func(context.Context) error { return nil }},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return fast.Load() >= 3 && failing.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}

	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "failing", status[0].Name)
	assert.Equal(t, status[0].Runs, status[0].Failures)
	assert.Equal(t, "boom", status[0].LastError)
	assert.Equal(t, "fast", status[1].Name)
	assert.Zero(t, status[1].Failures)
}

func TestSchedulerTicksDoNotOverlap(t *testing.T) {
	var running, overlapped atomic.Int64
	s := NewScheduler(discardLogger(), Task{
		Name:     "slow",
		Interval: time.Millisecond,
		Run: func(context.Context) error {
			if running.Add(1) > 1 {
				overlapped.Add(1)
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Zero(t, overlapped.Load())
}
