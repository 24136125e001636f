// Package monitor runs the engine's periodic background loops.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is a named job run on a fixed interval. Ticks of one task never
// overlap; a slow run delays the next tick rather than stacking.
type Task struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// TaskStatus reports how a task has been doing.
type TaskStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Scheduler runs tasks concurrently, one goroutine per task.
type Scheduler struct {
	mu     sync.Mutex
	tasks  []Task
	status map[string]*TaskStatus
	logger *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(logger *slog.Logger, tasks ...Task) *Scheduler {
	s := &Scheduler{
		status: make(map[string]*TaskStatus),
		logger: logger.With(slog.String("component", "scheduler")),
	}
	for _, t := range tasks {
		s.Add(t)
	}
	return s
}

// Add registers a task. Tasks with a non-positive interval are ignored.
// Add must be called before Run.
func (s *Scheduler) Add(t Task) {
	if t.Interval <= 0 || t.Run == nil {
		s.logger.Info("task disabled", slog.String("task", t.Name))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
	s.status[t.Name] = &TaskStatus{Name: t.Name, Interval: t.Interval}
}

// Run starts every task and blocks until ctx is cancelled and all in-flight
// runs have returned. Task errors are logged and counted; they do not stop
// the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	s.logger.Info("scheduler starting", slog.Int("tasks", len(tasks)))

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			s.loop(ctx, t)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("monitor: scheduler: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	if t.RunOnStart {
		s.runOnce(ctx, t)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	err := t.Run(ctx)

	s.mu.Lock()
	st := s.status[t.Name]
	st.Runs++
	st.LastRun = time.Now().UTC()
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	} else {
		st.LastError = ""
	}
	s.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.logger.WarnContext(ctx, "task failed",
			slog.String("task", t.Name),
			slog.String("error", err.Error()),
		)
	}
}

// Status returns a snapshot of every task, sorted by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
