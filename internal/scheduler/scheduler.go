// Package scheduler runs the core's periodic jobs in a single process. A
// trigger that fires while the same task is still running is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrBusy        = errors.New("task already running")
	ErrUnknownTask = errors.New("unknown task")
)

// Results reported to observers.
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Observer receives every dispatch, e.g. for metrics.
type Observer interface {
	ObserveTask(name, result string, d time.Duration)
}

// TaskStats describes one registered task.
type TaskStats struct {
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	Running    bool          `json:"running"`
	Runs       uint64        `json:"runs"`
	Skips      uint64        `json:"skips"`
	Failures   uint64        `json:"failures"`
	LastStart  time.Time     `json:"last_start,omitempty"`
	LastFinish time.Time     `json:"last_finish,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	NextDue    time.Time     `json:"next_due"`
}

type task struct {
	Task
	running atomic.Bool
	next    time.Time
	stats   TaskStats
}

// Scheduler dispatches registered tasks when they fall due.
type Scheduler struct {
	mu    sync.Mutex
	tasks []*task
	index map[string]*task

	resolution time.Duration
	observer   Observer
	log        zerolog.Logger
	now        func() time.Time
	wg         sync.WaitGroup
}

type Option func(*Scheduler)

func WithLogger(l zerolog.Logger) Option { return func(s *Scheduler) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func WithObserver(o Observer) Option { return func(s *Scheduler) { s.observer = o } }

// WithResolution sets how often Run checks for due tasks.
func WithResolution(d time.Duration) Option { return func(s *Scheduler) { s.resolution = d } }

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		index:      make(map[string]*task),
		resolution: time.Second,
		log:        zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task; its first run is due one interval from now.
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.New("task needs a name and a run func")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.index[t.Name]; dup {
		return fmt.Errorf("task %s already registered", t.Name)
	}
	tk := &task{Task: t, next: s.now().Add(t.Interval)}
	tk.stats.Name = t.Name
	s.tasks = append(s.tasks, tk)
	s.index[t.Name] = tk
	s.log.Info().Str("task", t.Name).Dur("interval", t.Interval).Msg("task registered")
	return nil
}

// SetInterval changes a task's interval and reschedules its next run.
func (s *Scheduler) SetInterval(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tk, ok := s.index[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if tk.Interval != d {
		tk.Interval = d
		tk.next = s.now().Add(d)
	}
	return nil
}

// Tick starts every due task in its own goroutine and returns the names
// started. Due tasks that are still running are skipped.
func (s *Scheduler) Tick(ctx context.Context) []string {
	now := s.now()
	var due []*task
	s.mu.Lock()
	for _, tk := range s.tasks {
		if !now.Before(tk.next) {
			tk.next = now.Add(tk.Interval)
			due = append(due, tk)
		}
	}
	s.mu.Unlock()

	var started []string
	for _, tk := range due {
		if !tk.running.CompareAndSwap(false, true) {
			s.skip(tk)
			continue
		}
		started = append(started, tk.Name)
		s.wg.Add(1)
		go func(tk *task) {
			defer s.wg.Done()
			_ = s.execute(ctx, tk)
		}(tk)
	}
	return started
}

// RunNow runs the named task synchronously, returning ErrBusy when it is
// already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	tk, ok := s.index[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if !tk.running.CompareAndSwap(false, true) {
		s.skip(tk)
		return fmt.Errorf("%s: %w", name, ErrBusy)
	}
	s.wg.Add(1)
	defer s.wg.Done()
	return s.execute(ctx, tk)
}

// Run dispatches due tasks until ctx is cancelled, then waits for tasks
// still in flight.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()
	s.log.Info().Dur("resolution", s.resolution).Int("tasks", len(s.Stats())).Msg("scheduler started")
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopping; waiting for running tasks")
			s.wg.Wait()
			return
		}
	}
}

// Wait blocks until every started task has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Stats returns per-task statistics sorted by name.
func (s *Scheduler) Stats() []TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStats, 0, len(s.tasks))
	for _, tk := range s.tasks {
		st := tk.stats
		st.Interval = tk.Interval
		st.NextDue = tk.next
		st.Running = tk.running.Load()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) skip(tk *task) {
	s.mu.Lock()
	tk.stats.Skips++
	s.mu.Unlock()
	s.log.Warn().Str("task", tk.Name).Msg("previous run still in progress; trigger skipped")
	if s.observer != nil {
		s.observer.ObserveTask(tk.Name, ResultSkipped, 0)
	}
}

func (s *Scheduler) execute(ctx context.Context, tk *task) (err error) {
	defer tk.running.Store(false)

	start := s.now()
	s.mu.Lock()
	tk.stats.LastStart = start
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", tk.Name, r)
			s.log.Error().Str("task", tk.Name).Str("stack", string(debug.Stack())).Msg("task panic recovered")
		}
		finish := s.now()
		elapsed := finish.Sub(start)
		result := ResultOK

		s.mu.Lock()
		tk.stats.Runs++
		tk.stats.LastFinish = finish
		tk.stats.LastError = ""
		if err != nil {
			tk.stats.Failures++
			tk.stats.LastError = err.Error()
			result = ResultFailed
		}
		s.mu.Unlock()

		if err != nil {
			s.log.Error().Err(err).Str("task", tk.Name).Dur("elapsed", elapsed).Msg("task failed")
		} else {
			s.log.Debug().Str("task", tk.Name).Dur("elapsed", elapsed).Msg("task finished")
		}
		if s.observer != nil {
			s.observer.ObserveTask(tk.Name, result, elapsed)
		}
	}()

	return tk.Run(ctx)
}
