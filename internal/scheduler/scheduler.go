// Package scheduler runs the periodic anomaly sweep and dashboard snapshot.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultTaskTimeout = 5 * time.Minute

// ErrTaskNotFound is returned for unknown task ids
var ErrTaskNotFound = errors.New("task not found")

// Task is one scheduled unit of work
type Task struct {
	ID       string
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// TaskStatus is a point-in-time view of a task
type TaskStatus struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	LastRun    time.Time `json:"last_run,omitempty"`
	NextRun    time.Time `json:"next_run,omitempty"`
	RunCount   int64     `json:"run_count"`
	ErrorCount int64     `json:"error_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// Recorder receives task outcomes, typically the prometheus collector
type Recorder interface {
	TaskExecuted(task string, err error, d time.Duration)
}

type scheduledTask struct {
	Task
	entryID cron.EntryID

	mu         sync.Mutex
	running    bool
	lastRun    time.Time
	runCount   int64
	errorCount int64
	lastError  string
}

// Scheduler manages periodic tasks
type Scheduler struct {
	cron     *cron.Cron
	logger   *zap.Logger
	recorder Recorder

	mu    sync.RWMutex
	tasks map[string]*scheduledTask
}

// Option configures a Scheduler
type Option func(*Scheduler)

func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// New creates a scheduler with second precision in UTC
func New(logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		logger: logger,
		tasks:  make(map[string]*scheduledTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTask registers a task with its cron schedule
func (s *Scheduler) AddTask(task Task) error {
	if task.ID == "" || task.Run == nil {
		return fmt.Errorf("task requires an id and a run function")
	}
	if task.Timeout <= 0 {
		task.Timeout = defaultTaskTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}

	st := &scheduledTask{Task: task}
	entryID, err := s.cron.AddFunc(task.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), st.Timeout)
		defer cancel()
		s.execute(ctx, st)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", task.ID, err)
	}
	st.entryID = entryID
	s.tasks[task.ID] = st

	s.logger.Debug("Task scheduled", zap.String("task_id", task.ID), zap.String("schedule", task.Schedule))
	return nil
}

// RunNow executes a task immediately, outside its schedule
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.RLock()
	st, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	ctx, cancel := context.WithTimeout(ctx, st.Timeout)
	defer cancel()
	return s.execute(ctx, st)
}

// Start begins firing scheduled tasks
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("scheduled_tasks", len(s.Tasks())))
}

// Stop prevents new runs and waits for running tasks to finish
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// Tasks returns the status of every task ordered by id
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, st := range s.tasks {
		st.mu.Lock()
		status := TaskStatus{
			ID:         st.ID,
			Name:       st.Name,
			Schedule:   st.Schedule,
			LastRun:    st.lastRun,
			NextRun:    s.cron.Entry(st.entryID).Next,
			RunCount:   st.runCount,
			ErrorCount: st.errorCount,
			LastError:  st.lastError,
		}
		st.mu.Unlock()
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// execute skips a run while the previous one is still in flight
func (s *Scheduler) execute(ctx context.Context, st *scheduledTask) error {
	st.mu.Lock()
	if st.running {
		st.mu.Unlock()
		s.logger.Warn("Skipping task still running", zap.String("task_id", st.ID))
		return nil
	}
	st.running = true
	st.lastRun = time.Now().UTC()
	st.runCount++
	st.mu.Unlock()

	start := time.Now()
	err := st.Run(ctx)
	elapsed := time.Since(start)

	st.mu.Lock()
	st.running = false
	if err != nil {
		st.errorCount++
		st.lastError = err.Error()
	} else {
		st.lastError = ""
	}
	st.mu.Unlock()

	if s.recorder != nil {
		s.recorder.TaskExecuted(st.ID, err, elapsed)
	}
	if err != nil {
		s.logger.Error("Scheduled task failed",
			zap.String("task_id", st.ID),
			zap.Duration("execution_time", elapsed),
			zap.Error(err))
		return err
	}
	s.logger.Debug("Scheduled task completed", zap.String("task_id", st.ID), zap.Duration("execution_time", elapsed))
	return nil
}
