// Package scheduler runs the pipeline's periodic and one-shot tasks.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/neura/neura/internal/logging"
)

// Scheduler manages scheduled tasks
type Scheduler struct {
	tasks   map[string]*Task
	running map[string]context.CancelFunc
	mu      sync.RWMutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	cfg     Config
	log     *logging.Logger
}

// Config configures the scheduler
type Config struct {
	DefaultTimeout time.Duration // Per-run timeout when a task sets none
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 2 * time.Minute,
	}
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg Config) *Scheduler {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		tasks:   make(map[string]*Task),
		running: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		log:     logging.Component("scheduler"),
	}
}

// Task represents a scheduled task
type Task struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Schedule Schedule      `json:"schedule"`
	Handler  TaskHandler   `json:"-"`
	Enabled  bool          `json:"enabled"`
	Timeout  time.Duration `json:"timeout"`

	// RunImmediately fires the first run as soon as the task starts
	// instead of one interval later.
	RunImmediately bool `json:"run_immediately"`

	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// TaskHandler is the function executed for a task
type TaskHandler func(ctx context.Context) error

// Schedule defines when a task runs
type Schedule struct {
	Type     ScheduleType  `json:"type"`
	Interval time.Duration `json:"interval,omitempty"` // For interval schedules
	At       time.Time     `json:"at,omitempty"`       // For once schedules
}

// ScheduleType represents the type of schedule
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval" // Run every X duration
	ScheduleOnce     ScheduleType = "once"     // Run once at a specific time
)

// Register adds a task to the scheduler
func (s *Scheduler) Register(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Handler == nil {
		return fmt.Errorf("task handler is required")
	}
	if task.Schedule.Type == ScheduleInterval && task.Schedule.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", task.ID)
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task already registered: %s", task.ID)
	}

	if task.Timeout == 0 {
		task.Timeout = s.cfg.DefaultTimeout
	}

	task.CreatedAt = time.Now()
	task.Enabled = true

	nextRun := s.firstRun(task)
	task.NextRun = &nextRun

	s.tasks[task.ID] = task

	if s.started {
		s.startTask(task)
	}

	return nil
}

// Unregister removes a task from the scheduler
func (s *Scheduler) Unregister(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.running[taskID]; ok {
		cancel()
		delete(s.running, taskID)
	}

	delete(s.tasks, taskID)
	return nil
}

// Enable enables a task
func (s *Scheduler) Enable(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}

	task.Enabled = true
	if s.started {
		if _, running := s.running[taskID]; !running {
			nextRun := s.firstRun(task)
			task.NextRun = &nextRun
			s.startTask(task)
		}
	}

	return nil
}

// Disable disables a task
func (s *Scheduler) Disable(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}

	task.Enabled = false
	if cancel, ok := s.running[taskID]; ok {
		cancel()
		delete(s.running, taskID)
	}

	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	s.started = true

	for _, task := range s.tasks {
		if task.Enabled {
			s.startTask(task)
		}
	}

	return nil
}

// Stop cancels every task loop and waits for in-flight runs to return
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}

	s.cancel()
	for _, cancel := range s.running {
		cancel()
	}
	s.running = make(map[string]context.CancelFunc)
	s.started = false
	s.mu.Unlock()

	// Runs take the lock to record their outcome, so wait unlocked.
	s.wg.Wait()

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	return nil
}

// startTask starts a single task's loop. Caller holds s.mu.
func (s *Scheduler) startTask(task *Task) {
	taskCtx, cancel := context.WithCancel(s.ctx)
	s.running[task.ID] = cancel

	s.wg.Add(1)
	go s.runTaskLoop(taskCtx, task)
}

func (s *Scheduler) runTaskLoop(ctx context.Context, task *Task) {
	defer s.wg.Done()

	for {
		s.mu.RLock()
		wait := time.Until(*task.NextRun)
		s.mu.RUnlock()

		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.executeTask(ctx, task)
		}

		if task.Schedule.Type == ScheduleOnce {
			s.mu.Lock()
			if cancel, ok := s.running[task.ID]; ok {
				cancel()
				delete(s.running, task.ID)
			}
			s.mu.Unlock()
			return
		}
	}
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	s.mu.RLock()
	timeout := task.Timeout
	s.mu.RUnlock()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := time.Now()
	s.mu.Lock()
	task.LastRun = &now
	task.RunCount++
	s.mu.Unlock()

	err := task.Handler(execCtx)

	s.mu.Lock()
	if err != nil {
		task.ErrorCount++
		task.LastError = err.Error()
	} else {
		task.LastError = ""
	}
	nextRun := s.nextRun(task.Schedule)
	task.NextRun = &nextRun
	s.mu.Unlock()

	if err != nil {
		s.log.WithField("task", task.ID).Debug("Task run failed: %v", err)
	}
}

func (s *Scheduler) firstRun(task *Task) time.Time {
	if task.RunImmediately {
		return time.Now()
	}
	return s.nextRun(task.Schedule)
}

func (s *Scheduler) nextRun(schedule Schedule) time.Time {
	switch schedule.Type {
	case ScheduleInterval:
		return time.Now().Add(schedule.Interval)
	case ScheduleOnce:
		return schedule.At
	default:
		return time.Now().Add(time.Hour)
	}
}

// RunNow executes a task immediately, outside its schedule
func (s *Scheduler) RunNow(taskID string) error {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	ctx := s.ctx
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeTask(ctx, task)
	}()
	return nil
}

// GetTask returns a copy of a task by ID
func (s *Scheduler) GetTask(taskID string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// ListTasks returns copies of all tasks
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, *task)
	}
	return tasks
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Started:      s.started,
		TotalTasks:   len(s.tasks),
		RunningTasks: len(s.running),
	}

	for _, task := range s.tasks {
		if task.Enabled {
			stats.EnabledTasks++
		}
		stats.TotalRuns += task.RunCount
		stats.TotalErrors += task.ErrorCount
	}

	return stats
}

// Stats contains scheduler statistics
type Stats struct {
	Started      bool  `json:"started"`
	TotalTasks   int   `json:"total_tasks"`
	EnabledTasks int   `json:"enabled_tasks"`
	RunningTasks int   `json:"running_tasks"`
	TotalRuns    int64 `json:"total_runs"`
	TotalErrors  int64 `json:"total_errors"`
}

// IntervalTask creates a task that runs at a fixed interval
func IntervalTask(id, name string, interval time.Duration, handler TaskHandler) *Task {
	return &Task{
		ID:       id,
		Name:     name,
		Schedule: Schedule{Type: ScheduleInterval, Interval: interval},
		Handler:  handler,
	}
}

// OnceTask creates a task that runs once at a specific time
func OnceTask(id, name string, at time.Time, handler TaskHandler) *Task {
	return &Task{
		ID:       id,
		Name:     name,
		Schedule: Schedule{Type: ScheduleOnce, At: at},
		Handler:  handler,
	}
}
