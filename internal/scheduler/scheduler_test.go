package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func noop(ctx context.Context) error { return nil }

func TestNewScheduler_DefaultTimeout(t *testing.T) {
	s := NewScheduler(Config{})
	if s.cfg.DefaultTimeout != DefaultConfig().DefaultTimeout {
		t.Errorf("DefaultTimeout = %v, want %v", s.cfg.DefaultTimeout, DefaultConfig().DefaultTimeout)
	}
}

func TestScheduler_Register(t *testing.T) {
	s := NewScheduler(DefaultConfig())

	t.Run("valid task", func(t *testing.T) {
		task := IntervalTask("test-1", "Test Task", time.Minute, noop)
		if err := s.Register(task); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if _, ok := s.tasks["test-1"]; !ok {
			t.Error("task not found in scheduler")
		}
		if task.Timeout == 0 {
			t.Error("default timeout not set")
		}
		if !task.Enabled {
			t.Error("task should be enabled by default")
		}
		if task.NextRun == nil || time.Until(*task.NextRun) < 50*time.Second {
			t.Error("next run should be about one interval away")
		}
	})

	tests := []struct {
		name string
		task *Task
	}{
		{"missing ID", &Task{Handler: noop, Schedule: Schedule{Type: ScheduleInterval, Interval: time.Second}}},
		{"missing handler", &Task{ID: "x", Schedule: Schedule{Type: ScheduleInterval, Interval: time.Second}}},
		{"zero interval", IntervalTask("zero", "Zero", 0, noop)},
		{"duplicate", IntervalTask("test-1", "Dup", time.Minute, noop)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Register(tt.task); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestScheduler_RunImmediately(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	var count int32

	task := IntervalTask("now", "Now", time.Hour, func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	task.RunImmediately = true
	s.Register(task)
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&count) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("run count = %d, want 1", count)
	}
}

func TestScheduler_IntervalRepeats(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	var count int32

	s.Register(IntervalTask("tick", "Tick", 20*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	}))
	s.Start()
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	if got := atomic.LoadInt32(&count); got < 3 {
		t.Errorf("run count = %d, want at least 3", got)
	}

	after := atomic.LoadInt32(&count)
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&count) != after {
		t.Error("task kept running after Stop")
	}
}

func TestScheduler_OnceRunsOnce(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	var count int32

	s.Register(OnceTask("once", "Once", time.Now().Add(10*time.Millisecond), func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	}))
	s.Start()
	defer s.Stop()

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("run count = %d, want 1", got)
	}
	if stats := s.GetStats(); stats.RunningTasks != 0 {
		t.Errorf("RunningTasks = %d after once task finished", stats.RunningTasks)
	}
}

func TestScheduler_StopCancelsInFlight(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	cancelled := make(chan struct{})

	task := IntervalTask("block", "Block", time.Hour, func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	task.RunImmediately = true
	s.Register(task)
	s.Start()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return")
	}
	select {
	case <-cancelled:
	default:
		t.Error("in-flight run was not cancelled")
	}
}

func TestScheduler_EnableDisable(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	s.Register(IntervalTask("t", "T", time.Hour, noop))
	s.Start()
	defer s.Stop()

	if err := s.Disable("t"); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if stats := s.GetStats(); stats.RunningTasks != 0 || stats.EnabledTasks != 0 {
		t.Errorf("stats after Disable = %+v", stats)
	}

	if err := s.Enable("t"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if stats := s.GetStats(); stats.RunningTasks != 1 || stats.EnabledTasks != 1 {
		t.Errorf("stats after Enable = %+v", stats)
	}

	if err := s.Enable("missing"); err == nil {
		t.Error("Enable of unknown task should fail")
	}
	if err := s.Disable("missing"); err == nil {
		t.Error("Disable of unknown task should fail")
	}
}

func TestScheduler_StartTwice(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	s.Start()
	defer s.Stop()

	if err := s.Start(); err == nil {
		t.Error("second Start should fail")
	}
}

func TestScheduler_StopNotStarted(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	if err := s.Stop(); err != nil {
		t.Errorf("Stop on idle scheduler: %v", err)
	}
}

func TestScheduler_RunNow(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	ran := make(chan struct{}, 1)

	s.Register(IntervalTask("manual", "Manual", time.Hour, func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	}))

	if err := s.RunNow("manual"); err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}

	if err := s.RunNow("missing"); err == nil {
		t.Error("RunNow of unknown task should fail")
	}
}

func TestScheduler_RecordsErrors(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	task := IntervalTask("fail", "Fail", time.Hour, func(ctx context.Context) error {
		return errors.New("boom")
	})
	s.Register(task)

	s.executeTask(context.Background(), task)

	got, ok := s.GetTask("fail")
	if !ok {
		t.Fatal("GetTask failed")
	}
	if got.ErrorCount != 1 || got.LastError != "boom" || got.RunCount != 1 {
		t.Errorf("task after failed run = %+v", got)
	}

	task.Handler = noop
	s.executeTask(context.Background(), task)
	got, _ = s.GetTask("fail")
	if got.LastError != "" {
		t.Errorf("LastError should clear after success, got %q", got.LastError)
	}
	if stats := s.GetStats(); stats.TotalRuns != 2 || stats.TotalErrors != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestScheduler_Unregister(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	s.Register(IntervalTask("gone", "Gone", time.Hour, noop))
	s.Start()
	defer s.Stop()

	s.Unregister("gone")
	if _, ok := s.GetTask("gone"); ok {
		t.Error("task still present after Unregister")
	}
	if len(s.ListTasks()) != 0 {
		t.Error("ListTasks should be empty")
	}
}
