package jobs

import (
	"testing"
	"time"
)

func TestDefaultScheduleCoversEveryTask(t *testing.T) {
	seen := make(map[string]bool)
	for _, entry := range DefaultSchedule() {
		seen[entry.Task] = true
		if entry.Every <= 0 {
			t.Errorf("task %s has no cadence", entry.Task)
		}
	}
	for _, task := range []string{TaskTrialReminder, TaskWinback30, TaskWinback90, TaskVersionNotify, TaskPendingEmailRetry} {
		if !seen[task] {
			t.Errorf("task %s missing from default schedule", task)
		}
	}
}

func TestSchedulerRestartsAfterStop(t *testing.T) {
	r, _, _ := setup(t)
	s := NewScheduler(r, []Entry{{Task: TaskVersionNotify, Every: time.Hour}})

	s.Start()
	s.Stop()
	s.Start()
	defer s.Stop()

	s.mu.Lock()
	running, stop := s.running, s.stopCh
	s.mu.Unlock()
	if !running {
		t.Fatal("scheduler should be running after restart")
	}
	select {
	case <-stop:
		t.Fatal("restarted scheduler must get a fresh stop channel")
	default:
	}
}

func TestSchedulerStopBeforeStartIsANoop(t *testing.T) {
	r, _, _ := setup(t)
	s := NewScheduler(r, DefaultSchedule())
	s.Stop()
	s.Start()
	s.Stop()
}
