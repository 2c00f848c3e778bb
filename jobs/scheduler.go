package jobs

import (
	"context"
	"sync"
	"time"

	"mousekit.app/cloud/internal/logger"
)

// Entry pairs a task with its trigger cadence.
type Entry struct {
	Task  string
	Every time.Duration
}

// DefaultSchedule triggers every sweep daily except the pending-email
// retry, which runs hourly so deferred mail goes out soon after the
// recipient verifies.
func DefaultSchedule() []Entry {
	return []Entry{
		{Task: TaskTrialReminder, Every: 24 * time.Hour},
		{Task: TaskWinback30, Every: 24 * time.Hour},
		{Task: TaskWinback90, Every: 24 * time.Hour},
		{Task: TaskVersionNotify, Every: 24 * time.Hour},
		{Task: TaskPendingEmailRetry, Every: time.Hour},
	}
}

// Scheduler fires job runs on timers. Each task runs on its own ticker so
// one task's failure or duration never delays another.
type Scheduler struct {
	runner  *Runner
	entries []Entry

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

func NewScheduler(runner *Runner, entries []Entry) *Scheduler {
	return &Scheduler{
		runner:  runner,
		entries: entries,
	}
}

// Start launches one ticker goroutine per entry. A stopped scheduler can
// be started again; each run gets a fresh stop channel.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		logger.Warn("Scheduler already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	logger.Info("Starting job scheduler", map[string]interface{}{
		"tasks": len(s.entries),
	})
	for _, entry := range s.entries {
		go s.loop(entry, stop)
	}
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

func (s *Scheduler) loop(entry Entry, stop <-chan struct{}) {
	ticker := time.NewTicker(entry.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			counters, err := s.runner.Run(context.Background(), entry.Task)
			if err != nil {
				logger.Error("Scheduled task failed", map[string]interface{}{
					"task":  entry.Task,
					"error": err.Error(),
				})
				continue
			}
			logger.Info("Scheduled task finished", map[string]interface{}{
				"task":          entry.Task,
				"sent":          counters.Sent,
				"skipped":       counters.Skipped,
				"still_pending": counters.StillPending,
				"failed":        counters.Failed,
			})
		case <-stop:
			return
		}
	}
}
