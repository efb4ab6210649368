package raft

import (
	"sync"
	"time"
)

// Task is a handle to one scheduled, single-shot function. Re-arming is
// explicit: a fired or cancelled task is never rescheduled by the engine.
type Task struct {
	mu     sync.Mutex
	timer  *time.Timer
	active bool
}

// Cancel stops the task if it has not fired yet and reports whether the
// cancellation won the race.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return false
	}
	t.active = false
	return t.timer.Stop()
}

// scheduler runs delayed one-shot tasks on the runtime timer heap. It keeps
// the live set so Stop can cancel everything outstanding at shutdown.
type scheduler struct {
	mu      sync.Mutex
	tasks   map[*Task]struct{}
	stopped bool
}

func newScheduler() *scheduler {
	return &scheduler{tasks: make(map[*Task]struct{})}
}

// Schedule runs fn once after delay. Returns nil if the scheduler has been
// stopped.
func (s *scheduler) Schedule(fn func(), delay time.Duration) *Task {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	t := &Task{active: true}
	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		fire := t.active
		t.active = false
		t.mu.Unlock()

		s.mu.Lock()
		delete(s.tasks, t)
		s.mu.Unlock()

		if fire {
			fn()
		}
	})
	s.tasks[t] = struct{}{}
	s.mu.Unlock()
	return t
}

// Stop cancels all outstanding tasks and rejects new ones.
func (s *scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	tasks := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.tasks = make(map[*Task]struct{})
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}
