package schedule

import (
	"sync"
	"time"
)

// Scheduler reports when a Schedule is due. Each call to Execute that returns true
// consumes one firing and moves the next fire time forward from the moment it fired,
// so missed firings collapse into one.
type Scheduler struct {
	mu        sync.Mutex
	schedule  Schedule
	reference time.Time
	last      time.Time
	next      time.Time
}

func NewScheduler(s Schedule, reference time.Time) *Scheduler {
	return &Scheduler{
		schedule:  s,
		reference: reference,
		next:      s.NextFireTime(reference, time.Time{}),
	}
}

// Execute returns true when now has reached the next fire time.
func (s *Scheduler) Execute(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.next) {
		return false
	}
	s.last = now
	s.next = s.schedule.NextFireTime(s.reference, now)
	return true
}

func (s *Scheduler) NextExecution() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) LastExecution() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) Schedule() Schedule { return s.schedule }
