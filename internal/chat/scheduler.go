package chat

import (
	"sync"
	"time"
)

type scheduled struct {
	timer *time.Timer
	gen   uint64
}

// Scheduler runs keyed, resettable one-shot timers. Scheduling a key that
// is already pending replaces the earlier timer, which makes it a
// debounce. Stop cancels everything and refuses new work.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]scheduled
	gen     uint64
	stopped bool
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string]scheduled)}
}

// Schedule runs fn after d unless key is scheduled again or cancelled
// first. fn runs on its own goroutine.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	if prev, ok := s.timers[key]; ok {
		prev.timer.Stop()
	}

	s.gen++
	gen := s.gen

	s.timers[key] = scheduled{
		gen: gen,
		timer: time.AfterFunc(d, func() {
			if s.claim(key, gen) {
				fn()
			}
		}),
	}
}

// claim removes key if it still belongs to gen. A timer that lost the
// race with Schedule or Cancel must not run.
func (s *Scheduler) claim(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.timers[key]
	if !ok || cur.gen != gen || s.stopped {
		return false
	}

	delete(s.timers, key)

	return true
}

// Cancel stops the pending timer for key and reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.timers[key]
	if !ok {
		return false
	}

	cur.timer.Stop()
	delete(s.timers, key)

	return true
}

// Pending reports whether key is scheduled.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.timers[key]

	return ok
}

// Stop cancels every pending timer. Later calls to Schedule are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true

	for key, cur := range s.timers {
		cur.timer.Stop()
		delete(s.timers, key)
	}
}
