package mutationq

import (
	"context"
	"sync"
	"time"
)

// TimerScheduler is the default Scheduler. Each task gets its own timer;
// Stop cancels the ones that have not fired and waits for the rest.
type TimerScheduler struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	timers map[uint64]*time.Timer
	next   uint64
	closed bool
	wg     sync.WaitGroup
}

// NewTimerScheduler creates a scheduler whose tasks receive a context that
// is cancelled by Stop.
func NewTimerScheduler() *TimerScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[uint64]*time.Timer),
	}
}

// Schedule runs task after delay. It is a no-op once Stop has been called.
func (s *TimerScheduler) Schedule(delay time.Duration, task func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	id := s.next
	s.next++
	s.wg.Add(1)
	s.timers[id] = time.AfterFunc(delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if !live {
			return
		}
		task(s.ctx)
	})
}

// Pending returns the number of tasks waiting for their timer.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels pending tasks and blocks until running tasks return.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	for id, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
