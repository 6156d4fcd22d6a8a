package audio

import "sync"

// Scheduler is the hand-off between driver goroutines and the event loop.
// Driver callbacks post events, channels ask to be drained, and the loop
// runs both from RunPending. Everything else in this package is touched
// only from the loop.
type Scheduler struct {
	mu     sync.Mutex
	events []func()
	drains []*Channel
	marked map[*Channel]struct{}
	wake   chan struct{}
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		marked: make(map[*Channel]struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// Post queues fn to run on the loop. Safe for concurrent use.
func (s *Scheduler) Post(fn func()) {
	s.mu.Lock()
	s.events = append(s.events, fn)
	s.mu.Unlock()
	s.signal()
}

// MarkDrain asks for ch to be drained on the next RunPending. A channel
// already marked is not marked twice.
func (s *Scheduler) MarkDrain(ch *Channel) {
	s.mu.Lock()
	if _, ok := s.marked[ch]; ok {
		s.mu.Unlock()
		return
	}
	s.marked[ch] = struct{}{}
	s.drains = append(s.drains, ch)
	s.mu.Unlock()
	s.signal()
}

// Wake fires when work is waiting.
func (s *Scheduler) Wake() <-chan struct{} { return s.wake }

// Pending reports whether RunPending has anything to do.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events) > 0 || len(s.drains) > 0
}

// RunPending runs the drains marked before the call, then the posted
// events. Work scheduled while running waits for the next call. It returns
// the number of drains and events run.
func (s *Scheduler) RunPending() int {
	s.mu.Lock()
	drains := s.drains
	events := s.events
	s.drains = nil
	s.events = nil
	clear(s.marked)
	s.mu.Unlock()

	for _, ch := range drains {
		ch.runScheduledDrain()
	}
	for _, fn := range events {
		fn()
	}
	return len(drains) + len(events)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
