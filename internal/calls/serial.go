package calls

import (
	"context"
	"sync"
)

// serial runs jobs one at a time in submission order on its own goroutine.
// push never blocks.
type serial struct {
	mu      sync.Mutex
	jobs    []func(context.Context)
	closing bool

	wake chan struct{}
	done chan struct{}
}

func newSerial() *serial {
	return &serial{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

func (s *serial) push(job func(context.Context)) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	s.notify()
}

func (s *serial) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run executes jobs until ctx ends, or until close was called and the queue is empty.
func (s *serial) run(ctx context.Context) {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.jobs) == 0 {
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		job := s.jobs[0]
		s.jobs[0] = nil
		s.jobs = s.jobs[1:]
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		job(ctx)
	}
}

// close stops accepting jobs; run returns once the queue drains.
func (s *serial) close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.notify()
}
