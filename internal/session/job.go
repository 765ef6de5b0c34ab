package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// Job is a cancellable scheduled unit of work whose body runs on the
// session's mailbox goroutine.
type Job struct {
	s       *Session
	stopped atomic.Bool
	once    sync.Once
	cancel  func()
}

// Stop cancels the job. A tick already queued in the mailbox is skipped.
func (j *Job) Stop() {
	if j == nil {
		return
	}
	j.stopped.Store(true)
	j.once.Do(func() {
		if j.cancel != nil {
			j.cancel()
		}
		if j.s != nil {
			j.s.untrack(j)
		}
	})
}

func (j *Job) Active() bool {
	return j != nil && !j.stopped.Load()
}

// Every runs fn on the mailbox every d until the job is stopped or the
// session closes.
func (s *Session) Every(d time.Duration, fn func()) *Job {
	j := &Job{s: s}
	if d <= 0 {
		j.stopped.Store(true)
		return j
	}

	ticker := time.NewTicker(d)
	quit := make(chan struct{})
	j.cancel = func() {
		ticker.Stop()
		close(quit)
	}
	if !s.track(j) {
		j.Stop()
		return j
	}

	go func() {
		for {
			select {
			case <-ticker.C:
				s.Post(func() {
					if j.Active() {
						fn()
					}
				})
			case <-quit:
				return
			case <-s.done:
				return
			}
		}
	}()
	return j
}

// After runs fn once on the mailbox after d.
func (s *Session) After(d time.Duration, fn func()) *Job {
	j := &Job{s: s}
	t := time.AfterFunc(d, func() {
		s.Post(func() {
			if j.stopped.Swap(true) {
				return
			}
			s.untrack(j)
			fn()
		})
	})
	j.cancel = func() { t.Stop() }
	if !s.track(j) {
		j.Stop()
	}
	return j
}

func (s *Session) track(j *Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.jobs[j] = struct{}{}
	return true
}

func (s *Session) untrack(j *Job) {
	s.mu.Lock()
	delete(s.jobs, j)
	s.mu.Unlock()
}
