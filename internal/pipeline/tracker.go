package pipeline

import (
	"context"
	"sync"
)

// Tracker retains in-flight jobs so their failures get observed and shutdown
// can wait for them.
type Tracker struct {
	// OnError is called once for every tracked job that fails.
	OnError func(j *Job, err error)

	mu       sync.Mutex
	inflight map[string]*Job
	draining bool
	wg       sync.WaitGroup
}

func NewTracker(onError func(j *Job, err error)) *Tracker {
	return &Tracker{OnError: onError, inflight: make(map[string]*Job)}
}

// Track observes j. Once Drain has been called, jobs are still observed but
// no longer waited for.
func (t *Tracker) Track(j *Job) {
	if j == nil {
		return
	}
	t.mu.Lock()
	counted := !t.draining
	if counted {
		if t.inflight == nil {
			t.inflight = make(map[string]*Job)
		}
		t.inflight[j.id] = j
		t.wg.Add(1)
	}
	t.mu.Unlock()

	go func() {
		<-j.Done()
		if counted {
			t.mu.Lock()
			delete(t.inflight, j.id)
			t.mu.Unlock()
		}
		if err := j.Err(); err != nil && t.OnError != nil {
			t.OnError(j, err)
		}
		if counted {
			t.wg.Done()
		}
	}()
}

// InFlight returns the number of tracked jobs that have not finished.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Drain stops counting new jobs and waits until every counted job finished
// or ctx is done.
func (t *Tracker) Drain(ctx context.Context) error {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
