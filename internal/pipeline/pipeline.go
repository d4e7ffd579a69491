// Package pipeline runs a value through an ordered chain of interceptors on
// its own goroutine.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

// Interceptor is one step of a pipeline. Returning an error aborts the rest of
// the chain for that execution.
type Interceptor[T any] func(ctx context.Context, v T) error

// Pipeline is an append-only list of interceptors bound to one value type.
type Pipeline[T any] struct {
	mu           sync.RWMutex
	interceptors []Interceptor[T]
}

func New[T any](interceptors ...Interceptor[T]) *Pipeline[T] {
	p := &Pipeline[T]{}
	for _, i := range interceptors {
		p.Intercept(i)
	}
	return p
}

// Intercept appends i. Executions already running keep the list they started with.
func (p *Pipeline[T]) Intercept(i Interceptor[T]) {
	if i == nil {
		return
	}
	p.mu.Lock()
	p.interceptors = append(p.interceptors, i)
	p.mu.Unlock()
}

func (p *Pipeline[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.interceptors)
}

// Execute starts running v through the current interceptors and returns
// without waiting. Interceptors run one after another in registration order.
func (p *Pipeline[T]) Execute(ctx context.Context, v T) *Job {
	p.mu.RLock()
	chain := make([]Interceptor[T], len(p.interceptors))
	copy(chain, p.interceptors)
	p.mu.RUnlock()

	j := &Job{id: uuid.NewString(), done: make(chan struct{})}
	go func() {
		defer close(j.done)
		j.err = run(ctx, chain, v)
	}()
	return j
}

func run[T any](ctx context.Context, chain []Interceptor[T], v T) error {
	for idx, i := range chain {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := call(ctx, i, v); err != nil {
			return fmt.Errorf("interceptor %d: %w", idx, err)
		}
	}
	return nil
}

func call[T any](ctx context.Context, i Interceptor[T], v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return i(ctx, v)
}

// PanicError is the error of a job whose interceptor panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Job is the handle of one Execute call.
type Job struct {
	id   string
	done chan struct{}
	err  error
}

func (j *Job) ID() string { return j.id }

func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the job's error once Done is closed, nil before that.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
