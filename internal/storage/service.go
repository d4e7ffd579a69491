package storage

import (
	"context"
	"sync"
	"time"

	logx "relaybot/pkg/logx"
)

// GetResult answers a Service.Get call.
type GetResult struct {
	Value string
	Found bool
	Err   error
}

type opKind int

const (
	opGet opKind = iota
	opSet
	opAudit
)

type request struct {
	ctx   context.Context
	op    opKind
	key   string
	value string
	audit AuditEntry

	get  chan GetResult
	errc chan error
}

// Service owns a Store on a single worker goroutine. Callers send requests
// and receive the answer on a channel, so a slow store never blocks the
// goroutine that asked unless it chooses to wait.
//
// A nil *Service behaves as disabled storage.
type Service struct {
	store   Store
	log     logx.Logger
	timeout time.Duration

	reqs chan request
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewService starts the worker. timeout bounds each store operation; 0 means no bound.
func NewService(store Store, log logx.Logger, timeout time.Duration) *Service {
	s := &Service{
		store:   store,
		log:     log,
		timeout: timeout,
		reqs:    make(chan request),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Service) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case r := <-s.reqs:
			s.handle(r)
		}
	}
}

func (s *Service) handle(r request) {
	ctx := r.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		s.reply(r, GetResult{Err: err})
		return
	}

	switch r.op {
	case opGet:
		v, ok, err := s.store.Get(ctx, r.key)
		if err != nil {
			s.log.Warn("store get failed", logx.String("key", r.key), logx.Err(err))
		}
		s.reply(r, GetResult{Value: v, Found: ok, Err: err})
	case opSet:
		err := s.store.Set(ctx, r.key, r.value)
		if err != nil {
			s.log.Warn("store set failed", logx.String("key", r.key), logx.Err(err))
		}
		s.reply(r, GetResult{Err: err})
	case opAudit:
		err := s.store.AppendAudit(ctx, r.audit)
		if err != nil {
			s.log.Warn("audit append failed", logx.String("feature", r.audit.Feature), logx.Err(err))
		}
		s.reply(r, GetResult{Err: err})
	}
}

// reply never blocks: result channels are buffered with capacity 1.
func (s *Service) reply(r request, res GetResult) {
	if r.get != nil {
		r.get <- res
		return
	}
	if r.errc != nil {
		r.errc <- res.Err
	}
}

func (s *Service) submit(ctx context.Context, r request) error {
	if s == nil {
		return ErrDisabled
	}
	select {
	case s.reqs <- r:
		return nil
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get asks for key. The returned channel receives exactly one result.
func (s *Service) Get(ctx context.Context, key string) <-chan GetResult {
	out := make(chan GetResult, 1)
	if err := s.submit(ctx, request{ctx: ctx, op: opGet, key: key, get: out}); err != nil {
		out <- GetResult{Err: err}
	}
	return out
}

// Set writes key. The returned channel receives exactly one error (nil on success).
func (s *Service) Set(ctx context.Context, key, value string) <-chan error {
	out := make(chan error, 1)
	if err := s.submit(ctx, request{ctx: ctx, op: opSet, key: key, value: value, errc: out}); err != nil {
		out <- err
	}
	return out
}

// Audit appends e to the audit log. The returned channel receives exactly one error.
func (s *Service) Audit(ctx context.Context, e AuditEntry) <-chan error {
	out := make(chan error, 1)
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := s.submit(ctx, request{ctx: ctx, op: opAudit, audit: e, errc: out}); err != nil {
		out <- err
	}
	return out
}

// Load is Get that waits for the answer or ctx.
func (s *Service) Load(ctx context.Context, key string) (string, bool, error) {
	select {
	case r := <-s.Get(ctx, key):
		return r.Value, r.Found, r.Err
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// Save is Set that waits for the answer or ctx.
func (s *Service) Save(ctx context.Context, key, value string) error {
	select {
	case err := <-s.Set(ctx, key, value):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker, then closes the store. Pending callers get ErrClosed.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		close(s.quit)
		<-s.done
		err = s.store.Close()
	})
	return err
}
