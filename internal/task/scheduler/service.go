package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/eventbus"
	logx "relaybot/pkg/logx"
)

func New(cfg Config, log logx.Logger, bus *eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timeout: cfg.JobTimeout,
	}
}

// Apply updates the config. A timezone change restarts triggering in the new location.
func (s *Service) Apply(cfg Config) {
	s.rmu.Lock()
	s.timeout = cfg.JobTimeout
	s.rmu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != newTZ {
		s.restartLocked()
	}
}

// Start starts cron triggering. Jobs receive contexts derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.rmu.Lock()
	s.baseCtx = ctx
	s.rmu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	logger := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop stops triggering and waits for running jobs (bounded by ctx).
// Definitions remain so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			s.log.Warn("stop timed out waiting for running jobs")
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	old := s.c
	// Running jobs finish on the old instance; do not wait for them here.
	old.Stop()
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// run executes one firing of a schedule.
func (s *Service) run(name string, job func(ctx context.Context) error) {
	s.rmu.RLock()
	base, timeout := s.baseCtx, s.timeout
	s.rmu.RUnlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := base, context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(base, timeout)
	}
	defer cancel()

	start := time.Now()
	err := job(ctx)
	took := time.Since(start)
	if err != nil {
		s.log.Warn("schedule run failed", logx.String("name", name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("schedule run ok", logx.String("name", name), logx.Duration("took", took))
	}
	if s.bus != nil {
		s.bus.Notify(eventbus.Signal{Type: SignalRun, Data: RunInfo{Name: name, Took: took, Err: err}})
	}
}
