package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/eventbus"
	logx "relaybot/pkg/logx"
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Timezone   string        // IANA TZ, e.g. "Asia/Tokyo"; empty means Local
	JobTimeout time.Duration // 0 means no per-run deadline
}

const SignalRun = "schedule.run"

// RunInfo is the Data of a SignalRun signal.
type RunInfo struct {
	Name string
	Took time.Duration
	Err  error
}

type scheduleDef struct {
	name    string
	spec    string // cron spec or @every
	job     func(ctx context.Context) error
	entryID cron.EntryID
	// startupSpread is the random delay added before the first @every run.
	startupSpread time.Duration
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus *eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// run state read by firing jobs; separate from mu so a restart that
	// waits for running jobs never deadlocks with them.
	rmu     sync.RWMutex
	baseCtx context.Context
	timeout time.Duration
}

type ScheduleInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
