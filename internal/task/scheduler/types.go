package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"terminbot/internal/task/engine"
	logx "terminbot/pkg/logx"
)

// Config controls trigger behavior. Timezone is an IANA name used for
// cron specs (the nightly maintenance job fires in it); empty means the
// host timezone.
type Config struct {
	Timezone string
}

// Re-export execution types so callers registering schedules don't need
// a second import for the options.
type (
	OverlapPolicy = engine.OverlapPolicy
	TaskOptions   = engine.TaskOptions
	HistoryItem   = engine.HistoryItem
)

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// trigger is one registered schedule: the cron expression that fires it
// and the job it hands to the engine.
type trigger struct {
	id      string
	name    string
	spec    string // cron spec or "@every <dur>"
	timeout time.Duration
	run     func(ctx context.Context) error
	opt     TaskOptions
	gate    *engine.RunState

	entryID cron.EntryID
	spread  time.Duration // first-run delay added to @every schedules
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	engine *engine.Service

	parser   cron.Parser
	c        *cron.Cron
	triggers []trigger

	warnMu sync.Mutex
	warnAt map[string]time.Time
}
