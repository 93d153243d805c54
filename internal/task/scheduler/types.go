package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"plantbot/internal/eventbus"
	"plantbot/internal/storage"
	"plantbot/internal/task/engine"
	logx "plantbot/pkg/logx"
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Enabled bool

	// Timezone is the IANA zone cron specs are evaluated in.
	Timezone string

	// MisfireGrace is how late a restored job may still fire. Older jobs
	// are dropped; their owners are expected to re-plan.
	MisfireGrace time.Duration

	// JobTimeout bounds one handler run. 0 uses the engine default.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = time.Hour
	}
	return c
}

// JobStore persists one-shot jobs across restarts.
type JobStore interface {
	SaveJob(ctx context.Context, j storage.Job) error
	DeleteJob(ctx context.Context, key string) error
	DeleteJobIf(ctx context.Context, key string, fireAt time.Time) error
	LoadJobs(ctx context.Context) ([]storage.Job, error)
}

// Handler runs a due job. Returning nil removes the job row unless the
// handler re-scheduled the same key for a different time.
type Handler func(ctx context.Context, job storage.Job) error

// MisfireEvent is published as "scheduler.misfire" for every dropped job.
type MisfireEvent struct {
	Key    string    `json:"key"`
	FireAt time.Time `json:"fire_at"`
}

type cronDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
}

type onceDef struct {
	job   storage.Job
	ver   uint64
	timer *time.Timer
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service
	store  JobStore

	parser cron.Parser
	c      *cron.Cron
	defs   []cronDef

	handlers map[string]Handler // by key prefix

	// Enqueue error throttling: key is job or cron name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	tmu     sync.Mutex
	once    map[string]*onceDef
	seq     uint64
	running bool
}

type JobInfo struct {
	Key    string
	FireAt time.Time
}

type CronInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Snapshot struct {
	Enabled  bool
	Timezone string
	Jobs     []JobInfo
	Crons    []CronInfo
	Engine   engine.Snapshot
}
