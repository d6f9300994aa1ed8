package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"positionbot/internal/runtime/supervisor"
	"positionbot/pkg/logx"
)

type Config struct {
	Timezone    string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
	HistorySize int    // finished runs kept for Snapshot (default 32)
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap OverlapPolicy
}

type Job func(ctx context.Context) error

// runState tracks whether a job is in flight.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) acquire() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
}

func (s *runState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	opt           TaskOptions
	entryID       cron.EntryID
	startupSpread time.Duration
	state         *runState
	skipped       atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	// sup is read by cron callbacks, which must not take mu: restarting
	// cron under mu waits for those callbacks.
	sup atomic.Pointer[supervisor.Supervisor]

	histMu  sync.Mutex
	history []HistoryItem
}

type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Running bool
	Skipped uint64
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
	History   []HistoryItem
}
