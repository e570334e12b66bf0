package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"clipflow/internal/eventbus"
	"clipflow/internal/model"
	"clipflow/internal/storage"
	"clipflow/internal/task/engine"
	logx "clipflow/pkg/logx"
)

const (
	JobsCollection    = "jobs"
	HistoryCollection = "job_history"
)

// Runner accepts triggered runs. *engine.Service satisfies it.
type Runner interface {
	Enqueue(t engine.Task) error
}

// overlapStates is implemented by runners that expose their overlap keys,
// so inline runs can honour them too.
type overlapStates interface {
	StateFor(key, name string) *engine.RunState
}

func jobKey(id string) string { return "job:" + id }

type Options struct {
	Clock model.Clock
	Bus   eventbus.Bus
	Log   logx.Logger
}

// Service owns the cron triggers. Each job id has at most one live entry.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	parser  cron.Parser
	c       *cron.Cron
	started bool

	entries  map[string]cron.EntryID
	handlers map[string]Handler

	runner  Runner
	jobs    *storage.Collection[Job]
	history *storage.Collection[Execution]

	defMu sync.Mutex

	// histMu orders the stats update and history append of one run.
	histMu sync.Mutex

	clock model.Clock
	bus   eventbus.Bus
	log   logx.Logger

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func New(cfg Config, runner Runner, store storage.Store, opt Options) *Service {
	if opt.Clock == nil {
		opt.Clock = model.SystemClock()
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		parser:   newParser(),
		entries:  map[string]cron.EntryID{},
		handlers: map[string]Handler{},
		runner:   runner,
		jobs:     storage.NewCollection[Job](store, JobsCollection, "job"),
		history:  storage.NewCollection[Execution](store, HistoryCollection, "job execution"),
		clock:    opt.Clock,
		bus:      opt.Bus,
		log:      opt.Log.With(logx.String("comp", "scheduler")),
	}
	s.loc = s.loadLocationLocked(s.cfg.Timezone)
	s.c = s.newCronLocked()
	return s
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	c.Timezone = strings.TrimSpace(c.Timezone)
	return c
}

func (s *Service) newCronLocked() *cron.Cron {
	return cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
}

func (s *Service) loadLocationLocked(tz string) *time.Location {
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start arms every stored, enabled job that has a handler and starts firing.
func (s *Service) Start(ctx context.Context) error {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	for _, j := range jobs {
		if !j.Enabled || s.handlers[j.ID] == nil {
			continue
		}
		if err := s.armLocked(j); err != nil {
			s.log.Warn("job not armed", logx.String("job", j.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.started = true
	s.log.Info("scheduler started", logx.Int("armed", len(s.entries)), logx.String("tz", s.loc.String()))
	return nil
}

// Stop halts all triggers. Runs already handed to the engine finish there.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	c := s.c
	s.started = false
	s.mu.Unlock()

	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Apply swaps timezone and history size at runtime. A timezone change
// re-arms every live trigger on a fresh cron.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	tzChanged := cfg.Timezone != s.cfg.Timezone
	s.cfg = cfg
	if !tzChanged {
		s.mu.Unlock()
		return
	}

	old := s.c
	wasStarted := s.started
	s.loc = s.loadLocationLocked(cfg.Timezone)
	s.c = s.newCronLocked()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.entries = map[string]cron.EntryID{}
	s.mu.Unlock()

	old.Stop()

	// defMu keeps Enable/Disable/Delete out while triggers move over, and
	// each job is re-read so only jobs still enabled are re-armed.
	s.defMu.Lock()
	for _, id := range ids {
		j, err := s.jobs.Get(ctx, id)
		if err != nil || !j.Enabled {
			continue
		}
		s.mu.Lock()
		if s.handlers[id] != nil {
			if err := s.armLocked(j); err != nil {
				s.log.Warn("job not re-armed", logx.String("job", j.Name), logx.Err(err))
			}
		}
		s.mu.Unlock()
	}
	s.defMu.Unlock()

	s.mu.Lock()
	if wasStarted {
		s.c.Start()
	}
	s.mu.Unlock()
	s.log.Info("scheduler timezone changed", logx.String("tz", s.loc.String()))
}

// armLocked replaces any live trigger for j with a fresh one.
func (s *Service) armLocked(j Job) error {
	s.disarmLocked(j.ID)

	_, expr, err := s.parseSchedule(j.Schedule)
	if err != nil {
		return err
	}
	id := j.ID
	name := j.Name
	timeout := j.Timeout.D()
	entryID, err := s.c.AddJob(expr, cron.FuncJob(func() {
		s.reportEnqueueError(id, name, s.enqueue(id, name, timeout))
	}))
	if err != nil {
		return invalidCron()
	}
	s.entries[id] = entryID
	return nil
}

func (s *Service) disarmLocked(id string) {
	if entryID, ok := s.entries[id]; ok {
		s.c.Remove(entryID)
		delete(s.entries, id)
	}
}

// enqueue hands one run of job id to the engine with overlap skipping.
func (s *Service) enqueue(id, name string, timeout time.Duration) error {
	if timeout <= 0 {
		s.mu.Lock()
		timeout = s.cfg.DefaultTimeout
		s.mu.Unlock()
	}
	return s.runner.Enqueue(engine.Task{
		Name:    "job:" + name,
		Key:     jobKey(id),
		Timeout: timeout,
		Run: func(ctx context.Context) error {
			exec, err := s.execute(ctx, id, nil)
			if err != nil {
				return err
			}
			if !exec.Success {
				return model.Execution(exec.Error, nil)
			}
			return nil
		},
		OnDrop: func(reason string) {
			s.publishSkipped(id, name, reason)
		},
	})
}

func (s *Service) publishSkipped(id, name, reason string) {
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeJobSkipped,
		Time: s.clock.Now(),
		Data: map[string]any{"jobId": id, "name": name, "reason": reason},
	})
}

// Armed reports whether job id has a live trigger.
func (s *Service) Armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}
