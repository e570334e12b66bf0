package orchestrator

import (
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"clipflow/internal/account"
	"clipflow/internal/collab"
	"clipflow/internal/eventbus"
	"clipflow/internal/model"
	"clipflow/internal/queue"
	"clipflow/internal/upload"
	logx "clipflow/pkg/logx"
)

const (
	DefaultGenerateBatch = 3
	DefaultUploadBatch   = 5
	DefaultRetention     = 7 * 24 * time.Hour
)

// DefaultPlatforms is the fan-out set for items targeting "all".
func DefaultPlatforms() []model.Platform {
	return []model.Platform{model.PlatformTikTok, model.PlatformYouTube, model.PlatformFacebook}
}

// Tuning is the hot-reloadable part of the configuration.
type Tuning struct {
	GenerateBatch     int
	UploadBatch       int
	QueueRetention    time.Duration
	UploadRetention   time.Duration
	MinUploadInterval time.Duration // 0 disables pacing
}

func (t Tuning) withDefaults() Tuning {
	if t.GenerateBatch <= 0 {
		t.GenerateBatch = DefaultGenerateBatch
	}
	if t.UploadBatch <= 0 {
		t.UploadBatch = DefaultUploadBatch
	}
	if t.QueueRetention <= 0 {
		t.QueueRetention = DefaultRetention
	}
	if t.UploadRetention <= 0 {
		t.UploadRetention = DefaultRetention
	}
	return t
}

type Options struct {
	Platforms []model.Platform
	Tuning    Tuning

	// Intn picks among pinned accounts; defaults to math/rand/v2.
	Intn func(n int) int

	Clock model.Clock
	Bus   eventbus.Bus
	Log   logx.Logger
}

type Orchestrator struct {
	queue    *queue.Queue
	uploads  *upload.Dispatcher
	accounts *account.Selector
	gen      collab.Generator

	platforms []model.Platform
	intn      func(int) int
	clock     model.Clock
	bus       eventbus.Bus
	log       logx.Logger

	mu     sync.Mutex
	tuning Tuning
	pace   *rate.Limiter
}

func New(q *queue.Queue, u *upload.Dispatcher, a *account.Selector, gen collab.Generator, opt Options) *Orchestrator {
	if len(opt.Platforms) == 0 {
		opt.Platforms = DefaultPlatforms()
	}
	if opt.Intn == nil {
		opt.Intn = rand.IntN
	}
	if opt.Clock == nil {
		opt.Clock = model.SystemClock()
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	tuning := opt.Tuning.withDefaults()
	return &Orchestrator{
		queue:     q,
		uploads:   u,
		accounts:  a,
		gen:       gen,
		platforms: append([]model.Platform(nil), opt.Platforms...),
		intn:      opt.Intn,
		clock:     opt.Clock,
		bus:       opt.Bus,
		log:       opt.Log.With(logx.String("comp", "orchestrator")),
		tuning:    tuning,
		pace:      rate.NewLimiter(paceLimit(tuning.MinUploadInterval), 1),
	}
}

func paceLimit(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// Apply swaps batch sizes, retention and upload pacing at runtime.
func (o *Orchestrator) Apply(t Tuning) {
	t = t.withDefaults()
	o.mu.Lock()
	prev := o.tuning
	o.tuning = t
	o.mu.Unlock()
	if prev.MinUploadInterval != t.MinUploadInterval {
		o.pace.SetLimit(paceLimit(t.MinUploadInterval))
	}
}

func (o *Orchestrator) Tuning() Tuning {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tuning
}

// targets expands an item's platform into the platforms it publishes to.
func (o *Orchestrator) targets(p model.Platform) []model.Platform {
	if p == model.PlatformAll {
		return append([]model.Platform(nil), o.platforms...)
	}
	return []model.Platform{p}
}
