package api

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"clipflow/internal/account"
	"clipflow/internal/model"
	"clipflow/internal/orchestrator"
	"clipflow/internal/queue"
	"clipflow/internal/runtime/supervisor"
	"clipflow/internal/task/engine"
	"clipflow/internal/task/scheduler"
	"clipflow/internal/upload"
	logx "clipflow/pkg/logx"
)

type Deps struct {
	Queue        *queue.Queue
	Uploads      *upload.Dispatcher
	Accounts     *account.Selector
	Scheduler    *scheduler.Service
	Orchestrator *orchestrator.Orchestrator
	Engine       *engine.Service // optional; adds worker pool counters to Stats
	Log          logx.Logger
}

// Service adapts the core components to envelopes.
type Service struct {
	queue    *queue.Queue
	uploads  *upload.Dispatcher
	accounts *account.Selector
	jobs     *scheduler.Service
	pipeline *orchestrator.Orchestrator
	engine   *engine.Service
	log      logx.Logger

	runtime atomic.Pointer[supervisor.Supervisor]
}

func New(d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Service{
		queue:    d.Queue,
		uploads:  d.Uploads,
		accounts: d.Accounts,
		jobs:     d.Scheduler,
		pipeline: d.Orchestrator,
		engine:   d.Engine,
		log:      d.Log.With(logx.String("comp", "api")),
	}
}

// SetRuntime attaches the supervisor of a running app so Stats can report
// its goroutines.
func (s *Service) SetRuntime(sup *supervisor.Supervisor) { s.runtime.Store(sup) }

// respond builds the envelope for one call. Failures of unknown kind are
// infrastructure problems and get logged; expected kinds are not.
func (s *Service) respond(op string, payload any, err error) Envelope {
	if err == nil {
		return OK(payload)
	}
	if model.KindOf(err) == model.KindUnknown && !errors.Is(err, context.Canceled) {
		s.log.Warn("operation failed", logx.String("op", op), logx.Err(err))
	}
	return Fail(err)
}

// platformFilter maps "" and "all" to every platform.
func platformFilter(raw string) (model.PlatformFilter, error) {
	if strings.TrimSpace(raw) == "" {
		return model.AnyPlatform(), nil
	}
	p, err := model.ParsePlatform(raw)
	if err != nil {
		return model.PlatformFilter{}, err
	}
	return model.OnlyPlatform(p), nil
}

// singlePlatform rejects "" and "all".
func singlePlatform(raw string) (model.Platform, error) {
	p, err := model.ParsePlatform(raw)
	if err != nil {
		return "", err
	}
	if p == model.PlatformAll {
		return "", model.Validation(`platform "all" is not allowed here`)
	}
	return p, nil
}
