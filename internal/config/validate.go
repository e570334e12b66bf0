package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"clipflow/internal/model"
)

var storageDrivers = map[string]bool{
	"": true, "none": true, "memory": true, "file": true, "sqlite": true, "redis": true, "postgres": true,
}

// Validate checks every field that would otherwise fail at startup or on
// reload. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	tz := func(path, raw string) {
		if s := strings.TrimSpace(raw); s != "" {
			if _, err := time.LoadLocation(s); err != nil {
				add(fmt.Errorf("%s: unknown timezone %q", path, raw))
			}
		}
	}
	platform := func(path, raw string) {
		p, err := model.ParsePlatform(raw)
		if err != nil {
			add(fmt.Errorf("%s: %w", path, err))
			return
		}
		if p == model.PlatformAll {
			add(fmt.Errorf("%s: \"all\" is not a platform here", path))
		}
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s: must be >= 0", path))
		}
	}

	switch strings.ToUpper(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	if s := cfg.Storage; s != nil {
		d := strings.ToLower(strings.TrimSpace(s.Driver))
		if !storageDrivers[d] {
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if (d == "redis" || d == "postgres") && strings.TrimSpace(s.URL) == "" {
			add(fmt.Errorf("storage.url: required for driver %q", d))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	tz("scheduler.timezone", cfg.Scheduler.Timezone)
	nonNeg("scheduler.history_size", cfg.Scheduler.HistorySize)
	dur("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)

	if te := cfg.TaskEngine; te != nil {
		nonNeg("task_engine.workers", te.Workers)
		nonNeg("task_engine.queue_size", te.QueueSize)
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
	}

	nonNeg("queue.max_retries", cfg.Queue.MaxRetries)
	dur("queue.retention", cfg.Queue.Retention)

	for k, v := range cfg.Uploads.Limits {
		platform("uploads.limits."+k, k)
		nonNeg("uploads.limits."+k, v)
	}
	nonNeg("uploads.max_retries", cfg.Uploads.MaxRetries)
	dur("uploads.window", cfg.Uploads.Window)
	dur("uploads.retention", cfg.Uploads.Retention)
	dur("uploads.min_interval", cfg.Uploads.MinInterval)

	tz("accounts.timezone", cfg.Accounts.Timezone)
	dur("accounts.error_window", cfg.Accounts.ErrorWindow)
	nonNeg("accounts.error_threshold", cfg.Accounts.ErrorThreshold)

	for i, p := range cfg.Orchestrator.Platforms {
		platform(fmt.Sprintf("orchestrator.platforms[%d]", i), p)
	}
	for name, j := range map[string]JobConfig{
		"generate": cfg.Orchestrator.Jobs.Generate,
		"upload":   cfg.Orchestrator.Jobs.Upload,
		"cleanup":  cfg.Orchestrator.Jobs.Cleanup,
	} {
		nonNeg("orchestrator.jobs."+name+".batch_size", j.BatchSize)
	}

	dur("collaborators.generator.timeout", cfg.Collaborators.Generator.Timeout)
	for k, c := range cfg.Collaborators.Uploaders {
		platform("collaborators.uploaders."+k, k)
		dur("collaborators.uploaders."+k+".timeout", c.Timeout)
		if strings.TrimSpace(c.Command) == "" {
			add(fmt.Errorf("collaborators.uploaders.%s.command: required", k))
		}
	}

	return errors.Join(errs...)
}
