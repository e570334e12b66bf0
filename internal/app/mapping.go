package app

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"clipflow/internal/collab"
	"clipflow/internal/config"
	"clipflow/internal/model"
	"clipflow/internal/orchestrator"
	"clipflow/internal/storage"
	"clipflow/internal/task/engine"
	"clipflow/internal/task/scheduler"
	"clipflow/internal/upload"
	logx "clipflow/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

// mapStorageConfig falls back to the memory store when storage is omitted.
func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	url := strings.TrimSpace(sc.URL)

	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "redis", "postgres":
		if url == "" {
			return storage.Config{}, fmt.Errorf("storage.url is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, URL: url, Prefix: strings.TrimSpace(sc.Prefix)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapEngineConfig(cfg *Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{}, nil
	}
	def, err := parseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	delay, err := parseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: def,
		MaxQueueDelay:  delay,
	}, nil
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	def, err := parseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:       cfg.Scheduler.Timezone,
		HistorySize:    cfg.Scheduler.HistorySize,
		DefaultTimeout: def,
	}, nil
}

// mapLimits returns the defaults for an empty map. A non-empty map is used
// as is, so a platform missing from it has no cap.
func mapLimits(cfg *Config) (map[model.Platform]int, error) {
	if len(cfg.Uploads.Limits) == 0 {
		return upload.DefaultLimits(), nil
	}
	out := make(map[model.Platform]int, len(cfg.Uploads.Limits))
	for k, v := range cfg.Uploads.Limits {
		p, err := model.ParsePlatform(k)
		if err != nil {
			return nil, fmt.Errorf("uploads.limits.%s: %w", k, err)
		}
		out[p] = v
	}
	return out, nil
}

func mapTuning(cfg *Config) (orchestrator.Tuning, error) {
	qr, err := parseDurationField("queue.retention", cfg.Queue.Retention)
	if err != nil {
		return orchestrator.Tuning{}, err
	}
	ur, err := parseDurationField("uploads.retention", cfg.Uploads.Retention)
	if err != nil {
		return orchestrator.Tuning{}, err
	}
	mi, err := parseDurationField("uploads.min_interval", cfg.Uploads.MinInterval)
	if err != nil {
		return orchestrator.Tuning{}, err
	}
	return orchestrator.Tuning{
		GenerateBatch:     cfg.Orchestrator.Jobs.Generate.BatchSize,
		UploadBatch:       cfg.Orchestrator.Jobs.Upload.BatchSize,
		QueueRetention:    qr,
		UploadRetention:   ur,
		MinUploadInterval: mi,
	}, nil
}

func mapJobs(cfg *Config) orchestrator.Jobs {
	spec := func(j config.JobConfig) orchestrator.JobSpec {
		return orchestrator.JobSpec{Schedule: j.Schedule, BatchSize: j.BatchSize, Enabled: j.Enabled}
	}
	return orchestrator.Jobs{
		Generate: spec(cfg.Orchestrator.Jobs.Generate),
		Upload:   spec(cfg.Orchestrator.Jobs.Upload),
		Cleanup:  spec(cfg.Orchestrator.Jobs.Cleanup),
	}
}

func mapPlatforms(cfg *Config) ([]model.Platform, error) {
	out := make([]model.Platform, 0, len(cfg.Orchestrator.Platforms))
	for i, raw := range cfg.Orchestrator.Platforms {
		p, err := model.ParsePlatform(raw)
		if err != nil {
			return nil, fmt.Errorf("orchestrator.platforms[%d]: %w", i, err)
		}
		if p == model.PlatformAll {
			return nil, fmt.Errorf("orchestrator.platforms[%d]: \"all\" is not a platform here", i)
		}
		out = append(out, p)
	}
	return out, nil
}

func mapCommand(path string, c config.CommandConfig) (collab.Command, error) {
	timeout, err := parseDurationField(path+".timeout", c.Timeout)
	if err != nil {
		return collab.Command{}, err
	}
	return collab.Command{
		Path:    strings.TrimSpace(c.Command),
		Args:    c.Args,
		Env:     c.Env,
		Dir:     c.Dir,
		Timeout: timeout,
	}, nil
}

// mapUploaders builds one process executor per configured platform, in a
// stable order.
func mapUploaders(cfg *Config, log logx.Logger) (map[model.Platform]upload.Executor, error) {
	keys := make([]string, 0, len(cfg.Collaborators.Uploaders))
	for k := range cfg.Collaborators.Uploaders {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[model.Platform]upload.Executor, len(keys))
	for _, k := range keys {
		p, err := model.ParsePlatform(k)
		if err != nil {
			return nil, fmt.Errorf("collaborators.uploaders.%s: %w", k, err)
		}
		cmd, err := mapCommand("collaborators.uploaders."+k, cfg.Collaborators.Uploaders[k])
		if err != nil {
			return nil, err
		}
		out[p] = collab.NewProcessUploader(p, cmd, log)
	}
	return out, nil
}

func loadLocation(path, tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid %q: %w", path, tz, err)
	}
	return loc, nil
}

// validateMapped runs every mapping a reload would run, so a config that
// passes here can be applied without partial failure.
func validateMapped(cfg *Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := mapStorageConfig(cfg)
	collect(err)
	_, err = mapEngineConfig(cfg)
	collect(err)
	_, err = mapSchedulerConfig(cfg)
	collect(err)
	_, err = mapLimits(cfg)
	collect(err)
	_, err = mapTuning(cfg)
	collect(err)
	_, err = mapPlatforms(cfg)
	collect(err)
	_, err = mapCommand("collaborators.generator", cfg.Collaborators.Generator)
	collect(err)
	_, err = mapUploaders(cfg, logx.Nop())
	collect(err)
	_, err = loadLocation("accounts.timezone", cfg.Accounts.Timezone)
	collect(err)
	_, err = parseDurationField("accounts.error_window", cfg.Accounts.ErrorWindow)
	collect(err)
	return errors.Join(errs...)
}
