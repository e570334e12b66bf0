package config

import (
	"reflect"
	"sort"
	"strings"

	logx "clipflow/pkg/logx"
)

// restartOnly lists sections a running process cannot apply.
var restartOnly = map[string]bool{"storage": true, "collaborators": true, "accounts": true}

// SummarizeConfigChange returns (1) the changed sections, (2) safe
// structured attrs for logging (never storage URLs or command env), and
// (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.url_set", strings.TrimSpace(nS.URL) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.history_size", newCfg.Scheduler.HistorySize),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if oTE != nTE {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(nTE.MaxQueueDelay)),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_retries", newCfg.Queue.MaxRetries),
			logx.String("queue.retention", newCfg.Queue.Retention),
		)
	}

	if !reflect.DeepEqual(oldCfg.Uploads, newCfg.Uploads) {
		changed = append(changed, "uploads")
		attrs = append(attrs,
			logx.Any("uploads.limits", newCfg.Uploads.Limits),
			logx.String("uploads.window", newCfg.Uploads.Window),
			logx.String("uploads.min_interval", newCfg.Uploads.MinInterval),
		)
	}

	if oldCfg.Accounts != newCfg.Accounts {
		changed = append(changed, "accounts")
		attrs = append(attrs,
			logx.String("accounts.timezone", newCfg.Accounts.Timezone),
			logx.Int("accounts.error_threshold", newCfg.Accounts.ErrorThreshold),
		)
	}

	if !reflect.DeepEqual(oldCfg.Orchestrator, newCfg.Orchestrator) {
		changed = append(changed, "orchestrator")
		attrs = append(attrs,
			logx.Int("orchestrator.platforms", len(newCfg.Orchestrator.Platforms)),
			logx.Int("orchestrator.generate_batch", newCfg.Orchestrator.Jobs.Generate.BatchSize),
			logx.Int("orchestrator.upload_batch", newCfg.Orchestrator.Jobs.Upload.BatchSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Collaborators, newCfg.Collaborators) {
		changed = append(changed, "collaborators")
		attrs = append(attrs,
			logx.Bool("collaborators.generator_set", strings.TrimSpace(newCfg.Collaborators.Generator.Command) != ""),
			logx.Int("collaborators.uploaders", len(newCfg.Collaborators.Uploaders)),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartOnly[s] {
			restart = append(restart, s)
		}
	}
	// Fields inside otherwise live sections.
	if oldCfg.Queue.MaxRetries != newCfg.Queue.MaxRetries {
		restart = append(restart, "queue.max_retries")
	}
	if oldCfg.Uploads.MaxRetries != newCfg.Uploads.MaxRetries {
		restart = append(restart, "uploads.max_retries")
	}
	if oldCfg.Uploads.Window != newCfg.Uploads.Window {
		restart = append(restart, "uploads.window")
	}
	return changed, attrs, restart
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
