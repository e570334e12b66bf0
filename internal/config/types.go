package config

// Config is the whole clipflow configuration file (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1h").
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	TaskEngine    *TaskEngineConfig   `json:"task_engine,omitempty"`
	Queue         QueueConfig         `json:"queue"`
	Uploads       UploadsConfig       `json:"uploads"`
	Accounts      AccountsConfig      `json:"accounts"`
	Orchestrator  OrchestratorConfig  `json:"orchestrator"`
	Collaborators CollaboratorsConfig `json:"collaborators"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts republishes warn+ lines as log.alert events.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the document store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./clipflow.db" }
//	"storage": { "driver": "redis", "url": "redis://localhost:6379/0", "prefix": "clipflow" }
//
// Omitted means the in-memory store (nothing survives a restart).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"` // redis / postgres (may carry credentials; never logged)
	Prefix      string `json:"prefix,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// SchedulerConfig controls job triggers.
//
// Defaults: history_size 500, default_timeout "0s" (none).
type SchedulerConfig struct {
	Enabled        bool   `json:"enabled"`
	Timezone       string `json:"timezone,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs triggered jobs.
//
// Defaults: workers 2, queue_size 64, timeouts disabled.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
}

type QueueConfig struct {
	MaxRetries int    `json:"max_retries,omitempty"`
	Retention  string `json:"retention,omitempty"`
}

// UploadsConfig controls upload caps and retries. Limits are per platform
// per window; a platform missing from a non-empty map has no cap.
type UploadsConfig struct {
	Limits      map[string]int `json:"limits,omitempty"`
	Window      string         `json:"window,omitempty"`
	MaxRetries  int            `json:"max_retries,omitempty"`
	Retention   string         `json:"retention,omitempty"`
	MinInterval string         `json:"min_interval,omitempty"`
}

type AccountsConfig struct {
	// Timezone decides when daily upload counters roll over.
	Timezone       string `json:"timezone,omitempty"`
	ErrorWindow    string `json:"error_window,omitempty"`
	ErrorThreshold int    `json:"error_threshold,omitempty"`
}

type OrchestratorConfig struct {
	// Platforms is the fan-out set for items targeting "all".
	Platforms []string   `json:"platforms,omitempty"`
	Jobs      JobsConfig `json:"jobs"`
}

type JobsConfig struct {
	Generate JobConfig `json:"generate"`
	Upload   JobConfig `json:"upload"`
	Cleanup  JobConfig `json:"cleanup"`
}

type JobConfig struct {
	Schedule  string `json:"schedule,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
}

type CollaboratorsConfig struct {
	Generator CommandConfig            `json:"generator"`
	Uploaders map[string]CommandConfig `json:"uploaders,omitempty"`
}

// CommandConfig is an external program speaking JSON on stdin/stdout.
type CommandConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"` // may carry secrets; never logged
	Dir     string   `json:"dir,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}
