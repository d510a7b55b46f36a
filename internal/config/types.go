package config

import "strconv"

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// Durations are Go duration strings ("30s", "5m"). Refresh additionally
// accepts a bare integer number of seconds.
//
// Only Logging and Notify are applied on hot reload; every other field is
// read once at startup.
type Config struct {
	// Pipelines is the directory holding one sub-directory per pipeline.
	Pipelines string   `json:"pipelines"`
	Refresh   Interval `json:"refresh,omitempty"`
	// Timezone is the IANA zone cron expressions are evaluated in.
	Timezone string `json:"timezone,omitempty"`
	// Watch enables the fsnotify-driven early refresh.
	Watch bool `json:"watch"`

	State    StateConfig    `json:"state"`
	Executor ExecutorConfig `json:"executor"`
	Logging  LoggingConfig  `json:"logging"`
	Notify   NotifyConfig   `json:"notify"`
	Debug    DebugConfig    `json:"debug"`
}

type StateConfig struct {
	// Driver is "file" (default) or "sqlite".
	Driver string `json:"driver,omitempty"`
	// Path is a directory for the file driver and a database file for
	// sqlite. Default: <pipelines>/.state (or <pipelines>/.state/state.db).
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type ExecutorConfig struct {
	// Shell interprets job scripts; "" executes them directly.
	Shell       string `json:"shell"`
	JobTimeout  string `json:"job_timeout,omitempty"`
	OutputLimit int    `json:"output_limit,omitempty"`
	// Env is added to every job's environment.
	Env map[string]string `json:"env,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
	// Alert forwards records at or above MinLevel to the notify sink.
	Alert LoggingAlertConfig `json:"alert"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	// OnFailure sends a message for every failed run.
	OnFailure bool `json:"on_failure"`
	// OnRecovery sends a message when a crashed run is recovered.
	OnRecovery bool `json:"on_recovery"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	// Timeout bounds one send ("10s" when empty).
	Timeout string `json:"timeout,omitempty"`
}

// DebugConfig enables the status/pprof HTTP endpoint.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	// AllowInsecure permits a non-loopback Addr without Token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
	Pprof         bool `json:"pprof,omitempty"`
}

// Default returns the configuration used when no file is given. Parse
// decodes on top of it, so omitted fields keep these values.
func Default() *Config {
	return &Config{
		Pipelines: "./pipelines",
		Refresh:   "30s",
		Timezone:  "UTC",
		Watch:     true,
		State:     StateConfig{Driver: "file"},
		Executor:  ExecutorConfig{Shell: "sh"},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Alert:   LoggingAlertConfig{MinLevel: "error", RatePerSec: 1},
		},
		Notify: NotifyConfig{OnFailure: true, OnRecovery: true},
	}
}

// Overrides carries command-line flags; zero values leave the file alone.
type Overrides struct {
	Pipelines string
	// Refresh is in seconds.
	Refresh  int
	LogLevel string
	StateDir string
}

// Override applies command-line flags on top of the file configuration.
func (c *Config) Override(o Overrides) {
	if o.Pipelines != "" {
		c.Pipelines = o.Pipelines
	}
	if o.Refresh > 0 {
		c.Refresh = Interval(strconv.Itoa(o.Refresh) + "s")
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.StateDir != "" {
		c.State.Path = o.StateDir
	}
}
