package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"
)

// Settings are the typed values derived from a validated Config.
type Settings struct {
	Pipelines   string
	Refresh     time.Duration
	Location    *time.Location
	StateDriver string
	StatePath   string
	BusyTimeout time.Duration
	JobTimeout  time.Duration
	SendTimeout time.Duration
}

// Resolve validates c and returns its typed settings.
func (c *Config) Resolve() (Settings, error) {
	var s Settings
	var err error

	s.Pipelines = strings.TrimSpace(c.Pipelines)
	if s.Pipelines == "" {
		return s, fmt.Errorf("%w: pipelines directory is required", ErrInvalid)
	}
	if s.Refresh, err = ParseRefresh(string(c.Refresh)); err != nil {
		return s, err
	}

	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	if s.Location, err = time.LoadLocation(tz); err != nil {
		return s, fmt.Errorf("%w: timezone %q: %v", ErrInvalid, tz, err)
	}

	s.StateDriver = strings.ToLower(strings.TrimSpace(c.State.Driver))
	s.StatePath = strings.TrimSpace(c.State.Path)
	switch s.StateDriver {
	case "", "file":
		s.StateDriver = "file"
		if s.StatePath == "" {
			s.StatePath = filepath.Join(s.Pipelines, ".state")
		}
	case "sqlite", "sqlite3":
		s.StateDriver = "sqlite"
		if s.StatePath == "" {
			s.StatePath = filepath.Join(s.Pipelines, ".state", "state.db")
		}
	default:
		return s, fmt.Errorf("%w: state.driver %q (want file or sqlite)", ErrInvalid, c.State.Driver)
	}
	if s.BusyTimeout, err = ParseDurationOrDefault("state.busy_timeout", c.State.BusyTimeout, 5*time.Second); err != nil {
		return s, err
	}

	if s.JobTimeout, err = ParseDurationField("executor.job_timeout", c.Executor.JobTimeout); err != nil {
		return s, err
	}
	if c.Executor.OutputLimit < 0 {
		return s, fmt.Errorf("%w: executor.output_limit must be >= 0", ErrInvalid)
	}
	for k := range c.Executor.Env {
		if strings.TrimSpace(k) == "" || strings.ContainsAny(k, "= \t") {
			return s, fmt.Errorf("%w: executor.env key %q", ErrInvalid, k)
		}
	}

	if err := checkLevel("logging.level", c.Logging.Level); err != nil {
		return s, err
	}
	if err := checkLevel("logging.alert.min_level", c.Logging.Alert.MinLevel); err != nil {
		return s, err
	}

	tg := c.Notify.Telegram
	if s.SendTimeout, err = ParseDurationOrDefault("notify.telegram.timeout", tg.Timeout, 10*time.Second); err != nil {
		return s, err
	}
	if tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			return s, fmt.Errorf("%w: notify.telegram.token is required when telegram is enabled", ErrInvalid)
		}
		if tg.ChatID == 0 {
			return s, fmt.Errorf("%w: notify.telegram.chat_id is required when telegram is enabled", ErrInvalid)
		}
	}

	if d := c.Debug; d.Enabled && strings.TrimSpace(d.Token) == "" && !d.AllowInsecure && !loopback(d.Addr) {
		return s, fmt.Errorf("%w: debug.addr %q is not loopback; set debug.token or debug.allow_insecure", ErrInvalid, d.Addr)
	}
	return s, nil
}

// loopback reports whether addr binds to the local host; "" means the
// default loopback address.
func loopback(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Validate reports whether c resolves cleanly.
func Validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	_, err := c.Resolve()
	return err
}

func checkLevel(path, lvl string) error {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("%w: %s: unknown level %q", ErrInvalid, path, lvl)
}
