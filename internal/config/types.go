package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Config is the on-disk runtime configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m"). Omitted or
// zero values fall back to the component defaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Workers   WorkersConfig   `json:"workers"`
	Bus       BusConfig       `json:"bus"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Debug     DebugConfig     `json:"debug,omitempty"`
	Journal   JournalConfig   `json:"journal,omitempty"`
	Systemd   SystemdConfig   `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// WorkersConfig bounds the elastic worker pool.
//
// Defaults: min 4, max 32, shutdown_timeout 60s, idle_timeout 5s,
// retire_interval 1s.
type WorkersConfig struct {
	MinWorkers      int    `json:"min_workers,omitempty"`
	MaxWorkers      int    `json:"max_workers,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	RetireInterval  string `json:"retire_interval,omitempty"`
	SpawnTimeout    string `json:"spawn_timeout,omitempty"`
	ErrorLogEvery   string `json:"error_log_every,omitempty"`
}

type BusConfig struct {
	PatternCacheSize  int    `json:"pattern_cache_size,omitempty"`
	CollectWarnWindow string `json:"collect_warn_window,omitempty"`
}

type SchedulerConfig struct {
	Slack            string `json:"slack,omitempty"`
	RecoveryInterval string `json:"recovery_interval,omitempty"`
	RecoveryGrace    string `json:"recovery_grace,omitempty"`
	PollInterval     string `json:"poll_interval,omitempty"`
	// Timezone applies to cron schedules. Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (health, metrics,
// status, pprof).
//
// Prefer binding to loopback. A non-loopback address needs a token or an
// explicit allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/"
	Token         string `json:"token,omitempty"`  // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// JournalConfig records bus messages matching Topic into a store.
//
//	"journal": { "enabled": true, "driver": "file", "path": "./journal", "topic": "/#" }
type JournalConfig struct {
	Enabled    bool    `json:"enabled"`
	Driver     string  `json:"driver,omitempty"` // file | sqlite
	Path       string  `json:"path,omitempty"`
	Topic      string  `json:"topic,omitempty"` // default "/#"
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// maxPollInterval keeps the timer goroutine polling at 0.15 Hz or faster.
const maxPollInterval = time.Second * 20 / 3

// Default returns the config used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
	}
}

// Location resolves Scheduler.Timezone.
func (c SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// Validate checks everything that can be checked without side effects.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	w := c.Workers
	if w.MinWorkers < 0 || w.MaxWorkers < 0 {
		add(errors.New("workers: min_workers and max_workers must be >= 0"))
	}
	if w.MaxWorkers > 0 && w.MinWorkers > w.MaxWorkers {
		add(fmt.Errorf("workers: min_workers (%d) > max_workers (%d)", w.MinWorkers, w.MaxWorkers))
	}
	for path, raw := range map[string]string{
		"workers.shutdown_timeout":    w.ShutdownTimeout,
		"workers.idle_timeout":        w.IdleTimeout,
		"workers.retire_interval":     w.RetireInterval,
		"workers.spawn_timeout":       w.SpawnTimeout,
		"workers.error_log_every":     w.ErrorLogEvery,
		"bus.collect_warn_window":     c.Bus.CollectWarnWindow,
		"scheduler.slack":             c.Scheduler.Slack,
		"scheduler.recovery_interval": c.Scheduler.RecoveryInterval,
		"scheduler.recovery_grace":    c.Scheduler.RecoveryGrace,
		"scheduler.poll_interval":     c.Scheduler.PollInterval,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if d, err := ParseDurationField("scheduler.poll_interval", c.Scheduler.PollInterval); err == nil && d > maxPollInterval {
		add(fmt.Errorf("scheduler.poll_interval must be <= %s", maxPollInterval))
	}
	if c.Bus.PatternCacheSize < 0 {
		add(errors.New("bus.pattern_cache_size must be >= 0"))
	}
	if _, err := c.Scheduler.Location(); err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
	}

	if c.Debug.Enabled {
		addr := c.Debug.AddrOrDefault()
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			add(fmt.Errorf("debug.addr: %w", err))
		} else if !isLoopback(host) && strings.TrimSpace(c.Debug.Token) == "" && !c.Debug.AllowInsecure {
			add(fmt.Errorf("debug.addr %q is not loopback: set debug.token or debug.allow_insecure", addr))
		}
	}

	if c.Journal.Enabled {
		switch c.Journal.DriverOrDefault() {
		case "file", "sqlite":
		default:
			add(fmt.Errorf("journal.driver: unknown driver %q (want file or sqlite)", c.Journal.Driver))
		}
		if c.Journal.RatePerSec < 0 || c.Journal.Burst < 0 {
			add(errors.New("journal: rate_per_sec and burst must be >= 0"))
		}
	}
	return errors.Join(errs...)
}

func (d DebugConfig) AddrOrDefault() string {
	if a := strings.TrimSpace(d.Addr); a != "" {
		return a
	}
	return "127.0.0.1:6060"
}

func (d DebugConfig) PrefixOrDefault() string {
	p := strings.TrimSpace(d.Prefix)
	if p == "" {
		p = "/debug/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

func (j JournalConfig) DriverOrDefault() string {
	d := strings.ToLower(strings.TrimSpace(j.Driver))
	if d == "" {
		return "file"
	}
	return d
}

func (j JournalConfig) TopicOrDefault() string {
	if t := strings.TrimSpace(j.Topic); t != "" {
		return t
	}
	return "/#"
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
