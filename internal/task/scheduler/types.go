package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped         = errors.New("scheduler stopped")
	ErrNilFunc         = errors.New("scheduler: nil function")
	ErrInvalidInterval = errors.New("scheduler: interval must be > 0")
	// ErrContention is logged when an event's lock could not be taken in time,
	// usually because a previous run is still going.
	ErrContention = errors.New("scheduler: event lock contention")
)

type Config struct {
	// Slack lets a late repeating event catch up: the next run is never
	// earlier than now+interval-Slack.
	Slack            time.Duration
	RecoveryInterval time.Duration
	// RecoveryGrace keeps the sweep off events that ran recently.
	RecoveryGrace time.Duration
	// PollInterval caps how long the timer goroutine sleeps without checking.
	PollInterval time.Duration
	// WakeWindow: inserting a deadline closer than this wakes the timer
	// goroutine immediately.
	WakeWindow          time.Duration
	ScheduleLockTimeout time.Duration
	RunLockTimeout      time.Duration
	// Location is used for cron schedules.
	Location *time.Location
}

const (
	DefaultSlack               = 5 * time.Second
	DefaultRecoveryInterval    = 30 * time.Second
	DefaultRecoveryGrace       = 10 * time.Second
	DefaultPollInterval        = time.Second
	MaxPollInterval            = time.Second * 20 / 3
	DefaultWakeWindow          = 150 * time.Millisecond
	DefaultScheduleLockTimeout = 500 * time.Millisecond
	DefaultRunLockTimeout      = time.Second
)

func (c Config) withDefaults() Config {
	if c.Slack < 0 {
		c.Slack = 0
	} else if c.Slack == 0 {
		c.Slack = DefaultSlack
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = DefaultRecoveryInterval
	}
	if c.RecoveryGrace <= 0 {
		c.RecoveryGrace = DefaultRecoveryGrace
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	} else if c.PollInterval > MaxPollInterval {
		c.PollInterval = MaxPollInterval
	}
	if c.WakeWindow <= 0 {
		c.WakeWindow = DefaultWakeWindow
	}
	if c.ScheduleLockTimeout <= 0 {
		c.ScheduleLockTimeout = DefaultScheduleLockTimeout
	}
	if c.RunLockTimeout <= 0 {
		c.RunLockTimeout = DefaultRunLockTimeout
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// EventError describes a failing event callback.
type EventError struct {
	EventID string
	Name    string
	Err     error
	Panic   any
	Stack   string
	// First is set on the first failure of a repeating event.
	First bool
}

func (e *EventError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("event %s panicked: %v", e.Name, e.Panic)
	}
	return fmt.Sprintf("event %s failed: %v", e.Name, e.Err)
}

func (e *EventError) Unwrap() error { return e.Err }

type Snapshot struct {
	Pending   int  `json:"pending"`
	Repeating int  `json:"repeating"`
	Running   bool `json:"running"`

	Fired      uint64 `json:"fired"`
	Failed     uint64 `json:"failed"`
	Collected  uint64 `json:"collected"`
	Recovered  uint64 `json:"recovered"`
	Contention uint64 `json:"contention"`
	Skipped    uint64 `json:"skipped"`
}
