package workers

import "time"

// Config controls pool elasticity.
//
// Zero fields fall back to defaults (see withDefaults).
type Config struct {
	MinWorkers      int
	MaxWorkers      int
	ShutdownTimeout time.Duration

	// IdleTimeout is how long a worker must sit idle before it may retire.
	IdleTimeout time.Duration
	// RetireInterval spaces retirements so the pool shrinks gradually.
	RetireInterval time.Duration
	// MaxIdleWait bounds the randomized wait of an idle worker between checks.
	MaxIdleWait time.Duration
	// SpawnTimeout bounds how long Submit waits for the spawn lock.
	SpawnTimeout time.Duration
	// ErrorLogEvery rate-limits the error-level log line for failing tasks.
	// Every failure is still logged at debug.
	ErrorLogEvery time.Duration
}

const (
	DefaultMinWorkers      = 4
	DefaultMaxWorkers      = 32
	DefaultShutdownTimeout = 60 * time.Second
	DefaultIdleTimeout     = 5 * time.Second
	DefaultRetireInterval  = time.Second
	DefaultMaxIdleWait     = time.Second
	DefaultSpawnTimeout    = 15 * time.Second
	DefaultErrorLogEvery   = time.Minute
)

func (c Config) withDefaults() Config {
	if c.MinWorkers <= 0 {
		c.MinWorkers = DefaultMinWorkers
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.RetireInterval <= 0 {
		c.RetireInterval = DefaultRetireInterval
	}
	if c.MaxIdleWait <= 0 {
		c.MaxIdleWait = DefaultMaxIdleWait
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = DefaultSpawnTimeout
	}
	if c.ErrorLogEvery <= 0 {
		c.ErrorLogEvery = DefaultErrorLogEvery
	}
	return c
}

// Snapshot is a point-in-time view of the pool, read without taking locks.
type Snapshot struct {
	Workers int `json:"workers"`
	Idle    int `json:"idle"`
	Pending int `json:"pending"`
	Min     int `json:"min"`
	Max     int `json:"max"`

	Submitted     uint64 `json:"submitted"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	Spawned       uint64 `json:"spawned"`
	Retired       uint64 `json:"retired"`
	SpawnTimeouts uint64 `json:"spawn_timeouts"`
}
