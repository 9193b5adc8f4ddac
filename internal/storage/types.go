package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures a store.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxRecords caps how many records are kept. 0 means DefaultMaxRecords.
	MaxRecords int
}

const DefaultMaxRecords = 100_000

func (c Config) maxRecords() int {
	if c.MaxRecords <= 0 {
		return DefaultMaxRecords
	}
	return c.MaxRecords
}

// Record is one journaled bus message.
type Record struct {
	At         time.Time       `json:"at"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Annotation string          `json:"annotation,omitempty"`
}

// Store is the persistence API used by the journal.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to limit records whose topic starts with prefix,
	// oldest first.
	Recent(ctx context.Context, prefix string, limit int) ([]Record, error)
	Close() error
}

func matchPrefix(topic, prefix string) bool {
	return prefix == "" || strings.HasPrefix(topic, prefix)
}
