package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values: "memory" (or empty), "file", "sqlite"/"sqlite3", "badger".
// For badger, Path ":memory:" opens an in-memory database.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API every driver implements.
// Values are opaque strings; callers own their encoding.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	EngineID  string    `json:"engine,omitempty"`
	ChannelID string    `json:"channel,omitempty"`
	ActorID   string    `json:"actor,omitempty"`
	Feature   string    `json:"feature"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Error     string    `json:"error,omitempty"`
	MetaJSON  string    `json:"meta,omitempty"`
}
