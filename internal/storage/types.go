package storage

import (
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshots + jsonl journals)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one capsule lifecycle action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time
	CapsuleID string
	OwnerID   string
	Action    string // sealed, delivered, failed, cancelled, ...
	Detail    string
	ChatID    int64
	ThreadID  int
	Attempts  int
	TookMS    int64
	Error     string
	MetaJSON  string
}
