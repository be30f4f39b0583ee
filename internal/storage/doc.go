// Package storage persists capsules, owner profiles, the capsule audit log
// and delivery dedup state.
//
// Two drivers share one Store contract: "sqlite" (single database file, WAL)
// and "file" (JSON snapshots plus append-only journals). Driver errors are
// mapped into the capsule error taxonomy so callers can retry or reject
// without knowing which driver is underneath.
package storage
