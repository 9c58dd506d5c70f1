// Package store provides the durable record table shared by every agent.
//
// The Store interface is the primary abstraction. SQLiteStore is the default
// implementation using pure-Go SQLite (modernc.org/sqlite): one file, one
// table, WAL journaling, safe for concurrent handles from independent
// processes.
//
// Every operation is a single transaction or atomic statement. Lock
// contention is retried with bounded backoff and surfaces ErrStoreBusy only
// after the attempt budget is spent.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/teambrain/memorybridge/scope"
)

var (
	// ErrNotFound reports that no record exists under the requested key.
	ErrNotFound = errors.New("record not found")
	// ErrStoreBusy reports that the backing store stayed locked through the
	// whole retry budget.
	ErrStoreBusy = errors.New("store busy")
)

// Record is a stored memory row.
type Record struct {
	Key         string      `json:"key"`
	Value       string      `json:"value_payload"`
	Kind        string      `json:"value_kind"`
	Scope       scope.Scope `json:"scope"`
	Owner       string      `json:"owner"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	AccessCount int64       `json:"access_count"`
	Metadata    []byte      `json:"metadata_payload,omitempty"` // nil means no metadata stored.
}

// Filter narrows a Scan. Zero fields match everything; set fields are
// combined with AND.
type Filter struct {
	Scope scope.Scope
	Owner string
}

// Stats is the aggregate view over the whole table.
type Stats struct {
	Total         int64
	ByScope       map[scope.Scope]int64
	ByOwner       map[string]int64
	TotalAccesses int64
	// MostAccessed is the record with the highest access count, ties broken
	// by most recent update. Nil when the store is empty.
	MostAccessed *Record
}

// Store is the durable record table.
type Store interface {
	// Upsert creates the record or overwrites its value, kind and metadata
	// in place. created_at, scope, owner and access_count survive
	// overwrites; updated_at always moves.
	Upsert(ctx context.Context, rec Record) error

	// Get is a point lookup that never touches access_count.
	// Returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) (*Record, error)

	// ReadAndTouch fetches the record and increments access_count by one in
	// the same transaction. Concurrent touches of the same key all land.
	ReadAndTouch(ctx context.Context, key string) (*Record, error)

	// Scan returns records matching the filter, most recently updated
	// first. Does not touch access_count.
	Scan(ctx context.Context, f Filter) ([]Record, error)

	// Search returns records whose key, value payload or metadata contain
	// substr, case-insensitively, optionally limited to one scope. Does not
	// touch access_count.
	Search(ctx context.Context, substr string, sc scope.Scope) ([]Record, error)

	// Delete removes the record if present and reports whether it did.
	// Idempotent.
	Delete(ctx context.Context, key string) (bool, error)

	// ClearOwner removes every agent-scoped record belonging to owner and
	// returns the number removed. Team and global records are never touched.
	ClearOwner(ctx context.Context, owner string) (int64, error)

	// Stats aggregates the whole table in one read transaction.
	Stats(ctx context.Context) (*Stats, error)

	// Close shuts down the store.
	Close() error
}
