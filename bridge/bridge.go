// Package bridge is the shared memory surface for cooperating agents.
//
// A Bridge binds an agent identity to the common store and speaks in logical
// keys: callers say "project_phase", the bridge decides which fully-qualified
// record that means. Writes land in the scope the caller names. Reads may
// name a scope explicitly; without one they probe the agent's own private
// scope first, then team, then global, so a private note shadows a team
// value of the same name without deleting it.
//
// Several processes may open bridges onto the same database file at once.
// Each operation is a single store transaction, so concurrent agents never
// see half-applied state.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teambrain/memorybridge/codec"
	"github.com/teambrain/memorybridge/config"
	"github.com/teambrain/memorybridge/logging"
	"github.com/teambrain/memorybridge/scope"
	"github.com/teambrain/memorybridge/store"
)

// ErrNotFound mirrors store.ErrNotFound for callers that only import this
// package.
var ErrNotFound = store.ErrNotFound

// Memory is a decoded record: the stored value restored to its native type
// plus the identity and bookkeeping fields around it.
type Memory struct {
	Key         string         `json:"key"`
	LogicalKey  string         `json:"logical_key"`
	Value       any            `json:"value"`
	Kind        codec.Kind     `json:"kind"`
	Scope       scope.Scope    `json:"scope"`
	Owner       string         `json:"owner"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	AccessCount int64          `json:"access_count"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Stats describes the store's contents as a whole.
type Stats struct {
	Total         int64                 `json:"total_memories"`
	ByScope       map[scope.Scope]int64 `json:"by_scope"`
	ByOwner       map[string]int64      `json:"by_owner"`
	TotalAccesses int64                 `json:"total_accesses"`
	MostAccessed  *Memory               `json:"most_accessed,omitempty"`
}

// Bridge is one agent's handle on the shared store. Safe for concurrent use.
type Bridge struct {
	owner    string
	id       string
	st       store.Store
	ownStore bool
	path     string
	log      logging.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPath sets the database file the bridge opens. Ignored when WithStore
// supplies a store directly.
func WithPath(path string) Option {
	return func(b *Bridge) { b.path = path }
}

// WithStore injects an already-open store. The caller keeps ownership;
// Close will not touch it.
func WithStore(st store.Store) Option {
	return func(b *Bridge) { b.st = st }
}

// WithLogger attaches a logger. The default discards everything.
func WithLogger(l logging.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// New opens a bridge for the named agent. The name is trimmed and
// upper-cased, so "atlas" and "ATLAS" are the same identity. Without
// WithPath or WithStore the bridge opens the well-known database location.
func New(agent string, opts ...Option) (*Bridge, error) {
	owner := strings.ToUpper(strings.TrimSpace(agent))
	if err := scope.ValidateOwner(owner); err != nil {
		return nil, err
	}

	b := &Bridge{
		owner: owner,
		id:    uuid.NewString(),
		log:   logging.NoOp(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("bridge", b.id, "agent", owner)

	if b.st == nil {
		path := b.path
		if path == "" {
			path = config.DefaultDBPath()
		}
		st, err := store.NewSQLiteStore(path, store.WithLogger(b.log))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		b.st = st
		b.ownStore = true
		b.log.Debug("bridge opened", "path", path)
	}
	return b, nil
}

// Agent returns the normalized agent identity this bridge writes as.
func (b *Bridge) Agent() string { return b.owner }

// Store writes value under key in the given scope and returns the
// fully-qualified key it landed on. An empty scope means the agent's own
// private scope. Storing an existing key overwrites its value and metadata
// but keeps the record's creation time, scope, owner and access count.
func (b *Bridge) Store(ctx context.Context, key string, value any, sc scope.Scope, meta map[string]any) (string, error) {
	if sc == "" {
		sc = scope.Agent
	}
	fq, err := scope.Qualify(key, sc, b.owner)
	if err != nil {
		return "", err
	}
	payload, kind, err := codec.Encode(value)
	if err != nil {
		return "", fmt.Errorf("store %q: %w", key, err)
	}
	metaBytes, err := codec.EncodeMetadata(meta)
	if err != nil {
		return "", fmt.Errorf("store %q: %w", key, err)
	}

	rec := store.Record{
		Key:      fq,
		Value:    payload,
		Kind:     string(kind),
		Scope:    sc,
		Owner:    b.owner,
		Metadata: metaBytes,
	}
	if err := b.st.Upsert(ctx, rec); err != nil {
		return "", err
	}
	b.log.Debug("stored memory", "key", fq, "scope", sc, "kind", kind)
	return fq, nil
}

// Get retrieves key and counts the read against whichever record answers.
// A named scope is looked up directly; an empty scope probes the agent's
// own scope, then team, then global, returning the first hit.
func (b *Bridge) Get(ctx context.Context, key string, sc scope.Scope) (*Memory, error) {
	keys, err := b.resolveKeys(key, sc)
	if err != nil {
		return nil, err
	}
	for _, fq := range keys {
		rec, err := b.st.ReadAndTouch(ctx, fq)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return b.toMemory(rec)
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
}

// GetOr is Get with a fallback: a missing key yields def instead of an
// error, and the decoded value is returned bare.
func (b *Bridge) GetOr(ctx context.Context, key string, sc scope.Scope, def any) (any, error) {
	mem, err := b.Get(ctx, key, sc)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return nil, err
	}
	return mem.Value, nil
}

// Exists reports whether key resolves, using the same scope resolution as
// Get. Unlike Get it never counts as an access.
func (b *Bridge) Exists(ctx context.Context, key string, sc scope.Scope) (bool, error) {
	keys, err := b.resolveKeys(key, sc)
	if err != nil {
		return false, err
	}
	for _, fq := range keys {
		_, err := b.st.Get(ctx, fq)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Update rewrites the value and metadata of an existing memory, resolving
// the target like Get, and returns the fully-qualified key it touched.
// Unlike Store it never creates a record: a miss in every resolved scope is
// ErrNotFound. The record's scope, owner, creation time and access count
// stay as they were.
func (b *Bridge) Update(ctx context.Context, key string, value any, sc scope.Scope, meta map[string]any) (string, error) {
	keys, err := b.resolveKeys(key, sc)
	if err != nil {
		return "", err
	}

	var target *store.Record
	for _, fq := range keys {
		rec, err := b.st.Get(ctx, fq)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		target = rec
		break
	}
	if target == nil {
		return "", fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	payload, kind, err := codec.Encode(value)
	if err != nil {
		return "", fmt.Errorf("update %q: %w", key, err)
	}
	metaBytes, err := codec.EncodeMetadata(meta)
	if err != nil {
		return "", fmt.Errorf("update %q: %w", key, err)
	}

	rec := store.Record{
		Key:      target.Key,
		Value:    payload,
		Kind:     string(kind),
		Scope:    target.Scope,
		Owner:    target.Owner,
		Metadata: metaBytes,
	}
	if err := b.st.Upsert(ctx, rec); err != nil {
		return "", err
	}
	b.log.Debug("updated memory", "key", target.Key, "kind", kind)
	return target.Key, nil
}

// Delete removes key, resolving the target like Get: a named scope deletes
// exactly that record, an empty scope removes the first probed hit. A miss
// everywhere is ErrNotFound.
func (b *Bridge) Delete(ctx context.Context, key string, sc scope.Scope) error {
	keys, err := b.resolveKeys(key, sc)
	if err != nil {
		return err
	}
	for _, fq := range keys {
		removed, err := b.st.Delete(ctx, fq)
		if err != nil {
			return err
		}
		if removed {
			b.log.Debug("deleted memory", "key", fq)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNotFound, key)
}

// ClearAgentMemories wipes every record in this agent's private scope and
// returns how many were removed. Team and global records survive, as do
// other agents' private records.
func (b *Bridge) ClearAgentMemories(ctx context.Context) (int64, error) {
	n, err := b.st.ClearOwner(ctx, b.owner)
	if err != nil {
		return 0, err
	}
	b.log.Info("cleared agent memories", "count", n)
	return n, nil
}

// Search returns decoded memories whose key, value or metadata contain
// query, newest first. Matching is case-insensitive and never counts as an
// access. An empty scope searches everything.
func (b *Bridge) Search(ctx context.Context, query string, sc scope.Scope) ([]Memory, error) {
	recs, err := b.st.Search(ctx, query, sc)
	if err != nil {
		return nil, err
	}
	return b.toMemories(recs)
}

// List returns memories matching the scope and owner filters, most recently
// updated first. Empty filters match everything; the owner filter is
// normalized like an agent name.
func (b *Bridge) List(ctx context.Context, sc scope.Scope, owner string) ([]Memory, error) {
	recs, err := b.st.Scan(ctx, store.Filter{
		Scope: sc,
		Owner: strings.ToUpper(strings.TrimSpace(owner)),
	})
	if err != nil {
		return nil, err
	}
	return b.toMemories(recs)
}

// Stats aggregates the whole store: record counts by scope and owner, the
// total number of counted reads and the most-read memory.
func (b *Bridge) Stats(ctx context.Context) (*Stats, error) {
	st, err := b.st.Stats(ctx)
	if err != nil {
		return nil, err
	}

	out := &Stats{
		Total:         st.Total,
		ByScope:       st.ByScope,
		ByOwner:       st.ByOwner,
		TotalAccesses: st.TotalAccesses,
	}
	if st.MostAccessed != nil {
		mem, err := b.toMemory(st.MostAccessed)
		if err != nil {
			return nil, err
		}
		out.MostAccessed = mem
	}
	return out, nil
}

// Close releases the underlying store when the bridge opened it itself.
// Bridges sharing an injected store leave closing to whoever owns it.
func (b *Bridge) Close() error {
	if !b.ownStore {
		return nil
	}
	return b.st.Close()
}

// resolveKeys maps a logical key to its fully-qualified candidates: exactly
// one when sc names a scope, otherwise the probe order, own agent scope
// first, then team, then global.
func (b *Bridge) resolveKeys(key string, sc scope.Scope) ([]string, error) {
	if sc != "" {
		fq, err := scope.Qualify(key, sc, b.owner)
		if err != nil {
			return nil, err
		}
		return []string{fq}, nil
	}
	keys := make([]string, 0, 3)
	for _, probe := range []scope.Scope{scope.Agent, scope.Team, scope.Global} {
		fq, err := scope.Qualify(key, probe, b.owner)
		if err != nil {
			continue
		}
		keys = append(keys, fq)
	}
	return keys, nil
}

func (b *Bridge) toMemory(rec *store.Record) (*Memory, error) {
	value, err := codec.Decode(rec.Value, codec.Kind(rec.Kind))
	if err != nil {
		return nil, fmt.Errorf("memory %q: %w", rec.Key, err)
	}
	meta, err := codec.DecodeMetadata(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("memory %q: %w", rec.Key, err)
	}
	_, _, logical := scope.Unqualify(rec.Key)

	return &Memory{
		Key:         rec.Key,
		LogicalKey:  logical,
		Value:       value,
		Kind:        codec.Kind(rec.Kind),
		Scope:       rec.Scope,
		Owner:       rec.Owner,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		AccessCount: rec.AccessCount,
		Metadata:    meta,
	}, nil
}

func (b *Bridge) toMemories(recs []store.Record) ([]Memory, error) {
	mems := make([]Memory, 0, len(recs))
	for i := range recs {
		mem, err := b.toMemory(&recs[i])
		if err != nil {
			return nil, err
		}
		mems = append(mems, *mem)
	}
	return mems, nil
}
