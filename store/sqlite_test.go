package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/teambrain/memorybridge/scope"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustUpsert(t *testing.T, s *SQLiteStore, rec Record) {
	t.Helper()
	if err := s.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("upsert %q: %v", rec.Key, err)
	}
}

func TestNewSQLiteStore(t *testing.T) {
	s := newTestStore(t)
	if s == nil {
		t.Fatal("store is nil")
	}
}

func TestNewSQLiteStore_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "bridge.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.Path() != path {
		t.Errorf("Path = %q, want %q", s.Path(), path)
	}
}

func TestSQLiteStore_UpsertGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{
		Key:      "ATLAS:greeting",
		Value:    `"hello world"`,
		Kind:     "string",
		Scope:    scope.Agent,
		Owner:    "ATLAS",
		Metadata: []byte(`{"lang":"en"}`),
	})

	rec, err := s.Get(ctx, "ATLAS:greeting")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Value != `"hello world"` {
		t.Errorf("Value = %q", rec.Value)
	}
	if rec.Kind != "string" {
		t.Errorf("Kind = %q", rec.Kind)
	}
	if rec.Scope != scope.Agent || rec.Owner != "ATLAS" {
		t.Errorf("Scope/Owner = %s/%s", rec.Scope, rec.Owner)
	}
	if rec.AccessCount != 0 {
		t.Errorf("AccessCount = %d, want 0", rec.AccessCount)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}
	if !rec.CreatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("fresh record: CreatedAt %v != UpdatedAt %v", rec.CreatedAt, rec.UpdatedAt)
	}
	if string(rec.Metadata) != `{"lang":"en"}` {
		t.Errorf("Metadata = %s", rec.Metadata)
	}
}

func TestSQLiteStore_Get_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_Upsert_PreservesIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{Key: "ATLAS:task", Value: "1", Kind: "int", Scope: scope.Agent, Owner: "ATLAS"})
	first, err := s.ReadAndTouch(ctx, "ATLAS:task")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)
	// Second write claims a different scope and owner; both must be ignored.
	mustUpsert(t, s, Record{Key: "ATLAS:task", Value: "2", Kind: "int", Scope: scope.Team, Owner: "FORGE"})

	rec, err := s.Get(ctx, "ATLAS:task")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Value != "2" {
		t.Errorf("Value = %q, want 2", rec.Value)
	}
	if !rec.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", first.CreatedAt, rec.CreatedAt)
	}
	if !rec.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("UpdatedAt did not advance: %v -> %v", first.UpdatedAt, rec.UpdatedAt)
	}
	if rec.Scope != scope.Agent || rec.Owner != "ATLAS" {
		t.Errorf("identity fields changed: %s/%s", rec.Scope, rec.Owner)
	}
	if rec.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", rec.AccessCount)
	}
}

func TestSQLiteStore_Upsert_ClearsMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{Key: "k", Value: "1", Kind: "int", Scope: scope.Team, Metadata: []byte(`{"a":1}`)})
	mustUpsert(t, s, Record{Key: "k", Value: "2", Kind: "int", Scope: scope.Team})

	rec, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Metadata != nil {
		t.Errorf("Metadata = %s, want nil", rec.Metadata)
	}
}

func TestSQLiteStore_Upsert_InvalidScope(t *testing.T) {
	s := newTestStore(t)

	err := s.Upsert(context.Background(), Record{Key: "k", Value: "1", Kind: "int", Scope: "cosmic"})
	if !errors.Is(err, scope.ErrInvalidScope) {
		t.Fatalf("err = %v, want ErrInvalidScope", err)
	}
}

func TestSQLiteStore_ReadAndTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{Key: "team:counter", Value: "0", Kind: "int", Scope: scope.Team})

	rec, err := s.ReadAndTouch(ctx, "team:counter")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", rec.AccessCount)
	}

	rec, err = s.ReadAndTouch(ctx, "team:counter")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AccessCount != 2 {
		t.Errorf("AccessCount = %d, want 2", rec.AccessCount)
	}

	// Plain Get must not move the counter.
	rec, err = s.Get(ctx, "team:counter")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AccessCount != 2 {
		t.Errorf("AccessCount after Get = %d, want 2", rec.AccessCount)
	}
}

func TestSQLiteStore_ReadAndTouch_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ReadAndTouch(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// Every concurrent touch must land in the final count.
func TestSQLiteStore_ReadAndTouch_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{Key: "team:hot", Value: "1", Kind: "int", Scope: scope.Team})

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	errc := make(chan error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if _, err := s.ReadAndTouch(ctx, "team:hot"); err != nil {
					errc <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		t.Fatal(err)
	}

	rec, err := s.Get(ctx, "team:hot")
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(goroutines * perGoroutine); rec.AccessCount != want {
		t.Errorf("AccessCount = %d, want %d", rec.AccessCount, want)
	}
}

func TestSQLiteStore_Scan_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{Key: "ATLAS:a", Value: "1", Kind: "int", Scope: scope.Agent, Owner: "ATLAS"})
	mustUpsert(t, s, Record{Key: "FORGE:b", Value: "2", Kind: "int", Scope: scope.Agent, Owner: "FORGE"})
	mustUpsert(t, s, Record{Key: "team:c", Value: "3", Kind: "int", Scope: scope.Team, Owner: "ATLAS"})
	mustUpsert(t, s, Record{Key: "global:d", Value: "4", Kind: "int", Scope: scope.Global, Owner: "FORGE"})

	all, err := s.Scan(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("Scan all = %d, want 4", len(all))
	}

	agents, _ := s.Scan(ctx, Filter{Scope: scope.Agent})
	if len(agents) != 2 {
		t.Errorf("agent records = %d, want 2", len(agents))
	}

	atlas, _ := s.Scan(ctx, Filter{Owner: "ATLAS"})
	if len(atlas) != 2 {
		t.Errorf("ATLAS records = %d, want 2", len(atlas))
	}

	both, _ := s.Scan(ctx, Filter{Scope: scope.Agent, Owner: "ATLAS"})
	if len(both) != 1 || both[0].Key != "ATLAS:a" {
		t.Errorf("conjunctive filter = %v", both)
	}
}

func TestSQLiteStore_Scan_OrdersByUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{Key: "team:old", Value: "1", Kind: "int", Scope: scope.Team})
	time.Sleep(10 * time.Millisecond)
	mustUpsert(t, s, Record{Key: "team:new", Value: "2", Kind: "int", Scope: scope.Team})

	recs, err := s.Scan(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("Scan = %d records", len(recs))
	}
	if recs[0].Key != "team:new" {
		t.Errorf("first record = %q, want team:new", recs[0].Key)
	}
}

func TestSQLiteStore_Search(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{Key: "team:greeting", Value: `"Hello World"`, Kind: "string", Scope: scope.Team})
	mustUpsert(t, s, Record{Key: "ATLAS:screenshot_tool", Value: `"ScreenSnap"`, Kind: "string", Scope: scope.Agent, Owner: "ATLAS"})
	mustUpsert(t, s, Record{Key: "global:numbers", Value: "[1,2,3]", Kind: "list", Scope: scope.Global,
		Metadata: []byte(`{"topic":"fibonacci"}`)})

	// Case-insensitive match on value.
	recs, err := s.Search(ctx, "WORLD", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Key != "team:greeting" {
		t.Fatalf("Search WORLD = %v", recs)
	}

	// Match on key.
	recs, _ = s.Search(ctx, "screenshot", "")
	if len(recs) != 1 || recs[0].Key != "ATLAS:screenshot_tool" {
		t.Errorf("Search screenshot = %v", recs)
	}

	// Match on metadata.
	recs, _ = s.Search(ctx, "fibonacci", "")
	if len(recs) != 1 || recs[0].Key != "global:numbers" {
		t.Errorf("Search fibonacci = %v", recs)
	}

	// Scope filter excludes the team record.
	recs, _ = s.Search(ctx, "world", scope.Global)
	if len(recs) != 0 {
		t.Errorf("scoped search = %v, want empty", recs)
	}

	// No match.
	recs, _ = s.Search(ctx, "xyz123", "")
	if len(recs) != 0 {
		t.Errorf("Search xyz123 = %v, want empty", recs)
	}
}

func TestSQLiteStore_Search_LiteralWildcards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{Key: "team:pct", Value: `"eighty % done"`, Kind: "string", Scope: scope.Team})
	mustUpsert(t, s, Record{Key: "team:plain", Value: `"eighty done"`, Kind: "string", Scope: scope.Team})

	recs, err := s.Search(ctx, "% done", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Key != "team:pct" {
		t.Errorf("wildcard search = %v, want only team:pct", recs)
	}
}

func TestSQLiteStore_Search_DoesNotTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{Key: "team:greeting", Value: `"hello"`, Kind: "string", Scope: scope.Team})

	if _, err := s.Search(ctx, "hello", ""); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Get(ctx, "team:greeting")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AccessCount != 0 {
		t.Errorf("AccessCount after search = %d, want 0", rec.AccessCount)
	}
}

func TestSQLiteStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{Key: "team:gone", Value: "1", Kind: "int", Scope: scope.Team})

	removed, err := s.Delete(ctx, "team:gone")
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Error("Delete = false, want true")
	}

	// Idempotent second delete.
	removed, err = s.Delete(ctx, "team:gone")
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Error("second Delete = true, want false")
	}

	if _, err := s.Get(ctx, "team:gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_ClearOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{Key: "ATLAS:p", Value: "1", Kind: "int", Scope: scope.Agent, Owner: "ATLAS"})
	mustUpsert(t, s, Record{Key: "ATLAS:q", Value: "2", Kind: "int", Scope: scope.Agent, Owner: "ATLAS"})
	mustUpsert(t, s, Record{Key: "FORGE:r", Value: "3", Kind: "int", Scope: scope.Agent, Owner: "FORGE"})
	// Team record authored by ATLAS must survive.
	mustUpsert(t, s, Record{Key: "team:s", Value: "4", Kind: "int", Scope: scope.Team, Owner: "ATLAS"})

	n, err := s.ClearOwner(ctx, "ATLAS")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("ClearOwner = %d, want 2", n)
	}

	if _, err := s.Get(ctx, "ATLAS:p"); !errors.Is(err, ErrNotFound) {
		t.Error("ATLAS:p should be gone")
	}
	if _, err := s.Get(ctx, "FORGE:r"); err != nil {
		t.Errorf("FORGE:r should survive: %v", err)
	}
	if _, err := s.Get(ctx, "team:s"); err != nil {
		t.Errorf("team:s should survive: %v", err)
	}
}

func TestSQLiteStore_Stats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{Key: "ATLAS:a", Value: "1", Kind: "int", Scope: scope.Agent, Owner: "ATLAS"})
	mustUpsert(t, s, Record{Key: "FORGE:b", Value: "2", Kind: "int", Scope: scope.Agent, Owner: "FORGE"})
	mustUpsert(t, s, Record{Key: "team:c", Value: "3", Kind: "int", Scope: scope.Team, Owner: "ATLAS"})

	// a: 1 touch, c: 2 touches.
	if _, err := s.ReadAndTouch(ctx, "ATLAS:a"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.ReadAndTouch(ctx, "team:c"); err != nil {
			t.Fatal(err)
		}
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 3 {
		t.Errorf("Total = %d, want 3", st.Total)
	}
	if st.ByScope[scope.Agent] != 2 || st.ByScope[scope.Team] != 1 {
		t.Errorf("ByScope = %v", st.ByScope)
	}
	if st.ByOwner["ATLAS"] != 2 || st.ByOwner["FORGE"] != 1 {
		t.Errorf("ByOwner = %v", st.ByOwner)
	}
	if st.TotalAccesses != 3 {
		t.Errorf("TotalAccesses = %d, want 3", st.TotalAccesses)
	}
	if st.MostAccessed == nil || st.MostAccessed.Key != "team:c" {
		t.Errorf("MostAccessed = %v, want team:c", st.MostAccessed)
	}

	var sum int64
	for _, n := range st.ByScope {
		sum += n
	}
	if sum != st.Total {
		t.Errorf("sum(ByScope) = %d, want %d", sum, st.Total)
	}
}

func TestSQLiteStore_Stats_TieBreak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{Key: "team:first", Value: "1", Kind: "int", Scope: scope.Team})
	time.Sleep(10 * time.Millisecond)
	mustUpsert(t, s, Record{Key: "team:second", Value: "2", Kind: "int", Scope: scope.Team})

	// Equal access counts; the more recently updated record wins.
	if _, err := s.ReadAndTouch(ctx, "team:first"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadAndTouch(ctx, "team:second"); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.MostAccessed == nil || st.MostAccessed.Key != "team:second" {
		t.Errorf("MostAccessed = %v, want team:second", st.MostAccessed)
	}

	// A strictly higher count beats recency.
	if _, err := s.ReadAndTouch(ctx, "team:first"); err != nil {
		t.Fatal(err)
	}
	st, err = s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.MostAccessed == nil || st.MostAccessed.Key != "team:first" {
		t.Errorf("MostAccessed = %v, want team:first", st.MostAccessed)
	}
}

func TestSQLiteStore_Stats_Empty(t *testing.T) {
	s := newTestStore(t)

	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 0 || st.TotalAccesses != 0 {
		t.Errorf("empty stats = %+v", st)
	}
	if st.MostAccessed != nil {
		t.Errorf("MostAccessed = %v, want nil", st.MostAccessed)
	}
	if len(st.ByScope) != 0 || len(st.ByOwner) != 0 {
		t.Errorf("group counts not empty: %v / %v", st.ByScope, st.ByOwner)
	}
}

// Two handles on the same file see each other's writes, the way two agent
// processes share one store.
func TestSQLiteStore_SharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")

	a, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	mustUpsert(t, a, Record{Key: "team:shared", Value: "1", Kind: "int", Scope: scope.Team})

	rec, err := b.ReadAndTouch(ctx, "team:shared")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Value != "1" {
		t.Errorf("Value via second handle = %q", rec.Value)
	}

	rec, err = a.Get(ctx, "team:shared")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AccessCount != 1 {
		t.Errorf("AccessCount via first handle = %d, want 1", rec.AccessCount)
	}
}

func TestSQLiteStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	mustUpsert(t, s, Record{Key: "global:fact", Value: `"durable"`, Kind: "string", Scope: scope.Global})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	rec, err := reopened.Get(context.Background(), "global:fact")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Value != `"durable"` {
		t.Errorf("Value after reopen = %q", rec.Value)
	}
}

// Rows stamped by other tooling carry plain RFC3339 times with any fraction
// width. They must load with their times intact, and an unreadable stamp
// must fail the read instead of scanning as a zero time.
func TestSQLiteStore_ForeignTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const insert = `INSERT INTO memories
		(key, value_payload, value_kind, scope, owner, created_at, updated_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`
	if _, err := s.db.ExecContext(ctx, insert,
		"team:imported", `"legacy"`, "string", "team", "",
		"2026-08-23T10:00:00Z", "2026-08-23T10:05:00.123Z"); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Get(ctx, "team:imported")
	if err != nil {
		t.Fatal(err)
	}
	wantCreated := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	wantUpdated := time.Date(2026, 8, 23, 10, 5, 0, 123000000, time.UTC)
	if !rec.CreatedAt.Equal(wantCreated) {
		t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, wantCreated)
	}
	if !rec.UpdatedAt.Equal(wantUpdated) {
		t.Errorf("UpdatedAt = %v, want %v", rec.UpdatedAt, wantUpdated)
	}

	if _, err := s.db.ExecContext(ctx, insert,
		"team:mangled", `"x"`, "string", "team", "", "yesterday", "yesterday"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "team:mangled"); err == nil {
		t.Fatal("Get with an unparseable timestamp returned nil error, want failure")
	}
}

func TestIsBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("database table is locked"), true},
		{fmt.Errorf("upsert %q: %w", "k", errors.New("SQLITE_LOCKED")), true},
		{errors.New("no such table: memories"), false},
		{ErrNotFound, false},
	}
	for _, tt := range tests {
		if got := isBusy(tt.err); got != tt.want {
			t.Errorf("isBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"100%", `100\%`},
		{"a_b", `a\_b`},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		if got := escapeLike(tt.in); got != tt.want {
			t.Errorf("escapeLike(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Verify Store interface compliance.
func TestSQLiteStore_ImplementsStore(t *testing.T) {
	var _ Store = (*SQLiteStore)(nil)
}
