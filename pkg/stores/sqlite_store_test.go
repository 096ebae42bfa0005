package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCollectionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &CollectionRecord{
		ID:            "col-1",
		SessionID:     "sess-1",
		Environment:   "web",
		Success:       true,
		Archived:      false,
		Path:          "/tmp/kiln/artifacts/collections/col-1",
		SizeBytes:     4096,
		DurationMS:    1500,
		ArtifactTypes: "test_output,system_state",
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.InsertCollection(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := store.GetCollection(ctx, "col-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Environment != "web" || !got.Success || got.SizeBytes != 4096 {
		t.Errorf("record did not round-trip: %+v", got)
	}

	if _, err := store.GetCollection(ctx, "missing"); err == nil {
		t.Error("missing collection must error")
	}
}

func TestListCollectionsFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	records := []*CollectionRecord{
		{ID: "a", SessionID: "s1", Environment: "web", Success: true, Path: "/a", CreatedAt: base},
		{ID: "b", SessionID: "s1", Environment: "db", Success: false, Path: "/b", CreatedAt: base.Add(time.Minute)},
		{ID: "c", SessionID: "s2", Environment: "web", Success: false, Path: "/c", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, rec := range records {
		if err := store.InsertCollection(ctx, rec); err != nil {
			t.Fatalf("insert %s: %v", rec.ID, err)
		}
	}

	web, err := store.ListCollections(ctx, CollectionFilter{Environment: "web"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(web) != 2 {
		t.Fatalf("expected 2 web collections, got %d", len(web))
	}
	// Newest first.
	if web[0].ID != "c" {
		t.Errorf("expected newest first, got %s", web[0].ID)
	}

	failed := false
	failures, err := store.ListCollections(ctx, CollectionFilter{Success: &failed})
	if err != nil {
		t.Fatalf("list failures: %v", err)
	}
	if len(failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(failures))
	}

	limited, err := store.ListCollections(ctx, CollectionFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored, got %d", len(limited))
	}
}

func TestOldestCollectionsOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		rec := &CollectionRecord{
			ID: id, SessionID: "s", Environment: "e", Path: "/" + id,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.InsertCollection(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	recs, err := store.OldestCollections(ctx)
	if err != nil {
		t.Fatalf("oldest: %v", err)
	}
	if len(recs) != 3 || recs[0].ID != "old" || recs[2].ID != "new" {
		t.Errorf("expected oldest-first ordering, got %v", []string{recs[0].ID, recs[1].ID, recs[2].ID})
	}
}

func TestCleanupLogIsBounded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		rec := &CleanupRecord{OpType: "all", Success: true, BytesFreed: int64(i)}
		if err := store.AppendCleanupOperation(ctx, rec, 3); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	ops, err := store.ListCleanupOperations(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("log must be trimmed to 3, got %d", len(ops))
	}
	// Newest survive.
	if ops[0].BytesFreed != 9 {
		t.Errorf("expected newest entry first, got bytes_freed=%d", ops[0].BytesFreed)
	}
}

func TestCleanupStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entries := []*CleanupRecord{
		{OpType: "all", Success: true, BytesFreed: 100},
		{OpType: "older_than", Success: false, BytesFreed: 0, Error: "busy"},
		{OpType: "environment", Success: true, BytesFreed: 50},
	}
	for _, rec := range entries {
		if err := store.AppendCleanupOperation(ctx, rec, 0); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	stats, err := store.GetCleanupStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalOperations != 3 {
		t.Errorf("expected 3 operations, got %d", stats.TotalOperations)
	}
	if stats.Failures != 1 {
		t.Errorf("expected 1 failure, got %d", stats.Failures)
	}
	if stats.TotalBytesFreed != 150 {
		t.Errorf("expected 150 bytes freed, got %d", stats.TotalBytesFreed)
	}
}
