package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/kiln/pkg/fixture"
	"github.com/openfroyo/kiln/pkg/stores"
)

// mockEnv answers every capture command with fixed output.
type mockEnv struct {
	name string
}

func (m *mockEnv) Name() string                   { return m.name }
func (m *mockEnv) InstanceName() string           { return "kiln-" + m.name + "-1-abcd1234" }
func (m *mockEnv) Kind() fixture.Kind             { return fixture.KindContainer }
func (m *mockEnv) Distribution() string           { return "debian-12" }
func (m *mockEnv) IsReady() bool                  { return true }
func (m *mockEnv) Setup(context.Context) error    { return nil }
func (m *mockEnv) Teardown(context.Context) error { return nil }

func (m *mockEnv) Execute(context.Context, string, fixture.ExecOptions) (*fixture.ExecResult, error) {
	return &fixture.ExecResult{Stdout: "captured output\n", ExitCode: 0}, nil
}

func (m *mockEnv) CopyTo(context.Context, string, string) error   { return nil }
func (m *mockEnv) CopyFrom(context.Context, string, string) error { return nil }

func (m *mockEnv) InspectState(context.Context) (*fixture.State, error) {
	return &fixture.State{Running: true}, nil
}

func newTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	m, err := NewManager(cfg, newTestStore(t))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestCollectSuccessKeepsPlainDirectory(t *testing.T) {
	m := newTestManager(t, Config{})
	env := &mockEnv{name: "web"}

	col, err := m.Collect(context.Background(), env, &TestResult{
		SessionID: "s1",
		Success:   true,
		Duration:  3 * time.Second,
		Output:    "all green\n",
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if col.Archived {
		t.Error("successful runs must not be archived")
	}
	info, err := os.Stat(col.Path)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected a plain directory at %s", col.Path)
	}

	// Minimal set only: no failure-only captures.
	for _, typ := range col.Types {
		if typ == TypeProcessList || typ == TypeServiceLogs {
			t.Errorf("failure-only artifact %s captured on success", typ)
		}
	}
	if _, err := os.Stat(filepath.Join(col.Path, "test-output.txt")); err != nil {
		t.Error("test output artifact missing")
	}
}

func TestCollectFailureArchivesExpandedSet(t *testing.T) {
	m := newTestManager(t, Config{})
	env := &mockEnv{name: "web"}

	col, err := m.Collect(context.Background(), env, &TestResult{
		SessionID: "s1",
		Success:   false,
		Output:    "provisioning exploded\n",
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if !col.Archived {
		t.Fatal("failed runs must be archived")
	}
	if !strings.HasSuffix(col.Path, ".tar.gz") {
		t.Errorf("expected tar.gz path, got %s", col.Path)
	}
	if !strings.Contains(col.Path, "blobs") {
		t.Errorf("archive must live under the blob layout, got %s", col.Path)
	}
	if col.SizeBytes <= 0 {
		t.Error("archive size not recorded")
	}

	hasExpanded := false
	for _, typ := range col.Types {
		if typ == TypeProcessList {
			hasExpanded = true
		}
	}
	if !hasExpanded {
		t.Errorf("failure capture should include the expanded set, got %v", col.Types)
	}
}

func TestCollectTrimsPerEnvironmentHistory(t *testing.T) {
	m := newTestManager(t, Config{MaxPerEnvironment: 2})
	env := &mockEnv{name: "web"}
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := m.Collect(ctx, env, &TestResult{SessionID: "s1", Success: true}); err != nil {
			t.Fatalf("collect %d: %v", i, err)
		}
	}

	cols, err := m.Search(ctx, stores.CollectionFilter{Environment: "web"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(cols) != 2 {
		t.Fatalf("history must be bounded at 2, got %d", len(cols))
	}
}

func TestEnforceStorageLimitOldestFirstStopsAtBoundary(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	// Oldest first: 500, then 300, then 100 bytes.
	sizes := []int64{500, 300, 100}
	for i, size := range sizes {
		rec := &stores.CollectionRecord{
			ID:          string(rune('a' + i)),
			SessionID:   "s1",
			Environment: "web",
			Path:        filepath.Join(m.config.Root, "missing"),
			SizeBytes:   size,
			CreatedAt:   time.Now().Add(time.Duration(i-3) * time.Hour),
		}
		if err := m.store.InsertCollection(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	// Total 900 over a 600 limit: deleting the oldest (500) brings usage to
	// 400, so exactly one collection goes.
	removed, freed, err := m.EnforceStorageLimit(ctx, 600)
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if freed != 500 {
		t.Fatalf("expected 500 bytes freed, got %d", freed)
	}

	remaining, err := m.Search(ctx, stores.CollectionFilter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(remaining))
	}
	for _, col := range remaining {
		if col.SizeBytes == 500 {
			t.Error("the oldest (largest) collection should be gone")
		}
	}
}

func TestCompare(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	first := &stores.CollectionRecord{
		ID: "first", SessionID: "s1", Environment: "web", Success: true,
		Path: "/x", SizeBytes: 1000, DurationMS: 2000,
		ArtifactTypes: "test_output,system_state",
		CreatedAt:     time.Now().Add(-time.Hour),
	}
	second := &stores.CollectionRecord{
		ID: "second", SessionID: "s2", Environment: "web", Success: false,
		Path: "/y", SizeBytes: 1500, DurationMS: 3000,
		ArtifactTypes: "test_output,process_list",
		CreatedAt:     time.Now(),
	}
	for _, rec := range []*stores.CollectionRecord{first, second} {
		if err := m.store.InsertCollection(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	diff, err := m.Compare(ctx, "first", "second")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if diff.DurationDelta != time.Second {
		t.Errorf("expected +1s duration delta, got %s", diff.DurationDelta)
	}
	if diff.SizeDelta != 500 {
		t.Errorf("expected +500 size delta, got %d", diff.SizeDelta)
	}
	if !diff.SuccessChanged {
		t.Error("success flip not detected")
	}
	if len(diff.OnlyInFirst) != 1 || diff.OnlyInFirst[0] != TypeSystemState {
		t.Errorf("expected system_state only in first, got %v", diff.OnlyInFirst)
	}
	if len(diff.OnlyInSecond) != 1 || diff.OnlyInSecond[0] != TypeProcessList {
		t.Errorf("expected process_list only in second, got %v", diff.OnlyInSecond)
	}
}
