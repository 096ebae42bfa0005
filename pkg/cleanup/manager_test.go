package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/kiln/pkg/isolation"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.BaseDir == "" {
		cfg.BaseDir = t.TempDir()
	}
	return NewManager(cfg, nil, nil, nil)
}

// makeWorkDir creates a conventionally named work directory with one file of
// the given size and the given age.
func makeWorkDir(t *testing.T, baseDir, name string, size int, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(baseDir, isolation.WorkDirPrefix+name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data"), make([]byte, size), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(dir, stamp, stamp); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return dir
}

func TestDiscoverFindsWorkDirs(t *testing.T) {
	m := newTestManager(t, Config{})
	makeWorkDir(t, m.config.BaseDir, "web-1", 10, 0)
	makeWorkDir(t, m.config.BaseDir, "db-2", 10, 0)

	// Directories outside the naming convention are invisible.
	if err := os.MkdirAll(filepath.Join(m.config.BaseDir, "unrelated"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	resources := m.Discover(context.Background())
	if len(resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(resources))
	}
	for _, res := range resources {
		if res.Type != ResourceWorkDir {
			t.Errorf("unexpected resource type %s", res.Type)
		}
		if res.SizeBytes != 10 {
			t.Errorf("expected size 10, got %d", res.SizeBytes)
		}
	}
}

func TestCleanupOlderThanRemovesOnlyStale(t *testing.T) {
	m := newTestManager(t, Config{})
	old := makeWorkDir(t, m.config.BaseDir, "old-1", 10, 2*time.Hour)
	fresh := makeWorkDir(t, m.config.BaseDir, "new-1", 10, time.Minute)

	report := m.CleanupOlderThan(context.Background(), time.Hour)

	if len(report.Removed) != 1 {
		t.Fatalf("expected 1 removal, got %d", len(report.Removed))
	}
	if report.BytesFreed != 10 {
		t.Errorf("expected 10 bytes freed, got %d", report.BytesFreed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale work directory should be gone")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh work directory must survive")
	}
}

func TestCleanupAllIgnoresAge(t *testing.T) {
	m := newTestManager(t, Config{})
	makeWorkDir(t, m.config.BaseDir, "a-1", 10, 0)
	makeWorkDir(t, m.config.BaseDir, "b-2", 10, time.Hour)

	report := m.CleanupAll(context.Background())
	if len(report.Removed) != 2 {
		t.Fatalf("expected 2 removals, got %d", len(report.Removed))
	}
	if len(report.Errors) != 0 {
		t.Errorf("unexpected errors: %v", report.Errors)
	}
}

func TestCleanupEnvironmentMatchesNameOnly(t *testing.T) {
	m := newTestManager(t, Config{})
	target := makeWorkDir(t, m.config.BaseDir, "web-1", 10, 0)
	other := makeWorkDir(t, m.config.BaseDir, "webapp-1", 10, 0)

	report := m.CleanupEnvironment(context.Background(), "web")

	if len(report.Removed) != 1 {
		t.Fatalf("expected 1 removal, got %d", len(report.Removed))
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("target environment should be removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("environment with a shared name prefix must survive")
	}
}

func TestEnforceResourceLimitsDiskLargestFirst(t *testing.T) {
	base := t.TempDir()
	m := newTestManager(t, Config{BaseDir: base, MaxDiskBytes: 250})
	makeWorkDir(t, base, "small-1", 100, 3*time.Hour)
	big := makeWorkDir(t, base, "big-2", 300, time.Hour)

	report := m.EnforceResourceLimits(context.Background())

	// Removing the largest directory alone brings usage under the quota.
	if len(report.Removed) != 1 {
		t.Fatalf("expected 1 removal, got %d", len(report.Removed))
	}
	if _, err := os.Stat(big); !os.IsNotExist(err) {
		t.Error("largest directory should be removed first")
	}
}

func TestEnforceResourceLimitsCountOldestFirst(t *testing.T) {
	base := t.TempDir()
	m := newTestManager(t, Config{BaseDir: base, MaxFixtures: 2})
	oldest := makeWorkDir(t, base, "a-1", 10, 3*time.Hour)
	makeWorkDir(t, base, "b-2", 10, 2*time.Hour)
	makeWorkDir(t, base, "c-3", 10, time.Hour)

	report := m.EnforceResourceLimits(context.Background())

	if len(report.Removed) != 1 {
		t.Fatalf("expected 1 removal, got %d", len(report.Removed))
	}
	if report.Removed[0].Path != oldest {
		t.Errorf("oldest directory should go first, removed %s", report.Removed[0].Path)
	}
}

func TestEmergencyCleanupWipesBaseTree(t *testing.T) {
	base := t.TempDir()
	m := newTestManager(t, Config{BaseDir: base})
	makeWorkDir(t, base, "web-1", 10, 0)

	// Debris outside the naming convention survives the per-resource pass
	// but not an emergency.
	debris := filepath.Join(base, "corrupted-leftover")
	if err := os.MkdirAll(debris, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(debris, "junk"), make([]byte, 50), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	report := m.EmergencyCleanup(context.Background())

	if len(report.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}
	if report.BytesFreed != 60 {
		t.Errorf("expected 60 bytes freed, got %d", report.BytesFreed)
	}
	if _, err := os.Stat(debris); !os.IsNotExist(err) {
		t.Error("debris must not survive an emergency cleanup")
	}

	// The base directory itself comes back empty.
	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatalf("base directory must be recreated: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("base directory must be empty, found %d entries", len(entries))
	}
}

func TestEnforceDiskFailedRemovalNotCountedAsFreed(t *testing.T) {
	base := t.TempDir()
	m := newTestManager(t, Config{BaseDir: base, MaxDiskBytes: 250})

	// The largest resource is a container with no runtime configured, so its
	// removal fails. The space it holds must not count as reclaimed.
	stuck := &Resource{Type: ResourceContainer, Name: "kiln-stuck-1", Handle: "h1", SizeBytes: 300}
	small1 := &Resource{Type: ResourceWorkDir, Name: "kiln-a-1", Path: makeWorkDir(t, base, "a-1", 100, 0), SizeBytes: 100}
	small2 := &Resource{Type: ResourceWorkDir, Name: "kiln-b-2", Path: makeWorkDir(t, base, "b-2", 100, 0), SizeBytes: 100}

	report := &Report{}
	m.enforceDisk(context.Background(), []*Resource{stuck, small1, small2}, report)

	// 500 bytes over a 250 quota: the stuck 300 cannot free anything, so
	// both small directories must go.
	if len(report.Removed) != 2 {
		t.Fatalf("expected 2 removals, got %d", len(report.Removed))
	}
	if len(report.Errors) != 1 {
		t.Fatalf("expected 1 error for the stuck container, got %v", report.Errors)
	}
	if report.BytesFreed != 200 {
		t.Errorf("expected 200 bytes freed, got %d", report.BytesFreed)
	}
	for _, dir := range []string{small1.Path, small2.Path} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("directory %s should have been removed", dir)
		}
	}
}

func TestEnforceResourceLimitsUnderLimitIsNoop(t *testing.T) {
	base := t.TempDir()
	m := newTestManager(t, Config{BaseDir: base, MaxDiskBytes: 1000, MaxFixtures: 5})
	makeWorkDir(t, base, "a-1", 10, 0)

	report := m.EnforceResourceLimits(context.Background())
	if len(report.Removed) != 0 {
		t.Fatalf("under-limit state must not trigger removals, got %d", len(report.Removed))
	}
}

func TestDiskUsage(t *testing.T) {
	free, total, err := DiskUsage(t.TempDir())
	if err != nil {
		t.Fatalf("disk usage: %v", err)
	}
	if total == 0 || free > total {
		t.Errorf("implausible disk usage: free=%d total=%d", free, total)
	}
}

func TestReadPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.pid")

	if got := readPID(path); got != 0 {
		t.Errorf("missing file should read as 0, got %d", got)
	}

	if err := os.WriteFile(path, []byte("12345\n"), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	if got := readPID(path); got != 12345 {
		t.Errorf("expected 12345, got %d", got)
	}

	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	if got := readPID(path); got != 0 {
		t.Errorf("garbage pid file should read as 0, got %d", got)
	}
}
