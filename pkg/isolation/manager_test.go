package isolation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/kiln/pkg/fixture"
)

func testConfig(t *testing.T, maxConcurrent int) Config {
	t.Helper()
	return Config{
		MaxConcurrent:       maxConcurrent,
		PortRangeStart:      42000,
		PortRangeEnd:        42019,
		PortsPerEnvironment: 2,
		BaseDir:             t.TempDir(),
		AcquireTimeout:      200 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, maxConcurrent int) *Manager {
	t.Helper()
	m, err := NewManager(testConfig(t, maxConcurrent), nil)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func TestAcquireAssignsUniqueSlots(t *testing.T) {
	m := newTestManager(t, 4)
	ctx := context.Background()

	seen := make(map[int]string)
	for _, name := range []string{"a", "b", "c", "d"} {
		handle, err := m.Acquire(ctx, fixture.Options{Name: name})
		if err != nil {
			t.Fatalf("acquire %s: %v", name, err)
		}
		if owner, dup := seen[handle.Slot]; dup {
			t.Fatalf("slot %d handed to both %s and %s", handle.Slot, owner, name)
		}
		seen[handle.Slot] = name
		if handle.Slot < 1 || handle.Slot > 4 {
			t.Errorf("slot %d outside [1, 4]", handle.Slot)
		}
	}
}

func TestAcquireBelowLimitNeverBlocks(t *testing.T) {
	m := newTestManager(t, 3)
	ctx := context.Background()

	start := time.Now()
	for _, name := range []string{"a", "b", "c"} {
		if _, err := m.Acquire(ctx, fixture.Options{Name: name}); err != nil {
			t.Fatalf("acquire %s: %v", name, err)
		}
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("acquisitions below the limit should not block")
	}
}

func TestAcquirePortsAreDisjoint(t *testing.T) {
	m := newTestManager(t, 3)
	ctx := context.Background()

	used := make(map[int]string)
	for _, name := range []string{"a", "b", "c"} {
		handle, err := m.Acquire(ctx, fixture.Options{Name: name})
		if err != nil {
			t.Fatalf("acquire %s: %v", name, err)
		}
		if len(handle.Ports) != 2 {
			t.Fatalf("expected 2 ports, got %d", len(handle.Ports))
		}
		for _, port := range handle.Ports {
			if owner, dup := used[port]; dup {
				t.Fatalf("port %d handed to both %s and %s", port, owner, name)
			}
			used[port] = name
		}
	}
}

func TestAcquireStampsOptions(t *testing.T) {
	m := newTestManager(t, 2)

	handle, err := m.Acquire(context.Background(), fixture.Options{
		Name:  "web",
		Kind:  fixture.KindContainer,
		Image: "debian:12",
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	opts := handle.Options
	if opts.InstanceName != handle.InstanceName {
		t.Errorf("options instance name %q != handle %q", opts.InstanceName, handle.InstanceName)
	}
	if opts.WorkDir != handle.WorkDir {
		t.Errorf("options work dir %q != handle %q", opts.WorkDir, handle.WorkDir)
	}
	if len(opts.Ports) != 2 {
		t.Errorf("options missing ports: %v", opts.Ports)
	}
	if opts.Image != "debian:12" {
		t.Errorf("caller fields must survive stamping, got image %q", opts.Image)
	}

	if _, err := os.Stat(handle.WorkDir); err != nil {
		t.Errorf("work directory not created: %v", err)
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.AcquireTimeout = 2 * time.Second
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(m.Shutdown)

	ctx := context.Background()
	if _, err := m.Acquire(ctx, fixture.Options{Name: "first"}); err != nil {
		t.Fatalf("acquire first: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, fixture.Options{Name: "second"})
		acquired <- err
	}()

	select {
	case err := <-acquired:
		t.Fatalf("second acquire should block while slot is held, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := m.Release("first"); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("second acquire after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second acquire never woke up after release")
	}
}

func TestAcquireTimesOutWhenFull(t *testing.T) {
	m := newTestManager(t, 1)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, fixture.Options{Name: "holder"}); err != nil {
		t.Fatalf("acquire holder: %v", err)
	}

	_, err := m.Acquire(ctx, fixture.Options{Name: "waiter"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !fixture.IsResourceError(err) {
		t.Errorf("timeout must surface as a resource error, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(t, 2)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, fixture.Options{Name: "env"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	free := m.FreePorts()

	if err := m.Release("env"); err != nil {
		t.Fatalf("first release: %v", err)
	}
	afterFirst := m.FreePorts()
	if afterFirst != free+2 {
		t.Fatalf("expected %d free ports after release, got %d", free+2, afterFirst)
	}

	// Second release must be a no-op and never double-free ports.
	if err := m.Release("env"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if got := m.FreePorts(); got != afterFirst {
		t.Fatalf("double release changed the port pool: %d -> %d", afterFirst, got)
	}

	if err := m.Release("never-acquired"); err != nil {
		t.Errorf("releasing an unknown name must be a no-op, got %v", err)
	}
}

func TestReleaseRemovesWorkDir(t *testing.T) {
	m := newTestManager(t, 1)

	handle, err := m.Acquire(context.Background(), fixture.Options{Name: "env"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release("env"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(handle.WorkDir); !os.IsNotExist(err) {
		t.Errorf("work directory should be gone after release")
	}
}

func TestAcquireRejectsDuplicateName(t *testing.T) {
	m := newTestManager(t, 3)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, fixture.Options{Name: "env"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, fixture.Options{Name: "env"}); err == nil {
		t.Fatal("second acquisition under the same name must fail")
	}
}

func TestSweepOrphansReclaimsUntracked(t *testing.T) {
	m := newTestManager(t, 2)
	ctx := context.Background()

	handle, err := m.Acquire(ctx, fixture.Options{Name: "live"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	orphan := filepath.Join(m.config.BaseDir, WorkDirPrefix+"dead-7")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("mkdir orphan: %v", err)
	}
	foreign := filepath.Join(m.config.BaseDir, "unrelated")
	if err := os.MkdirAll(foreign, 0o755); err != nil {
		t.Fatalf("mkdir foreign: %v", err)
	}

	m.SweepOrphans()

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphaned work directory should be reclaimed")
	}
	if _, err := os.Stat(handle.WorkDir); err != nil {
		t.Error("tracked work directory must survive the sweep")
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Error("directories outside the naming convention must be left alone")
	}
}

func TestShutdownFailsBlockedAcquirers(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.AcquireTimeout = 5 * time.Second
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	ctx := context.Background()
	if _, err := m.Acquire(ctx, fixture.Options{Name: "holder"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, fixture.Options{Name: "blocked"})
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	m.Shutdown()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("blocked acquirer must fail on shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked acquirer never returned after shutdown")
	}
}
