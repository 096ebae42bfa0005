package provision

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/kiln/pkg/fixture"
	"github.com/openfroyo/kiln/pkg/health"
)

// mockEnv counts lifecycle calls and answers health probes positively.
type mockEnv struct {
	ready     bool
	setups    int
	teardowns int

	setupErr error
}

func (m *mockEnv) Name() string         { return "mock" }
func (m *mockEnv) InstanceName() string { return "kiln-mock-1-abcd1234" }
func (m *mockEnv) Kind() fixture.Kind   { return fixture.KindContainer }
func (m *mockEnv) Distribution() string { return "debian-12" }
func (m *mockEnv) IsReady() bool        { return m.ready }

func (m *mockEnv) Setup(context.Context) error {
	m.setups++
	if m.setupErr != nil {
		return m.setupErr
	}
	m.ready = true
	return nil
}

func (m *mockEnv) Teardown(context.Context) error {
	m.teardowns++
	m.ready = false
	return nil
}

func (m *mockEnv) Execute(_ context.Context, cmd string, _ fixture.ExecOptions) (*fixture.ExecResult, error) {
	// Health connectivity probe echoes back; everything else succeeds empty.
	return &fixture.ExecResult{Stdout: cmd, ExitCode: 0}, nil
}

func (m *mockEnv) CopyTo(context.Context, string, string) error   { return nil }
func (m *mockEnv) CopyFrom(context.Context, string, string) error { return nil }

func (m *mockEnv) InspectState(context.Context) (*fixture.State, error) {
	return &fixture.State{Running: m.ready}, nil
}

func testProvisionConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		StateDir:      t.TempDir(),
		Freshness:     time.Hour,
		ReadyWait:     time.Second,
		ReadyInterval: 10 * time.Millisecond,
	}
}

func newTestProvisioner(t *testing.T, cfg Config, env *mockEnv) *Provisioner {
	t.Helper()
	checker := health.NewChecker(env, health.Config{
		BatchTimeout: time.Second,
		CheckTimeout: 500 * time.Millisecond,
	})
	p, err := NewProvisioner(cfg, env, checker, nil, nil)
	if err != nil {
		t.Fatalf("failed to create provisioner: %v", err)
	}
	return p
}

func TestProvisionRebuildsFreshEnvironment(t *testing.T) {
	env := &mockEnv{}
	p := newTestProvisioner(t, testProvisionConfig(t), env)

	if err := p.Provision(context.Background()); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if env.setups != 1 {
		t.Fatalf("expected 1 setup, got %d", env.setups)
	}
	if !env.ready {
		t.Error("environment should be ready after provisioning")
	}
}

func TestProvisionReusesMatchingEnvironment(t *testing.T) {
	cfg := testProvisionConfig(t)
	env := &mockEnv{}

	if err := newTestProvisioner(t, cfg, env).Provision(context.Background()); err != nil {
		t.Fatalf("first provision: %v", err)
	}

	// Same inputs, live environment: the reuse path must skip Setup.
	if err := newTestProvisioner(t, cfg, env).Provision(context.Background()); err != nil {
		t.Fatalf("second provision: %v", err)
	}
	if env.setups != 1 {
		t.Fatalf("reuse path ran setup again: %d setups", env.setups)
	}
}

func TestProvisionRebuildsWhenEnvironmentDied(t *testing.T) {
	cfg := testProvisionConfig(t)
	env := &mockEnv{}

	if err := newTestProvisioner(t, cfg, env).Provision(context.Background()); err != nil {
		t.Fatalf("first provision: %v", err)
	}

	env.ready = false
	if err := newTestProvisioner(t, cfg, env).Provision(context.Background()); err != nil {
		t.Fatalf("second provision: %v", err)
	}
	if env.setups != 2 {
		t.Fatalf("dead environment must be rebuilt, got %d setups", env.setups)
	}
}

func TestProvisionWithFilesRecipeChangeForcesRebuild(t *testing.T) {
	cfg := testProvisionConfig(t)
	env := &mockEnv{}

	recipe := filepath.Join(t.TempDir(), "web.rcp")
	if err := os.WriteFile(recipe, []byte("install nginx\n"), 0o644); err != nil {
		t.Fatalf("write recipe: %v", err)
	}

	ctx := context.Background()
	if err := newTestProvisioner(t, cfg, env).ProvisionWithFiles(ctx, []string{recipe}); err != nil {
		t.Fatalf("first provision: %v", err)
	}

	// Unchanged recipe content reuses.
	if err := newTestProvisioner(t, cfg, env).ProvisionWithFiles(ctx, []string{recipe}); err != nil {
		t.Fatalf("second provision: %v", err)
	}
	if env.setups != 1 {
		t.Fatalf("unchanged recipe must reuse, got %d setups", env.setups)
	}

	// Changed content flips the checksum and forces a rebuild.
	if err := os.WriteFile(recipe, []byte("install nginx\nenable nginx\n"), 0o644); err != nil {
		t.Fatalf("rewrite recipe: %v", err)
	}
	if err := newTestProvisioner(t, cfg, env).ProvisionWithFiles(ctx, []string{recipe}); err != nil {
		t.Fatalf("third provision: %v", err)
	}
	if env.setups != 2 {
		t.Fatalf("changed recipe must rebuild, got %d setups", env.setups)
	}
}

func TestProvisionStaleStateForcesRebuild(t *testing.T) {
	cfg := testProvisionConfig(t)
	env := &mockEnv{}

	ctx := context.Background()
	if err := newTestProvisioner(t, cfg, env).Provision(ctx); err != nil {
		t.Fatalf("first provision: %v", err)
	}

	// Age the record past the freshness window.
	persisted, err := loadState(cfg.StateDir)
	if err != nil || persisted == nil {
		t.Fatalf("load state: %v", err)
	}
	persisted.ProvisionedAt = time.Now().Add(-48 * time.Hour)
	if err := saveState(cfg.StateDir, persisted); err != nil {
		t.Fatalf("save state: %v", err)
	}

	if err := newTestProvisioner(t, cfg, env).Provision(ctx); err != nil {
		t.Fatalf("second provision: %v", err)
	}
	if env.setups != 2 {
		t.Fatalf("stale state must force a rebuild, got %d setups", env.setups)
	}
}

func TestProvisionCorruptStateRebuilds(t *testing.T) {
	cfg := testProvisionConfig(t)
	env := &mockEnv{}

	statePath := filepath.Join(cfg.StateDir, stateFileName)
	if err := os.WriteFile(statePath, []byte("{{{not yaml"), 0o644); err != nil {
		t.Fatalf("write corrupt state: %v", err)
	}

	if err := newTestProvisioner(t, cfg, env).Provision(context.Background()); err != nil {
		t.Fatalf("provision over corrupt state: %v", err)
	}
	if env.setups != 1 {
		t.Fatalf("corrupt state must rebuild, got %d setups", env.setups)
	}
}

func TestProvisionSetupFailureIsFatalSetupError(t *testing.T) {
	cfg := testProvisionConfig(t)
	env := &mockEnv{setupErr: os.ErrPermission}

	err := newTestProvisioner(t, cfg, env).Provision(context.Background())
	if err == nil {
		t.Fatal("expected setup failure")
	}
	if !fixture.IsSetupError(err) {
		t.Errorf("setup failure must classify as setup error, got %v", err)
	}
}

func TestChecksumInputsSensitivity(t *testing.T) {
	recipe := filepath.Join(t.TempDir(), "a.rcp")
	if err := os.WriteFile(recipe, []byte("one"), 0o644); err != nil {
		t.Fatalf("write recipe: %v", err)
	}

	cfg := Config{StateDir: "/s", Freshness: time.Hour}
	opts := map[string]any{"name": "env"}

	first, err := checksumInputs("container", opts, cfg, []string{recipe})
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	same, err := checksumInputs("container", opts, cfg, []string{recipe})
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if first != same {
		t.Error("identical inputs must produce identical checksums")
	}

	if err := os.WriteFile(recipe, []byte("two"), 0o644); err != nil {
		t.Fatalf("rewrite recipe: %v", err)
	}
	changed, err := checksumInputs("container", opts, cfg, []string{recipe})
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if changed == first {
		t.Error("changed recipe content must change the checksum")
	}

	otherClass, err := checksumInputs("vm", opts, cfg, []string{recipe})
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if otherClass == changed {
		t.Error("environment class must contribute to the checksum")
	}
}

func TestStateLockBlocksSecondAcquirer(t *testing.T) {
	dir := t.TempDir()
	first := NewStateLock(dir, time.Hour)
	second := NewStateLock(dir, time.Hour)

	ctx := context.Background()
	if err := first.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := second.Acquire(shortCtx); err == nil {
		second.Release()
		t.Fatal("second acquirer should not get the lock while held")
	}

	first.Release()
	if err := second.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	second.Release()
}
