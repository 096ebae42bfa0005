package fixture

import (
	"context"
	"errors"
	"testing"
	"time"
)

// mockRuntime scripts runtime behavior and records the calls made.
type mockRuntime struct {
	createErr error
	startErr  error
	removeErr error

	created  []ContainerSpec
	started  []string
	stopped  []string
	removed  []string
	handleID string
}

func (r *mockRuntime) Create(_ context.Context, spec ContainerSpec) (string, error) {
	if r.createErr != nil {
		return "", r.createErr
	}
	r.created = append(r.created, spec)
	if r.handleID == "" {
		r.handleID = "handle-1"
	}
	return r.handleID, nil
}

func (r *mockRuntime) Start(_ context.Context, handle string) error {
	if r.startErr != nil {
		return r.startErr
	}
	r.started = append(r.started, handle)
	return nil
}

func (r *mockRuntime) Stop(_ context.Context, handle string, _ time.Duration) error {
	r.stopped = append(r.stopped, handle)
	return nil
}

func (r *mockRuntime) Remove(_ context.Context, handle string) error {
	r.removed = append(r.removed, handle)
	return r.removeErr
}

func (r *mockRuntime) Exec(_ context.Context, _, cmd string, _ ExecOptions) (*ExecResult, error) {
	return &ExecResult{Stdout: cmd, ExitCode: 0}, nil
}

func (r *mockRuntime) CopyTo(context.Context, string, string, string) error   { return nil }
func (r *mockRuntime) CopyFrom(context.Context, string, string, string) error { return nil }

func (r *mockRuntime) Inspect(context.Context, string) (*State, error) {
	return &State{Running: true}, nil
}

func (r *mockRuntime) List(context.Context, string) ([]string, error) { return nil, nil }

func testOptions() Options {
	return Options{
		Name:         "web",
		InstanceName: "kiln-web-1-abcd1234",
		Kind:         KindContainer,
		Distribution: "debian-12",
		Image:        "debian:12",
		Ports:        []int{30001, 30002},
	}
}

func TestSetupCreatesAndStarts(t *testing.T) {
	rt := &mockRuntime{}
	env, err := NewContainerEnvironment(testOptions(), rt)
	if err != nil {
		t.Fatalf("new environment: %v", err)
	}

	if err := env.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if !env.IsReady() {
		t.Error("environment must report ready after setup")
	}
	if len(rt.created) != 1 || len(rt.started) != 1 {
		t.Fatalf("expected one create and one start, got %d/%d", len(rt.created), len(rt.started))
	}

	spec := rt.created[0]
	if spec.Name != "kiln-web-1-abcd1234" || spec.Image != "debian:12" {
		t.Errorf("spec not built from options: %+v", spec)
	}
	if spec.Labels["kiln.managed"] != "true" {
		t.Error("managed label missing")
	}
}

func TestSetupStartFailureRollsBack(t *testing.T) {
	rt := &mockRuntime{startErr: errors.New("port already bound")}
	env, _ := NewContainerEnvironment(testOptions(), rt)

	err := env.Setup(context.Background())
	if err == nil {
		t.Fatal("expected setup failure")
	}
	if !IsSetupError(err) {
		t.Errorf("start failure must classify as setup error, got %v", err)
	}
	if env.IsReady() {
		t.Error("environment must not be ready after a failed setup")
	}
	if len(rt.removed) != 1 {
		t.Errorf("created container must be removed on start failure, got %d removals", len(rt.removed))
	}
	if env.Handle() != "" {
		t.Error("handle must be cleared after rollback")
	}
}

func TestSetupTwiceIsRejected(t *testing.T) {
	env, _ := NewContainerEnvironment(testOptions(), &mockRuntime{})
	ctx := context.Background()

	if err := env.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := env.Setup(ctx); err == nil {
		t.Error("second setup on a live environment must fail")
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	rt := &mockRuntime{}
	env, _ := NewContainerEnvironment(testOptions(), rt)
	ctx := context.Background()

	// Teardown before setup is a no-op.
	if err := env.Teardown(ctx); err != nil {
		t.Fatalf("teardown before setup: %v", err)
	}

	if err := env.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := env.Teardown(ctx); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if env.IsReady() {
		t.Error("environment must not be ready after teardown")
	}
	if err := env.Teardown(ctx); err != nil {
		t.Fatalf("second teardown: %v", err)
	}
	if len(rt.stopped) != 1 || len(rt.removed) != 1 {
		t.Errorf("expected exactly one stop and one remove, got %d/%d", len(rt.stopped), len(rt.removed))
	}
}

func TestTeardownRemoveFailureIsCleanupError(t *testing.T) {
	rt := &mockRuntime{removeErr: errors.New("device busy")}
	env, _ := NewContainerEnvironment(testOptions(), rt)
	ctx := context.Background()

	if err := env.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	err := env.Teardown(ctx)
	if err == nil {
		t.Fatal("expected teardown failure")
	}
	if !IsCleanupError(err) {
		t.Errorf("remove failure must classify as cleanup error, got %v", err)
	}
}

func TestExecuteRequiresRunningContainer(t *testing.T) {
	env, _ := NewContainerEnvironment(testOptions(), &mockRuntime{})

	if _, err := env.Execute(context.Background(), "true", ExecOptions{}); err == nil {
		t.Error("execute before setup must fail")
	}

	if err := env.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	res, err := env.Execute(context.Background(), "uname -a", ExecOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("unexpected exit code %d", res.ExitCode)
	}
}

func TestSnapshotterFor(t *testing.T) {
	env, _ := NewContainerEnvironment(testOptions(), &mockRuntime{})

	snap := SnapshotterFor(env)
	if _, ok := snap.(NoopSnapshotter); !ok {
		t.Errorf("container fixtures get the no-op snapshotter, got %T", snap)
	}
	if err := snap.CreateSnapshot(context.Background(), "base"); err != nil {
		t.Errorf("no-op snapshot must succeed: %v", err)
	}
}
