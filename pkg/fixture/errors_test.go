package fixture

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestErrorClassPredicates(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"setup", NewSetupError("boom", nil), IsSetupError},
		{"health", NewHealthError("boom", nil), IsHealthError},
		{"validation", NewValidationError("boom", nil), IsValidationError},
		{"resources", NewResourceError("boom", nil), IsResourceError},
		{"cleanup", NewCleanupError("boom", nil), IsCleanupError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("predicate rejected its own class")
			}
			// Each error belongs to exactly one class.
			matches := 0
			for _, other := range tests {
				if other.check(tt.err) {
					matches++
				}
			}
			if matches != 1 {
				t.Errorf("error matched %d classes", matches)
			}
		})
	}
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	wrapped := NewSetupError("container start", os.ErrPermission)
	if !IsSetupError(wrapped) {
		t.Error("classification lost")
	}
	if !errors.Is(wrapped, os.ErrPermission) {
		t.Error("underlying cause must unwrap")
	}
	if IsSetupError(os.ErrPermission) {
		t.Error("unclassified error must not match any class")
	}
	if IsSetupError(nil) {
		t.Error("nil must not classify")
	}
}

func TestErrorMessageIncludesContext(t *testing.T) {
	err := NewHealthError("service down", errors.New("connection refused")).
		WithEnvironment("web").
		WithOperation("health_check")

	msg := err.Error()
	for _, want := range []string{"[health]", "service down", "environment=web", "operation=health_check", "connection refused"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestIsMatchesOnClass(t *testing.T) {
	err := NewResourceError("no free slot", nil).WithEnvironment("web")
	if !errors.Is(err, &HarnessError{Class: ErrorClassResources}) {
		t.Error("errors.Is must match on class alone")
	}
	if errors.Is(err, &HarnessError{Class: ErrorClassSetup}) {
		t.Error("errors.Is must not match across classes")
	}
}
