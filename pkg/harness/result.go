package harness

import (
	"time"

	"github.com/openfroyo/kiln/pkg/artifacts"
	"github.com/openfroyo/kiln/pkg/health"
	"github.com/openfroyo/kiln/pkg/idempotency"
)

// RunResult aggregates everything one environment run produced.
type RunResult struct {
	// Environment is the logical environment name.
	Environment string

	// InstanceName is the unique instance built for this run. Empty when
	// acquisition itself failed.
	InstanceName string

	// Success reports whether the run passed end to end. Cleanup failures
	// never flip this; they are recorded in the cleanup log instead.
	Success bool

	// Err is the fatal error that stopped the run, if any.
	Err error

	// Validations holds one result per validated recipe.
	Validations []*idempotency.Result

	// Health is the final health check result, when one ran.
	Health *health.Result

	// Collection is the artifact collection for this run, when capture
	// succeeded.
	Collection *artifacts.Collection

	// Duration is the wall time of the whole run.
	Duration time.Duration
}

// FailedValidations counts validations that did not pass.
func (r *RunResult) FailedValidations() int {
	n := 0
	for _, v := range r.Validations {
		if !v.Success() {
			n++
		}
	}
	return n
}
