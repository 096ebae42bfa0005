package idempotency

import (
	"context"
	"strings"

	"github.com/openfroyo/kiln/pkg/fixture"
)

// ChangeRecord describes one change a recipe apply made.
type ChangeRecord struct {
	// Resource identifies what changed, in engine-specific terms.
	Resource string

	// Action is the change kind (created, updated, deleted, ...).
	Action string

	// Detail carries any extra engine output for the change.
	Detail string
}

// ApplyReport is the outcome of one recipe apply.
type ApplyReport struct {
	// ExitCode is the engine's exit code. Non-zero on the first apply is
	// fatal to validation.
	ExitCode int

	// Output is the engine's raw combined output.
	Output string

	// Changes is the engine's machine-readable change list, when the
	// engine produces one. Nil means the engine does not report changes
	// structurally and the raw output must be scanned instead.
	Changes []ChangeRecord
}

// RecipeEngine applies recipes to an environment. The harness stays
// agnostic of recipe syntax and semantics; this is the entire surface it
// depends on.
type RecipeEngine interface {
	// Apply runs the recipe against the environment. When dryRun is true
	// the engine must only report what it would change.
	Apply(ctx context.Context, env fixture.Environment, recipePath string, attrs map[string]string, dryRun bool) (*ApplyReport, error)
}

// changeKeywords are the verbs scanned for in raw engine output when no
// structural change list is available.
var changeKeywords = []string{"created", "updated", "changed", "deleted", "modified"}

// reportedChanges extracts the changes from an apply report. A structural
// change list is authoritative; otherwise the raw output is scanned for
// change verbs and diff-style lines.
func reportedChanges(report *ApplyReport) []ChangeRecord {
	if report.Changes != nil {
		return report.Changes
	}
	return scanOutput(report.Output)
}

// scanOutput finds change indications in raw engine output.
func scanOutput(output string) []ChangeRecord {
	var changes []ChangeRecord
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if isDiffLine(trimmed) {
			changes = append(changes, ChangeRecord{Action: "diff", Detail: trimmed})
			continue
		}

		lower := strings.ToLower(trimmed)
		for _, keyword := range changeKeywords {
			if strings.Contains(lower, keyword) {
				changes = append(changes, ChangeRecord{Action: keyword, Detail: trimmed})
				break
			}
		}
	}
	return changes
}

// isDiffLine reports whether a line looks like unified-diff content.
// File headers (+++/---) are not changes by themselves.
func isDiffLine(line string) bool {
	if strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---") {
		return false
	}
	return strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-")
}
