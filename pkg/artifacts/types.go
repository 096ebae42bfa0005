package artifacts

import (
	"strings"
	"time"
)

// Type names one kind of captured artifact.
type Type string

const (
	// TypeTestOutput is the raw output of the test run itself.
	TypeTestOutput Type = "test_output"

	// TypeSystemState is basic host identity and uptime.
	TypeSystemState Type = "system_state"

	// TypeProcessList is the full process table. Failure captures only.
	TypeProcessList Type = "process_list"

	// TypeServiceLogs is the tail of the system journal. Failure captures
	// only.
	TypeServiceLogs Type = "service_logs"

	// TypeDiskUsage is filesystem usage. Failure captures only.
	TypeDiskUsage Type = "disk_usage"

	// TypeNetworkState is listening sockets and interface state. Failure
	// captures only.
	TypeNetworkState Type = "network_state"
)

// TestResult describes the run a collection documents.
type TestResult struct {
	// SessionID identifies the session the run belonged to.
	SessionID string

	// Success reports whether the run passed.
	Success bool

	// Duration is how long the run took.
	Duration time.Duration

	// Output is the run's captured output, stored as the test_output
	// artifact.
	Output string
}

// Collection is one captured artifact set.
type Collection struct {
	// ID uniquely identifies the collection.
	ID string

	// SessionID and Environment identify where it came from.
	SessionID   string
	Environment string

	// Success mirrors the test result the collection documents.
	Success bool

	// Archived reports whether the collection is a tar.gz archive rather
	// than a plain directory.
	Archived bool

	// Path is the collection's location under the artifact root.
	Path string

	// SizeBytes is the on-disk size.
	SizeBytes int64

	// Duration is the documented run's duration.
	Duration time.Duration

	// Types lists the artifact types captured.
	Types []Type

	// CreatedAt is the collection timestamp.
	CreatedAt time.Time
}

// Diff is a shallow comparison of two collections.
type Diff struct {
	// DurationDelta is second minus first.
	DurationDelta time.Duration

	// SizeDelta is second minus first, in bytes.
	SizeDelta int64

	// SuccessChanged reports whether the success flag flipped.
	SuccessChanged bool

	// OnlyInFirst and OnlyInSecond hold the artifact-type set difference.
	OnlyInFirst  []Type
	OnlyInSecond []Type
}

// joinTypes encodes a type list for the index column.
func joinTypes(types []Type) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

// splitTypes decodes the index column back into a type list.
func splitTypes(s string) []Type {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	types := make([]Type, len(parts))
	for i, p := range parts {
		types[i] = Type(p)
	}
	return types
}
