package stores

import "time"

// CollectionRecord indexes one artifact collection.
type CollectionRecord struct {
	// ID is the collection's unique identifier.
	ID string `json:"id"`

	// SessionID groups collections from one multi-environment test run.
	SessionID string `json:"session_id"`

	// Environment is the logical environment name.
	Environment string `json:"environment"`

	// Success records whether the associated test run passed.
	Success bool `json:"success"`

	// Archived indicates the collection was bundled into a tar.gz.
	Archived bool `json:"archived"`

	// Path is the collection's root on disk.
	Path string `json:"path"`

	// SizeBytes is the total size of the collection on disk.
	SizeBytes int64 `json:"size_bytes"`

	// DurationMS is the associated test run duration in milliseconds.
	DurationMS int64 `json:"duration_ms"`

	// ArtifactTypes lists the artifact kinds captured, comma-joined.
	ArtifactTypes string `json:"artifact_types"`

	// CreatedAt is when the collection was captured.
	CreatedAt time.Time `json:"created_at"`
}

// CollectionFilter narrows collection queries. Zero values match everything.
type CollectionFilter struct {
	SessionID   string
	Environment string
	Success     *bool
	Since       time.Time
	Limit       int
}

// CleanupRecord is one entry of the cleanup operation log.
type CleanupRecord struct {
	// ID is assigned by the store.
	ID int64 `json:"id"`

	// OpType is the cleanup operation kind (environment, age, limits,
	// emergency, storage).
	OpType string `json:"op_type"`

	// Environment is the environment cleaned, when applicable.
	Environment string `json:"environment,omitempty"`

	// Success records whether the teardown attempt fully succeeded.
	Success bool `json:"success"`

	// BytesFreed is how much disk space the operation reclaimed.
	BytesFreed int64 `json:"bytes_freed"`

	// Error carries the failure detail for unsuccessful operations.
	Error string `json:"error,omitempty"`

	// CreatedAt is when the operation ran.
	CreatedAt time.Time `json:"created_at"`
}

// CleanupStats aggregates the operation log for auditing.
type CleanupStats struct {
	TotalOperations int64 `json:"total_operations"`
	Failures        int64 `json:"failures"`
	TotalBytesFreed int64 `json:"total_bytes_freed"`
}
