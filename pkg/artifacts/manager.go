package artifacts

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/kiln/pkg/fixture"
	"github.com/openfroyo/kiln/pkg/stores"
)

// Config controls artifact collection and retention.
type Config struct {
	// Root is the artifact repository root directory.
	Root string `yaml:"root" validate:"required"`

	// MaxPerEnvironment bounds the per-environment collection history.
	MaxPerEnvironment int `yaml:"max_per_environment"`

	// MaxTotalBytes caps the repository size. Zero disables the cap.
	MaxTotalBytes int64 `yaml:"max_total_bytes"`
}

// DefaultConfig returns artifact defaults.
func DefaultConfig() Config {
	return Config{
		Root:              "/tmp/kiln/artifacts",
		MaxPerEnvironment: 100,
	}
}

// Manager captures artifact collections and maintains the repository.
type Manager struct {
	config Config
	store  *stores.SQLiteStore
}

// NewManager creates an artifact manager backed by the given index store.
func NewManager(config Config, store *stores.SQLiteStore) (*Manager, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if config.MaxPerEnvironment <= 0 {
		config.MaxPerEnvironment = DefaultConfig().MaxPerEnvironment
	}
	if err := os.MkdirAll(config.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &Manager{config: config, store: store}, nil
}

// Collect captures artifacts from the environment for the given test
// result. Failed runs get the expanded capture set and a content-addressed
// tar.gz archive; successful runs keep a minimal uncompressed directory.
func (m *Manager) Collect(ctx context.Context, env fixture.Environment, result *TestResult) (*Collection, error) {
	staging, err := os.MkdirTemp(m.config.Root, "staging-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	types := capture(ctx, env, result, staging)

	col := &Collection{
		ID:          uuid.New().String(),
		SessionID:   result.SessionID,
		Environment: env.Name(),
		Success:     result.Success,
		Duration:    result.Duration,
		Types:       types,
		CreatedAt:   time.Now().UTC(),
	}

	if result.Success {
		dest := filepath.Join(m.config.Root, "collections", col.ID)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create collections directory: %w", err)
		}
		if err := os.Rename(staging, dest); err != nil {
			return nil, fmt.Errorf("failed to place collection: %w", err)
		}
		col.Path = dest
		col.SizeBytes = treeSize(dest)
	} else {
		tmpArchive := filepath.Join(m.config.Root, col.ID+".tar.gz.partial")
		hash, size, err := archiveDir(staging, tmpArchive)
		if err != nil {
			_ = os.Remove(tmpArchive)
			return nil, err
		}
		dest := filepath.Join(m.config.Root, "blobs", hash[:2], hash+".tar.gz")
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			_ = os.Remove(tmpArchive)
			return nil, fmt.Errorf("failed to create blob directory: %w", err)
		}
		if err := os.Rename(tmpArchive, dest); err != nil {
			_ = os.Remove(tmpArchive)
			return nil, fmt.Errorf("failed to place archive: %w", err)
		}
		col.Archived = true
		col.Path = dest
		col.SizeBytes = size
	}

	if err := m.store.InsertCollection(ctx, toRecord(col)); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", col.Environment).
		Str("collection", col.ID).
		Bool("archived", col.Archived).
		Str("size", humanize.IBytes(uint64(col.SizeBytes))).
		Msg("collected artifacts")

	m.trimHistory(ctx, col.Environment)
	return col, nil
}

// Get returns one collection by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Collection, error) {
	rec, err := m.store.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

// Search queries the collection index.
func (m *Manager) Search(ctx context.Context, filter stores.CollectionFilter) ([]*Collection, error) {
	recs, err := m.store.ListCollections(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Collection, len(recs))
	for i, rec := range recs {
		out[i] = fromRecord(rec)
	}
	return out, nil
}

// EnforceStorageLimit deletes collections oldest-first until the indexed
// repository size is at or under limitBytes. It returns how many
// collections were removed and the bytes freed.
func (m *Manager) EnforceStorageLimit(ctx context.Context, limitBytes int64) (int, int64, error) {
	if limitBytes <= 0 {
		return 0, 0, nil
	}

	recs, err := m.store.OldestCollections(ctx)
	if err != nil {
		return 0, 0, err
	}

	var total int64
	for _, rec := range recs {
		total += rec.SizeBytes
	}

	removed := 0
	var freed int64
	for _, rec := range recs {
		if total <= limitBytes {
			break
		}
		if err := m.deleteCollection(ctx, rec); err != nil {
			return removed, freed, err
		}
		total -= rec.SizeBytes
		freed += rec.SizeBytes
		removed++
	}

	if removed > 0 {
		log.Info().
			Int("removed", removed).
			Str("freed", humanize.IBytes(uint64(freed))).
			Msg("enforced artifact storage limit")
	}
	return removed, freed, nil
}

// Compare produces a shallow diff of two collections.
func (m *Manager) Compare(ctx context.Context, id1, id2 string) (*Diff, error) {
	first, err := m.Get(ctx, id1)
	if err != nil {
		return nil, err
	}
	second, err := m.Get(ctx, id2)
	if err != nil {
		return nil, err
	}

	diff := &Diff{
		DurationDelta:  second.Duration - first.Duration,
		SizeDelta:      second.SizeBytes - first.SizeBytes,
		SuccessChanged: first.Success != second.Success,
	}

	inFirst := make(map[Type]bool, len(first.Types))
	for _, t := range first.Types {
		inFirst[t] = true
	}
	inSecond := make(map[Type]bool, len(second.Types))
	for _, t := range second.Types {
		inSecond[t] = true
	}
	for _, t := range first.Types {
		if !inSecond[t] {
			diff.OnlyInFirst = append(diff.OnlyInFirst, t)
		}
	}
	for _, t := range second.Types {
		if !inFirst[t] {
			diff.OnlyInSecond = append(diff.OnlyInSecond, t)
		}
	}
	return diff, nil
}

// trimHistory keeps each environment's collection history bounded. Trim
// failures are logged, not raised; the new collection is already safe.
func (m *Manager) trimHistory(ctx context.Context, environment string) {
	recs, err := m.store.ListCollections(ctx, stores.CollectionFilter{Environment: environment})
	if err != nil {
		log.Warn().Err(err).Msg("failed to list collections for history trim")
		return
	}
	if len(recs) <= m.config.MaxPerEnvironment {
		return
	}
	// ListCollections returns newest first.
	for _, rec := range recs[m.config.MaxPerEnvironment:] {
		if err := m.deleteCollection(ctx, rec); err != nil {
			log.Warn().Err(err).Str("collection", rec.ID).Msg("failed to trim collection")
		}
	}
}

// deleteCollection removes a collection's files and its index row.
func (m *Manager) deleteCollection(ctx context.Context, rec *stores.CollectionRecord) error {
	if err := os.RemoveAll(rec.Path); err != nil {
		return fmt.Errorf("failed to remove collection files: %w", err)
	}
	return m.store.DeleteCollection(ctx, rec.ID)
}

// toRecord converts a collection for the index.
func toRecord(col *Collection) *stores.CollectionRecord {
	return &stores.CollectionRecord{
		ID:            col.ID,
		SessionID:     col.SessionID,
		Environment:   col.Environment,
		Success:       col.Success,
		Archived:      col.Archived,
		Path:          col.Path,
		SizeBytes:     col.SizeBytes,
		DurationMS:    col.Duration.Milliseconds(),
		ArtifactTypes: joinTypes(col.Types),
		CreatedAt:     col.CreatedAt,
	}
}

// fromRecord converts an index row back to a collection.
func fromRecord(rec *stores.CollectionRecord) *Collection {
	return &Collection{
		ID:          rec.ID,
		SessionID:   rec.SessionID,
		Environment: rec.Environment,
		Success:     rec.Success,
		Archived:    rec.Archived,
		Path:        rec.Path,
		SizeBytes:   rec.SizeBytes,
		Duration:    time.Duration(rec.DurationMS) * time.Millisecond,
		Types:       splitTypes(rec.ArtifactTypes),
		CreatedAt:   rec.CreatedAt,
	}
}

// treeSize sums regular file sizes under root.
func treeSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // size is advisory
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
