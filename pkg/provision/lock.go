package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

// lockFileName is the provisioning lock inside a state directory.
const lockFileName = "provision.lock"

// DefaultLockStaleness is how old a held lock file may be before it is
// treated as abandoned by a crashed holder and cleared. Configurable via
// Config.LockStaleness.
const DefaultLockStaleness = 30 * time.Minute

// StateLock serializes provisioning attempts against one state directory
// across processes. It is a file lock with staleness override: a lock whose
// file has not been touched within the staleness window is assumed to belong
// to a dead process and is broken.
type StateLock struct {
	path      string
	staleness time.Duration
	fl        *flock.Flock
}

// NewStateLock creates a lock for the given state directory.
func NewStateLock(stateDir string, staleness time.Duration) *StateLock {
	if staleness <= 0 {
		staleness = DefaultLockStaleness
	}
	path := filepath.Join(stateDir, lockFileName)
	return &StateLock{
		path:      path,
		staleness: staleness,
		fl:        flock.New(path),
	}
}

// Acquire takes the lock, blocking with retries until the context is done.
// If the lock is held but its file is older than the staleness window, the
// stale file is removed and acquisition retried.
func (l *StateLock) Acquire(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	for {
		locked, err := l.fl.TryLock()
		if err != nil {
			return fmt.Errorf("failed to attempt provision lock: %w", err)
		}
		if locked {
			// Touch the file so other processes see a fresh hold time.
			now := time.Now()
			_ = os.Chtimes(l.path, now, now)
			return nil
		}

		if l.breakIfStale() {
			continue
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("provision lock on %s not acquired: %w", l.path, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// breakIfStale removes the lock file when it exceeds the staleness window.
// Returns true when a stale lock was cleared.
func (l *StateLock) breakIfStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	age := time.Since(info.ModTime())
	if age < l.staleness {
		return false
	}

	log.Warn().
		Str("path", l.path).
		Dur("age", age).
		Dur("staleness_window", l.staleness).
		Msg("breaking stale provision lock")

	if err := os.Remove(l.path); err != nil {
		log.Error().Str("path", l.path).Err(err).Msg("failed to remove stale lock")
		return false
	}
	// A fresh flock handle is needed once the underlying file is gone.
	l.fl = flock.New(l.path)
	return true
}

// Release drops the lock. Safe to call when not held.
func (l *StateLock) Release() {
	if err := l.fl.Unlock(); err != nil {
		log.Warn().Str("path", l.path).Err(err).Msg("failed to release provision lock")
	}
}
