package harness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/kiln/pkg/config"
	"github.com/openfroyo/kiln/pkg/telemetry"
)

// Session groups one multi-environment run. Environments run concurrently;
// the isolation manager's slot table bounds actual parallelism.
type Session struct {
	// ID uniquely identifies the session across runs and artifacts.
	ID string

	manager      *Manager
	environments []config.EnvironmentConfig

	mu      sync.Mutex
	results []*RunResult
}

// NewSession creates a session over the configured environments.
func (m *Manager) NewSession(environments []config.EnvironmentConfig) *Session {
	return &Session{
		ID:           uuid.New().String(),
		manager:      m,
		environments: environments,
	}
}

// Run executes every environment and returns all results. It never
// returns early: a failing environment does not stop its siblings.
func (s *Session) Run(ctx context.Context) []*RunResult {
	start := time.Now()
	ctx, span := s.manager.tracer.StartSessionSpan(ctx, s.ID)
	defer span.End()

	log.Info().
		Str("session", s.ID).
		Int("environments", len(s.environments)).
		Msg("session starting")

	var wg sync.WaitGroup
	for _, envCfg := range s.environments {
		wg.Add(1)
		go func(envCfg config.EnvironmentConfig) {
			defer wg.Done()
			result := s.manager.RunEnvironment(ctx, s.ID, envCfg)
			s.mu.Lock()
			s.results = append(s.results, result)
			s.mu.Unlock()
		}(envCfg)
	}
	wg.Wait()

	failed := 0
	for _, r := range s.results {
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		telemetry.RecordError(span, &sessionError{failed: failed})
	} else {
		telemetry.RecordSuccess(span)
	}

	log.Info().
		Str("session", s.ID).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("session finished")
	return s.Results()
}

// Results returns a copy of the results collected so far.
func (s *Session) Results() []*RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RunResult, len(s.results))
	copy(out, s.results)
	return out
}

// Success reports whether every environment passed.
func (s *Session) Success() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results {
		if !r.Success {
			return false
		}
	}
	return true
}

// sessionError summarizes session failure for the trace span.
type sessionError struct {
	failed int
}

func (e *sessionError) Error() string {
	return fmt.Sprintf("%d environment(s) failed", e.failed)
}
