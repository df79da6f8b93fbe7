package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meditriage/triage-platform/internal/observability/metrics"
	"github.com/meditriage/triage-platform/pkg/logging"
)

const (
	defaultMaxIdle       = 30 * time.Minute
	defaultSweepInterval = 1 * time.Minute
)

// Registry is the concurrency-safe table of live sessions. It guarantees one
// Session object per identifier within the process and evicts idle sessions
// without touching their durable transcripts.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store   TranscriptStore
	gateway Converser
	reports ReportDispatcher
	logger  *logging.Logger
	metrics *metrics.TriageMetrics

	maxIdle       time.Duration
	sweepInterval time.Duration
}

// RegistryOption configures the registry.
type RegistryOption func(*Registry)

// WithMaxIdle overrides how long a session may sit inactive before eviction.
func WithMaxIdle(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.maxIdle = d
		}
	}
}

// WithSweepInterval overrides the eviction sweep cadence.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// NewRegistry builds a registry wiring every created session to the shared
// transcript store, model gateway and report dispatcher.
func NewRegistry(store TranscriptStore, gateway Converser, reports ReportDispatcher, logger *logging.Logger, m *metrics.TriageMetrics, opts ...RegistryOption) *Registry {
	if store == nil {
		panic("session: transcript store cannot be nil")
	}
	if gateway == nil {
		panic("session: gateway cannot be nil")
	}
	if reports == nil {
		panic("session: report dispatcher cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	r := &Registry{
		sessions:      make(map[string]*Session),
		store:         store,
		gateway:       gateway,
		reports:       reports,
		logger:        logger,
		metrics:       m,
		maxIdle:       defaultMaxIdle,
		sweepInterval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the live session for the identifier, creating and
// rehydrating it from the transcript store when absent. Concurrent callers
// for the same identifier receive the same Session object.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID, userID string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session: sessionID required")
	}

	r.mu.RLock()
	if s, ok := r.sessions[sessionID]; ok {
		// Touching under the registry lock pins the session against a
		// concurrent idle sweep, which re-checks idleness under the write
		// lock before deleting.
		s.touch()
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	// Load outside the registry lock so a slow store read does not serialize
	// unrelated sessions.
	turns, err := r.store.Read(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: rehydrate %s: %w", sessionID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		// Lost the creation race; the winner's session carries the state.
		s.touch()
		return s, nil
	}

	s := newSession(sessionID, userID, turns, r.store, r.gateway, r.reports, r.logger, r.metrics)
	r.sessions[sessionID] = s
	r.metrics.SetActiveSessions(len(r.sessions))
	r.logger.Info("session registered",
		"session_id", sessionID,
		"user_id", userID,
		"rehydrated_turns", len(turns),
	)
	return s, nil
}

// RecordUpload notes a document upload on the session's transcript, creating
// or rehydrating the session as needed.
func (r *Registry) RecordUpload(ctx context.Context, sessionID, userID, filename, url string) error {
	s, err := r.GetOrCreate(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	return s.RecordUpload(ctx, filename, url)
}

// Get returns a live session without creating one.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// EvictIdle frees sessions with no activity for maxIdle. Sessions mid-turn
// are skipped (the turn holds the session lock), and eviction never triggers
// report generation: the durable transcript is the only thing that survives.
func (r *Registry) EvictIdle(now time.Time) int {
	r.mu.RLock()
	candidates := make([]*Session, 0)
	for _, s := range r.sessions {
		if s.idleFor(now) > r.maxIdle {
			candidates = append(candidates, s)
		}
	}
	r.mu.RUnlock()

	evicted := 0
	for _, s := range candidates {
		if !s.mu.TryLock() {
			continue // turn in flight, not idle after all
		}
		s.mu.Unlock()

		// Membership and idleness re-checked under the write lock:
		// GetOrCreate touches sessions it hands out while holding the
		// registry lock, so a caller that just got this session either
		// refreshed it before this point or will miss it in the map after.
		r.mu.Lock()
		current, ok := r.sessions[s.id]
		if !ok || current != s || s.idleFor(now) <= r.maxIdle {
			r.mu.Unlock()
			continue
		}
		delete(r.sessions, s.id)
		r.mu.Unlock()
		evicted++
		r.logger.Info("session evicted after idle timeout", "session_id", s.id, "state", s.State())
	}

	if evicted > 0 {
		r.metrics.ObserveEviction(evicted)
		r.mu.RLock()
		r.metrics.SetActiveSessions(len(r.sessions))
		r.mu.RUnlock()
	}
	return evicted
}

// Run sweeps for idle sessions until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle(time.Now())
		}
	}
}
