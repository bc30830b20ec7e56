package ai

import (
	"context"
	"sync"

	"fieldscan/internal/logger"
)

// Backend is a compute execution context models run on.
type Backend interface {
	// Name identifies the backend, e.g. "cuda" or "cpu".
	Name() string
	// Init requests the backend and waits until it reports ready.
	Init(ctx context.Context) error
	// WarmUp runs one trivial operation to surface lazy initialization
	// failures and releases whatever it allocated before returning.
	WarmUp(ctx context.Context) error
	// Release frees the backend when it is not (or no longer) selected.
	Release() error
}

// BackendManager selects a backend from an ordered candidate list,
// accelerated backends first.
type BackendManager struct {
	candidates []Backend
	logger     *logger.Logger

	mu       sync.RWMutex
	active   Backend
	failures []AttemptError
}

func NewBackendManager(logger *logger.Logger, candidates ...Backend) *BackendManager {
	return &BackendManager{
		candidates: candidates,
		logger:     logger,
	}
}

// SelectBackend runs the fallback chain from scratch. The previously active
// backend stays active until this call replaces it.
func (m *BackendManager) SelectBackend(ctx context.Context) (Backend, error) {
	chain := make([]Candidate[Backend], 0, len(m.candidates))
	for _, b := range m.candidates {
		b := b
		chain = append(chain, Candidate[Backend]{
			Name: b.Name(),
			Try: func(ctx context.Context) (Backend, error) {
				return b, m.attempt(ctx, b)
			},
		})
	}

	selected, name, failures := FirstSuccess(ctx, chain)
	for _, f := range failures {
		m.logger.Warning("Backend %s failed to initialize: %v", f.Candidate, f.Err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.active
	m.failures = failures
	if selected == nil {
		m.active = nil
		if previous != nil {
			m.release(previous)
		}
		return nil, &BackendUnavailableError{Failures: failures}
	}

	m.active = selected
	if previous != nil && previous != selected {
		m.release(previous)
	}
	m.logger.Info("Compute backend %s initialized (%d candidate(s) failed)", name, len(failures))
	return selected, nil
}

// attempt runs one candidate. The benign legacy-backend warning is a soft
// warning in this window and does not fail the candidate.
func (m *BackendManager) attempt(ctx context.Context, b Backend) error {
	if err := m.soft(b, "init", b.Init(ctx)); err != nil {
		m.release(b)
		return err
	}
	if err := m.soft(b, "warm-up", b.WarmUp(ctx)); err != nil {
		m.release(b)
		return err
	}
	return nil
}

func (m *BackendManager) soft(b Backend, step string, err error) error {
	if IsBenignBackendWarning(err) {
		m.logger.Debug("Suppressed benign backend warning during %s of %s: %v", step, b.Name(), err)
		return nil
	}
	return err
}

func (m *BackendManager) release(b Backend) {
	if err := b.Release(); err != nil {
		m.logger.Debug("Releasing backend %s: %v", b.Name(), err)
	}
}

// Active returns the selected backend, or nil before a successful selection.
func (m *BackendManager) Active() Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// ActiveName returns the selected backend's name, or "none".
func (m *BackendManager) ActiveName() string {
	if b := m.Active(); b != nil {
		return b.Name()
	}
	return "none"
}

// Ready reports whether a backend is currently selected.
func (m *BackendManager) Ready() bool {
	return m.Active() != nil
}

// Failures returns the failures recorded by the last selection.
func (m *BackendManager) Failures() []AttemptError {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AttemptError, len(m.failures))
	copy(out, m.failures)
	return out
}

// Close releases the active backend.
func (m *BackendManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	err := m.active.Release()
	m.active = nil
	return err
}
