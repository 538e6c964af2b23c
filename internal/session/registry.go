package session

import (
	"fmt"
	"sync"

	"github.com/squadlive/backend/internal/apperrors"
)

// Registry is the authoritative in-memory map of live sessions. Each
// session has its own lock, so same-session mutations are serialized
// (single-writer discipline) while different sessions proceed
// concurrently. Every external mutation goes through Mutate or
// MutatePair; callers only ever see deep clones.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	state *SessionState
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
	}
}

// Create registers a new session. The id must be unused.
func (r *Registry) Create(state *SessionState) error {
	return r.CreateBatch([]*SessionState{state})
}

// CreateBatch registers all given sessions or none of them. Used by
// bundle creation, where partial creation is not allowed.
func (r *Registry) CreateBatch(states []*SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range states {
		if s.ID == "" {
			return apperrors.New(apperrors.CodeValidation, "session id is required")
		}
		if _, exists := r.sessions[s.ID]; exists {
			return apperrors.New(apperrors.CodeValidation,
				fmt.Sprintf("session %s already exists", s.ID))
		}
	}
	for _, s := range states {
		c := s.Clone()
		c.recount()
		r.sessions[s.ID] = &entry{state: c}
	}
	return nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound,
			fmt.Sprintf("session %s not found", id))
	}
	return e, nil
}

// Get returns a deep clone of the session state.
func (r *Registry) Get(id string) (*SessionState, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), nil
}

// List returns clones of all sessions.
func (r *Registry) List() []*SessionState {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	result := make([]*SessionState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		result = append(result, e.state.Clone())
		e.mu.Unlock()
	}
	return result
}

// Mutate applies fn to the session under its exclusive lock, recomputes
// the derived counters, and returns a clone of the new state. If fn
// returns an error the state keeps whatever fn left in place, so fn must
// not partially mutate before failing.
func (r *Registry) Mutate(id string, fn func(*SessionState) error) (*SessionState, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.state); err != nil {
		return nil, err
	}
	e.state.recount()
	return e.state.Clone(), nil
}

// MutatePair applies fn to two sessions under both locks, taken in id
// order to avoid deadlock. No reader or writer of either session can
// observe a point between the two mutations; this is what makes a
// cross-session participant move atomic.
func (r *Registry) MutatePair(aID, bID string, fn func(a, b *SessionState) error) (*SessionState, *SessionState, error) {
	if aID == bID {
		return nil, nil, apperrors.New(apperrors.CodeValidation, "sessions must differ")
	}
	ea, err := r.lookup(aID)
	if err != nil {
		return nil, nil, err
	}
	eb, err := r.lookup(bID)
	if err != nil {
		return nil, nil, err
	}

	first, second := ea, eb
	if bID < aID {
		first, second = eb, ea
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if err := fn(ea.state, eb.state); err != nil {
		return nil, nil, err
	}
	ea.state.recount()
	eb.state.recount()
	return ea.state.Clone(), eb.state.Clone(), nil
}

// GetPair returns clones of two sessions taken under both locks (in id
// order, like MutatePair), so a reader cannot observe a half-applied
// pair mutation.
func (r *Registry) GetPair(aID, bID string) (*SessionState, *SessionState, error) {
	if aID == bID {
		return nil, nil, apperrors.New(apperrors.CodeValidation, "sessions must differ")
	}
	ea, err := r.lookup(aID)
	if err != nil {
		return nil, nil, err
	}
	eb, err := r.lookup(bID)
	if err != nil {
		return nil, nil, err
	}

	first, second := ea, eb
	if bID < aID {
		first, second = eb, ea
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	return ea.state.Clone(), eb.state.Clone(), nil
}

// Remove deletes a session from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveCount returns the number of non-terminal sessions.
func (r *Registry) ActiveCount() int {
	count := 0
	for _, s := range r.List() {
		if !s.Status.IsTerminal() {
			count++
		}
	}
	return count
}
