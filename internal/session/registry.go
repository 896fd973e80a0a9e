package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/interview-voice-lab/internal/logging"
	"github.com/interview-voice-lab/internal/metrics"
)

var (
	ErrExists   = errors.New("session: id already in use")
	ErrNotFound = errors.New("session: not found")
)

// Factory builds a session for id.
type Factory func(id string) *Session

// Registry tracks live sessions by ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	factory  Factory
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{sessions: make(map[string]*Session), factory: factory}
}

// Create starts and registers a new session. An empty id gets a random one.
func (r *Registry) Create(id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return nil, ErrExists
	}
	s := r.factory(id)
	r.sessions[id] = s
	r.mu.Unlock()

	metrics.SessionOpened()
	logging.Infow("session: opened", logging.SessionFields(id)...)
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns the IDs of live sessions in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Remove unregisters and closes a session.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	metrics.SessionClosed()
	logging.Infow("session: closed", logging.SessionFields(id)...)
	return s.Close()
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	for _, id := range r.List() {
		_ = r.Remove(id)
	}
}
