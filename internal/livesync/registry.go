package livesync

import (
	"sync"

	"vitalsync/internal/logger"
)

// Registry hands out one Sync per subject so that every consumer of a
// subject shares the same live channel.
type Registry struct {
	logger logger.Logger

	mu    sync.Mutex
	syncs map[string]*Sync
}

func NewRegistry(log logger.Logger) *Registry {
	return &Registry{logger: log, syncs: make(map[string]*Sync)}
}

// GetOrCreate returns the Sync for subjectID, building it from cfg on
// first use. cfg is ignored when the subject already has one.
func (r *Registry) GetOrCreate(subjectID string, cfg Config) (*Sync, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.syncs[subjectID]; ok {
		return s, nil
	}
	cfg.SubjectID = subjectID
	s, err := New(cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.syncs[subjectID] = s
	return s, nil
}

func (r *Registry) Get(subjectID string) (*Sync, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.syncs[subjectID]
	return s, ok
}

// Remove closes and forgets the subject's Sync. It reports whether there
// was one.
func (r *Registry) Remove(subjectID string) bool {
	r.mu.Lock()
	s, ok := r.syncs[subjectID]
	delete(r.syncs, subjectID)
	r.mu.Unlock()

	if ok {
		s.Close()
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.syncs)
}

// Close closes every Sync. The Registry stays usable afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	syncs := r.syncs
	r.syncs = make(map[string]*Sync)
	r.mu.Unlock()

	for _, s := range syncs {
		s.Close()
	}
}
