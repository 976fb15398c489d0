package orchestrator

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// conceptEntry is one accumulated concept with its decayed strength and the
// last time it was reinforced.
type conceptEntry struct {
	Strength    float64
	LastTouched time.Time
}

// ConceptSnapshot is one concept/strength pair in a result snapshot.
type ConceptSnapshot struct {
	Concept  string  `json:"concept"`
	Strength float64 `json:"strength"`
}

// session is the per-session mutable relevance state (the "scanning ball").
// The mutex serializes concurrent turns for the same session; different
// sessions are fully independent.
type session struct {
	mu        sync.Mutex
	concepts  map[string]conceptEntry
	reasoning []string
}

func newSession() *session {
	return &session{concepts: make(map[string]conceptEntry)}
}

// cloneConcepts copies the concept map so a turn can mutate a working copy
// and commit only on success. Partial application of decay without reinforce
// would corrupt future scoring.
func (s *session) cloneConcepts() map[string]conceptEntry {
	out := make(map[string]conceptEntry, len(s.concepts))
	for k, v := range s.concepts {
		out[k] = v
	}
	return out
}

func (s *session) commit(concepts map[string]conceptEntry, reasoning string, maxHistory int) {
	s.concepts = concepts
	s.reasoning = append(s.reasoning, reasoning)
	for len(s.reasoning) > maxHistory {
		s.reasoning = s.reasoning[1:]
	}
}

func (s *session) reasoningSnapshot() []string {
	return append([]string(nil), s.reasoning...)
}

// snapshotConcepts renders a concept map sorted by strength descending, with
// an alphabetical tie-break for determinism.
func snapshotConcepts(concepts map[string]conceptEntry) []ConceptSnapshot {
	out := make([]ConceptSnapshot, 0, len(concepts))
	for k, v := range concepts {
		out = append(out, ConceptSnapshot{Concept: k, Strength: v.Strength})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].Concept < out[j].Concept
	})
	return out
}

// sessionRegistry hands out per-session state, bounded by an LRU standing in
// for the external session-expiry policy.
type sessionRegistry struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *session]
}

func newSessionRegistry(maxSessions int) (*sessionRegistry, error) {
	cache, err := lru.New[string, *session](maxSessions)
	if err != nil {
		return nil, err
	}
	return &sessionRegistry{cache: cache}, nil
}

func (r *sessionRegistry) get(sessionID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.cache.Get(sessionID); ok {
		return existing
	}
	s := newSession()
	r.cache.Add(sessionID, s)
	return s
}
