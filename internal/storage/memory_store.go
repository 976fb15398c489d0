// Package storage provides conversation persistence implementations of the
// ports.MessageStore contract. Real backends are external collaborators;
// this in-memory store backs tests and single-process runs.
package storage

import (
	"context"
	"sync"

	"orbit/internal/agent/ports"
)

// InMemoryStore is a lightweight MessageStore implementation.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]ports.Message
}

// NewInMemoryStore constructs an in-memory message store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{messages: make(map[string][]ports.Message)}
}

func (s *InMemoryStore) StoreMessage(_ context.Context, sessionID string, msg ports.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return nil
}

func (s *InMemoryStore) QueryMessages(_ context.Context, sessionID string, limit int) ([]ports.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.messages[sessionID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]ports.Message(nil), history...), nil
}
