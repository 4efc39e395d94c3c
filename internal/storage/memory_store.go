package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRelationStore keeps relations in process memory.
// Relations are lost on restart.
type MemoryRelationStore struct {
	mu        sync.RWMutex
	relations map[string]Relation
}

// NewMemoryRelationStore creates an empty in-memory store
func NewMemoryRelationStore() *MemoryRelationStore {
	return &MemoryRelationStore{relations: make(map[string]Relation)}
}

func (m *MemoryRelationStore) Get(_ context.Context, chatThreadID string) (Relation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rel, ok := m.relations[chatThreadID]
	return rel, ok, nil
}

func (m *MemoryRelationStore) Upsert(_ context.Context, chatThreadID, assistantSessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rel, ok := m.relations[chatThreadID]
	if !ok {
		rel = Relation{ChatThreadID: chatThreadID, CreatedAt: now}
	}
	rel.AssistantSessionID = assistantSessionID
	rel.UpdatedAt = now
	m.relations[chatThreadID] = rel
	return nil
}

func (m *MemoryRelationStore) Delete(_ context.Context, chatThreadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.relations, chatThreadID)
	return nil
}

func (m *MemoryRelationStore) List(_ context.Context, limit int) ([]Relation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	relations := make([]Relation, 0, len(m.relations))
	for _, rel := range m.relations {
		relations = append(relations, rel)
	}
	sort.Slice(relations, func(i, j int) bool {
		return relations[i].UpdatedAt.After(relations[j].UpdatedAt)
	})
	if limit > 0 && len(relations) > limit {
		relations = relations[:limit]
	}
	return relations, nil
}

func (m *MemoryRelationStore) Close() error {
	return nil
}
