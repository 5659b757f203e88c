package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process SnapshotStore used by tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	metas map[string]*SnapshotMeta
	files map[string]map[string][]byte
	order map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		metas: make(map[string]*SnapshotMeta),
		files: make(map[string]map[string][]byte),
		order: make(map[string][]string),
	}
}

func storeKey(projectPath, environment, rollbackID string) string {
	return fmt.Sprintf("%s/%s/%s", projectPath, environment, rollbackID)
}

func scopeKey(projectPath, environment string) string {
	return fmt.Sprintf("%s/%s", projectPath, environment)
}

func (s *MemoryStore) StoreSnapshot(_ context.Context, projectPath, environment string, meta *SnapshotMeta, files map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(projectPath, environment, meta.RollbackID)
	clone := *meta
	s.metas[key] = &clone

	copied := make(map[string][]byte, len(files))
	for name, data := range files {
		buf := make([]byte, len(data))
		copy(buf, data)
		copied[name] = buf
	}
	s.files[key] = copied

	scope := scopeKey(projectPath, environment)
	s.order[scope] = append(s.order[scope], meta.RollbackID)
	return nil
}

func (s *MemoryStore) GetSnapshotMeta(_ context.Context, projectPath, environment, rollbackID string) (*SnapshotMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.metas[storeKey(projectPath, environment, rollbackID)]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	clone := *meta
	return &clone, nil
}

func (s *MemoryStore) GetSnapshotFile(_ context.Context, projectPath, environment, rollbackID, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, ok := s.files[storeKey(projectPath, environment, rollbackID)]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	data, ok := files[name]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return data, nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, projectPath, environment string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.order[scopeKey(projectPath, environment)]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

func (s *MemoryStore) DeleteSnapshot(_ context.Context, projectPath, environment, rollbackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(projectPath, environment, rollbackID)
	delete(s.metas, key)
	delete(s.files, key)

	scope := scopeKey(projectPath, environment)
	ids := s.order[scope]
	for i, id := range ids {
		if id == rollbackID {
			s.order[scope] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}
