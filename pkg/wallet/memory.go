package wallet

import (
	"context"
	"sync"
)

// MemoryStore keeps credentials in process. Used for local runs and tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]Credential{}}
}

func (m *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := validID(id); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[id]
	return ok, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Credential, error) {
	if err := validID(id); err != nil {
		return Credential{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) Put(ctx context.Context, id string, cred Credential) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := cred.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; ok {
		return &DuplicateIdentityError{ID: id}
	}
	if cred.Type == "" {
		cred.Type = TypeX509
	}
	m.items[id] = cred
	return nil
}
