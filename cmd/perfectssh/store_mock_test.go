package main

import (
	"sync"

	"github.com/perfectssh/perfectssh/internal/keyring"
)

// MockStore is an in-memory keyring.Store.
type MockStore struct {
	mu      sync.Mutex
	secrets map[string]string
	saveErr error
}

func NewMockStore() *MockStore {
	return &MockStore{secrets: make(map[string]string)}
}

func (m *MockStore) Save(ref, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.secrets[ref] = secret
	return nil
}

func (m *MockStore) Get(ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	secret, ok := m.secrets[ref]
	if !ok {
		return "", keyring.ErrCredentialNotFound
	}
	return secret, nil
}

func (m *MockStore) Delete(ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[ref]; !ok {
		return keyring.ErrCredentialNotFound
	}
	delete(m.secrets, ref)
	return nil
}
