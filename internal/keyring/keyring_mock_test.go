package keyring

// mockStore is an in-memory Store for tests.
type mockStore struct {
	secrets map[string]string
}

func newMockStore() *mockStore {
	return &mockStore{secrets: make(map[string]string)}
}

func (m *mockStore) Save(ref, secret string) error {
	m.secrets[ref] = secret
	return nil
}

func (m *mockStore) Get(ref string) (string, error) {
	s, ok := m.secrets[ref]
	if !ok {
		return "", ErrCredentialNotFound
	}
	return s, nil
}

func (m *mockStore) Delete(ref string) error {
	delete(m.secrets, ref)
	return nil
}
