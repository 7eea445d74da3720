package efivar

import (
	efi "github.com/canonical/go-efilib"
)

// MemStore is an in-memory Store for tests and dry runs.
type MemStore struct {
	vars map[memKey][]byte
}

type memKey struct {
	guid efi.GUID
	name string
}

func NewMemStore() *MemStore {
	return &MemStore{vars: make(map[memKey][]byte)}
}

func (m *MemStore) Get(guid efi.GUID, name string) ([]byte, error) {
	data, ok := m.vars[memKey{guid, name}]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemStore) Set(guid efi.GUID, name string, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)
	m.vars[memKey{guid, name}] = stored
	return nil
}

func (m *MemStore) Delete(guid efi.GUID, name string) error {
	delete(m.vars, memKey{guid, name})
	return nil
}

// Len reports the number of stored variables.
func (m *MemStore) Len() int {
	return len(m.vars)
}
