package crypto

import "fmt"

// Manager provides centralized generation and storage of identity key pairs.
type Manager struct {
	storage KeyStorage
}

// NewManager creates a new crypto manager backed by the given storage.
func NewManager(storage KeyStorage) *Manager {
	return &Manager{storage: storage}
}

// SetStorage sets the key storage backend.
func (m *Manager) SetStorage(storage KeyStorage) {
	m.storage = storage
}

// GenerateKeyPair generates a new key pair of the specified type.
func (m *Manager) GenerateKeyPair(keyType KeyType) (KeyPair, error) {
	switch keyType {
	case KeyTypeEd25519:
		return GenerateEd25519KeyPair()
	case KeyTypeX25519:
		return GenerateX25519KeyPair()
	default:
		return nil, fmt.Errorf("unsupported key type: %s", keyType)
	}
}

// StoreKeyPair stores a key pair.
func (m *Manager) StoreKeyPair(keyPair KeyPair) error {
	return m.storage.Store(keyPair.ID(), keyPair)
}

// LoadKeyPair loads a key pair by ID.
func (m *Manager) LoadKeyPair(id string) (KeyPair, error) {
	return m.storage.Load(id)
}

// DeleteKeyPair deletes a key pair by ID.
func (m *Manager) DeleteKeyPair(id string) error {
	return m.storage.Delete(id)
}

// ListKeyPairs lists all stored key pair IDs.
func (m *Manager) ListKeyPairs() ([]string, error) {
	return m.storage.List()
}
