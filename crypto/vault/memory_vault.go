package vault

import (
	"crypto/rand"
	"os"
	"sync"
)

type memorySealedEntry struct {
	salt       []byte
	nonce      []byte
	ciphertext []byte
}

// MemoryVault is an in-process Vault used by tests and by short-lived
// ephemeral identities that never persist to disk.
type MemoryVault struct {
	entries map[string]memorySealedEntry
	mu      sync.RWMutex
}

// NewMemoryVault creates an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{entries: make(map[string]memorySealedEntry)}
}

// StoreEncrypted seals key the same way FileVault does, keeping the result
// only in process memory.
func (m *MemoryVault) StoreEncrypted(keyID string, key []byte, passphrase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keyID == "" {
		return ErrInvalidKeyID
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	aead, err := newSealAEAD(passphrase, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	m.entries[keyID] = memorySealedEntry{
		salt:       salt,
		nonce:      nonce,
		ciphertext: aead.Seal(nil, nonce, key, nil),
	}
	return nil
}

// LoadDecrypted unseals keyID with passphrase.
func (m *MemoryVault) LoadDecrypted(keyID string, passphrase string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if keyID == "" {
		return nil, ErrInvalidKeyID
	}
	entry, ok := m.entries[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}

	aead, err := newSealAEAD(passphrase, entry.salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, entry.nonce, entry.ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return plaintext, nil
}

// SetPermissions is a no-op for MemoryVault; there is no file to chmod.
func (m *MemoryVault) SetPermissions(keyID string, mode os.FileMode) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.entries[keyID]; !ok {
		return ErrKeyNotFound
	}
	return nil
}

// Delete removes keyID from the vault.
func (m *MemoryVault) Delete(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keyID == "" {
		return ErrInvalidKeyID
	}
	if _, ok := m.entries[keyID]; !ok {
		return ErrKeyNotFound
	}
	delete(m.entries, keyID)
	return nil
}

// Exists reports whether keyID is sealed in the vault.
func (m *MemoryVault) Exists(keyID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[keyID]
	return ok
}

// ListKeys returns the key IDs currently sealed in the vault.
func (m *MemoryVault) ListKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}
