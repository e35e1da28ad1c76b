// Package vault provides passphrase-sealed storage for an identity's long
// term key material (the identity.sealed file described by the persisted
// node layout). Keys never touch disk in the clear: StoreEncrypted derives
// a wrapping key from the passphrase with PBKDF2 and seals the payload with
// XChaCha20-Poly1305.
package vault

import (
	"os"
	"time"
)

// Vault is the interface satisfied by FileVault and MemoryVault.
type Vault interface {
	StoreEncrypted(keyID string, key []byte, passphrase string) error
	LoadDecrypted(keyID string, passphrase string) ([]byte, error)
	SetPermissions(keyID string, mode os.FileMode) error
	Delete(keyID string) error
	Exists(keyID string) bool
	ListKeys() []string
}

// SealedBlob is the on-disk representation of an encrypted key.
type SealedBlob struct {
	Version    string    `json:"version"`
	KeyID      string    `json:"key_id"`
	Algorithm  string    `json:"algorithm"`
	Salt       string    `json:"salt"`
	Nonce      string    `json:"nonce"`
	Ciphertext string    `json:"ciphertext"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const sealedAlgorithm = "XChaCha20-Poly1305+PBKDF2-SHA256"

const pbkdf2Iterations = 100000
