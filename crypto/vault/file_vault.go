package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// FileVault seals key material to individual JSON files under a base
// directory, one file per key ID.
type FileVault struct {
	basePath string
	mu       sync.RWMutex
}

// NewFileVault creates a file-backed vault rooted at basePath, creating the
// directory (mode 0700) if it does not already exist.
func NewFileVault(basePath string) (*FileVault, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("vault: create directory: %w", err)
	}
	return &FileVault{basePath: basePath}, nil
}

// StoreEncrypted seals key with a passphrase-derived XChaCha20-Poly1305 key
// and writes it to keyID.json with mode 0600.
func (v *FileVault) StoreEncrypted(keyID string, key []byte, passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if keyID == "" {
		return ErrInvalidKeyID
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("vault: generate salt: %w", err)
	}

	aead, err := newSealAEAD(passphrase, salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("vault: generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, key, nil)

	now := time.Now()
	blob := SealedBlob{
		Version:    "1",
		KeyID:      keyID,
		Algorithm:  sealedAlgorithm,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if existing, err := os.ReadFile(v.keyPath(keyID)); err == nil {
		var prior SealedBlob
		if json.Unmarshal(existing, &prior) == nil {
			blob.CreatedAt = prior.CreatedAt
		}
	}

	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshal sealed blob: %w", err)
	}

	if err := os.WriteFile(v.keyPath(keyID), data, 0600); err != nil {
		return fmt.Errorf("vault: write sealed blob: %w", err)
	}
	return nil
}

// LoadDecrypted reads and unseals keyID with passphrase.
func (v *FileVault) LoadDecrypted(keyID string, passphrase string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if keyID == "" {
		return nil, ErrInvalidKeyID
	}

	data, err := os.ReadFile(v.keyPath(keyID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("vault: read sealed blob: %w", err)
	}

	var blob SealedBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("vault: unmarshal sealed blob: %w", err)
	}

	return unsealBlob(blob, passphrase)
}

// SetPermissions changes the mode of keyID's sealed file.
func (v *FileVault) SetPermissions(keyID string, mode os.FileMode) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if keyID == "" {
		return ErrInvalidKeyID
	}
	if err := os.Chmod(v.keyPath(keyID), mode); err != nil {
		if os.IsNotExist(err) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("vault: chmod: %w", err)
	}
	return nil
}

// Delete removes keyID's sealed file.
func (v *FileVault) Delete(keyID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if keyID == "" {
		return ErrInvalidKeyID
	}
	if err := os.Remove(v.keyPath(keyID)); err != nil {
		if os.IsNotExist(err) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("vault: delete: %w", err)
	}
	return nil
}

// Exists reports whether keyID has a sealed file.
func (v *FileVault) Exists(keyID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if keyID == "" {
		return false
	}
	_, err := os.Stat(v.keyPath(keyID))
	return err == nil
}

// ListKeys returns the key IDs currently sealed in the vault.
func (v *FileVault) ListKeys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var ids []string
	entries, err := os.ReadDir(v.basePath)
	if err != nil {
		return ids
	}
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			ids = append(ids, e.Name()[:len(e.Name())-len(".json")])
		}
	}
	return ids
}

func (v *FileVault) keyPath(keyID string) string {
	return filepath.Join(v.basePath, filepath.Base(keyID)+".json")
}

func newSealAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, chacha20poly1305.KeySize, sha256.New)
	return chacha20poly1305.NewX(derived)
}

func unsealBlob(blob SealedBlob, passphrase string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(blob.Salt)
	if err != nil {
		return nil, fmt.Errorf("vault: decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(blob.Nonce)
	if err != nil {
		return nil, fmt.Errorf("vault: decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("vault: decode ciphertext: %w", err)
	}

	aead, err := newSealAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return plaintext, nil
}
