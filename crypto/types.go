package crypto

import (
	"crypto"
	"errors"
	"time"
)

// KeyType identifies the algorithm a KeyPair implements.
type KeyType string

const (
	KeyTypeEd25519 KeyType = "Ed25519"
	KeyTypeX25519  KeyType = "X25519"
)

// KeyPair represents a cryptographic key pair. Ed25519 pairs sign and
// verify; X25519 pairs agree on a shared secret. Drift identities hold one
// of each.
type KeyPair interface {
	// PublicKey returns the public key.
	PublicKey() crypto.PublicKey

	// PrivateKey returns the private key.
	PrivateKey() crypto.PrivateKey

	// Type returns the key type.
	Type() KeyType

	// Sign signs the given message. X25519 pairs return ErrSignNotSupported.
	Sign(message []byte) ([]byte, error)

	// Verify verifies the signature. X25519 pairs return ErrVerifyNotSupported.
	Verify(message, signature []byte) error

	// ID returns a unique identifier for this key pair.
	ID() string
}

// KeyStorage provides secure storage for keys, keyed by an opaque ID.
type KeyStorage interface {
	Store(id string, keyPair KeyPair) error
	Load(id string) (KeyPair, error)
	Delete(id string) error
	List() ([]string, error)
	Exists(id string) bool
}

// KeyRotationConfig configures identity key rotation.
type KeyRotationConfig struct {
	// RotationInterval is the time between automatic rotations (unused by
	// Drift today — identities rotate only on explicit user action, but the
	// dial is kept for a future auto-rotation policy).
	RotationInterval time.Duration

	// MaxKeyAge is the maximum age for a key before rotation is recommended.
	MaxKeyAge time.Duration

	// KeepOldKeys determines if old keys should be retained after rotation.
	KeepOldKeys bool
}

// KeyRotationEvent records one rotation of a stored key.
type KeyRotationEvent struct {
	Timestamp time.Time
	OldKeyID  string
	NewKeyID  string
	Reason    string
}

// KeyRotator handles key rotation operations.
type KeyRotator interface {
	Rotate(id string) (KeyPair, error)
	SetRotationConfig(config KeyRotationConfig)
	GetRotationHistory(id string) ([]KeyRotationEvent, error)
}

// Common errors.
var (
	ErrKeyNotFound         = errors.New("key not found")
	ErrInvalidKeyType      = errors.New("invalid key type")
	ErrKeyExists           = errors.New("key already exists")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrSignNotSupported    = errors.New("key type does not support signing")
	ErrVerifyNotSupported  = errors.New("key type does not support verification")
)
