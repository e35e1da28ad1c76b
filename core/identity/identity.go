// Package identity manages a device's Drift identity: its Ed25519 signing
// key, its X25519 agreement key, and the stable identity_id derived from
// the signing key, persisted sealed at rest via crypto/vault.
package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"

	sagecrypto "github.com/scmessenger/drift/crypto"
	"github.com/scmessenger/drift/crypto/keys"
	"github.com/scmessenger/drift/crypto/vault"
	"github.com/scmessenger/drift/internal/errs"
)

// vaultKeyID is the fixed vault entry name for a node's single identity;
// the persisted node layout has exactly one identity.sealed per directory.
const vaultKeyID = "identity"

const schemaVersion = 1

// Identity holds a device's signing and agreement key pairs plus the
// locally-set nickname. The zero value is not usable; construct with New
// or Load.
type Identity struct {
	mu       sync.RWMutex
	signing  sagecrypto.KeyPair // Ed25519
	agree    sagecrypto.KeyPair // X25519
	id       string
	nickname string
}

// Info is the immutable snapshot returned by identity_info.
type Info struct {
	IdentityID string
	SigningPub ed25519.PublicKey
	Nickname   string
}

type sealedPayload struct {
	SchemaVersion    int    `json:"schema_version"`
	SigningSeed      []byte `json:"signing_seed"`
	AgreementPrivate []byte `json:"agreement_private"`
	Nickname         string `json:"nickname"`
}

// New generates a fresh identity: a new Ed25519 signing pair and a new
// X25519 agreement pair.
func New() (*Identity, error) {
	signing, err := keys.GenerateEd25519KeyPair()
	if err != nil {
		return nil, errs.New(errs.CodeKeyMalformed, "generate signing key", err)
	}
	agree, err := keys.GenerateX25519KeyPair()
	if err != nil {
		return nil, errs.New(errs.CodeKeyMalformed, "generate agreement key", err)
	}
	return &Identity{
		signing: signing,
		agree:   agree,
		id:      signing.ID(),
	}, nil
}

// Load reconstructs an identity from its sealed vault entry.
func Load(v vault.Vault, passphrase string) (*Identity, error) {
	raw, err := v.LoadDecrypted(vaultKeyID, passphrase)
	if err != nil {
		return nil, errs.New(errs.CodeKeyMalformed, "load sealed identity", err)
	}

	var payload sealedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errs.New(errs.CodeKeyMalformed, "unmarshal sealed identity", err)
	}

	signing, err := keys.NewEd25519KeyPairFromSeed(payload.SigningSeed)
	if err != nil {
		return nil, errs.New(errs.CodeKeyMalformed, "reconstruct signing key", err)
	}
	agree, err := keys.NewX25519KeyPairFromPrivate(payload.AgreementPrivate)
	if err != nil {
		return nil, errs.New(errs.CodeKeyMalformed, "reconstruct agreement key", err)
	}

	return &Identity{
		signing:  signing,
		agree:    agree,
		id:       signing.ID(),
		nickname: payload.Nickname,
	}, nil
}

// Save seals the identity into v under a fresh passphrase-derived key.
func (id *Identity) Save(v vault.Vault, passphrase string) error {
	id.mu.RLock()
	defer id.mu.RUnlock()

	seedExporter, ok := id.signing.(keys.SeedExporter)
	if !ok {
		return errs.New(errs.CodeKeyMalformed, "signing key does not export a seed", nil)
	}
	xkp, ok := id.agree.(*keys.X25519KeyPair)
	if !ok {
		return errs.New(errs.CodeKeyMalformed, "agreement key is not X25519", nil)
	}

	payload := sealedPayload{
		SchemaVersion:    schemaVersion,
		SigningSeed:      seedExporter.Seed(),
		AgreementPrivate: xkp.PrivateBytesKey(),
		Nickname:         id.nickname,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errs.New(errs.CodeKeyMalformed, "marshal sealed identity", err)
	}
	if err := v.StoreEncrypted(vaultKeyID, raw, passphrase); err != nil {
		return errs.New(errs.CodeStorageUnavailable, "seal identity", err)
	}
	return nil
}

// Info returns an immutable snapshot of the identity's public fields.
func (id *Identity) Info() Info {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return Info{
		IdentityID: id.id,
		SigningPub: append(ed25519.PublicKey(nil), id.signing.PublicKey().(ed25519.PublicKey)...),
		Nickname:   id.nickname,
	}
}

// SetNickname updates the locally-set display nickname.
func (id *Identity) SetNickname(nickname string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.nickname = nickname
}

// IdentityID returns the stable identity_id (BLAKE3 of the signing public key).
func (id *Identity) IdentityID() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.id
}

// SigningPublicKey returns the Ed25519 public signing key.
func (id *Identity) SigningPublicKey() ed25519.PublicKey {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.signing.PublicKey().(ed25519.PublicKey)
}

// AgreementPublicKey returns the raw 32-byte X25519 public agreement key.
func (id *Identity) AgreementPublicKey() []byte {
	id.mu.RLock()
	defer id.mu.RUnlock()
	xkp := id.agree.(*keys.X25519KeyPair)
	return xkp.PublicBytesKey()
}

// Sign signs message with the Ed25519 signing key.
func (id *Identity) Sign(message []byte) ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.signing.Sign(message)
}

// AgreementKeyPair returns the underlying X25519 key pair, for use by the
// envelope codec when deriving shared secrets.
func (id *Identity) AgreementKeyPair() *keys.X25519KeyPair {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.agree.(*keys.X25519KeyPair)
}

// VerifySignature checks a signature against an arbitrary Ed25519 public key
// (a peer's, not necessarily this identity's own).
func VerifySignature(signingPub ed25519.PublicKey, message, signature []byte) error {
	if !ed25519.Verify(signingPub, message, signature) {
		return fmt.Errorf("%w", sagecrypto.ErrInvalidSignature)
	}
	return nil
}
