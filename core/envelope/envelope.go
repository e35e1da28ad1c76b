// Package envelope implements the Drift envelope codec: per-recipient
// sealing, signing, and verification of the fixed-width binary envelope
// format (spec §4.1/§6).
package envelope

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"

	"github.com/scmessenger/drift/core/identity"
	"github.com/scmessenger/drift/internal/errs"
)

func nowUnixMs() int64 {
	return time.Now().UnixMilli()
}

// CurrentVersion is the envelope format version this codec produces.
const CurrentVersion uint8 = 1

// hkdfInfo is the domain-separation string used when deriving an envelope's
// symmetric seal key, matching the one used for static Ed25519-peer sealing
// in crypto/keys.
const hkdfInfo = "drift-envelope-v1"

const (
	headerFixedLen = 1 + 1 + 2 + 16 + 32 + 32 + 24 + 1 + 1 + 8 + 4
	signatureLen   = 64
)

// PayloadType tags the plaintext record an envelope carries, ahead of
// encryption.
type PayloadType uint8

const (
	PayloadChat PayloadType = iota
	PayloadDeliveryReceipt
	PayloadIdentityProbe
	PayloadRoutingAdvertisement
)

// Envelope is a sealed, signed Drift message. Once Prepare returns one, it
// is immutable — mutating any field invalidates MsgID and the signature.
type Envelope struct {
	Version         uint8
	Flags           uint8
	RecipientHint   [16]byte
	SenderPub       [32]byte // Ed25519 signing public key
	EphemeralPub    [32]byte // X25519 ephemeral public key
	Nonce           [24]byte
	TTLHops         uint8
	Priority        uint8
	CreatedAtUnixMs uint64
	Ciphertext      []byte
	Signature       [64]byte
}

// RecipientHint derives the 16-byte recipient_hint for an X25519 public key.
func RecipientHint(recipientAgreementPub []byte) [16]byte {
	sum := blake3.Sum256(recipientAgreementPub)
	var hint [16]byte
	copy(hint[:], sum[:16])
	return hint
}

// Prepare seals plaintext for recipientAgreementPub (a 32-byte X25519
// public key) on behalf of sender, returning a complete, signed envelope.
// Fails with KeyMalformed if recipientAgreementPub is not valid X25519
// material.
func Prepare(sender *identity.Identity, recipientAgreementPub []byte, plaintext []byte, priority, ttlHops uint8) (*Envelope, error) {
	if len(recipientAgreementPub) != 32 {
		return nil, errs.New(errs.CodeKeyMalformed, "recipient key must be 32 bytes of X25519 material", nil)
	}
	recipientPubKey, err := ecdh.X25519().NewPublicKey(recipientAgreementPub)
	if err != nil {
		return nil, errs.New(errs.CodeKeyMalformed, "recipient key is not a valid X25519 point", err)
	}

	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.New(errs.CodeKeyMalformed, "generate ephemeral key", err)
	}
	ephemeralPub := ephemeral.PublicKey().Bytes()

	shared, err := ephemeral.ECDH(recipientPubKey)
	if err != nil {
		return nil, errs.New(errs.CodeDecryptFail, "x25519 ecdh", err)
	}

	key, err := deriveSealKey(shared, ephemeralPub, recipientAgreementPub)
	if err != nil {
		return nil, errs.New(errs.CodeDecryptFail, "derive seal key", err)
	}

	env := &Envelope{
		Version:         CurrentVersion,
		RecipientHint:   RecipientHint(recipientAgreementPub),
		SenderPub:       [32]byte(sender.SigningPublicKey()),
		TTLHops:         ttlHops,
		Priority:        priority,
		CreatedAtUnixMs: uint64(nowUnixMs()),
	}
	copy(env.EphemeralPub[:], ephemeralPub)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errs.New(errs.CodeDecryptFail, "construct aead", err)
	}
	if _, err := io.ReadFull(rand.Reader, env.Nonce[:]); err != nil {
		return nil, errs.New(errs.CodeDecryptFail, "generate nonce", err)
	}

	env.Ciphertext = aead.Seal(nil, env.Nonce[:], plaintext, env.additionalData())

	sig, err := sender.Sign(env.signedContent())
	if err != nil {
		return nil, errs.New(errs.CodeSignatureInvalid, "sign envelope", err)
	}
	copy(env.Signature[:], sig)

	return env, nil
}

// PrepareReceipt builds a delivery-receipt envelope addressed back to the
// original sender, carrying msgID as its plaintext payload.
func PrepareReceipt(sender *identity.Identity, senderAgreementPub []byte, msgID string, ttlHops uint8) (*Envelope, error) {
	payload := append([]byte{byte(PayloadDeliveryReceipt)}, []byte(msgID)...)
	return Prepare(sender, senderAgreementPub, payload, 255, ttlHops)
}

// Receive verifies and decrypts env against the local identity's signing
// and agreement keys. Fails with SignatureInvalid, HintMismatch,
// DecryptFail, or VersionUnsupported.
func Receive(local *identity.Identity, env *Envelope) ([]byte, error) {
	if env.Version > CurrentVersion {
		return nil, errs.New(errs.CodeVersionUnsupported, fmt.Sprintf("envelope version %d unsupported", env.Version), nil)
	}

	if err := identity.VerifySignature(ed25519.PublicKey(env.SenderPub[:]), env.signedContent(), env.Signature[:]); err != nil {
		return nil, errs.New(errs.CodeSignatureInvalid, "envelope signature verification failed", err)
	}

	localHint := RecipientHint(local.AgreementPublicKey())
	if localHint != env.RecipientHint {
		return nil, errs.New(errs.CodeHintMismatch, "recipient_hint does not match local identity", nil)
	}

	rawShared, err := rawECDH(local, env.EphemeralPub[:])
	if err != nil {
		return nil, errs.New(errs.CodeDecryptFail, "x25519 ecdh", err)
	}

	key, err := deriveSealKey(rawShared, env.EphemeralPub[:], local.AgreementPublicKey())
	if err != nil {
		return nil, errs.New(errs.CodeDecryptFail, "derive seal key", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errs.New(errs.CodeDecryptFail, "construct aead", err)
	}
	plaintext, err := aead.Open(nil, env.Nonce[:], env.Ciphertext, env.additionalData())
	if err != nil {
		return nil, errs.New(errs.CodeDecryptFail, "aead open failed", err)
	}
	return plaintext, nil
}

func rawECDH(local *identity.Identity, ephemeralPub []byte) ([]byte, error) {
	peer, err := ecdh.X25519().NewPublicKey(ephemeralPub)
	if err != nil {
		return nil, err
	}
	xkp := local.AgreementKeyPair()
	priv, ok := xkp.PrivateKey().(*ecdh.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected private key type %T", xkp.PrivateKey())
	}
	return priv.ECDH(peer)
}

// deriveSealKey derives the 32-byte XChaCha20-Poly1305 key from the raw
// ECDH output, salted by the transcript (ephemeral pub || recipient pub) so
// both sides compute an identical key without an extra round trip.
func deriveSealKey(rawShared, ephemeralPub, recipientPub []byte) ([]byte, error) {
	salt := append(append([]byte{}, ephemeralPub...), recipientPub...)
	h := hkdf.New(sha256.New, rawShared, salt, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, err
	}
	return key, nil
}

// MsgID is a pure function of the sealed envelope: BLAKE3(ciphertext ‖ header).
func (e *Envelope) MsgID() string {
	sum := blake3.Sum256(append(append([]byte{}, e.Ciphertext...), e.headerBytes()...))
	return hex.EncodeToString(sum[:])
}

// headerBytes encodes the fixed-width header in the order given by §6:
// version, flags, reserved(2), recipient_hint, sender_pub, ephemeral_pub,
// nonce, ttl_hops, priority, created_at_unix_ms(LE), payload_len(LE).
func (e *Envelope) headerBytes() []byte {
	buf := make([]byte, 0, headerFixedLen)
	buf = append(buf, e.Version, e.Flags, 0, 0)
	buf = append(buf, e.RecipientHint[:]...)
	buf = append(buf, e.SenderPub[:]...)
	buf = append(buf, e.EphemeralPub[:]...)
	buf = append(buf, e.Nonce[:]...)
	buf = append(buf, e.TTLHops, e.Priority)

	createdAt := make([]byte, 8)
	binary.LittleEndian.PutUint64(createdAt, e.CreatedAtUnixMs)
	buf = append(buf, createdAt...)

	payloadLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(payloadLen, uint32(len(e.Ciphertext)))
	buf = append(buf, payloadLen...)

	return buf
}

// signedContent is header ‖ ciphertext, the data covered by Signature.
func (e *Envelope) signedContent() []byte {
	return append(e.headerBytes(), e.Ciphertext...)
}

// additionalData is the AEAD associated data: sender_pub ‖ recipient_hint ‖
// version ‖ flags ‖ created_at_unix_ms.
func (e *Envelope) additionalData() []byte {
	buf := make([]byte, 0, 32+16+1+1+8)
	buf = append(buf, e.SenderPub[:]...)
	buf = append(buf, e.RecipientHint[:]...)
	buf = append(buf, e.Version, e.Flags)
	createdAt := make([]byte, 8)
	binary.LittleEndian.PutUint64(createdAt, e.CreatedAtUnixMs)
	buf = append(buf, createdAt...)
	return buf
}

// Marshal encodes the envelope body as header ‖ ciphertext ‖ signature, the
// payload carried inside a PayloadEnvelopeBatch frame.
func (e *Envelope) Marshal() []byte {
	buf := e.headerBytes()
	buf = append(buf, e.Ciphertext...)
	buf = append(buf, e.Signature[:]...)
	return buf
}

// Unmarshal decodes an envelope body produced by Marshal.
func Unmarshal(data []byte) (*Envelope, error) {
	if len(data) < headerFixedLen+signatureLen {
		return nil, errs.New(errs.CodeFrameCorrupt, "envelope shorter than header+signature", nil)
	}

	e := &Envelope{}
	off := 0
	e.Version = data[off]
	off++
	e.Flags = data[off]
	off++
	off += 2 // reserved
	copy(e.RecipientHint[:], data[off:off+16])
	off += 16
	copy(e.SenderPub[:], data[off:off+32])
	off += 32
	copy(e.EphemeralPub[:], data[off:off+32])
	off += 32
	copy(e.Nonce[:], data[off:off+24])
	off += 24
	e.TTLHops = data[off]
	off++
	e.Priority = data[off]
	off++
	e.CreatedAtUnixMs = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	payloadLen := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4

	if uint32(len(data)) != uint32(off)+payloadLen+signatureLen {
		return nil, errs.New(errs.CodeFrameCorrupt, "payload_len does not match envelope size", nil)
	}

	e.Ciphertext = append([]byte{}, data[off:off+int(payloadLen)]...)
	off += int(payloadLen)
	copy(e.Signature[:], data[off:off+signatureLen])

	return e, nil
}

// TTLHops is part of the signed header and therefore fixed at seal time;
// it records the envelope's hop budget as the sender set it. The relay loop
// (core/routing, core/transport) tracks hops *remaining* to live as store
// metadata alongside the envelope, not by mutating or re-signing it.
