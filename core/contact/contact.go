// Package contact manages a node's address book: the set of known peers a
// user has explicitly added, independent of the routing engine's
// transient, capability-and-reputation-scored PeerInfo records.
package contact

import (
	"context"
	"crypto/ed25519"
	"sort"
	"sync"
	"time"
)

// Contact is one address-book entry (the contacts.db record shape from
// spec.md §6's persisted layout).
type Contact struct {
	IdentityID string
	SigningPub ed25519.PublicKey
	// AgreementPub is the X25519 key envelope.Prepare seals messages to
	// this contact with, learned alongside SigningPub during identity
	// exchange and cached here since the Drift Store never stores it.
	AgreementPub []byte
	Nickname     string
	AddedAt      time.Time
	LastSeen     time.Time
	Notes        string
}

// Book is the backend-agnostic contact store interface; Memory and Bbolt
// implementations satisfy it identically, mirroring core/store's
// backend split.
type Book interface {
	Add(ctx context.Context, c *Contact) error
	Get(ctx context.Context, identityID string) (*Contact, bool, error)

	// Remove deletes a contact. Cascading deletion of its conversation is
	// the caller's (core façade's) responsibility, since conversations
	// live in the Drift Store, not the contact book.
	Remove(ctx context.Context, identityID string) error

	// Touch updates LastSeen, called on every authenticated interaction.
	Touch(ctx context.Context, identityID string, at time.Time) error

	List(ctx context.Context) ([]*Contact, error)
	Close() error
}

// MemoryBook is an in-process, non-persistent contact book.
type MemoryBook struct {
	mu       sync.RWMutex
	contacts map[string]*Contact
}

// NewMemoryBook constructs an empty in-memory contact book.
func NewMemoryBook() *MemoryBook {
	return &MemoryBook{contacts: make(map[string]*Contact)}
}

func (b *MemoryBook) Add(ctx context.Context, c *Contact) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *c
	b.contacts[c.IdentityID] = &cp
	return nil
}

func (b *MemoryBook) Get(ctx context.Context, identityID string) (*Contact, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.contacts[identityID]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

func (b *MemoryBook) Remove(ctx context.Context, identityID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.contacts, identityID)
	return nil
}

func (b *MemoryBook) Touch(ctx context.Context, identityID string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contacts[identityID]
	if !ok {
		return nil
	}
	c.LastSeen = at
	return nil
}

func (b *MemoryBook) List(ctx context.Context) ([]*Contact, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Contact, 0, len(b.contacts))
	for _, c := range b.contacts {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out, nil
}

func (b *MemoryBook) Close() error { return nil }
