package contact

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var contactsBucket = []byte("contacts")

// BboltBook is the durable contacts.db backend (spec.md §6's persisted
// layout), mirroring core/store.BboltStore's open-once,
// bucket-per-concern shape.
type BboltBook struct {
	db *bolt.DB
}

type persistedContact struct {
	IdentityID   string    `json:"identity_id"`
	SigningPub   []byte    `json:"signing_pub"`
	AgreementPub []byte    `json:"agreement_pub"`
	Nickname     string    `json:"nickname"`
	AddedAt      time.Time `json:"added_at"`
	LastSeen     time.Time `json:"last_seen"`
	Notes        string    `json:"notes"`
}

// OpenBboltBook opens (creating if absent) a bbolt-backed contacts.db at path.
func OpenBboltBook(path string) (*BboltBook, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("contact: open bbolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(contactsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("contact: create bucket: %w", err)
	}
	return &BboltBook{db: db}, nil
}

func (b *BboltBook) Add(ctx context.Context, c *Contact) error {
	raw, err := json.Marshal(toPersisted(c))
	if err != nil {
		return fmt.Errorf("contact: marshal: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(contactsBucket).Put([]byte(c.IdentityID), raw)
	})
}

func (b *BboltBook) Get(ctx context.Context, identityID string) (*Contact, bool, error) {
	var c *Contact
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(contactsBucket).Get([]byte(identityID))
		if raw == nil {
			return nil
		}
		var p persistedContact
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("contact: unmarshal: %w", err)
		}
		c = p.toContact()
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return c, c != nil, nil
}

func (b *BboltBook) Remove(ctx context.Context, identityID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(contactsBucket).Delete([]byte(identityID))
	})
}

func (b *BboltBook) Touch(ctx context.Context, identityID string, at time.Time) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(contactsBucket)
		raw := bucket.Get([]byte(identityID))
		if raw == nil {
			return nil
		}
		var p persistedContact
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("contact: unmarshal: %w", err)
		}
		p.LastSeen = at
		updated, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("contact: marshal: %w", err)
		}
		return bucket.Put([]byte(identityID), updated)
	})
}

func (b *BboltBook) List(ctx context.Context) ([]*Contact, error) {
	var out []*Contact
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(contactsBucket).ForEach(func(_, raw []byte) error {
			var p persistedContact
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("contact: unmarshal: %w", err)
			}
			out = append(out, p.toContact())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out, nil
}

func (b *BboltBook) Close() error {
	return b.db.Close()
}

func toPersisted(c *Contact) persistedContact {
	return persistedContact{
		IdentityID:   c.IdentityID,
		SigningPub:   append([]byte(nil), c.SigningPub...),
		AgreementPub: append([]byte(nil), c.AgreementPub...),
		Nickname:     c.Nickname,
		AddedAt:      c.AddedAt,
		LastSeen:     c.LastSeen,
		Notes:        c.Notes,
	}
}

func (p *persistedContact) toContact() *Contact {
	return &Contact{
		IdentityID:   p.IdentityID,
		SigningPub:   append([]byte(nil), p.SigningPub...),
		AgreementPub: append([]byte(nil), p.AgreementPub...),
		Nickname:     p.Nickname,
		AddedAt:      p.AddedAt,
		LastSeen:     p.LastSeen,
		Notes:        p.Notes,
	}
}
