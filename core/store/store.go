// Package store implements the Drift Store: a deduplicated, persistent,
// gossip-synchronized set of envelopes (a G-Set CRDT) with priority-based
// eviction. Grounded on the shape of pkg/storage's memory/postgres split —
// a context-based CRUD interface with interchangeable backends — adapted
// from DID/session/nonce records to envelope records.
package store

import (
	"context"
	"time"

	"github.com/scmessenger/drift/core/envelope"
)

// InsertResult reports the outcome of inserting an envelope.
type InsertResult int

const (
	Accepted InsertResult = iota
	Duplicate
	Rejected
)

func (r InsertResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Record is a stored envelope plus the local bookkeeping the store needs
// for eviction, conversation views, and relay: none of this bookkeeping is
// part of the signed envelope itself.
type Record struct {
	Envelope       *envelope.Envelope
	MsgID          string
	PeerIdentityID string // counterparty identity_id: sender for inbound, recipient for outbound
	SelfAddressed  bool
	Delivered      bool
	HopsRemaining  uint8
	ReceivedAt     time.Time
}

// Size estimates the record's storage footprint for eviction accounting.
func (r *Record) Size() uint64 {
	if r.Envelope == nil {
		return 0
	}
	return uint64(len(r.Envelope.Marshal()))
}

// ScoreWeights tunes evict_to's priority score. Exposed so a host can
// retune without recompiling (see DESIGN.md's Open Questions).
type ScoreWeights struct {
	Priority       float64
	Recency        float64
	HopsConsumed   float64
	DeliveryBonus  float64
}

// DefaultScoreWeights matches spec.md §9's suggested weighting: priority
// dominates, recency and delivery confirmation are secondary signals, and
// hops consumed is a mild penalty against further carrying cost.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Priority:      4.0,
		Recency:       1.0,
		HopsConsumed:  0.5,
		DeliveryBonus: 2.0,
	}
}

// Score computes evict_to's priority score: higher survives eviction
// longer. Ties are broken by the caller on msg_id lexicographic order.
func Score(rec *Record, weights ScoreWeights, now time.Time) float64 {
	age := now.Sub(rec.ReceivedAt).Hours()
	recency := 1.0 / (1.0 + age)
	hopsConsumed := float64(255 - int(rec.HopsRemaining))

	score := weights.Priority*float64(rec.Envelope.Priority) +
		weights.Recency*recency -
		weights.HopsConsumed*hopsConsumed

	if rec.Delivered {
		score += weights.DeliveryBonus
	}
	return score
}

// Store is the Drift Store's backend-agnostic interface. Memory, bbolt, and
// postgres implementations satisfy it identically.
type Store interface {
	// Insert verifies msg_id is not a duplicate and persists rec. Callers
	// are expected to have already verified the envelope's signature; the
	// store does not re-verify, matching "signature MUST be verified
	// before insert" being the caller's (core façade's) responsibility.
	Insert(ctx context.Context, rec *Record) (InsertResult, error)

	Contains(ctx context.Context, msgID string) (bool, error)

	// Conversation returns locally-addressed envelopes with peerIdentityID,
	// newest first, bounded to limit.
	Conversation(ctx context.Context, peerIdentityID string, limit int) ([]*Record, error)

	// IndexPlaintext associates decrypted text with a self-addressed
	// msg_id for Search. The store never decrypts on its own — callers
	// (the core façade, after a successful envelope.Receive) populate
	// this index explicitly.
	IndexPlaintext(ctx context.Context, msgID string, text string) error

	// Search matches query against previously indexed plaintext for
	// self-addressed envelopes only.
	Search(ctx context.Context, query string, limit int) ([]*Record, error)

	// EvictTo evicts lowest-score records until total size is at or below
	// capacityBytes, never evicting self-addressed records below
	// selfReserveBytes.
	EvictTo(ctx context.Context, capacityBytes uint64) error

	MarkDelivered(ctx context.Context, msgID string) error

	// DeleteConversation removes every self-addressed record with
	// peerIdentityID as counterparty — a local, administrative action for
	// remove_contact's cascading history deletion. It does not propagate
	// as a CRDT tombstone: a later sync with a peer that still holds
	// copies of those envelopes can legitimately reintroduce them, since
	// the store's merge semantics are a grow-only union (spec.md §4.2).
	DeleteConversation(ctx context.Context, peerIdentityID string) error

	// All returns every record currently held, for sync-engine sketch
	// construction and G-Set merge.
	All(ctx context.Context) ([]*Record, error)

	Close() error
}
