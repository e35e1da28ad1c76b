package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/scmessenger/drift/core/envelope"
)

var (
	envelopesBucket = []byte("envelopes")
	plaintextBucket = []byte("plaintext")
)

// BboltStore is the embedded key-value backend spec.md §4.2 calls for:
// envelopes keyed by msg_id, durable before Insert returns. Secondary
// indexes by (peer, timestamp) and priority bucket are computed on read
// rather than maintained incrementally — bbolt's ordered-bucket scans make
// that cheap enough at the node scale Drift targets.
type BboltStore struct {
	db               *bolt.DB
	weights          ScoreWeights
	selfReserveBytes uint64
}

// OpenBboltStore opens (creating if absent) a bbolt database at path.
func OpenBboltStore(path string, weights ScoreWeights, selfReserveBytes uint64) (*BboltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(envelopesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(plaintextBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init bbolt buckets: %w", err)
	}

	return &BboltStore{db: db, weights: weights, selfReserveBytes: selfReserveBytes}, nil
}

type persistedRecord struct {
	MsgID          string `json:"msg_id"`
	PeerIdentityID string `json:"peer_identity_id"`
	SelfAddressed  bool   `json:"self_addressed"`
	Delivered      bool   `json:"delivered"`
	HopsRemaining  uint8  `json:"hops_remaining"`
	ReceivedAt     int64  `json:"received_at_unix_ms"`
	EnvelopeWire   []byte `json:"envelope_wire"`
}

func toPersisted(rec *Record) *persistedRecord {
	return &persistedRecord{
		MsgID:          rec.MsgID,
		PeerIdentityID: rec.PeerIdentityID,
		SelfAddressed:  rec.SelfAddressed,
		Delivered:      rec.Delivered,
		HopsRemaining:  rec.HopsRemaining,
		ReceivedAt:     rec.ReceivedAt.UnixMilli(),
		EnvelopeWire:   rec.Envelope.Marshal(),
	}
}

func (p *persistedRecord) toRecord() (*Record, error) {
	env, err := envelope.Unmarshal(p.EnvelopeWire)
	if err != nil {
		return nil, err
	}
	return &Record{
		Envelope:       env,
		MsgID:          p.MsgID,
		PeerIdentityID: p.PeerIdentityID,
		SelfAddressed:  p.SelfAddressed,
		Delivered:      p.Delivered,
		HopsRemaining:  p.HopsRemaining,
		ReceivedAt:     time.UnixMilli(p.ReceivedAt),
	}, nil
}

func (s *BboltStore) Insert(ctx context.Context, rec *Record) (InsertResult, error) {
	if rec == nil || rec.Envelope == nil {
		return Rejected, fmt.Errorf("store: nil record or envelope")
	}

	var result InsertResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(envelopesBucket)
		if b.Get([]byte(rec.MsgID)) != nil {
			result = Duplicate
			return nil
		}

		data, err := json.Marshal(toPersisted(rec))
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if err := b.Put([]byte(rec.MsgID), data); err != nil {
			return err
		}
		result = Accepted
		return nil
	})
	if err != nil {
		return Rejected, fmt.Errorf("store: insert: %w", err)
	}
	return result, nil
}

func (s *BboltStore) Contains(ctx context.Context, msgID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(envelopesBucket).Get([]byte(msgID)) != nil
		return nil
	})
	return found, err
}

func (s *BboltStore) Conversation(ctx context.Context, peerIdentityID string, limit int) ([]*Record, error) {
	var matches []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(envelopesBucket).ForEach(func(k, v []byte) error {
			var p persistedRecord
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if !p.SelfAddressed || p.PeerIdentityID != peerIdentityID {
				return nil
			}
			rec, err := p.toRecord()
			if err != nil {
				return err
			}
			matches = append(matches, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: conversation: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Envelope.CreatedAtUnixMs != matches[j].Envelope.CreatedAtUnixMs {
			return matches[i].Envelope.CreatedAtUnixMs > matches[j].Envelope.CreatedAtUnixMs
		}
		return matches[i].MsgID > matches[j].MsgID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *BboltStore) IndexPlaintext(ctx context.Context, msgID string, text string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(envelopesBucket).Get([]byte(msgID)) == nil {
			return fmt.Errorf("store: msg_id not found: %s", msgID)
		}
		return tx.Bucket(plaintextBucket).Put([]byte(msgID), []byte(text))
	})
}

func (s *BboltStore) Search(ctx context.Context, query string, limit int) ([]*Record, error) {
	needle := strings.ToLower(query)
	var matches []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		envs := tx.Bucket(envelopesBucket)
		return tx.Bucket(plaintextBucket).ForEach(func(msgID, text []byte) error {
			if !strings.Contains(strings.ToLower(string(text)), needle) {
				return nil
			}
			data := envs.Get(msgID)
			if data == nil {
				return nil
			}
			var p persistedRecord
			if err := json.Unmarshal(data, &p); err != nil {
				return err
			}
			rec, err := p.toRecord()
			if err != nil {
				return err
			}
			matches = append(matches, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Envelope.CreatedAtUnixMs > matches[j].Envelope.CreatedAtUnixMs
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *BboltStore) EvictTo(ctx context.Context, capacityBytes uint64) error {
	all, err := s.All(ctx)
	if err != nil {
		return err
	}

	var total uint64
	for _, rec := range all {
		total += rec.Size()
	}
	if total <= capacityBytes {
		return nil
	}

	now := time.Now()
	sort.Slice(all, func(i, j int) bool {
		si := Score(all[i], s.weights, now)
		sj := Score(all[j], s.weights, now)
		if si != sj {
			return si < sj
		}
		return all[i].MsgID < all[j].MsgID
	})

	return s.db.Update(func(tx *bolt.Tx) error {
		envs := tx.Bucket(envelopesBucket)
		plain := tx.Bucket(plaintextBucket)
		for _, rec := range all {
			if total <= capacityBytes {
				break
			}
			if rec.SelfAddressed && total-rec.Size() < s.selfReserveBytes {
				continue
			}
			if err := envs.Delete([]byte(rec.MsgID)); err != nil {
				return err
			}
			if err := plain.Delete([]byte(rec.MsgID)); err != nil {
				return err
			}
			total -= rec.Size()
		}
		return nil
	})
}

func (s *BboltStore) MarkDelivered(ctx context.Context, msgID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(envelopesBucket)
		data := b.Get([]byte(msgID))
		if data == nil {
			return fmt.Errorf("store: msg_id not found: %s", msgID)
		}
		var p persistedRecord
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		p.Delivered = true
		updated, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(msgID), updated)
	})
}

func (s *BboltStore) DeleteConversation(ctx context.Context, peerIdentityID string) error {
	all, err := s.All(ctx)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		envs := tx.Bucket(envelopesBucket)
		plain := tx.Bucket(plaintextBucket)
		for _, rec := range all {
			if !rec.SelfAddressed || rec.PeerIdentityID != peerIdentityID {
				continue
			}
			if err := envs.Delete([]byte(rec.MsgID)); err != nil {
				return err
			}
			if err := plain.Delete([]byte(rec.MsgID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BboltStore) All(ctx context.Context) ([]*Record, error) {
	var out []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(envelopesBucket).ForEach(func(k, v []byte) error {
			var p persistedRecord
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			rec, err := p.toRecord()
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}
