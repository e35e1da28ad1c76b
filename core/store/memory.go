package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store backed by a map, for tests and for
// nodes that keep no durable state. No other backend falls back to it when
// durable storage is unavailable, and it has no size bound of its own
// beyond what EvictTo enforces.
type MemoryStore struct {
	mu               sync.RWMutex
	byMsgID          map[string]*Record
	plaintextByMsgID map[string]string
	weights          ScoreWeights
	selfReserveBytes uint64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(weights ScoreWeights, selfReserveBytes uint64) *MemoryStore {
	return &MemoryStore{
		byMsgID:          make(map[string]*Record),
		plaintextByMsgID: make(map[string]string),
		weights:          weights,
		selfReserveBytes: selfReserveBytes,
	}
}

func (s *MemoryStore) Insert(ctx context.Context, rec *Record) (InsertResult, error) {
	if rec == nil || rec.Envelope == nil {
		return Rejected, fmt.Errorf("store: nil record or envelope")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byMsgID[rec.MsgID]; exists {
		return Duplicate, nil
	}

	recCopy := *rec
	s.byMsgID[rec.MsgID] = &recCopy
	return Accepted, nil
}

func (s *MemoryStore) Contains(ctx context.Context, msgID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byMsgID[msgID]
	return ok, nil
}

func (s *MemoryStore) Conversation(ctx context.Context, peerIdentityID string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*Record
	for _, rec := range s.byMsgID {
		if rec.PeerIdentityID == peerIdentityID && rec.SelfAddressed {
			recCopy := *rec
			matches = append(matches, &recCopy)
		}
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

func (s *MemoryStore) IndexPlaintext(ctx context.Context, msgID string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byMsgID[msgID]; !exists {
		return fmt.Errorf("store: msg_id not found: %s", msgID)
	}
	s.plaintextByMsgID[msgID] = text
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, query string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(query)
	var matches []*Record
	for msgID, text := range s.plaintextByMsgID {
		if strings.Contains(strings.ToLower(text), needle) {
			rec, ok := s.byMsgID[msgID]
			if !ok {
				continue
			}
			recCopy := *rec
			matches = append(matches, &recCopy)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Envelope.CreatedAtUnixMs > matches[j].Envelope.CreatedAtUnixMs
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *MemoryStore) EvictTo(ctx context.Context, capacityBytes uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total uint64
	records := make([]*Record, 0, len(s.byMsgID))
	for _, rec := range s.byMsgID {
		records = append(records, rec)
		total += rec.Size()
	}
	if total <= capacityBytes {
		return nil
	}

	now := time.Now()
	sort.Slice(records, func(i, j int) bool {
		si := Score(records[i], s.weights, now)
		sj := Score(records[j], s.weights, now)
		if si != sj {
			return si < sj
		}
		return records[i].MsgID < records[j].MsgID
	})

	for _, rec := range records {
		if total <= capacityBytes {
			break
		}
		if rec.SelfAddressed && total-rec.Size() < s.selfReserveBytes {
			continue
		}
		delete(s.byMsgID, rec.MsgID)
		delete(s.plaintextByMsgID, rec.MsgID)
		total -= rec.Size()
	}
	return nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byMsgID[msgID]
	if !ok {
		return fmt.Errorf("store: msg_id not found: %s", msgID)
	}
	rec.Delivered = true
	return nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, peerIdentityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for msgID, rec := range s.byMsgID {
		if rec.SelfAddressed && rec.PeerIdentityID == peerIdentityID {
			delete(s.byMsgID, msgID)
			delete(s.plaintextByMsgID, msgID)
		}
	}
	return nil
}

func (s *MemoryStore) All(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.byMsgID))
	for _, rec := range s.byMsgID {
		recCopy := *rec
		out = append(out, &recCopy)
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
