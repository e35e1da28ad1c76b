// Package sync implements the Drift pairwise sync engine (spec.md §4.3):
// per-session set reconciliation between two peers via sketch exchange,
// missing-element resolution, and ordered envelope transfer.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"time"

	"github.com/scmessenger/drift/core/envelope"
	"github.com/scmessenger/drift/core/store"
	"github.com/scmessenger/drift/internal/errs"
)

// State is one step of the session state machine.
type State int

const (
	Idle State = iota
	Hello
	SketchExchange
	Decode
	Transfer
	Ack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Hello:
		return "hello"
	case SketchExchange:
		return "sketch_exchange"
	case Decode:
		return "decode"
	case Transfer:
		return "transfer"
	case Ack:
		return "ack"
	default:
		return "unknown"
	}
}

// StepKind tags the payload carried in one wire message of a sync session
// (§6's tagged union: Hello, Sketch, NeedList, Envelopes, Ack, Abort).
type StepKind int

const (
	StepHello StepKind = iota
	StepSketch
	StepNeedList
	StepEnvelopes
	StepAck
	StepAbort
)

// StepMessage is one message exchanged during a sync session.
type StepMessage struct {
	Kind StepKind

	// Hello
	PeerVersion    uint8
	CapacityLadder []uint32

	// Sketch
	SketchCapacity uint32
	SketchBytes    []byte

	// NeedList
	NeedHashes []uint64

	// Envelopes
	Envelopes []*envelope.Envelope

	// Ack
	TranscriptHash string

	// Abort
	ReasonCode string
}

// maxEscalations bounds how many times a session climbs the capacity
// ladder before falling back to a sorted-range split.
const maxEscalations = 3

// defaultStepTimeout is the default per-step deadline; configurable per
// session via Session.StepTimeout.
const defaultStepTimeout = 5 * time.Second

// Session drives one pairwise reconciliation with a peer. A Session is not
// safe for concurrent use from multiple goroutines; the transport manager
// owns exactly one goroutine per session.
type Session struct {
	Store          store.Store
	PeerIdentityID string
	LocalIdentity  string

	state          State
	capacityIdx    int
	escalations    int
	ladder         []uint32
	maxInflight    uint64
	StepTimeout    time.Duration
	transcript     []byte // concatenation of every transferred msg_id, in transfer order
	retryBackoff   time.Duration
}

// NewSession starts a session in Idle against the given store, using the
// default capacity ladder and a 1 MiB inflight budget.
func NewSession(st store.Store, localIdentity, peerIdentityID string) *Session {
	return &Session{
		Store:          st,
		PeerIdentityID: peerIdentityID,
		LocalIdentity:  localIdentity,
		state:          Idle,
		ladder:         append([]uint32{}, CapacityLadder...),
		maxInflight:    1 << 20,
		StepTimeout:    defaultStepTimeout,
		retryBackoff:   500 * time.Millisecond,
	}
}

// State returns the session's current step.
func (s *Session) State() State {
	return s.state
}

// capacity returns the sketch capacity for the current escalation level.
func (s *Session) capacity() uint32 {
	if s.capacityIdx >= len(s.ladder) {
		return s.ladder[len(s.ladder)-1]
	}
	return s.ladder[s.capacityIdx]
}

// BuildLocalSketch transitions Idle/Hello → SketchExchange and returns the
// local sketch to send to the peer.
func (s *Session) BuildLocalSketch(ctx context.Context) (*Sketch, error) {
	records, err := s.Store.All(ctx)
	if err != nil {
		return nil, errs.New(errs.CodeStorageUnavailable, "sync: read local records", err)
	}

	hashes := make([]uint64, 0, len(records))
	for _, rec := range records {
		hashes = append(hashes, Hash64(rec.MsgID))
	}

	s.state = SketchExchange
	return BuildSketch(s.capacity(), hashes), nil
}

// DecodeAgainst computes the symmetric difference between the local
// sketch (built at the session's current capacity) and a peer's sketch of
// the same capacity. On overflow it either escalates the capacity ladder
// (returning escalate=true, so the caller restarts Hello at the next
// capacity) or, if already at the ladder's ceiling after maxEscalations
// attempts, signals a fallback to a sorted time-range split
// (fallback=true).
func (s *Session) DecodeAgainst(local, peer *Sketch) (result DecodeResult, escalate, fallback bool) {
	s.state = Decode

	result = local.Diff(peer).Decode()
	if !result.Overflow {
		return result, false, false
	}

	s.escalations++
	if s.capacityIdx < len(s.ladder)-1 && s.escalations <= maxEscalations {
		s.capacityIdx++
		return result, true, false
	}
	return result, false, true
}

// NeedListFrom returns the NeedList step message for the elements decode found
// this side lacks.
func NeedListFrom(result DecodeResult) StepMessage {
	return StepMessage{Kind: StepNeedList, NeedHashes: result.OnlyRemote}
}

// OrderForTransfer sorts envelopes by (priority desc, created_at asc) per
// spec.md §4.3's ordering guarantee, front-loading high-value traffic.
func OrderForTransfer(envs []*envelope.Envelope) []*envelope.Envelope {
	out := append([]*envelope.Envelope{}, envs...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAtUnixMs < out[j].CreatedAtUnixMs
	})
	return out
}

// PaceTransfer splits envs into batches whose marshaled size does not
// exceed the session's inflight byte budget, honoring backpressure.
func (s *Session) PaceTransfer(envs []*envelope.Envelope) [][]*envelope.Envelope {
	var batches [][]*envelope.Envelope
	var current []*envelope.Envelope
	var size uint64

	for _, env := range envs {
		envSize := uint64(len(env.Marshal()))
		if size+envSize > s.maxInflight && len(current) > 0 {
			batches = append(batches, current)
			current = nil
			size = 0
		}
		current = append(current, env)
		size += envSize
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}

	s.state = Transfer
	for _, batch := range batches {
		for _, env := range batch {
			s.transcript = append(s.transcript, []byte(env.MsgID())...)
		}
	}
	return batches
}

// TranscriptHash returns the running transcript hash for the Ack step.
func (s *Session) TranscriptHash() string {
	sum := sha256.Sum256(s.transcript)
	return hex.EncodeToString(sum[:])
}

// CompleteAck verifies the peer's reported transcript hash matches ours and
// returns the session to Idle. A mismatch aborts the session and returns an
// error that callers should treat as reputation-penalizing.
func (s *Session) CompleteAck(peerTranscriptHash string) error {
	s.state = Ack
	if peerTranscriptHash != s.TranscriptHash() {
		s.Abort("transcript_mismatch")
		return errs.New(errs.CodeProtocolViolation, "sync: transcript hash mismatch", nil)
	}
	s.state = Idle
	s.transcript = nil
	s.escalations = 0
	s.capacityIdx = 0
	return nil
}

// Abort tears the session down and returns it to Idle after a failure,
// applying the configured retry backoff before the caller may restart it.
func (s *Session) Abort(reason string) StepMessage {
	s.state = Idle
	s.retryBackoff *= 2
	if s.retryBackoff > 30*time.Second {
		s.retryBackoff = 30 * time.Second
	}
	return StepMessage{Kind: StepAbort, ReasonCode: reason}
}

// RetryBackoff returns the current exponential backoff before a retry after
// abort.
func (s *Session) RetryBackoff() time.Duration {
	return s.retryBackoff
}

// HelloStep builds this session's outgoing Hello message and transitions
// Idle → Hello.
func (s *Session) HelloStep(localVersion uint8) StepMessage {
	s.state = Hello
	return StepMessage{Kind: StepHello, PeerVersion: localVersion, CapacityLadder: append([]uint32{}, s.ladder...)}
}

// helloCapacityLadderBytes encodes the capacity ladder for wire transport,
// used when a transport needs the Hello payload as raw bytes rather than
// the in-process StepMessage.
func helloCapacityLadderBytes(ladder []uint32) []byte {
	buf := make([]byte, len(ladder)*4)
	for i, c := range ladder {
		binary.LittleEndian.PutUint32(buf[i*4:], c)
	}
	return buf
}
