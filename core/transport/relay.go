package transport

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/scmessenger/drift/core/envelope"
	"github.com/scmessenger/drift/core/routing"
	"github.com/scmessenger/drift/core/store"
	"github.com/scmessenger/drift/internal/errs"
)

// DeliveredEvent is emitted for every envelope recipient_hint'd to this
// node, for the core façade's subscribe_events surface.
type DeliveredEvent struct {
	MsgID          string
	PeerIdentityID string
	Envelope       *envelope.Envelope
}

// Ingress is one envelope entering the relay loop, whether app-originated
// (SelfAddressed and never seen before) or peer-received. Spec.md's relay
// loop treats both uniformly after store.insert.
type Ingress struct {
	Envelope       *envelope.Envelope
	PeerIdentityID string // who it arrived from; empty for app-originated
	SelfAddressed  bool
}

// RelayLoop is the single source of truth for forwarding (spec.md §4.5):
// ingress gated on relay_enabled, deduplicated into the store, delivered
// locally when addressed to self, and forwarded on while ttl_hops remains
// and this node is not already a carrier.
type RelayLoop struct {
	Store   store.Store
	Routing *routing.Engine
	Manager *Manager

	SelfIdentityID     string
	SelfAgreementPub   []byte // for computing this node's recipient_hint
	KnownContacts      func(identityID string) bool

	mu              sync.Mutex
	relayEnabled    bool
	maxPerHour      uint32
	hourWindow      time.Time
	relayedThisHour uint32
	relayed         map[string]bool // msg_id already forwarded by this node

	delivered chan DeliveredEvent
	ingress   chan Ingress
}

// NewRelayLoop constructs a relay loop. maxRelayPerHour of 0 means
// unlimited (auto-adjust should set a finite cap per spec.md's policy
// ladder before the loop ever sees real traffic).
func NewRelayLoop(st store.Store, routingEngine *routing.Engine, mgr *Manager, selfIdentityID string, selfAgreementPub []byte, relayEnabled bool, maxRelayPerHour uint32) *RelayLoop {
	return &RelayLoop{
		Store:            st,
		Routing:          routingEngine,
		Manager:          mgr,
		SelfIdentityID:   selfIdentityID,
		SelfAgreementPub: selfAgreementPub,
		relayEnabled:     relayEnabled,
		maxPerHour:       maxRelayPerHour,
		hourWindow:       time.Now(),
		relayed:          make(map[string]bool),
		delivered:        make(chan DeliveredEvent, 64),
		ingress:          make(chan Ingress, 256),
	}
}

// Delivered returns the stream of envelopes addressed to this node.
func (r *RelayLoop) Delivered() <-chan DeliveredEvent {
	return r.delivered
}

// Submit enqueues an ingress envelope (app-originated or already decoded
// from a peer's frame) for the relay loop to process.
func (r *RelayLoop) Submit(in Ingress) {
	r.ingress <- in
}

// SetRelayEnabled flips the single relay=messaging coupling switch.
func (r *RelayLoop) SetRelayEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayEnabled = enabled
}

// RelayEnabled reports the current coupling switch state.
func (r *RelayLoop) RelayEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.relayEnabled
}

// SetMaxRelayPerHour updates the throughput cap, as driven by the
// auto-adjust policy.
func (r *RelayLoop) SetMaxRelayPerHour(max uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxPerHour = max
}

// Run drains both the manager's inbound frame stream and the local ingress
// queue until ctx is cancelled. One goroutine per relay loop, per spec.md
// §5's single-task-per-concern scheduling model.
func (r *RelayLoop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case inbound := <-r.Manager.Inbound():
			r.handleInboundFrame(ctx, inbound)
		case in := <-r.ingress:
			r.process(ctx, in)
		}
	}
}

// handleInboundFrame decodes an envelope-batch frame into individual
// ingress envelopes. Sync-step frames are not this loop's concern (the
// sync engine consumes those directly from the manager's per-session
// stream); anything else is ignored.
func (r *RelayLoop) handleInboundFrame(ctx context.Context, inbound InboundFrame) {
	if inbound.Frame.Kind() != envelope.PayloadEnvelopeBatch {
		return
	}

	envs, err := decodeEnvelopeBatch(inbound.Frame.Payload)
	if err != nil {
		return
	}
	for _, env := range envs {
		r.process(ctx, Ingress{Envelope: env, PeerIdentityID: inbound.PeerIdentityID})
	}
}

// process implements spec.md §4.5's relay loop body for one envelope.
func (r *RelayLoop) process(ctx context.Context, in Ingress) {
	r.mu.Lock()
	enabled := r.relayEnabled
	r.mu.Unlock()

	if !enabled {
		// Drop ingress; do not store; do not forward. There is no
		// receive-only state.
		return
	}

	env := in.Envelope
	msgID := env.MsgID()
	selfHint := envelope.RecipientHint(r.SelfAgreementPub)
	isForSelf := env.RecipientHint == selfHint

	rec := &store.Record{
		Envelope:       env,
		MsgID:          msgID,
		PeerIdentityID: in.PeerIdentityID,
		SelfAddressed:  in.SelfAddressed || isForSelf,
		HopsRemaining:  env.TTLHops,
		ReceivedAt:     time.Now(),
	}

	// A CapacityExceeded rejection and any other store fault are both
	// non-fatal to the relay loop: the envelope is simply not carried
	// further by this node (spec.md §4.2's failure semantics).
	result, err := r.Store.Insert(ctx, rec)
	if err != nil || result != store.Accepted {
		return
	}

	if isForSelf {
		r.delivered <- DeliveredEvent{MsgID: msgID, PeerIdentityID: in.PeerIdentityID, Envelope: env}
	}

	if env.TTLHops == 0 {
		return
	}
	if r.alreadyCarried(msgID) {
		return
	}
	if !r.takeRelayBudget() {
		return
	}

	r.Routing.MarkCarrier(msgID, r.SelfIdentityID)
	r.markCarried(msgID)

	n := 1
	if env.Priority > 0 {
		n = 2
	}
	knownContact := ""
	if r.KnownContacts != nil && r.KnownContacts(in.PeerIdentityID) {
		knownContact = in.PeerIdentityID
	}
	selection := r.Routing.Select(env.RecipientHint, msgID, knownContact, n)

	// The sealed envelope (ttl_hops inside its signed header) is forwarded
	// unmutated; store.Record.HopsRemaining is the authoritative
	// hop-bookkeeping counter for relay purposes, not the envelope itself.
	frame := envelope.NewFrame(envelope.CurrentVersion, envelope.PayloadEnvelopeBatch, encodeEnvelopeBatch([]*envelope.Envelope{env}))

	for _, peer := range selection.NextHops {
		if peer.IdentityID == in.PeerIdentityID {
			continue // don't bounce an envelope back to where it came from
		}
		if err := r.Manager.Send(ctx, peer.IdentityID, frame); err != nil {
			peer.Reputation.RecordForwardFailure()
			continue
		}
		peer.Reputation.RecordForwardSuccess(0)
	}
}

// alreadyCarried reports whether this node has already forwarded msgID, so
// a sync-reconciled duplicate doesn't get relayed twice.
func (r *RelayLoop) alreadyCarried(msgID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.relayed[msgID]
}

func (r *RelayLoop) markCarried(msgID string) {
	r.mu.Lock()
	r.relayed[msgID] = true
	r.mu.Unlock()
}

// takeRelayBudget consumes one unit of the hourly relay cap, resetting the
// window every hour. maxPerHour == 0 means unlimited.
func (r *RelayLoop) takeRelayBudget() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxPerHour == 0 {
		return true
	}
	if time.Since(r.hourWindow) >= time.Hour {
		r.hourWindow = time.Now()
		r.relayedThisHour = 0
	}
	if r.relayedThisHour >= r.maxPerHour {
		return false
	}
	r.relayedThisHour++
	return true
}

// decodeEnvelopeBatch and encodeEnvelopeBatch implement the wire format for
// PayloadEnvelopeBatch frames: a count (4 bytes LE) followed by that many
// length-prefixed (4 bytes LE) marshaled envelopes.
func decodeEnvelopeBatch(payload []byte) ([]*envelope.Envelope, error) {
	if len(payload) < 4 {
		return nil, errs.New(errs.CodeFrameCorrupt, "envelope batch: truncated count", nil)
	}
	count := binary.LittleEndian.Uint32(payload[:4])
	offset := 4

	out := make([]*envelope.Envelope, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+4 > len(payload) {
			return nil, errs.New(errs.CodeFrameCorrupt, "envelope batch: truncated length", nil)
		}
		length := binary.LittleEndian.Uint32(payload[offset : offset+4])
		offset += 4
		if offset+int(length) > len(payload) {
			return nil, errs.New(errs.CodeFrameCorrupt, "envelope batch: truncated envelope", nil)
		}
		env, err := envelope.Unmarshal(payload[offset : offset+int(length)])
		if err != nil {
			return nil, err
		}
		out = append(out, env)
		offset += int(length)
	}
	return out, nil
}

func encodeEnvelopeBatch(envs []*envelope.Envelope) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(envs)))
	for _, env := range envs {
		wire := env.Marshal()
		lenField := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenField, uint32(len(wire)))
		buf = append(buf, lenField...)
		buf = append(buf, wire...)
	}
	return buf
}
