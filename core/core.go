// Package core wires identity, envelope, store, routing, and transport
// into the small, stable façade spec.md §4.6 describes: the one surface
// platform hosts (iOS/Android/web, none of which live in this repo)
// drive.
package core

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/scmessenger/drift/config"
	"github.com/scmessenger/drift/core/contact"
	"github.com/scmessenger/drift/core/envelope"
	"github.com/scmessenger/drift/core/identity"
	"github.com/scmessenger/drift/core/routing"
	"github.com/scmessenger/drift/core/store"
	"github.com/scmessenger/drift/core/transport"
	"github.com/scmessenger/drift/crypto/vault"
	"github.com/scmessenger/drift/internal/errs"
)

// PreparedMessage is prepare_message's output: an opaque envelope buffer
// plus the fields the host needs without inspecting it (spec.md §4.6's
// façade contract — no private keys ever cross this boundary).
type PreparedMessage struct {
	Wire     []byte
	MsgID    string
	Priority uint8
	TTLHops  uint8
}

// defaultTTLHops is the hop budget a freshly prepared message is sealed
// with, absent a caller override.
const defaultTTLHops = 8

// CreateIdentity generates a fresh identity and seals it into v under
// passphrase, matching the create_identity operation.
func CreateIdentity(v vault.Vault, passphrase string) (*identity.Identity, error) {
	id, err := identity.New()
	if err != nil {
		return nil, err
	}
	if err := id.Save(v, passphrase); err != nil {
		return nil, err
	}
	return id, nil
}

// LoadIdentity reconstructs a previously created identity from its sealed
// vault entry.
func LoadIdentity(v vault.Vault, passphrase string) (*identity.Identity, error) {
	return identity.Load(v, passphrase)
}

// Node is the core façade: the single long-lived object a platform host
// constructs once per identity.sealed directory and drives for the life
// of the process.
type Node struct {
	mu sync.RWMutex

	identity *identity.Identity
	cfg      *config.Config
	store    store.Store
	routing  *routing.Engine
	manager  *transport.Manager
	relay    *transport.RelayLoop
	contacts contact.Book

	deviceState transport.DeviceState
	events      chan Event
}

// NewNode assembles a façade around already-constructed subsystems. Wiring
// them together (choosing a store backend, registering transports) is the
// host's responsibility, matching spec.md's "external collaborators"
// boundary — the façade only coordinates what it's handed.
func NewNode(id *identity.Identity, cfg *config.Config, st store.Store, routingEngine *routing.Engine, mgr *transport.Manager, contacts contact.Book) *Node {
	relay := transport.NewRelayLoop(st, routingEngine, mgr, id.IdentityID(), id.AgreementPublicKey(), cfg.RelayEnabled, cfg.MaxRelayPerHour)

	n := &Node{
		identity: id,
		cfg:      cfg,
		store:    st,
		routing:  routingEngine,
		manager:  mgr,
		relay:    relay,
		contacts: contacts,
		events:   make(chan Event, 256),
	}
	relay.KnownContacts = n.isKnownContact
	return n
}

func (n *Node) isKnownContact(identityID string) bool {
	_, ok, _ := n.contacts.Get(context.Background(), identityID)
	return ok
}

// Run starts the façade's background pumps (transport manager, relay
// loop, delivered/connectivity event translation) and blocks until ctx is
// cancelled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.manager.Start(ctx); err != nil {
		return err
	}
	go n.relay.Run(ctx)
	go n.pumpDelivered(ctx)
	go n.pumpConnectivity(ctx)
	<-ctx.Done()
	return n.manager.Stop()
}

func (n *Node) pumpDelivered(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-n.relay.Delivered():
			n.handleDelivered(ctx, d)
		}
	}
}

func (n *Node) handleDelivered(ctx context.Context, d transport.DeliveredEvent) {
	plaintext, err := envelope.Receive(n.identity, d.Envelope)
	if err != nil {
		// Signature, hint, or decrypt failure on a self-addressed
		// envelope is a protocol fault, not something to surface as a
		// delivered message.
		return
	}
	if len(plaintext) == 0 {
		return
	}

	switch envelope.PayloadType(plaintext[0]) {
	case envelope.PayloadChat:
		text := string(plaintext[1:])
		if err := n.store.IndexPlaintext(ctx, d.MsgID, text); err != nil {
			return
		}
		_ = n.store.MarkDelivered(ctx, d.MsgID)
		n.emit(Event{Kind: EventMessageReceived, MsgID: d.MsgID, PeerIdentityID: d.PeerIdentityID, Text: text, At: time.Now()})

	case envelope.PayloadDeliveryReceipt:
		ackedMsgID := string(plaintext[1:])
		_ = n.store.MarkDelivered(ctx, ackedMsgID)

	default:
		// IdentityProbe/RoutingAdvertisement payloads feed the routing
		// engine directly via the sync/transport layer, not the
		// message-delivery event stream.
	}

	if err := n.contacts.Touch(ctx, d.PeerIdentityID, time.Now()); err != nil {
		return
	}
}

func (n *Node) pumpConnectivity(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-n.manager.Events():
			n.emit(connectivityToEvent(evt))
		}
	}
}

func connectivityToEvent(evt transport.Event) Event {
	kind := EventTransportChanged
	switch evt.Kind {
	case transport.EventPeerDiscovered:
		kind = EventPeerDiscovered
	case transport.EventPeerLost:
		kind = EventPeerLost
	case transport.EventTransportChanged:
		kind = EventTransportChanged
	}
	return Event{Kind: kind, PeerIdentityID: evt.PeerIdentityID, Class: evt.Class, At: evt.At}
}

func (n *Node) emit(evt Event) {
	select {
	case n.events <- evt:
	default:
		// Telemetry-class backpressure: drop rather than block delivery.
	}
}

// SubscribeEvents returns the façade's typed event stream.
func (n *Node) SubscribeEvents() <-chan Event {
	return n.events
}

// GetIdentityInfo returns an immutable snapshot of this node's identity.
func (n *Node) GetIdentityInfo() identity.Info {
	return n.identity.Info()
}

// SetNickname updates the locally-set display nickname.
func (n *Node) SetNickname(nickname string) {
	n.identity.SetNickname(nickname)
}

// PrepareMessage seals text for recipientAgreementPub without sending it,
// matching spec.md §4.6's prepare_message contract. Fails with
// RelayDisabled (the coupling switch applies to outbound sends too),
// ConfigInvalid (text longer than max_plaintext_bytes) or KeyMalformed.
func (n *Node) PrepareMessage(recipientAgreementPub []byte, text string, priority uint8) (*PreparedMessage, error) {
	if !n.relay.RelayEnabled() {
		return nil, errs.New(errs.CodeRelayDisabled, "prepare_message: relay is disabled", nil)
	}
	if len(text) > n.cfg.MaxPlaintextBytes {
		return nil, errs.New(errs.CodeConfigInvalid, fmt.Sprintf("prepare_message: text exceeds max_plaintext_bytes (%d)", n.cfg.MaxPlaintextBytes), nil)
	}

	payload := append([]byte{byte(envelope.PayloadChat)}, []byte(text)...)
	env, err := envelope.Prepare(n.identity, recipientAgreementPub, payload, priority, defaultTTLHops)
	if err != nil {
		return nil, err
	}

	return &PreparedMessage{
		Wire:     env.Marshal(),
		MsgID:    env.MsgID(),
		Priority: env.Priority,
		TTLHops:  env.TTLHops,
	}, nil
}

// SendMessage prepares a message for peerIdentityID and submits it to the
// relay loop, matching spec.md §4.6's send_message(peer, text). The
// recipient's agreement key and known-contact status come from the
// contact book; ContactNotFound is returned if peerIdentityID has never
// been added.
func (n *Node) SendMessage(ctx context.Context, peerIdentityID string, text string, priority uint8) (*PreparedMessage, error) {
	c, ok, err := n.contacts.Get(ctx, peerIdentityID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.CodeContactNotFound, "send_message: unknown peer_identity_id", nil).WithDetails("peer_identity_id", peerIdentityID)
	}

	prepared, err := n.PrepareMessage(c.AgreementPub, text, priority)
	if err != nil {
		return nil, err
	}

	env, err := envelope.Unmarshal(prepared.Wire)
	if err != nil {
		return nil, err
	}
	n.relay.Submit(transport.Ingress{Envelope: env, SelfAddressed: true})
	n.emit(Event{Kind: EventMessageSent, MsgID: prepared.MsgID, PeerIdentityID: peerIdentityID, At: time.Now()})
	return prepared, nil
}

// SetDeviceState feeds a device-state observation into the auto-adjust
// policy function and applies the derived relay throughput cap.
func (n *Node) SetDeviceState(state transport.DeviceState) transport.Policy {
	n.mu.Lock()
	n.deviceState = state
	n.mu.Unlock()

	policy := transport.DerivePolicy(state, n.cfg)
	n.relay.SetMaxRelayPerHour(policy.RelayMessagesPerHourCap)
	return policy
}

// SetRelayEnabled flips the single relay=messaging coupling switch.
func (n *Node) SetRelayEnabled(enabled bool) {
	n.relay.SetRelayEnabled(enabled)
}

// AddContact adds or updates a contact, matching spec.md's "created on
// first verified identity exchange" lifecycle.
func (n *Node) AddContact(ctx context.Context, identityID string, signingPub ed25519.PublicKey, agreementPub []byte, nickname string) error {
	return n.contacts.Add(ctx, &contact.Contact{
		IdentityID:   identityID,
		SigningPub:   signingPub,
		AgreementPub: append([]byte(nil), agreementPub...),
		Nickname:     nickname,
		AddedAt:      time.Now(),
		LastSeen:     time.Now(),
	})
}

// RemoveContact removes a contact and cascades deletion of its locally
// stored conversation (spec.md §4.6). The cascade is local-only: it does
// not propagate as a CRDT tombstone (see store.Store.DeleteConversation).
func (n *Node) RemoveContact(ctx context.Context, identityID string) error {
	if err := n.store.DeleteConversation(ctx, identityID); err != nil {
		return err
	}
	n.routing.RemovePeer(identityID)
	return n.contacts.Remove(ctx, identityID)
}

// ListConversation returns up to limit of the locally stored, self-
// addressed envelopes exchanged with peerIdentityID, newest first.
func (n *Node) ListConversation(ctx context.Context, peerIdentityID string, limit int) ([]*store.Record, error) {
	return n.store.Conversation(ctx, peerIdentityID, limit)
}

// Diagnostics is export_diagnostics' output: a snapshot of node health for
// support/debugging, never including private key material.
type Diagnostics struct {
	IdentityID       string
	StoreRecordCount int
	RelayEnabled     bool
	DeviceState      transport.DeviceState
	ActivePeers      int
}

// ExportDiagnostics gathers a point-in-time diagnostic snapshot.
func (n *Node) ExportDiagnostics(ctx context.Context) (*Diagnostics, error) {
	all, err := n.store.All(ctx)
	if err != nil {
		return nil, err
	}
	contacts, err := n.contacts.List(ctx)
	if err != nil {
		return nil, err
	}

	n.mu.RLock()
	state := n.deviceState
	n.mu.RUnlock()

	activePeers := 0
	for _, c := range contacts {
		if _, ok := n.manager.ActiveClass(c.IdentityID); ok {
			activePeers++
		}
	}

	return &Diagnostics{
		IdentityID:       n.identity.IdentityID(),
		StoreRecordCount: len(all),
		RelayEnabled:     n.relay.RelayEnabled(),
		DeviceState:      state,
		ActivePeers:      activePeers,
	}, nil
}
