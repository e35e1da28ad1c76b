// Package transport implements the Drift relay-coupled transport manager
// (spec.md §4.5): a uniform abstraction over BLE, Wi-Fi-local, and Internet
// transports, per-peer escalation to the best mutually available class, and
// the connectivity event stream the core façade exposes via subscribe_events.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scmessenger/drift/core/envelope"
	"github.com/scmessenger/drift/core/routing"
	"github.com/scmessenger/drift/internal/errs"
)

// Class identifies one of the three transport classes a peer may be
// reachable on.
type Class int

const (
	ClassBLE Class = iota
	ClassWifiLocal
	ClassInternet
)

func (c Class) String() string {
	switch c {
	case ClassBLE:
		return "ble"
	case ClassWifiLocal:
		return "wifi_local"
	case ClassInternet:
		return "internet"
	default:
		return "unknown"
	}
}

// escalationOrder lists transport classes from least to most preferred.
// Escalation on first contact climbs this list; it is also the tie-break
// when a peer is simultaneously reachable on more than one class.
var escalationOrder = []Class{ClassBLE, ClassWifiLocal, ClassInternet}

func rank(c Class) int {
	for i, e := range escalationOrder {
		if e == c {
			return i
		}
	}
	return -1
}

// PeerSeen is reported by a Transport whenever it observes a peer, whether
// newly discovered or re-announced.
type PeerSeen struct {
	PeerIdentityID string
	Capabilities   routing.Capabilities
}

// SessionHandle is one established, class-specific connection to a peer.
type SessionHandle interface {
	PeerIdentityID() string
	Class() Class
	Send(ctx context.Context, frame *envelope.Frame) error
	Recv() <-chan *envelope.Frame
	Close() error
}

// Transport is the per-class abstraction every concrete carrier (BLE,
// Wi-Fi-local, Internet) implements identically, per spec.md §4.5.
type Transport interface {
	Class() Class
	Start(ctx context.Context) error
	Stop() error

	// PeersSeen streams peer observations as they are discovered or
	// re-announced; closed when Stop returns.
	PeersSeen() <-chan PeerSeen

	Connect(ctx context.Context, peerIdentityID string) (SessionHandle, error)
}

// EventKind tags one connectivity event a subscriber sees.
type EventKind int

const (
	EventPeerDiscovered EventKind = iota
	EventPeerLost
	EventTransportChanged
)

func (k EventKind) String() string {
	switch k {
	case EventPeerDiscovered:
		return "peer_discovered"
	case EventPeerLost:
		return "peer_lost"
	case EventTransportChanged:
		return "transport_changed"
	default:
		return "unknown"
	}
}

// Event is one connectivity notification the manager emits.
type Event struct {
	Kind           EventKind
	PeerIdentityID string
	Class          Class
	At             time.Time
}

// InboundFrame pairs a received frame with the peer and class it arrived
// on, for the relay loop and sync engine to consume.
type InboundFrame struct {
	PeerIdentityID string
	Class          Class
	Frame          *envelope.Frame
}

// gracePeriod is how long a downgraded (no longer best) session is kept
// warm before being closed, so a flapping higher-class link does not incur
// reconnect cost on every wobble.
const gracePeriod = 30 * time.Second

// Manager multiplexes every registered Transport uniformly: it tracks, per
// peer, the best currently available class, escalates to it, keeps the
// previous best warm for gracePeriod, and fans inbound frames and
// connectivity events into single aggregate streams.
type Manager struct {
	mu sync.Mutex

	transports map[Class]Transport
	active     map[string]SessionHandle            // identity_id -> current best session
	warm       map[string]map[Class]SessionHandle  // identity_id -> downgraded sessions kept alive
	warmTimers map[string]map[Class]*time.Timer

	events   chan Event
	inbound  chan InboundFrame
	nowFunc  func() time.Time
}

// NewManager constructs an empty manager; Register each Transport before
// calling Start.
func NewManager() *Manager {
	return &Manager{
		transports: make(map[Class]Transport),
		active:     make(map[string]SessionHandle),
		warm:       make(map[string]map[Class]SessionHandle),
		warmTimers: make(map[string]map[Class]*time.Timer),
		events:     make(chan Event, 64),
		inbound:    make(chan InboundFrame, 256),
		nowFunc:    time.Now,
	}
}

// Register adds a Transport. Must be called before Start.
func (m *Manager) Register(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[t.Class()] = t
}

// Events returns the aggregate connectivity event stream.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Inbound returns the aggregate stream of frames received on any active
// session across any transport.
func (m *Manager) Inbound() <-chan InboundFrame {
	return m.inbound
}

// Start starts every registered transport and begins consuming its
// PeersSeen stream to drive escalation.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	transports := make([]Transport, 0, len(m.transports))
	for _, t := range m.transports {
		transports = append(transports, t)
	}
	m.mu.Unlock()

	for _, t := range transports {
		if err := t.Start(ctx); err != nil {
			return errs.New(errs.CodeStorageUnavailable, fmt.Sprintf("transport: start %s", t.Class()), err)
		}
		go m.pumpPeersSeen(ctx, t)
	}
	return nil
}

// Stop stops every registered transport and closes every active and warm
// session.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, timers := range m.warmTimers {
		for _, timer := range timers {
			timer.Stop()
		}
	}
	for _, s := range m.active {
		_ = s.Close()
	}
	for _, set := range m.warm {
		for _, s := range set {
			_ = s.Close()
		}
	}
	var firstErr error
	for _, t := range m.transports {
		if err := t.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) pumpPeersSeen(ctx context.Context, t Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case seen, ok := <-t.PeersSeen():
			if !ok {
				return
			}
			m.onPeerSeen(ctx, t, seen)
		}
	}
}

func (m *Manager) onPeerSeen(ctx context.Context, t Transport, seen PeerSeen) {
	m.mu.Lock()
	current, hasActive := m.active[seen.PeerIdentityID]
	m.mu.Unlock()

	newlyDiscovered := !hasActive
	if hasActive && rank(t.Class()) <= rank(current.Class()) {
		// Already on an equal-or-better class; nothing to escalate to.
		if newlyDiscovered {
			m.emit(Event{Kind: EventPeerDiscovered, PeerIdentityID: seen.PeerIdentityID, Class: t.Class(), At: m.nowFunc()})
		}
		return
	}

	session, err := t.Connect(ctx, seen.PeerIdentityID)
	if err != nil {
		// Escalation attempt failed; the peer remains reachable on its
		// current best class, if any.
		return
	}

	m.mu.Lock()
	m.active[seen.PeerIdentityID] = session
	if hasActive {
		m.keepWarmLocked(seen.PeerIdentityID, current)
	}
	m.mu.Unlock()

	go m.pumpInbound(session)

	if newlyDiscovered {
		m.emit(Event{Kind: EventPeerDiscovered, PeerIdentityID: seen.PeerIdentityID, Class: t.Class(), At: m.nowFunc()})
	} else {
		m.emit(Event{Kind: EventTransportChanged, PeerIdentityID: seen.PeerIdentityID, Class: t.Class(), At: m.nowFunc()})
	}
}

// keepWarmLocked retains a downgraded session for gracePeriod before
// closing it, so a momentarily flapping higher-class link doesn't force an
// immediate reconnect. Caller holds m.mu.
func (m *Manager) keepWarmLocked(peerIdentityID string, session SessionHandle) {
	set, ok := m.warm[peerIdentityID]
	if !ok {
		set = make(map[Class]SessionHandle)
		m.warm[peerIdentityID] = set
	}
	set[session.Class()] = session

	timers, ok := m.warmTimers[peerIdentityID]
	if !ok {
		timers = make(map[Class]*time.Timer)
		m.warmTimers[peerIdentityID] = timers
	}
	class := session.Class()
	timers[class] = time.AfterFunc(gracePeriod, func() {
		m.mu.Lock()
		if s, ok := m.warm[peerIdentityID][class]; ok {
			_ = s.Close()
			delete(m.warm[peerIdentityID], class)
		}
		m.mu.Unlock()
	})
}

func (m *Manager) pumpInbound(session SessionHandle) {
	for frame := range session.Recv() {
		m.inbound <- InboundFrame{
			PeerIdentityID: session.PeerIdentityID(),
			Class:          session.Class(),
			Frame:          frame,
		}
	}

	m.mu.Lock()
	if current, ok := m.active[session.PeerIdentityID()]; ok && current == session {
		delete(m.active, session.PeerIdentityID())
		m.mu.Unlock()
		m.emit(Event{Kind: EventPeerLost, PeerIdentityID: session.PeerIdentityID(), Class: session.Class(), At: m.nowFunc()})
		return
	}
	m.mu.Unlock()
}

func (m *Manager) emit(evt Event) {
	select {
	case m.events <- evt:
	default:
		// Telemetry-class stream: drop under backpressure rather than
		// block the escalation path (spec.md §5's backpressure policy).
	}
}

// Send delivers frame to peerIdentityID over its current best session.
func (m *Manager) Send(ctx context.Context, peerIdentityID string, frame *envelope.Frame) error {
	m.mu.Lock()
	session, ok := m.active[peerIdentityID]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.CodeTooManyPeers, "transport: no active session for peer", nil).WithDetails("peer_identity_id", peerIdentityID)
	}
	return session.Send(ctx, frame)
}

// ActiveClass reports the transport class currently used for peerIdentityID,
// if any.
func (m *Manager) ActiveClass(peerIdentityID string) (Class, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[peerIdentityID]
	if !ok {
		return 0, false
	}
	return s.Class(), true
}
