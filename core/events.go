package core

import (
	"time"

	"github.com/scmessenger/drift/core/transport"
)

// EventKind tags one notification on the subscribe_events stream (spec.md
// §4.6): message_sent, message_received, peer_discovered, peer_lost,
// transport_changed.
type EventKind int

const (
	EventMessageSent EventKind = iota
	EventMessageReceived
	EventPeerDiscovered
	EventPeerLost
	EventTransportChanged
)

func (k EventKind) String() string {
	switch k {
	case EventMessageSent:
		return "message_sent"
	case EventMessageReceived:
		return "message_received"
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

// Event is one typed record on the subscribe_events stream. No private key
// material ever crosses this boundary; Text is only populated for
// EventMessageReceived, after local decryption inside the façade.
type Event struct {
	Kind           EventKind
	MsgID          string
	PeerIdentityID string
	Text           string
	Class          transport.Class
	At             time.Time
}
