package transport

import (
	"context"
	"io"
	"sync"

	"github.com/scmessenger/drift/internal/errs"
)

// BLETransport is a framing-only adapter: spec.md's external-collaborators
// list excludes concrete radio I/O (GATT/L2CAP), so this transport never
// touches a radio. The host platform is responsible for scanning,
// advertising, and GATT connection setup, and hands Drift a plain
// io.ReadWriter per established link via RegisterLink; everything above
// that — frame marshaling, read pumping, session lifecycle — is identical
// to WifiLocalTransport's streamSession, reused directly.
type BLETransport struct {
	mu        sync.Mutex
	links     map[string]io.ReadWriter
	peersSeen chan PeerSeen
}

// NewBLETransport constructs an empty BLE transport; the host platform
// populates it via RegisterLink as links are formed.
func NewBLETransport() *BLETransport {
	return &BLETransport{
		links:     make(map[string]io.ReadWriter),
		peersSeen: make(chan PeerSeen, 32),
	}
}

// RegisterLink is called by the host platform once it has completed GATT
// service discovery and characteristic subscription for peerIdentityID,
// handing Drift a byte-stream abstraction over the radio link.
func (t *BLETransport) RegisterLink(peerIdentityID string, link io.ReadWriter) {
	t.mu.Lock()
	t.links[peerIdentityID] = link
	t.mu.Unlock()

	select {
	case t.peersSeen <- PeerSeen{PeerIdentityID: peerIdentityID}:
	default:
	}
}

// ForgetLink is called by the host platform when a GATT connection drops
// (peer out of range, radio disabled).
func (t *BLETransport) ForgetLink(peerIdentityID string) {
	t.mu.Lock()
	delete(t.links, peerIdentityID)
	t.mu.Unlock()
}

func (t *BLETransport) Class() Class { return ClassBLE }

func (t *BLETransport) Start(ctx context.Context) error { return nil }

func (t *BLETransport) Stop() error {
	close(t.peersSeen)
	return nil
}

func (t *BLETransport) PeersSeen() <-chan PeerSeen {
	return t.peersSeen
}

func (t *BLETransport) Connect(ctx context.Context, peerIdentityID string) (SessionHandle, error) {
	t.mu.Lock()
	link, ok := t.links[peerIdentityID]
	t.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.CodeContactNotFound, "ble transport: no registered link for peer; host platform must RegisterLink first", nil).WithDetails("peer_identity_id", peerIdentityID)
	}
	return newStreamSession(peerIdentityID, link, ClassBLE), nil
}
