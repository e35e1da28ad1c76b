package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scmessenger/drift/core/envelope"
	"github.com/scmessenger/drift/internal/errs"
)

// InternetTransport is the public-internet carrier: outbound sessions dial
// a peer's published WebSocket address, inbound sessions arrive through an
// http.Server upgrade handler. Grounded on pkg/agent/transport/websocket's
// WSTransport — persistent connection, mutex-guarded dial, background read
// pump — generalized from a request/response RPC shape to Drift's
// frame-stream shape.
type InternetTransport struct {
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	// addresses maps identity_id to a dialable WebSocket URL, populated by
	// whatever discovery mechanism (mDNS record, rendezvous hint, address
	// book) the host platform feeds in via Advertise.
	mu        sync.Mutex
	addresses map[string]string
	peersSeen chan PeerSeen

	upgrader websocket.Upgrader
	server   *http.Server
}

// NewInternetTransport constructs an Internet transport. If listenAddr is
// non-empty, Start also runs an http.Server accepting inbound WebSocket
// upgrades at that address.
func NewInternetTransport(listenAddr string) *InternetTransport {
	t := &InternetTransport{
		dialTimeout:  10 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		addresses:    make(map[string]string),
		peersSeen:    make(chan PeerSeen, 32),
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
	if listenAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/drift/v1", t.handleUpgrade)
		t.server = &http.Server{Addr: listenAddr, Handler: mux}
	}
	return t
}

// Advertise records peerIdentityID as reachable at wsURL and announces it
// on PeersSeen, as if discovered by an external directory/rendezvous hint.
func (t *InternetTransport) Advertise(peerIdentityID, wsURL string) {
	t.mu.Lock()
	t.addresses[peerIdentityID] = wsURL
	t.mu.Unlock()

	select {
	case t.peersSeen <- PeerSeen{PeerIdentityID: peerIdentityID}:
	default:
	}
}

func (t *InternetTransport) Class() Class { return ClassInternet }

func (t *InternetTransport) Start(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// The manager has no channel for fatal transport-level faults
			// today; a future diagnostics surface should carry this.
			_ = err
		}
	}()
	return nil
}

func (t *InternetTransport) Stop() error {
	close(t.peersSeen)
	if t.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.server.Shutdown(ctx)
}

func (t *InternetTransport) PeersSeen() <-chan PeerSeen {
	return t.peersSeen
}

// Connect dials peerIdentityID's advertised WebSocket address.
func (t *InternetTransport) Connect(ctx context.Context, peerIdentityID string) (SessionHandle, error) {
	t.mu.Lock()
	url, ok := t.addresses[peerIdentityID]
	t.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.CodeContactNotFound, "internet transport: no known address for peer", nil).WithDetails("peer_identity_id", peerIdentityID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	dialer := &websocket.Dialer{HandshakeTimeout: t.dialTimeout}
	conn, resp, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("internet transport: dial %s failed (HTTP %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("internet transport: dial %s failed: %w", url, err)
	}

	return newWSSession(peerIdentityID, conn, t.readTimeout, t.writeTimeout), nil
}

// handleUpgrade accepts an inbound WebSocket connection. The peer announces
// its identity_id in the first frame it sends (a PayloadPeerExchange
// frame); until then the session is held under a placeholder key.
func (t *InternetTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	session := newWSSession("", conn, t.readTimeout, t.writeTimeout)
	go session.awaitPeerIdentity(func(peerIdentityID string) {
		select {
		case t.peersSeen <- PeerSeen{PeerIdentityID: peerIdentityID}:
		default:
		}
	})
}

// wsSession adapts a *websocket.Conn to SessionHandle, framing Drift frames
// as binary WebSocket messages.
type wsSession struct {
	peerIdentityID string
	conn           *websocket.Conn
	writeTimeout   time.Duration

	mu       sync.Mutex
	recvCh   chan *envelope.Frame
	closed   bool
}

func newWSSession(peerIdentityID string, conn *websocket.Conn, readTimeout, writeTimeout time.Duration) *wsSession {
	s := &wsSession{
		peerIdentityID: peerIdentityID,
		conn:           conn,
		writeTimeout:   writeTimeout,
		recvCh:         make(chan *envelope.Frame, 32),
	}
	go s.readPump(readTimeout)
	return s
}

func (s *wsSession) PeerIdentityID() string { return s.peerIdentityID }
func (s *wsSession) Class() Class           { return ClassInternet }

func (s *wsSession) Send(ctx context.Context, frame *envelope.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New(errs.CodeProtocolViolation, "internet transport: session closed", nil)
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return fmt.Errorf("internet transport: set write deadline: %w", err)
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame.Marshal())
}

func (s *wsSession) Recv() <-chan *envelope.Frame {
	return s.recvCh
}

func (s *wsSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.recvCh)
	return s.conn.Close()
}

func (s *wsSession) readPump(readTimeout time.Duration) {
	defer s.Close()
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		frame, err := envelope.UnmarshalFrame(data)
		if err != nil {
			// A corrupt frame is dropped and reading continues; nothing
			// reports it to the routing engine.
			continue
		}
		s.recvCh <- frame
	}
}

// awaitPeerIdentity blocks until the first PayloadPeerExchange frame
// arrives on an inbound session of unknown origin, then reports the
// identity_id it carries and continues the normal read pump.
func (s *wsSession) awaitPeerIdentity(onIdentified func(peerIdentityID string)) {
	frame := <-s.recvCh
	if frame == nil {
		return
	}
	if frame.Kind() == envelope.PayloadPeerExchange && len(frame.Payload) > 0 {
		s.peerIdentityID = string(frame.Payload)
		onIdentified(s.peerIdentityID)
	}
	// Re-queue the frame for the manager's normal inbound pump.
	s.recvCh <- frame
}
