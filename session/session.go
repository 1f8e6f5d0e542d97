// Package session owns a single authenticated TCP (optionally
// TLS-wrapped) connection to the push server: the handshake, the
// socket, and the user callback bound to one monitor id.
package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"pushmonitor/frame"
)

const (
	insecurePort = 3200
	securePort   = 3201

	handshakeTimeout  = 10 * time.Second
	clusterSettleWait = 500 * time.Millisecond
)

// State is a Session's position in its lifecycle.
type State int

const (
	StateNew State = iota
	StateStarting
	StateActive
	StateBroken
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateBroken:
		return "broken"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Credentials identifies the user to both the REST control plane and the
// push channel. Immutable once a client is created.
type Credentials struct {
	Username string
	Hostname string
	Password string

	// Secure selects a TLS-wrapped push connection on port 3201 instead
	// of a plain TCP connection on port 3200.
	Secure bool

	// CACerts, when set, is a PEM file the TLS handshake must verify the
	// server certificate against. When unset, the system trust store is
	// used unless Insecure is also set.
	CACerts string

	// Insecure disables server certificate verification entirely. This
	// must be opted into explicitly; the zero value verifies.
	Insecure bool
}

// Callback is invoked with a decoded, decompressed publish payload. A
// truthy return causes the session to ack the message; false or a panic
// causes the message to go unacknowledged.
type Callback func(payload []byte) bool

// ProtocolError represents a fatal handshake failure: a bad opcode, a
// short frame, or a non-200 status.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "session: protocol error: " + e.Reason }

// ErrAlreadyStarted is returned by Start when the session already owns a
// connection.
var ErrAlreadyStarted = fmt.Errorf("session: already started")

// Session is a tuple of (monitor id, callback, conn, credentials). Only
// the owning reactor's reader reads from Conn(); only its writer writes
// to it; callbacks never touch it directly.
type Session struct {
	mu        sync.Mutex
	creds     Credentials
	monitorID uint32
	callback  Callback
	conn      net.Conn
	state     State
}

// New constructs a session bound to one monitor id and callback. The
// session owns no socket until Start is called.
func New(creds Credentials, monitorID uint32, cb Callback) *Session {
	return &Session{creds: creds, monitorID: monitorID, callback: cb, state: StateNew}
}

// MonitorID returns the session's immutable monitor id.
func (s *Session) MonitorID() uint32 { return s.monitorID }

// Callback returns the user callback bound to this session.
func (s *Session) Callback() Callback { return s.callback }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conn returns the current connection, or nil if the session has no
// live socket. Safe to call concurrently with Start/Stop.
func (s *Session) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Start dials the server, performs the handshake, and — on success —
// marks the session Active. Precondition: the session owns no
// connection. Failure at any step closes the socket, resets it to nil,
// and returns the error; the session is left in state New so a caller
// may retry.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateNew
		s.mu.Unlock()
		return err
	}

	if err := s.sendConnectionRequest(conn); err != nil {
		conn.Close()
		s.mu.Lock()
		s.state = StateNew
		s.mu.Unlock()
		return err
	}

	// Absorb the server cluster's propagation delay: publishes sent
	// immediately after a successful handshake may otherwise be dropped
	// server-side before the new session is visible cluster-wide.
	time.Sleep(clusterSettleWait)

	s.mu.Lock()
	s.conn = conn
	s.state = StateActive
	s.mu.Unlock()
	return nil
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{}

	if !s.creds.Secure {
		addr := fmt.Sprintf("%s:%d", s.creds.Hostname, insecurePort)
		return dialer.DialContext(ctx, "tcp", addr)
	}

	addr := fmt.Sprintf("%s:%d", s.creds.Hostname, securePort)
	tlsConfig := &tls.Config{
		ServerName:         s.creds.Hostname,
		InsecureSkipVerify: s.creds.Insecure,
	}
	if s.creds.CACerts != "" {
		pool, err := loadCACerts(s.creds.CACerts)
		if err != nil {
			return nil, fmt.Errorf("session: loading CA certs: %w", err)
		}
		tlsConfig.RootCAs = pool
	}

	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(rawConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func loadCACerts(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// sendConnectionRequest performs the synchronous handshake: send one
// CONNECTION_REQUEST, read exactly 10 bytes of CONNECTION_RESPONSE within
// a 10 second deadline, and verify opcode and status.
func (s *Session) sendConnectionRequest(conn net.Conn) error {
	req := frame.EncodeConnectionRequest(s.creds.Username, s.creds.Password, s.monitorID)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("session: sending connection request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	resp := make([]byte, 10)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("reading connection response: %v", err)}
	}

	op, length, err := frame.DecodeHeader(resp[:frame.HeaderLen])
	if err != nil {
		return &ProtocolError{Reason: err.Error()}
	}
	if op != frame.ConnectionResponse {
		return &ProtocolError{Reason: fmt.Sprintf("opcode %v is not ConnectionResponse", op)}
	}
	_ = length // declared length is not re-validated; the frame is fixed size on the wire

	status, err := frame.DecodeConnectionResponseStatus(resp[frame.HeaderLen:])
	if err != nil {
		return &ProtocolError{Reason: err.Error()}
	}
	if status != frame.StatusOK {
		return &ProtocolError{Reason: fmt.Sprintf("status %d is not OK", status)}
	}
	return nil
}

// MarkBroken transitions an Active session to Broken. Called by the
// reactor when it detects an I/O failure; it does not touch the socket.
func (s *Session) MarkBroken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive || s.state == StateStarting {
		s.state = StateBroken
	}
}

// Stop is idempotent: it closes the socket if present and resets it to
// nil, leaving the session in state Stopped.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state = StateStopped
}
