package callback

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"pushmonitor/frame"
	"pushmonitor/session"
)

type fakeAckWriter struct {
	mu   sync.Mutex
	acks [][]byte
}

func (f *fakeAckWriter) Enqueue(conn net.Conn, data []byte, done <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, data)
}

func (f *fakeAckWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks)
}

// startFakeServer listens on 127.0.0.1:3200 (the push protocol's fixed
// insecure port) and answers every CONNECTION_REQUEST with a 200 OK
// CONNECTION_RESPONSE, so session.Session.Start performs a real
// handshake over a real socket.
func startFakeServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:3200")
	if err != nil {
		t.Skipf("cannot bind fixed push port for this test: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { recover() }()
				header := make([]byte, frame.HeaderLen)
				if _, err := io.ReadFull(c, header); err != nil {
					return
				}
				_, length, err := frame.DecodeHeader(header)
				if err != nil {
					return
				}
				io.CopyN(io.Discard, c, int64(length))

				resp := append(frame.EncodeHeader(frame.ConnectionResponse, 4), 0, byte(frame.StatusOK), 0, 0)
				c.Write(resp)
			}(conn)
		}
	}()
	return ln
}

func newActiveSession(t *testing.T, cb session.Callback) *session.Session {
	t.Helper()
	ln := startFakeServer(t)
	t.Cleanup(func() { ln.Close() })

	sess := session.New(session.Credentials{Hostname: "127.0.0.1"}, 1, cb)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("starting test session: %v", err)
	}
	t.Cleanup(sess.Stop)
	return sess
}

func TestPoolAcksOnSuccessfulCallback(t *testing.T) {
	var invoked int32
	cb := func(payload []byte) bool {
		invoked++
		return true
	}
	sess := newActiveSession(t, cb)

	w := &fakeAckWriter{}
	done := make(chan struct{})
	pool := New(1, 4, w, done)

	pool.Enqueue(Task{Session: sess, BlockID: 7, Payload: []byte("hello")})

	waitFor(t, func() bool { return w.count() == 1 })
	if invoked != 1 {
		t.Fatalf("expected callback invoked once, got %d", invoked)
	}
}

func TestPoolDoesNotAckOnFailedCallback(t *testing.T) {
	cb := func(payload []byte) bool { return false }
	sess := newActiveSession(t, cb)

	w := &fakeAckWriter{}
	done := make(chan struct{})
	pool := New(1, 4, w, done)

	pool.Enqueue(Task{Session: sess, BlockID: 3, Payload: []byte("hi")})

	time.Sleep(50 * time.Millisecond)
	if w.count() != 0 {
		t.Fatalf("expected no ack for a rejected callback, got %d", w.count())
	}
}

func TestPoolRecoversFromPanickingCallback(t *testing.T) {
	cb := func(payload []byte) bool { panic("boom") }
	sess := newActiveSession(t, cb)

	w := &fakeAckWriter{}
	done := make(chan struct{})
	pool := New(1, 4, w, done)

	pool.Enqueue(Task{Session: sess, BlockID: 1, Payload: []byte("x")})
	pool.Enqueue(Task{Session: sess, BlockID: 2, Payload: []byte("y")})

	time.Sleep(50 * time.Millisecond)
	if w.count() != 0 {
		t.Fatalf("expected no acks from panicking callbacks, got %d", w.count())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
