// Package reactor owns the set of active sessions, drives their
// multiplexed read loop, restarts broken sessions, and orchestrates
// shutdown. It is the client-facing entry point of the module: the
// counterpart of the teacher's sol.Manager, generalized from "one SOL
// console per bare-metal host" to "one push session per monitor".
package reactor

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"pushmonitor/callback"
	"pushmonitor/frame"
	"pushmonitor/session"
	"pushmonitor/writer"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
	// stableConnectionWindow: a restart attempt that runs longer than
	// this before failing (e.g. a slow dial) resets backoff to
	// initialBackoff rather than continuing to grow it — adapted from the
	// teacher's sol.Manager.runSession backoff loop. Each call to restart
	// starts again from initialBackoff; backoff does not carry over from
	// one break of a session to the next.
	stableConnectionWindow = 30 * time.Second
)

// Options configures a Client's worker pool and queue sizes. Zero values
// fall back to the package defaults used by callback.New and writer.New.
type Options struct {
	Workers           int
	CallbackQueueSize int
	WriteQueueSize    int
}

// Client is the reactor: it owns the session map, the shared callback
// pool, and the shared writer, and runs one reader goroutine per active
// session (Go's idiomatic stand-in for a single select()-driven loop —
// see DESIGN.md for the documented deviation from the spec's literal
// single-threaded model).
type Client struct {
	opts Options

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
	closed   bool
	doneCh   chan struct{}

	// ctx is cancelled by StopAll alongside doneCh, so a restart attempt
	// blocked on an in-flight dial (e.g. a black-holed TCP SYN) unblocks
	// promptly instead of holding up wg.Wait() until the dial times out
	// on its own.
	ctx    context.Context
	cancel context.CancelFunc

	pool      *callback.Pool
	wr        *writer.Writer
	wg        sync.WaitGroup
	startOnce sync.Once
}

// New creates a Client. The callback pool and writer are started lazily
// on the first CreateSession call, matching the teacher's pattern of
// spawning long-lived tasks on first use rather than at construction.
func New(opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:     opts,
		sessions: make(map[*session.Session]struct{}),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Client) ensureStarted() {
	c.startOnce.Do(func() {
		c.wr = writer.New(c.opts.WriteQueueSize)
		c.pool = callback.New(c.opts.Workers, c.opts.CallbackQueueSize, c.wr, c.doneCh)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.wr.Run(c.doneCh)
		}()
	})
}

// CreateSession performs the handshake for monitorID and, on success,
// registers the session with the reactor and starts its reader. It is
// idempotent registration in the sense that failures never leave a
// partially-registered session behind.
func (c *Client) CreateSession(ctx context.Context, monitorID uint32, creds session.Credentials, cb session.Callback) (*session.Session, error) {
	c.ensureStarted()

	sess := session.New(creds, monitorID, cb)
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[sess] = struct{}{}
	c.mu.Unlock()

	c.spawnReader(sess)
	return sess, nil
}

func (c *Client) spawnReader(sess *session.Session) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(sess)
	}()
}

// readLoop is "the reader" for one session: the only code path that
// reads from sess.Conn(). It runs until the session is removed (restart
// or shutdown).
func (c *Client) readLoop(sess *session.Session) {
	for {
		conn := sess.Conn()
		if conn == nil {
			return
		}

		header := make([]byte, frame.HeaderLen)
		if _, err := io.ReadFull(conn, header); err != nil {
			c.handleReadFailure(sess, fmt.Errorf("reading header: %w", err))
			return
		}

		op, length, err := frame.DecodeHeader(header)
		if err != nil {
			c.handleReadFailure(sess, err)
			return
		}

		if op != frame.PublishMessage {
			log.Warnf("monitor %d: unexpected opcode %v in steady state, ignoring", sess.MonitorID(), op)
			if err := discard(conn, int(length)); err != nil {
				c.handleReadFailure(sess, err)
				return
			}
			continue
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			c.handleReadFailure(sess, fmt.Errorf("reading publish payload: %w", err))
			return
		}

		blockID, body, err := frame.DecodePublish(payload)
		if err != nil {
			c.handleReadFailure(sess, err)
			return
		}

		// Backpressure point: blocks this reader (and, once the shared
		// queue fills, every other session's reader) until a worker is
		// free.
		c.pool.Enqueue(callback.Task{Session: sess, BlockID: blockID, Payload: body})
	}
}

func discard(r io.Reader, n int) error {
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}

// handleReadFailure marks sess broken and restarts it unless the reactor
// is shutting down.
func (c *Client) handleReadFailure(sess *session.Session, err error) {
	sess.MarkBroken()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	log.Warnf("monitor %d: session broken (%v), restarting", sess.MonitorID(), err)
	c.restart(sess)
}

// restart removes sess from the map, stops its socket, and retries Start
// with bounded, jittered exponential backoff until an attempt succeeds
// or the reactor shuts down; on success it re-registers the session with
// a fresh reader. A session stopped by the user (removed from the map
// already) is left alone. Each failed attempt is logged.
func (c *Client) restart(sess *session.Session) {
	c.mu.Lock()
	if _, ok := c.sessions[sess]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.sessions, sess)
	c.mu.Unlock()

	sess.Stop()

	backoff := initialBackoff
	for {
		select {
		case <-c.doneCh:
			return
		default:
		}

		connectedAt := time.Now()
		err := sess.Start(c.ctx)
		if err == nil {
			c.mu.Lock()
			c.sessions[sess] = struct{}{}
			c.mu.Unlock()
			c.spawnReader(sess)
			return
		}

		log.Errorf("monitor %d: restart attempt failed: %v", sess.MonitorID(), err)
		if time.Since(connectedAt) > stableConnectionWindow {
			backoff = initialBackoff
		}

		// Equal jitter: wait between half and all of the current backoff.
		wait := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		select {
		case <-c.doneCh:
			return
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// StopAll sets the closed flag, stops every registered session's socket
// (which unblocks its reader), then waits for every reader and the
// writer to exit. Callback workers
// are daemons and are not joined; any ack they enqueue after the writer
// has exited is discarded by writer.Writer's done-channel guard.
func (c *Client) StopAll() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.doneCh)
	c.cancel()

	c.mu.Lock()
	for sess := range c.sessions {
		sess.Stop()
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// Sessions returns a snapshot of the currently registered sessions,
// keyed by monitor id, for status reporting (e.g. the debug HTTP
// surface in cmd/pushmon).
func (c *Client) Sessions() map[uint32]session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint32]session.State, len(c.sessions))
	for s := range c.sessions {
		out[s.MonitorID()] = s.State()
	}
	return out
}
