// Package writer implements the single consumer of the shared write
// queue: it owns the only path that ever writes to a session's socket.
package writer

import (
	"net"

	log "github.com/sirupsen/logrus"
)

// DefaultQueueCapacity bounds the number of pending (conn, bytes) writes.
const DefaultQueueCapacity = 64

type task struct {
	conn net.Conn
	data []byte
}

// Writer drains a bounded queue of (socket, bytes) pairs with a single
// goroutine, so writes to the same socket are issued in the order they
// were enqueued.
type Writer struct {
	queue chan task
	done  chan struct{}
}

// New creates a writer with the given queue capacity.
func New(queueCapacity int) *Writer {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	return &Writer{
		queue: make(chan task, queueCapacity),
		done:  make(chan struct{}),
	}
}

// Enqueue pushes a (conn, bytes) pair onto the write queue. done is the
// reactor's shutdown signal: if the writer has already exited, the send
// is discarded rather than blocking the caller forever. This is the
// "drop" resolution of the in-flight-ack open question.
func (w *Writer) Enqueue(conn net.Conn, data []byte, done <-chan struct{}) {
	select {
	case w.queue <- task{conn: conn, data: data}:
	case <-w.done:
	case <-done:
	}
}

// Run drains the queue until closed is closed and the queue is empty,
// issuing exactly one blocking Write per pair. A send that fails because
// the socket was closed concurrently is discarded; the reactor's next
// read on that session will observe the same failure and restart it.
func (w *Writer) Run(closed <-chan struct{}) {
	defer close(w.done)
	for {
		select {
		case t := <-w.queue:
			w.send(t)
		case <-closed:
			w.drain()
			return
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case t := <-w.queue:
			w.send(t)
		default:
			return
		}
	}
}

func (w *Writer) send(t task) {
	if _, err := t.conn.Write(t.data); err != nil {
		log.Debugf("writer: discarding frame after write error: %v", err)
	}
}
