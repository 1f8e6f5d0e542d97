// Package callback implements the bounded worker pool that invokes user
// callbacks off the I/O path and enqueues acks for the writer on success.
package callback

import (
	"net"

	log "github.com/sirupsen/logrus"

	"pushmonitor/frame"
	"pushmonitor/session"
)

// DefaultQueueCapacity is the default bound on in-flight (session,
// block id, payload) tuples awaiting a worker.
const DefaultQueueCapacity = 20

// DefaultWorkers is the default pool size. A pool of size 1 gives
// per-client-serial callback execution; sizes above 1 allow callbacks
// for different messages to run concurrently.
const DefaultWorkers = 1

// Task is one decoded publish awaiting callback invocation.
type Task struct {
	Session *session.Session
	BlockID uint16
	Payload []byte
}

// AckWriter enqueues an encoded ack frame addressed to conn. Implemented
// by writer.Writer; accepted here as an interface so the pool does not
// depend on the concrete writer package.
type AckWriter interface {
	Enqueue(conn net.Conn, data []byte, done <-chan struct{})
}

// Pool is a bounded MPMC queue served by a fixed number of workers. The
// reactor's reader(s) push onto it; pushing blocks when the queue is
// full, which is the system's primary backpressure mechanism.
type Pool struct {
	tasks chan Task
	w     AckWriter
	done  <-chan struct{}
}

// New creates a pool with the given worker count and queue capacity. w
// is where successful callbacks enqueue their ack; done is closed by the
// reactor at shutdown so workers that finish after the writer has
// exited discard their ack instead of blocking forever.
func New(workers, queueCapacity int, w AckWriter, done <-chan struct{}) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	p := &Pool{
		tasks: make(chan Task, queueCapacity),
		w:     w,
		done:  done,
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Enqueue pushes a task onto the pool, blocking the caller (the reader)
// when the queue is full. This is the spec's primary backpressure
// mechanism: a slow callback slows reads on every session sharing this
// pool.
func (p *Pool) Enqueue(task Task) {
	select {
	case p.tasks <- task:
	case <-p.done:
	}
}

func (p *Pool) worker() {
	for task := range p.tasks {
		ok := invoke(task)
		if !ok {
			log.Debugf("callback rejected or failed for monitor %d block %d; not acking",
				task.Session.MonitorID(), task.BlockID)
			continue
		}

		conn := task.Session.Conn()
		if conn == nil {
			// Session was stopped concurrently; nothing to ack.
			continue
		}
		ack := frame.EncodeAck(task.BlockID, frame.StatusOK)
		p.w.Enqueue(conn, ack, p.done)
	}
}

// invoke calls the session's callback, converting a panic into a false
// result so one bad callback can never take down a worker.
func invoke(task Task) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("callback panic for monitor %d block %d: %v",
				task.Session.MonitorID(), task.BlockID, r)
			ok = false
		}
	}()
	return task.Session.Callback()(task.Payload)
}
