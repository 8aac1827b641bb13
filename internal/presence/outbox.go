package presence

import (
	"sync"

	"github.com/gofiber/websocket/v2"

	"listing-chat/internal/logger"
)

// Transport is the write side of a realtime connection. *websocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type frame struct {
	data      []byte
	droppable bool
}

// outbox is a bounded per-connection send queue drained by its own goroutine,
// so a slow receiver never blocks the sender. Past the soft limit the oldest
// droppable frames go first; past the hard limit the connection is closed.
type outbox struct {
	transport Transport
	soft      int
	hard      int

	mu      sync.Mutex
	queue   []frame
	closed  bool
	dropped int

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newOutbox(t Transport, soft, hard int) *outbox {
	if soft <= 0 {
		soft = 64
	}
	if hard < soft {
		hard = soft
	}
	o := &outbox{
		transport: t,
		soft:      soft,
		hard:      hard,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go o.run()
	return o
}

// push queues f and reports whether it was accepted.
func (o *outbox) push(f frame) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}

	if len(o.queue) >= o.soft && !o.dropOldestLocked() && f.droppable {
		o.dropped++
		o.mu.Unlock()
		return false
	}
	if len(o.queue) >= o.hard {
		o.mu.Unlock()
		logger.Warn("[presence] outbox full (%d frames), closing slow connection", o.hard)
		o.close()
		return false
	}

	o.queue = append(o.queue, f)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// dropOldestLocked removes the oldest droppable frame, if any.
func (o *outbox) dropOldestLocked() bool {
	for i, f := range o.queue {
		if f.droppable {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			o.dropped++
			return true
		}
	}
	return false
}

func (o *outbox) run() {
	defer close(o.stopped)
	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}

		for {
			o.mu.Lock()
			if o.closed || len(o.queue) == 0 {
				o.mu.Unlock()
				break
			}
			batch := o.queue
			o.queue = nil
			o.mu.Unlock()

			for _, f := range batch {
				if err := o.transport.WriteMessage(websocket.TextMessage, f.data); err != nil {
					logger.Debug("[presence] write failed, closing: %v", err)
					o.close()
					return
				}
			}
		}
	}
}

// close stops the writer and closes the transport. Safe to call repeatedly.
func (o *outbox) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.queue = nil
	close(o.done)
	o.mu.Unlock()

	_ = o.transport.Close()
}

func (o *outbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *outbox) droppedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
