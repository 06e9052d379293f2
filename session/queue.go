package session

import (
	"sync"
	"time"

	"github.com/veritel/telelink/proto"
)

// queuedFrame pairs a frame with the instant it was buffered.
type queuedFrame struct {
	frame    proto.Frame
	enqueued time.Time
}

// sendQueue is the bounded FIFO holding frames sent while the connection
// is down. Overflow rejects the new frame — already-queued user intent is
// never dropped to make room.
type sendQueue struct {
	mu       sync.Mutex
	buf      []queuedFrame
	cap      int
	clearGen uint64
}

func newSendQueue(capacity int) *sendQueue {
	return &sendQueue{cap: capacity}
}

// Enqueue buffers a frame, or returns ErrQueueFull at capacity.
func (q *sendQueue) Enqueue(f proto.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) >= q.cap {
		return ErrQueueFull
	}
	q.buf = append(q.buf, queuedFrame{frame: f, enqueued: time.Now()})
	return nil
}

// Flush drains the queue in enqueue order, calling send once per frame.
// On the first send error the failed frame and everything behind it stay
// queued for the next flush, and the error is returned.
func (q *sendQueue) Flush(send func(proto.Frame) error) error {
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			q.mu.Unlock()
			return nil
		}
		next := q.buf[0]
		q.buf = q.buf[1:]
		gen := q.clearGen
		q.mu.Unlock()

		if err := send(next.frame); err != nil {
			q.mu.Lock()
			// Put the frame back at the head unless Clear ran while the
			// send was in flight.
			if q.clearGen == gen {
				q.buf = append([]queuedFrame{next}, q.buf...)
			}
			q.mu.Unlock()
			return err
		}
	}
}

// Len returns the number of buffered frames.
func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Clear drops all buffered frames.
func (q *sendQueue) Clear() {
	q.mu.Lock()
	q.buf = nil
	q.clearGen++
	q.mu.Unlock()
}
