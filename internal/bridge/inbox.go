package bridge

import (
	"context"
	"sync"
)

// DefaultMaxPendingBytes bounds the inbound frames a session holds while
// its call is not accepting requests.
const DefaultMaxPendingBytes = 64 << 20

// inbox queues inbound frames between the tunnel reader and the
// dispatcher. push never blocks, so the reader keeps watching the tunnel
// while a send is stuck on flow control.
type inbox struct {
	mu     sync.Mutex
	frames [][]byte
	size   int
	max    int
	closed bool
	ready  chan struct{}
}

func newInbox(max int) *inbox {
	if max <= 0 {
		max = DefaultMaxPendingBytes
	}
	return &inbox{max: max, ready: make(chan struct{}, 1)}
}

// push queues frame. It reports false when the queued bytes would exceed
// the limit; the frame is then dropped.
func (q *inbox) push(frame []byte) bool {
	q.mu.Lock()
	if q.size > 0 && q.size+len(frame) > q.max {
		q.mu.Unlock()
		return false
	}
	q.frames = append(q.frames, frame)
	q.size += len(frame)
	q.mu.Unlock()
	q.wake()
	return true
}

// close lets pop drain what is queued and then report the end.
func (q *inbox) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *inbox) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop returns the oldest frame, waiting for one if needed. It reports false
// once the inbox is closed and empty, or ctx ends.
func (q *inbox) pop(ctx context.Context) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			q.size -= len(frame)
			q.mu.Unlock()
			return frame, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// pending returns the number of queued bytes.
func (q *inbox) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
