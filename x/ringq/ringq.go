// Package ringq is a bounded byte FIFO shared between an interrupt handler
// and tasks.
//
// One side of each queue runs in interrupt context (the *FromISR methods);
// those never block, never allocate and never signal. They report whether the
// operation crossed an edge (empty->non-empty, full->non-full) so the caller
// can issue the wake once, after its service loop, via WakeReaders/WakeWriters.
// Task-side methods are serialized among tasks and signal edges themselves.
package ringq

import (
	"context"
	"sync"
	"sync/atomic"

	"uartbridge-go/errcode"
)

// Queue is a single-producer, single-consumer byte FIFO of arbitrary
// positive capacity. Indices run modulo 2*capacity so full and empty are
// distinguishable without a spare slot.
type Queue struct {
	buf  []byte
	size uint32
	rd   atomic.Uint32 // consumer index in [0, 2*size)
	wr   atomic.Uint32 // producer index in [0, 2*size)

	mu sync.Mutex // task side only

	readable chan struct{} // 0->>0 available edge
	writable chan struct{} // full->non-full edge
}

// New allocates a queue holding up to capacity bytes.
func New(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, &errcode.E{C: errcode.ResourceExhausted, Op: "ringq.New", Msg: "capacity must be positive"}
	}
	return &Queue{
		buf:      make([]byte, capacity),
		size:     uint32(capacity),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}, nil
}

func (q *Queue) next(i uint32) uint32 {
	i++
	if i == 2*q.size {
		return 0
	}
	return i
}

func (q *Queue) count(rd, wr uint32) uint32 {
	return (wr + 2*q.size - rd) % (2 * q.size)
}

func (q *Queue) Cap() int { return int(q.size) }

func (q *Queue) Len() int { return int(q.count(q.rd.Load(), q.wr.Load())) }

func (q *Queue) Space() int { return int(q.size) - q.Len() }

// Producer

func (q *Queue) push(b byte) (ok, wake bool) {
	rd := q.rd.Load()
	wr := q.wr.Load()
	n := q.count(rd, wr)
	if n == q.size {
		return false, false
	}
	q.buf[wr%q.size] = b
	q.wr.Store(q.next(wr)) // release
	return true, n == 0
}

// TryPushFromISR appends b if there is room. wake reports an
// empty->non-empty transition.
func (q *Queue) TryPushFromISR(b byte) (ok, wake bool) { return q.push(b) }

// TryPush appends b if there is room, signalling readers on the empty edge.
// If room remains the writable token is passed on to the next waiting writer.
func (q *Queue) TryPush(b byte) bool {
	q.mu.Lock()
	ok, wake := q.push(b)
	more := ok && q.Space() > 0
	q.mu.Unlock()
	if wake {
		q.WakeReaders()
	}
	if more {
		q.WakeWriters()
	}
	return ok
}

// Push appends b, waiting for room until ctx is done.
func (q *Queue) Push(ctx context.Context, b byte) error {
	for {
		if q.TryPush(b) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.writable:
		}
	}
}

// Consumer

func (q *Queue) pop() (b byte, ok, wake bool) {
	rd := q.rd.Load()
	wr := q.wr.Load() // acquire
	n := q.count(rd, wr)
	if n == 0 {
		return 0, false, false
	}
	b = q.buf[rd%q.size]
	q.rd.Store(q.next(rd)) // release
	return b, true, n == q.size
}

// TryPopFromISR removes the oldest byte. wake reports a full->non-full
// transition.
func (q *Queue) TryPopFromISR() (b byte, ok, wake bool) { return q.pop() }

// TryPop removes the oldest byte, signalling writers on the full edge. If
// data remains the readable token is passed on to the next waiting reader.
func (q *Queue) TryPop() (byte, bool) {
	q.mu.Lock()
	b, ok, wake := q.pop()
	more := ok && q.Len() > 0
	q.mu.Unlock()
	if wake {
		q.WakeWriters()
	}
	if more {
		q.WakeReaders()
	}
	return b, ok
}

// TryPopInto drains up to len(dst) bytes in FIFO order.
func (q *Queue) TryPopInto(dst []byte) int {
	if len(dst) == 0 {
		return 0
	}
	q.mu.Lock()
	n := 0
	wake := false
	for n < len(dst) {
		b, ok, w := q.pop()
		if !ok {
			break
		}
		dst[n] = b
		n++
		wake = wake || w
	}
	more := q.Len() > 0
	q.mu.Unlock()
	if wake {
		q.WakeWriters()
	}
	if n > 0 && more {
		q.WakeReaders()
	}
	return n
}

// Pop removes the oldest byte, waiting for data until ctx is done.
func (q *Queue) Pop(ctx context.Context) (byte, error) {
	for {
		if b, ok := q.TryPop(); ok {
			return b, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-q.readable:
		}
	}
}

// Edges

// WakeReaders posts a coalesced readable token.
func (q *Queue) WakeReaders() {
	select {
	case q.readable <- struct{}{}:
	default:
	}
}

// WakeWriters posts a coalesced writable token.
func (q *Queue) WakeWriters() {
	select {
	case q.writable <- struct{}{}:
	default:
	}
}

func (q *Queue) Readable() <-chan struct{} { return q.readable }
func (q *Queue) Writable() <-chan struct{} { return q.writable }
