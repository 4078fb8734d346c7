package http

import (
	"errors"
	"math/bits"
	"runtime"
	"sync/atomic"
)

// ConnPool is a fixed set of pre-allocated connection records. Free records
// wait in a ring buffer; a record is reset when acquired, not when released,
// so a late teardown on a released record still sees it closed.
type ConnPool struct {
	Pool  []Conn
	Ready RingBuffer[*Conn]
}

func NewConnPool(size int) *ConnPool {
	cp := &ConnPool{}
	cp.Pool = make([]Conn, size)
	cp.Ready = NewRingBuffer[*Conn](size)
	for i := range cp.Pool {
		cp.Pool[i].closed = true
		cp.Ready.Enqueue(&cp.Pool[i])
	}
	return cp
}

func (cp *ConnPool) Acquire() (*Conn, error) {
	return cp.Ready.Dequeue()
}

func (cp *ConnPool) Release(c *Conn) {
	if err := cp.Ready.Enqueue(c); err != nil {
		// Only reachable on a double release, which closed guards against.
		panic("http: connection record released twice")
	}
}

// Live calls fn for every record currently owned by a connection.
func (cp *ConnPool) Live(fn func(c *Conn)) {
	for i := range cp.Pool {
		if !cp.Pool[i].closed {
			fn(&cp.Pool[i])
		}
	}
}

var (
	ErrFull  = errors.New("ring buffer is full")
	ErrEmpty = errors.New("ring buffer is empty")
)

type RingBuffer[T any] struct {
	buffer []slot[T]
	mask   uint64
	enqPos uint64
	deqPos uint64
}

type slot[T any] struct {
	sequence uint64
	value    T
}

// NewRingBuffer creates a ring buffer holding at least size items; the
// capacity is rounded up to a power of 2.
func NewRingBuffer[T any](size int) RingBuffer[T] {
	n := uint64(1)
	if size > 1 {
		n = 1 << bits.Len64(uint64(size-1))
	}
	buf := make([]slot[T], n)
	for i := range buf {
		buf[i].sequence = uint64(i)
	}
	return RingBuffer[T]{
		buffer: buf,
		mask:   n - 1,
	}
}

// Enqueue adds an item to the ring buffer
func (q *RingBuffer[T]) Enqueue(val T) error {
	for {
		pos := atomic.LoadUint64(&q.enqPos)
		slot := &q.buffer[pos&q.mask]

		seq := atomic.LoadUint64(&slot.sequence)
		delta := int64(seq) - int64(pos)

		if delta == 0 {
			if atomic.CompareAndSwapUint64(&q.enqPos, pos, pos+1) {
				slot.value = val
				atomic.StoreUint64(&slot.sequence, pos+1)
				return nil
			}
		} else if delta < 0 {
			return ErrFull
		} else {
			runtime.Gosched()
		}
	}
}

// Dequeue removes and returns the oldest item
func (q *RingBuffer[T]) Dequeue() (T, error) {
	var zero T
	for {
		pos := atomic.LoadUint64(&q.deqPos)
		slot := &q.buffer[pos&q.mask]

		seq := atomic.LoadUint64(&slot.sequence)
		delta := int64(seq) - int64(pos+1)

		if delta == 0 {
			if atomic.CompareAndSwapUint64(&q.deqPos, pos, pos+1) {
				val := slot.value
				slot.value = zero
				atomic.StoreUint64(&slot.sequence, pos+q.mask+1)
				return val, nil
			}
		} else if delta < 0 {
			return zero, ErrEmpty
		} else {
			runtime.Gosched()
		}
	}
}

// Len is only exact when no other goroutine is using the buffer.
func (q *RingBuffer[T]) Len() int {
	return int(atomic.LoadUint64(&q.enqPos) - atomic.LoadUint64(&q.deqPos))
}
