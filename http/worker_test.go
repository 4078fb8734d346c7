package http

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferRoundsUpToPowerOfTwo(t *testing.T) {
	q := NewRingBuffer[int](5)

	for i := range 8 {
		require.NoError(t, q.Enqueue(i))
	}
	assert.ErrorIs(t, q.Enqueue(8), ErrFull)
	assert.Equal(t, 8, q.Len())

	for i := range 8 {
		v, err := q.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, err := q.Dequeue()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRingBufferConcurrent(t *testing.T) {
	const producers, perProducer = 4, 1000
	q := NewRingBuffer[int](64)

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				for q.Enqueue(p*perProducer+i) != nil {
				}
			}
		}()
	}

	seen := make(map[int]bool, producers*perProducer)
	for len(seen) < producers*perProducer {
		v, err := q.Dequeue()
		if err != nil {
			continue
		}
		require.False(t, seen[v], "value %d dequeued twice", v)
		seen[v] = true
	}
	wg.Wait()
	assert.Zero(t, q.Len())
}

func TestConnPool(t *testing.T) {
	cp := NewConnPool(2)

	a, err := cp.Acquire()
	require.NoError(t, err)
	b, err := cp.Acquire()
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	_, err = cp.Acquire()
	assert.ErrorIs(t, err, ErrEmpty, "pool exhaustion is reported, not grown")

	a.closed = false
	var live []*Conn
	cp.Live(func(c *Conn) { live = append(live, c) })
	assert.Equal(t, []*Conn{a}, live)

	a.closed = true
	cp.Release(a)
	again, err := cp.Acquire()
	require.NoError(t, err)
	assert.Same(t, a, again)
}

func TestConnPoolRecordsStartClosed(t *testing.T) {
	cp := NewConnPool(3)
	for i := range cp.Pool {
		assert.True(t, cp.Pool[i].Closed())
	}
	assert.Equal(t, 4, len(cp.Ready.buffer))
	assert.Equal(t, 3, cp.Ready.Len())
}
