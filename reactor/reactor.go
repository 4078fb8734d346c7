// Package reactor is a single-threaded epoll event loop with per-descriptor
// readiness watches and idle timeouts.
package reactor

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 128

var (
	ErrWatchExists = errors.New("reactor: descriptor already watched")
	ErrClosed      = errors.New("reactor: closed")
)

type Interest uint32

const Readable Interest = unix.EPOLLIN

func (i Interest) String() string {
	if i == Readable {
		return "readable"
	}
	return fmt.Sprintf("interest(%d)", uint32(i))
}

// Event tells a callback why it was invoked.
type Event uint8

const (
	EventReady Event = iota
	EventTimeout
)

func (e Event) String() string {
	if e == EventTimeout {
		return "timeout"
	}
	return "ready"
}

type Callback func(fd int, ev Event)

// Watch binds a descriptor, an interest and an optional idle timeout to a
// callback. Watches are persistent: they stay armed until Del.
type Watch struct {
	Fd       int
	Interest Interest
	Timeout  time.Duration

	cb       Callback
	gen      int32
	deadline time.Time
	index    int // position in the timer heap, -1 when not scheduled
	active   bool
}

// Reactor must only be used from the goroutine that calls Run, apart from
// Stop which may be called from anywhere.
type Reactor struct {
	epfd   int
	wakefd int

	watches map[int]*Watch
	timers  timerHeap
	gen     int32
	events  []unix.EpollEvent

	stopped atomic.Bool
	closed  bool

	wakeMu     sync.Mutex
	wakeClosed bool
}

func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakefd),
	}); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: register eventfd: %w", err)
	}

	return &Reactor{
		epfd:    epfd,
		wakefd:  wakefd,
		watches: make(map[int]*Watch),
		events:  make([]unix.EpollEvent, maxEvents),
	}, nil
}

// Add arms a level-triggered watch. A zero timeout disables the idle timer;
// otherwise the timer restarts every time the watch fires.
func (r *Reactor) Add(fd int, interest Interest, timeout time.Duration, cb Callback) (*Watch, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.watches[fd]; ok {
		return nil, ErrWatchExists
	}

	r.gen++
	w := &Watch{
		Fd:       fd,
		Interest: interest,
		Timeout:  timeout,
		cb:       cb,
		gen:      r.gen,
		index:    -1,
	}

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: uint32(interest),
		Fd:     int32(fd),
		Pad:    w.gen,
	}); err != nil {
		return nil, fmt.Errorf("reactor: epoll_ctl add %d: %w", fd, err)
	}

	w.active = true
	r.watches[fd] = w
	r.schedule(w, time.Now())

	return w, nil
}

// Del deregisters w. Deleting an inactive watch is a no-op.
func (r *Reactor) Del(w *Watch) error {
	if w == nil || !w.active {
		return nil
	}
	w.active = false

	if w.index >= 0 {
		heap.Remove(&r.timers, w.index)
	}
	if r.watches[w.Fd] == w {
		delete(r.watches, w.Fd)
	}

	if r.closed {
		return nil
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, w.Fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll_ctl del %d: %w", w.Fd, err)
	}
	return nil
}

// Len reports the number of armed watches.
func (r *Reactor) Len() int {
	return len(r.watches)
}

// Run dispatches events until ctx is done or Stop is called.
func (r *Reactor) Run(ctx context.Context) error {
	if r.closed {
		return ErrClosed
	}

	stop := context.AfterFunc(ctx, func() { r.Stop() })
	defer stop()

	for !r.stopped.Load() {
		n, err := unix.EpollWait(r.epfd, r.events, r.waitMillis(time.Now()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := range n {
			ev := r.events[i]
			fd := int(ev.Fd)
			if fd == r.wakefd {
				var buf [8]byte
				unix.Read(r.wakefd, buf[:])
				continue
			}

			w, ok := r.watches[fd]
			if !ok || w.gen != ev.Pad {
				// Removed earlier in this batch, possibly replaced by a new
				// watch on a reused descriptor number.
				continue
			}

			r.schedule(w, time.Now())
			w.cb(fd, EventReady)
		}

		r.expire(time.Now())
	}

	return nil
}

// Stop makes Run return after the current dispatch round.
func (r *Reactor) Stop() {
	if r.stopped.Swap(true) {
		return
	}

	r.wakeMu.Lock()
	defer r.wakeMu.Unlock()
	if r.wakeClosed {
		return
	}
	var one [8]byte
	one[0] = 1 // eventfd counters are host-endian; any non-zero value wakes
	unix.Write(r.wakefd, one[:])
}

// Close releases the epoll and eventfd descriptors. Watched descriptors are
// owned by their callers and are left open.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	for _, w := range r.watches {
		w.active = false
		w.index = -1
	}
	r.watches = nil
	r.timers = nil

	r.wakeMu.Lock()
	r.wakeClosed = true
	err := unix.Close(r.wakefd)
	r.wakeMu.Unlock()

	return errors.Join(err, unix.Close(r.epfd))
}

func (r *Reactor) schedule(w *Watch, now time.Time) {
	if w.Timeout <= 0 {
		return
	}
	w.deadline = now.Add(w.Timeout)
	if w.index >= 0 {
		heap.Fix(&r.timers, w.index)
		return
	}
	heap.Push(&r.timers, w)
}

func (r *Reactor) expire(now time.Time) {
	for len(r.timers) > 0 && !r.timers[0].deadline.After(now) {
		w := r.timers[0]
		r.schedule(w, now)
		w.cb(w.Fd, EventTimeout)
	}
}

func (r *Reactor) waitMillis(now time.Time) int {
	if len(r.timers) == 0 {
		return -1
	}
	d := r.timers[0].deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	// Round up so a wakeup never lands just before the deadline.
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

type timerHeap []*Watch

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	w := x.(*Watch)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
