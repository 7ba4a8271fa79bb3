// Package reactor implements the single-threaded cooperative event loop
// described in spec.md §5 (C1): one epoll instance multiplexing connection
// sockets, pidfds, one-shot timers, and deferred tasks, all driven from one
// goroutine.
//
// The interest-set bookkeeping (an fd→state map, ADD/MOD/DEL issued as a
// source's wanted event mask changes) is grounded on
// gvisor.dev/gvisor's pkg/sentry/socket/plugin/stack.Notifier, the one
// example in the corpus that actually drives a raw epoll fd end to end
// rather than only decoding the epoll_*(2) syscalls themselves.
package reactor

import (
	"container/heap"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Source is anything the reactor can multiplex: a connection socket or a
// pidfd watcher. Conn (internal/conn) satisfies this directly.
type Source interface {
	Fd() int
	OnReadable()
	OnWritable()
	WantsWrite() bool
}

// FuncSource adapts a bare readability callback into a Source, for
// pidfd-only watches that never need write-readiness (spec.md §4.7).
type FuncSource struct {
	FdValue    int
	OnReadableFunc func()
}

func (f *FuncSource) Fd() int         { return f.FdValue }
func (f *FuncSource) OnReadable()     { f.OnReadableFunc() }
func (f *FuncSource) OnWritable()     {}
func (f *FuncSource) WantsWrite() bool { return false }

type entry struct {
	source     Source
	writeArmed bool
}

// Reactor is the event loop. Not safe for concurrent use — spec.md §5's
// "no mutual exclusion is needed across component boundaries" assumption
// holds only while every call into it comes from its own Run goroutine.
type Reactor struct {
	epfd     int
	entries  map[int]*entry
	timers   timerHeap
	deferred []func()
	stop     bool
}

// New creates an epoll instance. Callers must call Close when done.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Reactor{
		epfd:    epfd,
		entries: make(map[int]*entry),
	}, nil
}

func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}

// Add registers a source for read-readiness (and write-readiness, the
// first time WantsWrite reports true). Re-adding an fd already present is
// an error.
func (r *Reactor) Add(s Source) error {
	fd := s.Fd()
	if _, exists := r.entries[fd]; exists {
		return fmt.Errorf("reactor: fd %d already registered", fd)
	}
	e := &entry{source: s}
	events := unix.EPOLLIN
	if s.WantsWrite() {
		events |= unix.EPOLLOUT
		e.writeArmed = true
	}
	ev := unix.EpollEvent{Events: uint32(events), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(ADD, %d): %w", fd, err)
	}
	r.entries[fd] = e
	return nil
}

// Remove drops fd from the interest set. Safe to call from within a
// callback for that same fd (e.g. Conn.Teardown closing its own fd).
func (r *Reactor) Remove(fd int) {
	if _, ok := r.entries[fd]; !ok {
		return
	}
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(r.entries, fd)
}

// Defer schedules fn to run once, after the current batch of callbacks
// returns and before the next poll (spec.md §5's "deferred tasks").
func (r *Reactor) Defer(fn func()) {
	r.deferred = append(r.deferred, fn)
}

// AddTimer schedules fn to fire once at deadline (spec.md §5's "one-shot
// timers (e.g. tmpfs expiration)"). The returned func cancels it; calling
// it after the timer has already fired is a harmless no-op.
func (r *Reactor) AddTimer(deadline time.Time, fn func()) func() {
	t := &timerEntry{deadline: deadline, fn: fn}
	heap.Push(&r.timers, t)
	return func() { t.cancelled = true }
}

// Stop causes Run to return after the current iteration.
func (r *Reactor) Stop() { r.stop = true }

// Run drives the loop until Stop is called or epoll_wait fails. Returning
// from Run (without a prior Stop) signals a fatal, unrecoverable poller
// error per spec.md §7's "Startup failures... are fatal" posture extended
// to the run loop itself.
func (r *Reactor) Run() error {
	events := make([]unix.EpollEvent, 64)
	for !r.stop {
		r.runDeferred()

		n, err := unix.EpollWait(r.epfd, events, r.nextTimeoutMillis())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			e, ok := r.entries[fd]
			if !ok {
				continue
			}
			mask := events[i].Events
			if mask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				e.source.OnReadable()
			}
			if _, stillPresent := r.entries[fd]; !stillPresent {
				continue
			}
			if mask&unix.EPOLLOUT != 0 {
				e.source.OnWritable()
			}
		}

		r.rearm()
		r.fireTimers()
	}
	return nil
}

func (r *Reactor) runDeferred() {
	pending := r.deferred
	r.deferred = nil
	for _, fn := range pending {
		fn()
	}
}

// rearm toggles EPOLLOUT interest for every still-registered source whose
// WantsWrite state changed since the last round.
func (r *Reactor) rearm() {
	for fd, e := range r.entries {
		want := e.source.WantsWrite()
		if want == e.writeArmed {
			continue
		}
		events := unix.EPOLLIN
		if want {
			events |= unix.EPOLLOUT
		}
		ev := unix.EpollEvent{Events: uint32(events), Fd: int32(fd)}
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err == nil {
			e.writeArmed = want
		}
	}
}

func (r *Reactor) fireTimers() {
	now := time.Now()
	for r.timers.Len() > 0 {
		next := r.timers[0]
		if next.cancelled {
			heap.Pop(&r.timers)
			continue
		}
		if next.deadline.After(now) {
			return
		}
		heap.Pop(&r.timers)
		next.fn()
	}
}

// nextTimeoutMillis computes the epoll_wait timeout: 0 if deferred work is
// already pending, the time until the next live timer, or -1 (block) when
// there's nothing scheduled.
func (r *Reactor) nextTimeoutMillis() int {
	if len(r.deferred) > 0 {
		return 0
	}
	for r.timers.Len() > 0 {
		next := r.timers[0]
		if next.cancelled {
			heap.Pop(&r.timers)
			continue
		}
		d := time.Until(next.deadline)
		if d <= 0 {
			return 0
		}
		ms := d.Milliseconds()
		if ms > int64(^uint32(0)>>1) {
			ms = int64(^uint32(0) >> 1)
		}
		return int(ms)
	}
	return -1
}
