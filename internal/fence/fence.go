// Package fence implements a reference-counted, fd-addressable
// signalable handle that transactions and trigger conditions wait on.
// Pollability is backed by a real eventfd rather than a hand-rolled
// notification primitive, so a fence can be handed to any poll/epoll
// loop like any other fd.
package fence

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/lwisd/lwis/internal/logging"
)

// Status is the three-state lifecycle of a Fence. A signaled fence
// additionally carries the signed status code it was signaled with
// (0 for SignaledOK, nonzero for SignaledErr), readable via Code.
type Status int

const (
	Unsignaled Status = iota
	SignaledOK
	SignaledErr
)

func (s Status) String() string {
	switch s {
	case Unsignaled:
		return "UNSIGNALED"
	case SignaledOK:
		return "SIGNALED_OK"
	case SignaledErr:
		return "SIGNALED_ERR"
	default:
		return "UNKNOWN"
	}
}

// AddOutcome is the result of registering a transaction against a fence
// that may already be signaled.
type AddOutcome int

const (
	Added AddOutcome = iota
	AlreadySignaledOk
	AlreadySignaledErr
	BadFd
)

// Waiter is a transaction (or trigger node) registered against a Fence.
// Notify is invoked with the final status and its signed status code
// once the fence is signaled.
type Waiter interface {
	Notify(status Status, code int32)
}

// Fence is a reference-counted signalable handle, addressable by an
// eventfd so external event loops can poll it like any other pollable
// fd.
type Fence struct {
	mu      sync.Mutex
	status  Status
	code    int32
	refs    int
	waiters []Waiter
	efd     int
	closed  bool
}

// Manager creates and tracks fences by fd so command-channel callers
// can resolve a caller-supplied fd back to a Fence.
type Manager struct {
	mu     sync.Mutex
	byFd   map[int]*Fence
	logger *logging.Logger
}

// NewManager creates an empty fence table.
func NewManager() *Manager {
	return &Manager{
		byFd:   make(map[int]*Fence),
		logger: logging.Default(),
	}
}

// Create allocates a new, unsignaled Fence with one reference held by
// the caller and backs it with a real eventfd so it is pollable.
func (m *Manager) Create() (*Fence, error) {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	f := &Fence{refs: 1, efd: efd}

	m.mu.Lock()
	m.byFd[efd] = f
	m.mu.Unlock()

	return f, nil
}

// Lookup resolves a fd previously returned by Fd() back to its Fence.
func (m *Manager) Lookup(fd int) (*Fence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.byFd[fd]
	return f, ok
}

func (m *Manager) forget(fd int) {
	m.mu.Lock()
	delete(m.byFd, fd)
	m.mu.Unlock()
}

// Fd returns the eventfd backing this fence, for exposure to userspace
// poll()/epoll() callers.
func (f *Fence) Fd() int {
	return f.efd
}

// GetStatus returns the current fence status.
func (f *Fence) GetStatus() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Get increments the reference count.
func (f *Fence) Get() {
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
}

// Put decrements the reference count and closes the backing eventfd
// once it reaches zero. Dropping the last reference to a fence that
// was never signaled is a client bug: it is logged, and the fence is
// signaled with an error first so no registered waiter blocks forever.
// mgr may be nil if this fence was never registered with a Manager.
func (f *Fence) Put(mgr *Manager) {
	f.mu.Lock()
	f.refs--
	shouldClose := f.refs <= 0 && !f.closed
	if shouldClose {
		f.closed = true
	}
	fd := f.efd
	unsignaled := f.status == Unsignaled
	f.mu.Unlock()

	if !shouldClose {
		return
	}
	if unsignaled {
		logging.Default().Warnf("fence fd=%d released while unsignaled", fd)
		f.Signal(-int32(unix.ECANCELED))
	}
	if mgr != nil {
		mgr.forget(fd)
	}
	unix.Close(fd)
}

// AddTransaction registers w to be notified when the fence signals. If
// the fence is already signaled, w is notified synchronously and the
// corresponding AlreadySignaled* outcome is returned; the caller must
// not add it to any pending-wait bookkeeping in that case.
func (f *Fence) AddTransaction(w Waiter) AddOutcome {
	f.mu.Lock()
	switch f.status {
	case SignaledOK:
		code := f.code
		f.mu.Unlock()
		w.Notify(SignaledOK, code)
		return AlreadySignaledOk
	case SignaledErr:
		code := f.code
		f.mu.Unlock()
		w.Notify(SignaledErr, code)
		return AlreadySignaledErr
	}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()
	return Added
}

// Signal transitions the fence out of Unsignaled with the given
// signed status code: 0 signals SignaledOK, any nonzero value signals
// SignaledErr carrying that code. It wakes the backing eventfd and
// notifies every registered waiter exactly once. Signaling an
// already-signaled fence is a no-op that reports false, so producers
// racing to signal a shared fence are harmless while the loser can
// still observe that it lost.
func (f *Fence) Signal(code int32) bool {
	f.mu.Lock()
	if f.status != Unsignaled {
		f.mu.Unlock()
		return false
	}
	if code == 0 {
		f.status = SignaledOK
	} else {
		f.status = SignaledErr
	}
	f.code = code
	waiters := f.waiters
	f.waiters = nil
	status := f.status
	efd := f.efd
	f.mu.Unlock()

	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(efd, one[:])

	for _, w := range waiters {
		w.Notify(status, code)
	}
	return true
}

// Code returns the signed status code the fence was signaled with: 0
// after an ok signal or while still unsignaled, the error code
// otherwise.
func (f *Fence) Code() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

// Poll performs a single non-blocking epoll check of the fence's
// backing eventfd and reports whether it is currently readable
// (signaled).
func (f *Fence) Poll() (bool, error) {
	ep, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return false, err
	}
	defer unix.Close(ep)

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(f.efd)}
	if err := unix.EpollCtl(ep, unix.EPOLL_CTL_ADD, f.efd, &ev); err != nil {
		return false, err
	}

	var events [1]unix.EpollEvent
	n, err := unix.EpollWait(ep, events[:], 0)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
