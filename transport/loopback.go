package transport

import (
	"sync"
	"sync/atomic"

	"github.com/collagecommit/collage2pc/xerrors"
)

// registry is the process-wide address book Loopback transports share, so
// that a coordinator and a participant created independently in a test can
// still address each other by string.
var registry sync.Map // addr -> *Loopback

// Loopback is an in-memory Transport for tests that exercise the
// coordinator and participant state machines without opening sockets.
// Frames are dispatched synchronously on the sender's goroutine unless
// DropTo is configured.
type Loopback struct {
	addr    string
	handler atomic.Pointer[Handler]

	mu     sync.Mutex
	dropTo map[string]bool
	closed bool
}

// NewLoopback registers a Loopback transport under addr. A second
// registration under the same address replaces the first, mirroring a node
// restarting after a crash. Call SetHandler before any peer Sends to addr.
func NewLoopback(addr string) *Loopback {
	lb := &Loopback{addr: addr, dropTo: make(map[string]bool)}
	registry.Store(addr, lb)
	return lb
}

// SetHandler installs the frame handler.
func (l *Loopback) SetHandler(h Handler) {
	l.handler.Store(&h)
}

// DropTo makes every subsequent Send to addr fail, simulating a partitioned
// or crashed peer until ResumeTo is called.
func (l *Loopback) DropTo(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropTo[addr] = true
}

// ResumeTo reverses a prior DropTo.
func (l *Loopback) ResumeTo(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.dropTo, addr)
}

// Send delivers frame to the Loopback registered at addr, if any.
func (l *Loopback) Send(addr string, frame []byte) error {
	l.mu.Lock()
	dropped := l.dropTo[addr]
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return xerrors.ErrTransportUnavailable
	}
	if dropped {
		return xerrors.ErrTransportUnavailable
	}
	peer, ok := registry.Load(addr)
	if !ok {
		return xerrors.ErrTransportUnavailable
	}
	target := peer.(*Loopback)
	h := target.handler.Load()
	if h == nil {
		return xerrors.ErrTransportUnavailable
	}
	(*h).HandleFrame(l.addr, frame)
	return nil
}

// Close unregisters the transport.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	registry.Delete(l.addr)
	return nil
}
