// Package transport carries wire-encoded frames between coordinator and
// participant nodes (spec.md §6, "transport is injected"). TCP is the
// concrete implementation a running node uses; Loopback is an in-memory
// stand-in used by tests that drive the state machines without sockets.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/collagecommit/collage2pc/xerrors"
	"github.com/collagecommit/collage2pc/xlog"
)

// Handler receives frames addressed to the local node. from is the stable
// address the peer was configured with (spec.md §6's src_id), not the
// ephemeral socket the bytes happened to arrive on.
type Handler interface {
	HandleFrame(from string, frame []byte)
}

// Transport sends a wire-encoded frame to a peer by address. Implementations
// must make Send safe to call from many goroutines at once, since the
// coordinator fans a decision out to every participant concurrently.
type Transport interface {
	Send(addr string, frame []byte) error
	Close() error
}

// TCP frames every message with a 4-byte big-endian length prefix, since
// collage image bytes may themselves contain any byte value including
// newlines, ruling out the newline-delimited framing other nodes in this
// codebase use for line-oriented JSON traffic.
//
// A connection's remote socket address is an ephemeral client port, not the
// peer's stable address, so the first frame exchanged on any connection
// (either direction) is a one-time hello carrying the sender's own address;
// every frame after that is dispatched to Handler with that address as
// from.
type TCP struct {
	selfAddr string
	listener net.Listener
	handler  atomic.Pointer[Handler]
	conns    sync.Map // addr -> net.Conn
	sem      chan struct{}
	done     chan struct{}
}

// maxConcurrentHandlers bounds how many inbound connections are served at
// once, mirroring the accept-loop semaphore pattern used elsewhere in this
// codebase's connection managers.
const maxConcurrentHandlers = 64

// Listen opens a TCP listener on addr. The node and its Handler are
// typically constructed together (a coordinator or participant owns the
// transport it dispatches through), so Listen does not require a Handler
// up front — call SetHandler before Run. The listener's resolved address
// (ln.Addr(), e.g. "[::]:5000" for addr ":5000") is the identity this node
// announces to peers via the hello handshake.
func Listen(addr string) (*TCP, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", xerrors.ErrTransportUnavailable, addr, err)
	}
	return &TCP{
		selfAddr: ln.Addr().String(),
		listener: ln,
		sem:      make(chan struct{}, maxConcurrentHandlers),
		done:     make(chan struct{}),
	}, nil
}

// SetHandler installs the frame handler. Must be called before Run.
func (t *TCP) SetHandler(h Handler) {
	t.handler.Store(&h)
}

// Run accepts connections until Close is called. Intended to be run in its
// own goroutine by the caller.
func (t *TCP) Run() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				xlog.Warnf("transport: accept: %v", err)
				continue
			}
		}
		t.sem <- struct{}{}
		go func() {
			defer func() { <-t.sem }()
			t.handleConn(conn)
		}()
	}
}

func (t *TCP) handleConn(conn net.Conn) {
	defer conn.Close()
	hello, err := readFrame(conn)
	if err != nil {
		xlog.Warnf("transport: no hello from %s: %v", conn.RemoteAddr(), err)
		return
	}
	peer := string(hello)
	// An inbound connection stands in for Send's own dial cache entry too,
	// so a reply to peer reuses this socket instead of opening a second one.
	t.conns.LoadOrStore(peer, conn)
	for {
		frame, err := readFrame(conn)
		if err == io.EOF {
			t.conns.CompareAndDelete(peer, conn)
			return
		}
		if err != nil {
			// A malformed or truncated frame must never bring the node
			// down: drop the connection and keep serving others.
			xlog.Warnf("transport: read frame from %s: %v", peer, err)
			t.conns.CompareAndDelete(peer, conn)
			return
		}
		if h := t.handler.Load(); h != nil {
			(*h).HandleFrame(peer, frame)
		}
	}
}

// Send delivers frame to addr, dialing (and completing the hello
// handshake) on first use, then caching the connection. Safe for
// concurrent use.
func (t *TCP) Send(addr string, frame []byte) error {
	conn, err := t.dial(addr)
	if err != nil {
		return err
	}
	if err := writeFrame(conn, frame); err != nil {
		t.conns.CompareAndDelete(addr, conn)
		conn.Close()
		return fmt.Errorf("%w: send to %s: %v", xerrors.ErrTransportUnavailable, addr, err)
	}
	return nil
}

func (t *TCP) dial(addr string) (net.Conn, error) {
	if c, ok := t.conns.Load(addr); ok {
		return c.(net.Conn), nil
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", xerrors.ErrTransportUnavailable, addr, err)
	}
	if err := writeFrame(conn, []byte(t.selfAddr)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: hello to %s: %v", xerrors.ErrTransportUnavailable, addr, err)
	}
	actual, loaded := t.conns.LoadOrStore(addr, conn)
	if loaded {
		conn.Close()
		return actual.(net.Conn), nil
	}
	return conn, nil
}

// Close stops the accept loop and closes every cached connection.
func (t *TCP) Close() error {
	close(t.done)
	err := t.listener.Close()
	t.conns.Range(func(_, v interface{}) bool {
		v.(net.Conn).Close()
		return true
	})
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}
