// Package client implements the initiator side of a ninewire
// connection: version negotiation, tag-multiplexed request dispatch
// over a transport.Conn, and a fid-oriented file API layered on top.
package client

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/robbie01/ninewire/transport"
	"github.com/robbie01/ninewire/wire"
)

// Logger is the minimal structured logging surface the client uses
// for diagnostics that don't rise to the level of a returned error
// (unexpected replies, dropped datagrams). A nil Logger disables
// logging.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Session is one live connection to a ninewire server: a negotiated
// msize and version, plus the machinery to multiplex concurrent
// requests over a single transport.Conn.
type Session struct {
	conn  *transport.Conn
	msize uint32

	tags *idPool
	fids *fidSpace

	mu      sync.Mutex
	pending map[uint16]chan wire.RMessage
	closed  bool
	closeErr error

	log Logger

	g      *errgroup.Group
	cancel context.CancelFunc
}

// Dial negotiates a ninewire session over an already-handshaken
// transport connection: it sends Tversion with the requested msize
// and blocks for the server's Rversion, then starts the background
// read pump that demultiplexes replies to their callers.
func Dial(ctx context.Context, conn *transport.Conn, wantMsize uint32, log Logger) (*Session, error) {
	if wantMsize == 0 || wantMsize > transport.Msize {
		wantMsize = transport.Msize
	}

	cctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(cctx)

	s := &Session{
		conn:    conn,
		msize:   wantMsize,
		tags:    newIDPool(uint32(wire.NoTag)),
		fids:    newFidSpace(),
		pending: make(map[uint16]chan wire.RMessage),
		log:     log,
		g:       g,
		cancel:  cancel,
	}

	frame := wire.Encode(wire.Tversion{Msize: wantMsize, Version: wire.Version}, wire.NoTag, 0)
	if err := conn.Send(frame); err != nil {
		cancel()
		return nil, err
	}
	reply, err := conn.Recv()
	if err != nil {
		cancel()
		return nil, err
	}
	_, m, err := wire.DecodeR(reply)
	if err != nil {
		cancel()
		return nil, err
	}
	rv, ok := m.(wire.Rversion)
	if !ok {
		cancel()
		return nil, fmt.Errorf("client: expected Rversion, got %T", m)
	}
	if rv.Version != wire.Version {
		cancel()
		return nil, transport.ErrBadVersion
	}
	if rv.Msize < s.msize {
		s.msize = rv.Msize
	}

	g.Go(func() error {
		return s.readPump(gctx)
	})

	return s, nil
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// readPump is the session's sole reader of conn; it runs for the
// lifetime of the session, handing each decoded reply to the request
// that's waiting on its tag.
func (s *Session) readPump(ctx context.Context) error {
	for {
		frame, err := s.conn.Recv()
		if err != nil {
			s.fail(err)
			return err
		}
		tag, m, err := wire.DecodeR(frame)
		if err != nil {
			s.logf("client: dropping malformed reply: %v", err)
			continue
		}
		// The send happens under the same lock fail() uses to close
		// pending channels, so the two can never race: whichever runs
		// first sees a consistent view of s.pending. The send itself is
		// non-blocking: a well-behaved server only ever answers a tag
		// once, filling the cap-1 channel, but a buggy or hostile one
		// emitting a second reply for a tag already answered must not be
		// able to wedge the read pump (and with it every other pending
		// RPC) by blocking here while s.mu is held.
		s.mu.Lock()
		ch, ok := s.pending[tag]
		dropped := false
		if ok {
			select {
			case ch <- m:
			default:
				dropped = true
			}
		}
		s.mu.Unlock()
		if !ok {
			s.logf("client: reply for unknown tag %d", tag)
		} else if dropped {
			s.logf("client: dropping duplicate reply for tag %d", tag)
		}
	}
}

// fail tears down every pending request with err; called once the
// read pump observes a fatal transport error.
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = err
	for tag, ch := range s.pending {
		close(ch)
		delete(s.pending, tag)
	}
}

// rpc allocates a tag, sends req, and blocks for the matching reply.
// ctx cancellation sends a Tflush for the request's tag per spec:
// flush does not guarantee the original request goes unanswered, so
// rpc still waits for the original reply (possibly Rerror) once the
// flush itself completes. Once flushing starts, ctx no longer bounds
// the wait: reliable, timely delivery of the flush and its replies is
// the underlying Datagram substrate's job (see transport.Datagram),
// not this layer's — congestion control and loss recovery are out of
// scope here by design. A flushed call can still hang if that
// substrate drops the Tflush or both replies outright.
func (s *Session) rpc(ctx context.Context, req wire.TMessage) (wire.RMessage, error) {
	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("client: session closed")
		}
		return nil, err
	}
	tagID, ok := s.tags.Get()
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("client: tag space exhausted")
	}
	tag := uint16(tagID)
	ch := make(chan wire.RMessage, 1)
	s.pending[tag] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, tag)
		s.tags.Put(tagID)
		s.mu.Unlock()
	}()

	frame := wire.Encode(req, tag, s.msize)
	if err := s.conn.Send(frame); err != nil {
		return nil, err
	}

	select {
	case m, ok := <-ch:
		if !ok {
			return nil, s.closeErr
		}
		if e, ok := m.(wire.Rerror); ok {
			return nil, e
		}
		return m, nil
	case <-ctx.Done():
		return s.flushAndWait(tag, ch)
	}
}

// flushAndWait issues Tflush for oldtag and waits for both the flush
// reply and (if it still arrives) the original reply, returning
// whichever error is appropriate.
func (s *Session) flushAndWait(oldtag uint16, ch chan wire.RMessage) (wire.RMessage, error) {
	s.mu.Lock()
	flushTagID, ok := s.tags.Get()
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("client: tag space exhausted during flush")
	}
	flushTag := uint16(flushTagID)
	flushCh := make(chan wire.RMessage, 1)
	s.pending[flushTag] = flushCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, flushTag)
		s.tags.Put(flushTagID)
		s.mu.Unlock()
	}()

	frame := wire.Encode(wire.Tflush{Oldtag: oldtag}, flushTag, s.msize)
	if err := s.conn.Send(frame); err != nil {
		return nil, err
	}
	<-flushCh

	// The server never abandons a request it has seen: once the flush
	// ack arrives, the original reply either already arrived, is still
	// in flight, or was already delivered before this flush was even
	// issued. The transport can reorder the two datagrams, so this
	// blocks rather than racing ch against a non-blocking default,
	// which would drop a reordered reply on the floor. fail() closes ch
	// if the session tears down first.
	m, ok := <-ch
	if !ok {
		return nil, s.closeErr
	}
	if e, ok := m.(wire.Rerror); ok {
		return nil, e
	}
	return m, nil
}

// Close tears down the session and its background read pump.
func (s *Session) Close() error {
	s.cancel()
	err := s.conn.Close()
	s.fail(fmt.Errorf("client: session closed"))
	_ = s.g.Wait()
	return err
}

// Msize reports the negotiated maximum message size.
func (s *Session) Msize() uint32 { return s.msize }
