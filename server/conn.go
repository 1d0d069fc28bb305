package server

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/robbie01/ninewire/transport"
	"github.com/robbie01/ninewire/wire"
)

// Logger matches the client package's logging surface, so a single
// *log.Logger (or any compatible type) can be shared by both halves
// of a process that acts as both client and server.
type Logger interface {
	Printf(format string, v ...interface{})
}

// minMsize is the smallest msize this server will negotiate down to;
// a Tversion asking for less is rejected outright, since nothing
// useful fits in a frame that small.
const minMsize = 256

// defaultMaxInflight is the concurrency cap applied when Server does
// not configure one: the primary backpressure knob on a connection's
// request dispatch.
const defaultMaxInflight = 16

// pendingFlush records the most recently received Tflush against a
// still-inflight request: per spec, only the latest flush tag for a
// given oldtag is honored, and its Rflush is emitted immediately after
// the flushed request's own reply, never before.
type pendingFlush struct {
	done     chan struct{}
	tag      uint16
	hasFlush bool
}

// conn is one accepted connection: a negotiated msize, a fid table,
// and the in-flight request bookkeeping needed to answer Tflush and
// to drain requests across a mid-session Tversion.
type conn struct {
	transport *transport.Conn
	srv       *Server
	log       Logger

	maxMsize   uint32
	msize      uint32
	negotiated bool

	uname     string
	unameOnce sync.Once

	fids *fidTable

	sendMu sync.Mutex

	sem chan struct{}
	wg  sync.WaitGroup

	reqMu    sync.Mutex
	inflight map[uint16]*pendingFlush
}

func (c *conn) logf(format string, args ...interface{}) {
	if c.log != nil {
		c.log.Printf(format, args...)
	}
}

func (c *conn) send(m wire.RMessage, tag uint16) {
	frame := wire.Encode(m, tag, c.msize)
	c.sendMu.Lock()
	err := c.transport.Send(frame)
	c.sendMu.Unlock()
	if err != nil {
		c.logf("server: send error: %v", err)
	}
}

func (c *conn) rerror(tag uint16, format string, args ...interface{}) {
	c.send(wire.Rerror{Ename: fmt.Sprintf(format, args...)}, tag)
}

func (c *conn) shareStat(share string, components []string) (Info, error) {
	h, ok := c.srv.Shares[share]
	if !ok {
		return Info{}, errNotFound
	}
	return h.Stat(joinComponents(components))
}

// serve is the connection's read loop. It enforces NOTAG discipline
// (only Tversion may carry it, and Tversion may only carry it) and
// the pre-negotiation gate before reaching dispatch, handles Tflush
// and Tversion inline since both need visibility into the whole
// inflight set, and otherwise spawns one goroutine per request behind
// a semaphore so at most the connection's configured maxInflight
// requests run at once.
func (c *conn) serve() {
	defer func() {
		if r := recover(); r != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			c.logf("server: panic: %v\n%s", r, buf)
		}
		c.wg.Wait()
		c.transport.Close()
	}()

	for {
		frame, err := c.transport.Recv()
		if err != nil {
			c.logf("server: recv error: %v", err)
			return
		}
		tag, m, err := wire.DecodeT(frame)
		if err != nil {
			c.logf("server: dropping malformed request: %v", err)
			continue
		}

		if tv, ok := m.(wire.Tversion); ok {
			if tag != wire.NoTag {
				c.rerror(tag, "Tversion must use NOTAG")
				continue
			}
			c.handleVersion(tv)
			continue
		}
		if tag == wire.NoTag {
			c.rerror(tag, "NOTAG is reserved for Tversion")
			continue
		}
		if !c.negotiated {
			// Requests before the first Tversion are dropped unanswered.
			continue
		}
		if tf, ok := m.(wire.Tflush); ok {
			c.handleFlush(tag, tf)
			continue
		}

		c.sem <- struct{}{}
		pf := &pendingFlush{done: make(chan struct{})}
		c.reqMu.Lock()
		c.inflight[tag] = pf
		c.reqMu.Unlock()

		c.wg.Add(1)
		go func(tag uint16, m wire.TMessage, pf *pendingFlush) {
			defer c.wg.Done()
			defer func() { <-c.sem }()

			c.dispatch(tag, m)

			c.reqMu.Lock()
			delete(c.inflight, tag)
			flushTag, hasFlush := pf.tag, pf.hasFlush
			c.reqMu.Unlock()
			close(pf.done)

			if hasFlush {
				c.send(wire.Rflush{}, flushTag)
			}
		}(tag, m, pf)
	}
}

// handleVersion negotiates (or renegotiates) msize and version. A
// renegotiation mid-session must drain every currently inflight
// request and clear the fid table before replying, since the new
// session shares nothing with the old one.
func (c *conn) handleVersion(tv wire.Tversion) {
	if c.negotiated {
		c.wg.Wait()
		c.fids.clear()
	}

	msize := tv.Msize
	if msize > c.maxMsize {
		msize = c.maxMsize
	}
	if msize < minMsize {
		c.rerror(wire.NoTag, "msize %d below minimum %d", tv.Msize, minMsize)
		return
	}

	c.msize = msize
	c.negotiated = true
	c.send(wire.Rversion{Msize: c.msize, Version: wire.Version}, wire.NoTag)
}

// handleFlush attaches tag as the (possibly replacing) flush reply for
// oldtag if it's still inflight, to be sent immediately after that
// request's own reply; if oldtag isn't inflight, it replies right
// away. The flushed request is never canceled: it runs to its natural
// completion, per spec.md's no-abort invariant.
func (c *conn) handleFlush(tag uint16, tf wire.Tflush) {
	c.reqMu.Lock()
	pf, ok := c.inflight[tf.Oldtag]
	if ok {
		pf.tag = tag
		pf.hasFlush = true
	}
	c.reqMu.Unlock()
	if !ok {
		c.send(wire.Rflush{}, tag)
	}
}

func (c *conn) dispatch(tag uint16, m wire.TMessage) {
	switch req := m.(type) {
	case wire.Tattach:
		c.handleAttach(tag, req)
	case wire.Twalk:
		c.handleWalk(tag, req)
	case wire.Topen:
		c.handleOpen(tag, req)
	case wire.Tcreate:
		c.handleCreate(tag, req)
	case wire.Tread:
		c.handleRead(tag, req)
	case wire.Twrite:
		c.handleWrite(tag, req)
	case wire.Tclunk:
		c.handleClunk(tag, req)
	case wire.Tremove:
		c.handleRemove(tag, req)
	case wire.Tstat:
		c.handleStat(tag, req)
	case wire.Twstat:
		c.handleWstat(tag, req)
	default:
		c.rerror(tag, "unsupported message type %T", m)
	}
}
