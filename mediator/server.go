package mediator

import (
	"fmt"
	"net"
	"sync"
)

// Logger matches the logging surface used across the other ninewire
// packages.
type Logger interface {
	Printf(format string, v ...interface{})
}

// plsRendezvous is one pending rendezvous a registrant must answer:
// the requester's endpoint, and a channel to deliver the registrant's
// own endpoint back on approval (or nil on denial).
type plsRendezvous struct {
	ep    Endpoint
	reply chan *Endpoint
}

// registeredName is the live state behind one registered name: the
// channel its Register connection is waiting on for new rendezvous
// requests.
type registeredName struct {
	mu     sync.Mutex
	closed bool
	asks   chan plsRendezvous
}

// Handler is the mediator service: a directory of registered names,
// each backed by one long-lived Register connection.
type Handler struct {
	Logger Logger

	mu       sync.Mutex
	mappings map[string]*registeredName
}

func NewHandler() *Handler {
	return &Handler{mappings: make(map[string]*registeredName)}
}

func (h *Handler) logf(format string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}

// Serve accepts TCP connections on l and dispatches each to either
// handleRegister or handleRendezvous depending on its first frame.
func (h *Handler) Serve(l net.Listener) error {
	for {
		c, err := l.Accept()
		if err != nil {
			return err
		}
		go h.handleConn(c)
	}
}

func (h *Handler) handleConn(c net.Conn) {
	defer c.Close()

	var first connFrame
	if err := readFrame(c, &first); err != nil {
		return
	}
	switch {
	case first.Register != nil:
		h.handleRegister(c, *first.Register)
	case first.Rendezvous != nil:
		h.handleRendezvous(c, *first.Rendezvous)
	default:
		h.logf("mediator: connection's first frame was neither a registration nor a rendezvous request")
	}
}

func (h *Handler) handleRegister(c net.Conn, reg registration) {
	if err := validateEndpoint(reg.Endpoint, true); err != nil {
		writeFrame(c, registerAck{Err: err.Error()})
		return
	}

	h.mu.Lock()
	if existing, ok := h.mappings[reg.Name]; ok {
		existing.mu.Lock()
		closed := existing.closed
		existing.mu.Unlock()
		if !closed {
			h.mu.Unlock()
			writeFrame(c, registerAck{Err: fmt.Sprintf("name %q already registered", reg.Name)})
			return
		}
	}
	r := &registeredName{asks: make(chan plsRendezvous, 1)}
	h.mappings[reg.Name] = r
	h.mu.Unlock()

	var inflightMu sync.Mutex
	inflight := make(map[uint64]chan *Endpoint)
	var nextID uint64

	defer func() {
		// r.mu stays held across marking closed and draining r.asks so
		// handleRendezvous's own r.mu-guarded closed check (below) can't
		// land an ask in the buffer after this point: either it observes
		// closed and never sends, or it sends before this lock is
		// acquired and the drain below catches it.
		r.mu.Lock()
		r.closed = true
	drain:
		for {
			select {
			case ask := <-r.asks:
				ask.reply <- nil
			default:
				break drain
			}
		}
		r.mu.Unlock()

		h.mu.Lock()
		if h.mappings[reg.Name] == r {
			delete(h.mappings, reg.Name)
		}
		h.mu.Unlock()

		// Every rendezvous still awaiting this registrant's
		// Approve/Deny would otherwise block forever: the registrant
		// is gone, so deny them all rather than leave their callers
		// hanging on a reply that's never coming.
		inflightMu.Lock()
		for id, ch := range inflight {
			ch <- nil
			delete(inflight, id)
		}
		inflightMu.Unlock()
	}()

	if err := writeFrame(c, registerAck{}); err != nil {
		return
	}

	incoming := make(chan registerReq)
	readErrs := make(chan error, 1)
	go func() {
		for {
			var msg registerReq
			if err := readFrame(c, &msg); err != nil {
				readErrs <- err
				return
			}
			incoming <- msg
		}
	}()

	for {
		select {
		case ask, ok := <-r.asks:
			if !ok {
				return
			}
			inflightMu.Lock()
			id := nextID
			nextID++
			inflight[id] = ask.reply
			inflightMu.Unlock()
			if err := writeFrame(c, registerReply{RequestID: id, Endpoint: ask.ep}); err != nil {
				return
			}
		case msg := <-incoming:
			switch {
			case msg.ApproveID != nil:
				inflightMu.Lock()
				ch := inflight[*msg.ApproveID]
				delete(inflight, *msg.ApproveID)
				inflightMu.Unlock()
				if ch != nil {
					ep := reg.Endpoint
					ch <- &ep
				}
			case msg.DenyID != nil:
				inflightMu.Lock()
				ch := inflight[*msg.DenyID]
				delete(inflight, *msg.DenyID)
				inflightMu.Unlock()
				if ch != nil {
					ch <- nil
				}
			}
		case <-readErrs:
			return
		}
	}
}

func (h *Handler) handleRendezvous(c net.Conn, req rendezvousRequest) {
	if err := validateEndpoint(req.Endpoint, false); err != nil {
		writeFrame(c, rendezvousReply{Err: err.Error()})
		return
	}

	h.mu.Lock()
	r, ok := h.mappings[req.Name]
	h.mu.Unlock()
	if !ok {
		writeFrame(c, rendezvousReply{Err: "unknown name"})
		return
	}

	reply := make(chan *Endpoint, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		writeFrame(c, rendezvousReply{Err: "unknown name"})
		return
	}
	select {
	case r.asks <- plsRendezvous{ep: req.Endpoint, reply: reply}:
		r.mu.Unlock()
	default:
		r.mu.Unlock()
		writeFrame(c, rendezvousReply{Err: "registrant busy, try again"})
		return
	}

	ep := <-reply
	if ep == nil {
		writeFrame(c, rendezvousReply{Err: "rendezvous denied by peer"})
		return
	}
	writeFrame(c, rendezvousReply{Endpoint: *ep})
}
