package server

import (
	"sort"
	"time"

	"aqwari.net/retry"
	"github.com/flynn/noise"

	"github.com/robbie01/ninewire/transport"
	"github.com/robbie01/ninewire/wire"
)

// Server holds everything needed to accept ninewire connections: the
// Noise-NK static identity peers dial, the configured shares (a
// name -> Host table, exposed under the virtual root alongside the
// rpc pseudo-file), and the negotiated default msize.
type Server struct {
	StaticKey noise.DHKey
	Shares    map[string]Host
	// ShareOrder fixes the order shares are listed in under the
	// virtual root (the rpc pseudo-file always leads). If it doesn't
	// name every key of Shares exactly once, the listing falls back to
	// sorted share names instead, since a partial or stale ordering is
	// worse than no ordering at all.
	ShareOrder []string
	// MaxInflight bounds concurrent in-flight requests per connection.
	// Zero means defaultMaxInflight.
	MaxInflight int
	Msize       uint32
	Logger      Logger

	paths pathPool
}

// shareNames returns the share names in virtual-root listing order:
// ShareOrder verbatim if it's a valid permutation of Shares' keys,
// sorted names otherwise. A Go map has no order of its own, so without
// an explicit ShareOrder the listing can only be made deterministic,
// not configuration-order-preserving. A share literally named "rpc" is
// dropped: the virtual root's rpc pseudo-file always wins that name
// (resourcePath.walkChild checks it before consulting Shares), so
// listing a same-named share too would produce two root entries both
// named "rpc" and permanently hide the share behind the pseudo-file.
// cmd/ninewire-server rejects the name at flag-parsing time; this is
// the defensive backstop for a Server built directly.
func (s *Server) shareNames() []string {
	if len(s.ShareOrder) == len(s.Shares) {
		seen := make(map[string]bool, len(s.ShareOrder))
		valid := true
		for _, name := range s.ShareOrder {
			if _, ok := s.Shares[name]; !ok || seen[name] {
				valid = false
				break
			}
			seen[name] = true
		}
		if valid {
			return filterReservedName(s.ShareOrder)
		}
	}
	names := make([]string, 0, len(s.Shares))
	for name := range s.Shares {
		names = append(names, name)
	}
	sort.Strings(names)
	return filterReservedName(names)
}

func filterReservedName(names []string) []string {
	out := names[:0:0]
	for _, name := range names {
		if name == "rpc" {
			continue
		}
		out = append(out, name)
	}
	return out
}

// qidFor computes the stable qid for a share entry: QTDIR for
// directories, QTFILE otherwise, with a path assigned from the
// server-wide pool keyed by share name and path components so the
// same file always gets the same qid for as long as the server runs.
func (s *Server) qidFor(share string, components []string, info Info) wire.Qid {
	qtype := wire.QidType(0)
	if info.IsDir {
		qtype = wire.QTDIR
	}
	key := share + "\x00" + joinComponents(components)
	return wire.NewQid(qtype, 0, s.paths.id(key))
}

// Serve accepts connections from l until it returns a non-temporary
// error, handing each accepted peer its own goroutine. Temporary
// Accept errors are retried with the same exponential-backoff policy
// the teacher library uses for its own listener loop.
func (s *Server) Serve(l *transport.PacketListener) error {
	type tempErr interface{ Temporary() bool }
	backoff := retry.Exponential(time.Millisecond).Max(time.Second)
	try := 0

	for {
		peer, first, err := l.AcceptFrom()
		if err != nil {
			if te, ok := err.(tempErr); ok && te.Temporary() {
				try++
				d := backoff(try)
				s.logf("server: accept error: %v; retrying in %v", err, d)
				time.Sleep(d)
				continue
			}
			return err
		}
		try = 0
		go s.handle(peer, first)
	}
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

func (s *Server) handle(peer transport.Datagram, first []byte) {
	tc, err := transport.Accept(peer, &s.StaticKey)
	if err != nil {
		s.logf("server: handshake failed: %v", err)
		peer.Close()
		return
	}
	s.ServeConn(tc)
}

// ServeConn drives the 9P session on an already-handshaken
// transport.Conn, for callers (tests, or a mediator handing off a
// rendezvoused connection) that perform the Noise-NK handshake
// themselves.
func (s *Server) ServeConn(tc *transport.Conn) {
	maxMsize := s.Msize
	if maxMsize == 0 || maxMsize > transport.Msize {
		maxMsize = transport.Msize
	}
	maxInflight := s.MaxInflight
	if maxInflight <= 0 {
		maxInflight = defaultMaxInflight
	}
	c := &conn{
		transport: tc,
		srv:       s,
		log:       s.Logger,
		maxMsize:  maxMsize,
		fids:      newFidTable(),
		sem:       make(chan struct{}, maxInflight),
		inflight:  make(map[uint16]*pendingFlush),
	}
	c.serve()
}
