package transport

import (
	"io"
	"net"
	"sync"
)

// udpDatagram adapts a connected net.UDPConn to the Datagram
// interface. It is the reference substrate: any unreliable,
// reordering datagram transport can stand in for it.
type udpDatagram struct {
	c *net.UDPConn
}

// DialUDP connects to addr over UDP and wraps the resulting socket as
// a Datagram, suitable for passing to Dial.
func DialUDP(addr string) (Datagram, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	c, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return &udpDatagram{c: c}, nil
}

func (u *udpDatagram) Send(p []byte) error {
	_, err := u.c.Write(p)
	return err
}

func (u *udpDatagram) Recv(p []byte) (int, error) {
	return u.c.Read(p)
}

func (u *udpDatagram) Close() error {
	return u.c.Close()
}

// PacketListener multiplexes every peer onto the single bound UDP
// socket, demultiplexing inbound datagrams by remote address: a server
// answering from a second, ephemeral-port socket per peer (as a naive
// net.DialUDP-per-peer accept would) sends its replies from the wrong
// source port, which a peer's own connected socket silently discards,
// so everything downstream of the handshake must share the listening
// socket the peer actually sent to.
type PacketListener struct {
	c *net.UDPConn

	mu       sync.Mutex
	peers    map[string]*udpPeer
	pending  chan pendingPeer
	closeErr error
}

type pendingPeer struct {
	d     Datagram
	first []byte
}

// udpPeer is one demultiplexed peer's Datagram, backed by the shared
// listening socket: Send writes to this peer's address through it,
// Recv reads from a per-peer queue the listener's read loop fans
// datagrams into.
type udpPeer struct {
	l     *PacketListener
	raddr *net.UDPAddr
	key   string
	in    chan []byte
}

func ListenUDP(addr string) (*PacketListener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	l := &PacketListener{
		c:       c,
		peers:   make(map[string]*udpPeer),
		pending: make(chan pendingPeer, 64),
	}
	go l.readLoop()
	return l, nil
}

// readLoop is the socket's sole reader, routing each datagram to its
// peer's queue (allocating a new peer and offering it to AcceptFrom on
// first sight) until the socket errors out, at which point every peer
// still waiting is woken with that error.
func (l *PacketListener) readLoop() {
	buf := make([]byte, MTU)
	for {
		n, raddr, err := l.c.ReadFromUDP(buf)
		if err != nil {
			l.mu.Lock()
			l.closeErr = err
			peers := l.peers
			l.peers = nil
			l.mu.Unlock()
			for _, p := range peers {
				close(p.in)
			}
			close(l.pending)
			return
		}

		key := raddr.String()
		cp := append([]byte(nil), buf[:n]...)

		l.mu.Lock()
		if l.peers == nil {
			l.mu.Unlock()
			continue
		}
		p, ok := l.peers[key]
		if !ok {
			p = &udpPeer{l: l, raddr: raddr, key: key, in: make(chan []byte, 64)}
			l.peers[key] = p
			l.mu.Unlock()
			select {
			case l.pending <- pendingPeer{d: p, first: cp}:
			default:
				// Accept backlog full; drop the new peer's handshake
				// attempt, same as a dropped SYN.
			}
			continue
		}
		l.mu.Unlock()

		select {
		case p.in <- cp:
		default:
			// Slow consumer: drop rather than block the shared read loop.
		}
	}
}

// AcceptFrom blocks until a datagram arrives from a new peer and
// returns a Datagram connected to that peer, plus the datagram's
// payload (typically the first Noise-NK handshake message). The
// returned Datagram is already primed: its first Recv replays that
// payload, so it can be handed straight to Accept.
func (l *PacketListener) AcceptFrom() (Datagram, []byte, error) {
	pp, ok := <-l.pending
	if !ok {
		l.mu.Lock()
		err := l.closeErr
		l.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return nil, nil, err
	}
	return Primed(pp.d, pp.first), pp.first, nil
}

func (l *PacketListener) Close() error {
	return l.c.Close()
}

func (p *udpPeer) Send(b []byte) error {
	_, err := p.l.c.WriteToUDP(b, p.raddr)
	return err
}

func (p *udpPeer) Recv(buf []byte) (int, error) {
	b, ok := <-p.in
	if !ok {
		l := p.l
		l.mu.Lock()
		err := l.closeErr
		l.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	return copy(buf, b), nil
}

// Close drops this peer's demultiplexing entry; the shared socket
// itself is only closed by the listener.
func (p *udpPeer) Close() error {
	p.l.mu.Lock()
	if p.l.peers != nil {
		delete(p.l.peers, p.key)
	}
	p.l.mu.Unlock()
	return nil
}
