package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// pipeDatagram is an in-memory Datagram used to exercise the
// handshake and AEAD framing without touching the network. Each side
// sends into the other's channel.
type pipeDatagram struct {
	out chan<- []byte
	in  <-chan []byte
}

func newPipePair() (a, b *pipeDatagram) {
	c1 := make(chan []byte, 16)
	c2 := make(chan []byte, 16)
	a = &pipeDatagram{out: c1, in: c2}
	b = &pipeDatagram{out: c2, in: c1}
	return a, b
}

func (p *pipeDatagram) Send(b []byte) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	p.out <- cp
	return nil
}

func (p *pipeDatagram) Recv(buf []byte) (int, error) {
	b := <-p.in
	return copy(buf, b), nil
}

func (p *pipeDatagram) Close() error { return nil }

func dialAndAccept(t *testing.T) (client, server *Conn) {
	t.Helper()
	serverStatic, err := GenerateKeypair()
	require.NoError(t, err)

	cd, sd := newPipePair()

	var wg sync.WaitGroup
	wg.Add(2)
	var cerr, serr error
	go func() {
		defer wg.Done()
		client, cerr = Dial(cd, serverStatic.Public)
	}()
	go func() {
		defer wg.Done()
		server, serr = Accept(sd, &serverStatic)
	}()
	wg.Wait()
	require.NoError(t, cerr)
	require.NoError(t, serr)
	return client, server
}

func TestHandshakeAndRoundTrip(t *testing.T) {
	client, server := dialAndAccept(t)
	defer client.Close()
	defer server.Close()

	msg := []byte("Tversion 9P2000")
	require.NoError(t, client.Send(msg))
	got, err := server.Recv()
	require.NoError(t, err)
	require.Equal(t, msg, got)

	reply := []byte("Rversion 9P2000")
	require.NoError(t, server.Send(reply))
	got, err = client.Recv()
	require.NoError(t, err)
	require.Equal(t, reply, got)
}

func TestReplayedNonceDropped(t *testing.T) {
	client, server := dialAndAccept(t)
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.Send([]byte("hello")))
	got, err := server.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	// Replay the exact same ciphertext at the transport level by
	// re-sending through the underlying pipe; the wrapped Conn drives
	// encryption itself so instead we verify directly against the
	// nonceSet the server tracks.
	server.recvMu.Lock()
	dup := server.seen.Contains(0)
	server.recvMu.Unlock()
	require.True(t, dup, "nonce 0 should be recorded as seen")

	// A genuinely replayed datagram (same bytes re-delivered by the
	// substrate) must be silently dropped rather than delivered twice.
	cd, sd := client.d.(*pipeDatagram), server.d.(*pipeDatagram)
	require.NoError(t, client.Send([]byte("world")))
	raw := <-sd.in
	cd.out <- raw
	cd.out <- raw
	require.NoError(t, client.Send([]byte("again")))
	got, err = server.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got)
	got, err = server.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("again"), got)
}

func TestNonceExhaustion(t *testing.T) {
	client, server := dialAndAccept(t)
	defer client.Close()
	defer server.Close()

	client.nonceOut = MaxNonce
	err := client.Send([]byte("x"))
	require.ErrorIs(t, err, ErrNonceExhausted)
}

func TestNonceSetMerging(t *testing.T) {
	var s nonceSet
	require.NoError(t, s.Insert(5))
	require.NoError(t, s.Insert(6))
	require.NoError(t, s.Insert(4))
	require.True(t, s.Contains(4))
	require.True(t, s.Contains(5))
	require.True(t, s.Contains(6))
	require.False(t, s.Contains(3))
	require.False(t, s.Contains(7))
	require.Len(t, s.ranges, 1)
	require.Equal(t, nonceRange{Lo: 4, Hi: 7}, s.ranges[0])
}

func TestNonceSetTooManyGaps(t *testing.T) {
	var s nonceSet
	var lastErr error
	for i := uint64(0); i < maxNonceRanges+10; i++ {
		lastErr = s.Insert(i * 2) // every other nonce, so ranges never merge
	}
	require.ErrorIs(t, lastErr, ErrTooManyGaps)
}
