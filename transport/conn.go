package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flynn/noise"
)

// Conn is one secure, authenticated connection over a Datagram
// substrate: Noise-NK handshake plus per-datagram AES-256-GCM sealing
// keyed by an explicit, wire-carried nonce, with anti-replay on the
// receive side.
//
// Send may be called from several goroutines at once: nonce
// allocation and sealing happen under one lock, and the sealed
// datagrams then go to the Datagram's Send without further
// serialization. Recv is called by a single read pump on each side of
// the 9P layer above it.
type Conn struct {
	d Datagram

	sendMu   sync.Mutex
	send     cipher.AEAD
	nonceOut uint64

	recvMu sync.Mutex
	recv   cipher.AEAD
	seen   nonceSet

	bufs sync.Pool

	closed atomic.Bool
}

// Dial performs the initiator side of the Noise-NK handshake and
// returns a ready-to-use Conn. remoteStaticPub is the responder's
// known long-term public key.
func Dial(d Datagram, remoteStaticPub []byte) (*Conn, error) {
	keys, err := handshake(d, true, nil, remoteStaticPub)
	if err != nil {
		return nil, err
	}
	return newConn(d, keys)
}

// Accept performs the responder side of the Noise-NK handshake and
// returns a ready-to-use Conn. local is the server's long-term
// Noise-NK static keypair.
func Accept(d Datagram, local *noise.DHKey) (*Conn, error) {
	keys, err := handshake(d, false, local, nil)
	if err != nil {
		return nil, err
	}
	return newConn(d, keys)
}

func newConn(d Datagram, keys *sessionKeys) (*Conn, error) {
	send, err := aeadFromKey(keys.sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := aeadFromKey(keys.recvKey)
	if err != nil {
		return nil, err
	}
	c := &Conn{d: d, send: send, recv: recv}
	c.bufs.New = func() interface{} { return make([]byte, 0, MTU) }
	return c, nil
}

func aeadFromKey(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("transport: aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("transport: gcm: %w", err)
	}
	return aead, nil
}

// lease fetches a scratch buffer of at least n bytes from the pool.
func (c *Conn) lease(n int) []byte {
	b := c.bufs.Get().([]byte)
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

func (c *Conn) release(b []byte) {
	c.bufs.Put(b[:0])
}

// gcmNonce renders a uint64 counter as a 12-byte GCM nonce: 4 zero
// bytes followed by the 8-byte big-endian counter, which is also
// exactly what's transmitted on the wire.
func gcmNonce(n uint64) [12]byte {
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[4:], n)
	return buf
}

// Send seals plaintext with the next available nonce and transmits it
// as nonce[8] || ciphertext || tag[16]. It refuses to encrypt once the
// nonce counter would wrap.
func (c *Conn) Send(plaintext []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("transport: connection closed")
	}
	c.sendMu.Lock()
	if c.nonceOut == MaxNonce {
		c.sendMu.Unlock()
		return ErrNonceExhausted
	}
	nonce := c.nonceOut
	c.nonceOut++
	gn := gcmNonce(nonce)

	out := c.lease(NonceLen + len(plaintext) + TagLen)[:NonceLen]
	binary.BigEndian.PutUint64(out, nonce)
	sealed := c.send.Seal(out, gn[:], plaintext, nil)
	c.sendMu.Unlock()

	err := c.d.Send(sealed)
	c.release(sealed)
	return err
}

// Recv blocks for the next authenticated datagram, returning its
// plaintext. Replayed or unauthenticatable datagrams are silently
// dropped and Recv retries; ErrTooManyGaps is returned (and the
// connection must be torn down by the caller) if the anti-replay
// window grows past its bound.
func (c *Conn) Recv() ([]byte, error) {
	buf := make([]byte, MTU)
	for {
		n, err := c.d.Recv(buf)
		if err != nil {
			return nil, err
		}
		if n < NonceLen+TagLen {
			continue // malformed datagram, not fatal
		}
		nonce := binary.BigEndian.Uint64(buf[:NonceLen])
		ciphertext := buf[NonceLen:n]

		c.recvMu.Lock()
		if c.seen.Contains(nonce) {
			c.recvMu.Unlock()
			continue
		}
		gn := gcmNonce(nonce)
		plaintext, derr := c.recv.Open(nil, gn[:], ciphertext, nil)
		if derr != nil {
			c.recvMu.Unlock()
			continue // authentication failure: drop, don't fault the connection
		}
		gapErr := c.seen.Insert(nonce)
		c.recvMu.Unlock()
		if gapErr != nil {
			return nil, gapErr
		}
		return plaintext, nil
	}
}

func (c *Conn) Close() error {
	c.closed.Store(true)
	return c.d.Close()
}
