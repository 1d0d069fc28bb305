package transport

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/hkdf"
)

// cipherSuite is the fixed Noise-NK instantiation this transport
// speaks: X25519 for the DH, AES-256-GCM for the AEAD, SHA-256 for
// the hash/KDF, matching the "Noise_NK_25519_AESGCM_SHA256" protocol
// name used by the original implementation. The AEAD half of this
// suite is only used to complete the handshake messages themselves;
// the transport data channel derives its own keys, see below.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

// GenerateKeypair produces a new X25519 static keypair, used by a
// server as its long-term Noise-NK identity.
func GenerateKeypair() (noise.DHKey, error) {
	return cipherSuite.GenerateKeypair(nil)
}

// maxHandshakeMsg bounds a single Noise-NK handshake message.
const maxHandshakeMsg = 64

// sessionKeys holds the pair of directional AES-256-GCM keys derived
// from a completed handshake: one for the datagrams this side sends,
// one for the datagrams it receives.
type sessionKeys struct {
	sendKey, recvKey [32]byte
}

// initiatorLabel / responderLabel separate the two directions' keys
// under HKDF (they are its info input; the channel-binding hash is the
// input keying material and the salt is empty), so one transcript
// cannot yield the same key for both directions.
var (
	initiatorLabel = []byte("ninewire initiator")
	responderLabel = []byte("ninewire responder")
)

// handshake drives one side of a Noise-NK handshake over a Datagram
// substrate. Noise-NK is a two-message pattern: the initiator knows
// the responder's static public key in advance (the initiator itself
// is not authenticated):
//
//	-> e, es
//	<- e, ee
//
// Rather than relying on the handshake's own CipherState pair (whose
// nonce auto-increments message-by-message, unsuitable for a
// substrate that can reorder or drop datagrams), this derives a fresh
// pair of AES-256-GCM keys from the handshake's channel-binding hash
// and hands them to the caller for explicit-nonce framing.
func handshake(d Datagram, initiator bool, localStatic *noise.DHKey, remoteStaticPub []byte) (*sessionKeys, error) {
	cfg := noise.Config{
		CipherSuite: cipherSuite,
		Pattern:     noise.HandshakeNK,
		Initiator:   initiator,
	}
	if initiator {
		cfg.PeerStatic = remoteStaticPub
	} else {
		if localStatic == nil {
			return nil, fmt.Errorf("transport: responder requires a static keypair")
		}
		cfg.StaticKeypair = *localStatic
	}

	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: init handshake: %w", err)
	}

	buf := make([]byte, maxHandshakeMsg)
	if initiator {
		msg, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("transport: write handshake message 1: %w", err)
		}
		if err := d.Send(msg); err != nil {
			return nil, err
		}
		n, err := d.Recv(buf)
		if err != nil {
			return nil, err
		}
		if _, _, _, err := hs.ReadMessage(nil, buf[:n]); err != nil {
			return nil, fmt.Errorf("transport: read handshake message 2: %w", err)
		}
	} else {
		n, err := d.Recv(buf)
		if err != nil {
			return nil, err
		}
		if _, _, _, err := hs.ReadMessage(nil, buf[:n]); err != nil {
			return nil, fmt.Errorf("transport: read handshake message 1: %w", err)
		}
		msg, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("transport: write handshake message 2: %w", err)
		}
		if err := d.Send(msg); err != nil {
			return nil, err
		}
	}

	binding := hs.ChannelBinding()
	var out, in []byte
	if initiator {
		out, in = initiatorLabel, responderLabel
	} else {
		out, in = responderLabel, initiatorLabel
	}

	var keys sessionKeys
	if err := derive(binding, out, keys.sendKey[:]); err != nil {
		return nil, err
	}
	if err := derive(binding, in, keys.recvKey[:]); err != nil {
		return nil, err
	}
	return &keys, nil
}

// derive fills dst with HKDF-SHA256(ikm=binding, salt=nil, info=label)
// output, used to split a single handshake transcript hash into two
// independent directional keys.
func derive(binding, label, dst []byte) error {
	r := hkdf.New(sha256.New, binding, nil, label)
	_, err := io.ReadFull(r, dst)
	return err
}
