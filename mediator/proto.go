// Package mediator implements the rendezvous service that lets a
// server register a name for its current (address, port, Noise-NK
// public key) and lets a client look that name back up in order to
// dial it. The control plane is a length-prefixed stream of
// CBOR-encoded messages over a plain TCP connection, in place of the
// gRPC/protobuf service the original implementation used.
package mediator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// maxFrame bounds a single control-plane message, generous enough for
// an Endpoint plus framing overhead while refusing to let a peer
// force an unbounded allocation.
const maxFrame = 4096

// Endpoint identifies where a 9P server can be reached: its transport
// address, port, and (for a server's own registration) its Noise-NK
// static public key.
type Endpoint struct {
	Addr   [16]byte // IPv4-mapped or native IPv6
	Port   uint16
	Pubkey []byte `cbor:",omitempty"` // present only when registering as a server
}

var (
	errBadPort   = errors.New("mediator: bad port")
	errBadPubkey = errors.New("mediator: bad public key")
)

// validateEndpoint enforces the same shape the original mediator
// requires: a port in [1, 65535], and a public key present if and
// only if the endpoint describes a registering server. Addr is a
// fixed-size [16]byte in Go, so unlike the original there's no
// separate address-length check to perform.
func validateEndpoint(ep Endpoint, server bool) error {
	if ep.Port == 0 {
		return errBadPort
	}
	if server {
		if len(ep.Pubkey) != 32 {
			return errBadPubkey
		}
	} else if len(ep.Pubkey) != 0 {
		return fmt.Errorf("mediator: client endpoint must not carry a public key")
	}
	return nil
}

// registerReq is one frame a registrant sends on a Register stream.
type registerReq struct {
	// Registration is never set by Register, which sends the
	// registration in the connection's first frame (connFrame.Register);
	// the mediator ignores this field.
	Registration *registration `cbor:",omitempty"`
	// ApproveID/DenyID answer a pending rendezvous by request id.
	ApproveID *uint64 `cbor:",omitempty"`
	DenyID    *uint64 `cbor:",omitempty"`
}

type registration struct {
	Name     string
	Endpoint Endpoint
}

// registerReply is one frame the mediator sends back on a Register
// stream: a pending rendezvous the registrant must approve or deny.
type registerReply struct {
	RequestID uint64
	Endpoint  Endpoint
}

type rendezvousRequest struct {
	Name     string
	Endpoint Endpoint
}

type rendezvousReply struct {
	Endpoint Endpoint `cbor:",omitempty"`
	Err      string   `cbor:",omitempty"`
}

// registerAck is the one frame the mediator sends immediately after
// accepting (or rejecting) a registration, before any registerReply
// frames for incoming rendezvous requests.
type registerAck struct {
	Err string `cbor:",omitempty"`
}

// connFrame is the first frame on any mediator connection,
// disambiguating which of the two RPCs the peer is invoking since,
// unlike the original's gRPC services, both share one TCP byte
// stream here.
type connFrame struct {
	Register   *registration      `cbor:",omitempty"`
	Rendezvous *rendezvousRequest `cbor:",omitempty"`
}

// writeFrame CBOR-encodes v and writes it as a uint32-length-prefixed
// frame.
func writeFrame(w io.Writer, v interface{}) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	if len(b) > maxFrame {
		return fmt.Errorf("mediator: encoded frame too large (%d bytes)", len(b))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// readFrame reads one length-prefixed CBOR frame into v.
func readFrame(r io.Reader, v interface{}) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrame {
		return fmt.Errorf("mediator: frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return cbor.Unmarshal(buf, v)
}
