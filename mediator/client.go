package mediator

import (
	"fmt"
	"net"
)

// Registrant is the registrant side of a Register connection: it
// receives incoming rendezvous asks and answers each with Approve or
// Deny.
type Registrant struct {
	c    net.Conn
	name string
}

// Register opens name on the mediator reachable at addr, advertising
// ep as this server's endpoint. It blocks for the mediator's
// acknowledgement (or rejection) of the registration itself.
func Register(addr, name string, ep Endpoint) (*Registrant, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(c, connFrame{Register: &registration{Name: name, Endpoint: ep}}); err != nil {
		c.Close()
		return nil, err
	}
	var ack registerAck
	if err := readFrame(c, &ack); err != nil {
		c.Close()
		return nil, err
	}
	if ack.Err != "" {
		c.Close()
		return nil, fmt.Errorf("mediator: register %q: %s", name, ack.Err)
	}
	return &Registrant{c: c, name: name}, nil
}

// Ask is one pending rendezvous request a registrant must answer.
type Ask struct {
	RequestID uint64
	Endpoint  Endpoint
	r         *Registrant
}

// Next blocks for the next rendezvous ask on this registration.
func (r *Registrant) Next() (Ask, error) {
	var rep registerReply
	if err := readFrame(r.c, &rep); err != nil {
		return Ask{}, err
	}
	return Ask{RequestID: rep.RequestID, Endpoint: rep.Endpoint, r: r}, nil
}

// Approve tells the mediator to release this server's own endpoint to
// the asking peer.
func (a Ask) Approve() error {
	id := a.RequestID
	return writeFrame(a.r.c, registerReq{ApproveID: &id})
}

// Deny tells the mediator to refuse the rendezvous.
func (a Ask) Deny() error {
	id := a.RequestID
	return writeFrame(a.r.c, registerReq{DenyID: &id})
}

// Close ends the registration, freeing the name for reuse.
func (r *Registrant) Close() error {
	return r.c.Close()
}

// Rendezvous asks the mediator reachable at addr to connect this
// caller (advertising ep as its own endpoint, with no public key) to
// the server registered under name, returning that server's endpoint
// on success.
func Rendezvous(addr, name string, ep Endpoint) (Endpoint, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return Endpoint{}, err
	}
	defer c.Close()

	if err := writeFrame(c, connFrame{Rendezvous: &rendezvousRequest{Name: name, Endpoint: ep}}); err != nil {
		return Endpoint{}, err
	}
	var rep rendezvousReply
	if err := readFrame(c, &rep); err != nil {
		return Endpoint{}, err
	}
	if rep.Err != "" {
		return Endpoint{}, fmt.Errorf("mediator: rendezvous %q: %s", name, rep.Err)
	}
	return rep.Endpoint, nil
}
