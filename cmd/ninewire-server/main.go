// Command ninewire-server serves a local directory over 9P2000,
// secured with Noise-NK, optionally registering its endpoint with a
// mediator so clients don't need to know its address ahead of time.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"

	"github.com/flynn/noise"

	"github.com/robbie01/ninewire/mediator"
	"github.com/robbie01/ninewire/server"
	"github.com/robbie01/ninewire/transport"
)

// share is one -share name=path flag occurrence.
type share struct {
	name, path string
}

// shareFlag collects repeated -share name=path flags, in the order
// given on the command line: the only configuration surface this
// server's virtual root exposes besides the listen address, and the
// order its entries are listed in under the virtual root (the rpc
// pseudo-file always leads).
type shareFlag struct {
	entries *[]share
}

func (f shareFlag) String() string {
	if f.entries == nil {
		return ""
	}
	parts := make([]string, 0, len(*f.entries))
	for _, sh := range *f.entries {
		parts = append(parts, sh.name+"="+sh.path)
	}
	return strings.Join(parts, ",")
}

func (f shareFlag) Set(s string) error {
	name, path, ok := strings.Cut(s, "=")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("expected name=path, got %q", s)
	}
	if name == "rpc" {
		return fmt.Errorf("share name %q is reserved for the virtual root's rpc pseudo-file", name)
	}
	for _, sh := range *f.entries {
		if sh.name == name {
			return fmt.Errorf("share %q already defined", name)
		}
	}
	*f.entries = append(*f.entries, share{name: name, path: path})
	return nil
}

func main() {
	addr := flag.String("addr", ":9999", "UDP address to listen on")
	var shares []share
	flag.Var(shareFlag{entries: &shares}, "share", "name=path share to export under the virtual root; repeatable")
	keyPath := flag.String("key", "", "path to a saved Noise-NK static keypair (hex-encoded, generated if absent)")
	mediatorAddr := flag.String("mediator", "", "address of a mediator to register with (disabled if empty)")
	name := flag.String("name", "", "name to register under (required with -mediator)")
	flag.Parse()

	logger := log.New(os.Stderr, "ninewire-server: ", log.LstdFlags)

	if len(shares) == 0 {
		logger.Fatalf("at least one -share name=path is required")
	}

	key, err := loadOrGenerateKey(*keyPath)
	if err != nil {
		logger.Fatalf("loading static key: %v", err)
	}
	logger.Printf("static public key: %x", key.Public)

	l, err := transport.ListenUDP(*addr)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}

	hosts := make(map[string]server.Host, len(shares))
	order := make([]string, 0, len(shares))
	for _, sh := range shares {
		hosts[sh.name] = server.NewLocalHost(sh.path)
		order = append(order, sh.name)
	}

	srv := &server.Server{
		StaticKey:  key,
		Shares:     hosts,
		ShareOrder: order,
		Logger:     logger,
	}

	if *mediatorAddr != "" {
		if *name == "" {
			logger.Fatalf("-name is required with -mediator")
		}
		udpAddr, err := net.ResolveUDPAddr("udp", *addr)
		if err != nil {
			logger.Fatalf("resolving -addr for registration: %v", err)
		}
		go register(logger, *mediatorAddr, *name, udpAddr, key)
	}

	logger.Printf("serving %s on %s", strings.Join(order, ","), *addr)
	if err := srv.Serve(l); err != nil {
		logger.Fatalf("serve: %v", err)
	}
}

// register registers this server's endpoint with a mediator and
// answers every subsequent rendezvous ask by approving it: this
// server has nothing to hide from a client that already knows its
// registered name.
func register(logger *log.Logger, mediatorAddr, name string, udpAddr *net.UDPAddr, key noise.DHKey) {
	ep := endpointFromUDP(udpAddr)
	ep.Pubkey = key.Public

	reg, err := mediator.Register(mediatorAddr, name, ep)
	if err != nil {
		logger.Printf("mediator: register %q: %v", name, err)
		return
	}
	defer reg.Close()
	logger.Printf("registered as %q with mediator %s", name, mediatorAddr)

	for {
		ask, err := reg.Next()
		if err != nil {
			logger.Printf("mediator: registration stream ended: %v", err)
			return
		}
		if err := ask.Approve(); err != nil {
			logger.Printf("mediator: approving rendezvous: %v", err)
			return
		}
	}
}

func endpointFromUDP(a *net.UDPAddr) mediator.Endpoint {
	var ep mediator.Endpoint
	ip := a.IP.To16()
	copy(ep.Addr[:], ip)
	ep.Port = uint16(a.Port)
	return ep
}

func loadOrGenerateKey(path string) (noise.DHKey, error) {
	if path == "" {
		return transport.GenerateKeypair()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			kp, err := transport.GenerateKeypair()
			if err != nil {
				return noise.DHKey{}, err
			}
			if werr := os.WriteFile(path, []byte(hex.EncodeToString(append(kp.Private, kp.Public...))), 0600); werr != nil {
				return noise.DHKey{}, werr
			}
			return kp, nil
		}
		return noise.DHKey{}, err
	}
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return noise.DHKey{}, err
	}
	return noise.DHKey{Private: raw[:32], Public: raw[32:]}, nil
}
