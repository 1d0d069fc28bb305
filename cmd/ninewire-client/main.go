// Command ninewire-client is a small demonstration client: it attaches
// to a ninewire server, walks to a path, and writes its contents to
// stdout.
package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/robbie01/ninewire/client"
	"github.com/robbie01/ninewire/mediator"
	"github.com/robbie01/ninewire/transport"
)

func main() {
	addr := flag.String("addr", "", "UDP address of the server (mutually exclusive with -mediator/-name)")
	serverKey := flag.String("serverkey", "", "base64 or hex Noise-NK public key of the server")
	mediatorAddr := flag.String("mediator", "", "mediator address to rendezvous through")
	name := flag.String("name", "", "name to rendezvous for (required with -mediator)")
	uname := flag.String("uname", "anon", "9P user name")
	aname := flag.String("aname", "", "9P attach name")
	path := flag.String("path", "", "path to read, relative to aname")
	flag.Parse()

	logger := log.New(os.Stderr, "ninewire-client: ", log.LstdFlags)

	var udpAddr string
	var pubkey []byte
	switch {
	case *mediatorAddr != "":
		if *name == "" {
			logger.Fatalf("-name is required with -mediator")
		}
		ep, err := mediator.Rendezvous(*mediatorAddr, *name, mediator.Endpoint{Port: 1})
		if err != nil {
			logger.Fatalf("rendezvous: %v", err)
		}
		udpAddr = net.JoinHostPort(net.IP(ep.Addr[:]).String(), strconv.Itoa(int(ep.Port)))
		pubkey = ep.Pubkey
	case *addr != "":
		if *serverKey == "" {
			logger.Fatalf("-serverkey is required with -addr")
		}
		udpAddr = *addr
		pubkey = decodeKey(*serverKey)
	default:
		logger.Fatalf("one of -addr or -mediator is required")
	}

	d, err := transport.DialUDP(udpAddr)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	conn, err := transport.Dial(d, pubkey)
	if err != nil {
		logger.Fatalf("handshake: %v", err)
	}

	ctx := context.Background()
	sess, err := client.Dial(ctx, conn, 0, logger)
	if err != nil {
		logger.Fatalf("version negotiation: %v", err)
	}
	defer sess.Close()

	root, err := sess.Attach(ctx, *uname, *aname)
	if err != nil {
		logger.Fatalf("attach: %v", err)
	}

	f := root
	if *path != "" {
		f, err = root.Walk(ctx, strings.Split(strings.Trim(*path, "/"), "/"))
		if err != nil {
			logger.Fatalf("walk %s: %v", *path, err)
		}
	}
	if err := f.Open(ctx, 0); err != nil {
		logger.Fatalf("open: %v", err)
	}

	buf := make([]byte, sess.Msize())
	var offset uint64
	for {
		n, err := f.ReadAt(ctx, buf, offset)
		if n > 0 {
			os.Stdout.Write(buf[:n])
			offset += uint64(n)
		}
		if n == 0 || err != nil {
			break
		}
	}
}

func decodeKey(s string) []byte {
	if b, err := hex.DecodeString(s); err == nil {
		return b
	}
	b, _ := base64.StdEncoding.DecodeString(s)
	return b
}
