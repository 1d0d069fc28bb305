// Command ninewire-mediator runs the rendezvous service that lets
// ninewire servers register a name and lets clients look it up.
package main

import (
	"flag"
	"log"
	"net"
	"os"

	"github.com/robbie01/ninewire/mediator"
)

func main() {
	addr := flag.String("addr", ":7443", "TCP address to listen on")
	flag.Parse()

	logger := log.New(os.Stderr, "ninewire-mediator: ", log.LstdFlags)

	l, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	logger.Printf("listening on %s", *addr)

	h := mediator.NewHandler()
	h.Logger = logger
	if err := h.Serve(l); err != nil {
		logger.Fatalf("serve: %v", err)
	}
}
