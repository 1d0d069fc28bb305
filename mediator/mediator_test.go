package mediator

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func startTestMediator(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h := NewHandler()
	go h.Serve(l)
	t.Cleanup(func() { l.Close() })
	return l.Addr().String()
}

func TestValidateEndpoint(t *testing.T) {
	good := Endpoint{Port: 1234, Pubkey: make([]byte, 32)}
	require.NoError(t, validateEndpoint(good, true))
	require.Error(t, validateEndpoint(good, false)) // client endpoint must not carry a pubkey

	client := Endpoint{Port: 1234}
	require.NoError(t, validateEndpoint(client, false))

	require.Error(t, validateEndpoint(Endpoint{Pubkey: make([]byte, 32)}, true)) // port zero
	require.Error(t, validateEndpoint(Endpoint{Port: 1, Pubkey: make([]byte, 10)}, true))
}

func TestRegisterAndRendezvous(t *testing.T) {
	addr := startTestMediator(t)

	serverEp := Endpoint{Port: 9999, Pubkey: make([]byte, 32)}
	serverEp.Pubkey[0] = 0x42

	reg, err := Register(addr, "my-service", serverEp)
	require.NoError(t, err)
	defer reg.Close()

	done := make(chan error, 1)
	go func() {
		ask, err := reg.Next()
		if err != nil {
			done <- err
			return
		}
		done <- ask.Approve()
	}()

	clientEp := Endpoint{Port: 1111}
	got, err := Rendezvous(addr, "my-service", clientEp)
	require.NoError(t, err)
	require.Equal(t, serverEp, got)
	require.NoError(t, <-done)
}

func TestRendezvousUnknownName(t *testing.T) {
	addr := startTestMediator(t)
	_, err := Rendezvous(addr, "nobody-registered-this", Endpoint{Port: 1})
	require.Error(t, err)
}

func TestRegisterDuplicateName(t *testing.T) {
	addr := startTestMediator(t)
	ep := Endpoint{Port: 1, Pubkey: make([]byte, 32)}

	reg, err := Register(addr, "dup", ep)
	require.NoError(t, err)
	defer reg.Close()

	_, err = Register(addr, "dup", ep)
	require.Error(t, err)
}

func TestRendezvousDenied(t *testing.T) {
	addr := startTestMediator(t)
	ep := Endpoint{Port: 1, Pubkey: make([]byte, 32)}

	reg, err := Register(addr, "denyme", ep)
	require.NoError(t, err)
	defer reg.Close()

	go func() {
		ask, err := reg.Next()
		if err == nil {
			ask.Deny()
		}
	}()

	_, err = Rendezvous(addr, "denyme", Endpoint{Port: 2})
	require.Error(t, err)
}
