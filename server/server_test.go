package server_test

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robbie01/ninewire/client"
	"github.com/robbie01/ninewire/server"
	"github.com/robbie01/ninewire/transport"
	"github.com/robbie01/ninewire/wire"
)

// pipeDatagram is an in-memory transport.Datagram: one directional
// channel each way, so a pair plugs straight into transport.Dial and
// transport.Accept without a real socket. Closing one end closes its
// outbound channel, which surfaces as io.EOF on the peer's next Recv —
// the signal conn.serve's read loop needs to notice a torn-down
// connection and return, instead of blocking forever.
type pipeDatagram struct {
	mu     sync.Mutex
	closed bool
	out    chan []byte
	in     <-chan []byte
}

func newPipePair() (a, b *pipeDatagram) {
	c1 := make(chan []byte, 16)
	c2 := make(chan []byte, 16)
	return &pipeDatagram{out: c1, in: c2}, &pipeDatagram{out: c2, in: c1}
}

func (p *pipeDatagram) Send(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return io.ErrClosedPipe
	}
	cp := append([]byte(nil), b...)
	p.out <- cp
	return nil
}

func (p *pipeDatagram) Recv(buf []byte) (int, error) {
	b, ok := <-p.in
	if !ok {
		return 0, io.EOF
	}
	return copy(buf, b), nil
}

func (p *pipeDatagram) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.out)
	return nil
}

// dialServer spins up a Server over an in-memory pipe and returns a
// connected client Session and a cleanup func. order, if given, becomes
// the Server's ShareOrder. Tests needing tag-level protocol control the
// client package doesn't expose (flush ordering, renegotiation) use
// dialRaw instead.
func dialServer(t *testing.T, shares map[string]server.Host, order ...string) (*client.Session, func()) {
	t.Helper()
	staticKey, err := transport.GenerateKeypair()
	require.NoError(t, err)

	cd, sd := newPipePair()
	srv := &server.Server{StaticKey: staticKey, Shares: shares, ShareOrder: order}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sconn, err := transport.Accept(sd, &staticKey)
		if err != nil {
			return
		}
		srv.ServeConn(sconn)
	}()

	cconn, err := transport.Dial(cd, staticKey.Public)
	require.NoError(t, err)

	ctx := context.Background()
	sess, err := client.Dial(ctx, cconn, 0, nil)
	require.NoError(t, err)

	return sess, func() {
		sess.Close()
		<-done
	}
}

func mkShare(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(dir+"/"+name, []byte(content), 0644))
	}
	return dir
}

func TestAttachAndListRoot(t *testing.T) {
	forfun := mkShare(t, map[string]string{"a": "aaa"})
	shares := map[string]server.Host{
		"forfun": server.NewLocalHost(forfun),
		"ff2":    server.NewLocalHost(forfun),
	}
	// ShareOrder pins the listing to declaration order (forfun, then
	// ff2), matching spec.md's own worked example verbatim.
	sess, stop := dialServer(t, shares, "forfun", "ff2")
	defer stop()
	ctx := context.Background()

	root, err := sess.Attach(ctx, "anon", "")
	require.NoError(t, err)
	defer root.Clunk(ctx)
	require.Equal(t, wire.NewQid(wire.QTDIR, 0, 0), root.Qid())

	require.NoError(t, root.Open(ctx, 0))
	buf := make([]byte, 4096)
	stats, _, err := root.Readdir(ctx, 0, uint32(len(buf)))
	require.NoError(t, err)
	require.Len(t, stats, 3)
	require.Equal(t, []string{"rpc", "forfun", "ff2"}, []string{stats[0].Name, stats[1].Name, stats[2].Name})
	for _, st := range stats {
		require.Equal(t, "anon", st.Uid)
		require.Equal(t, "anon", st.Gid)
		require.Equal(t, "anon", st.Muid)
	}
	require.False(t, stats[0].IsDir()) // rpc
	require.True(t, stats[1].IsDir())  // forfun
}

func TestWalkIntoShareAndReadFile(t *testing.T) {
	forfun := mkShare(t, map[string]string{})
	require.NoError(t, os.MkdirAll(forfun+"/dvd/video", 0755))
	require.NoError(t, os.WriteFile(forfun+"/dvd/video/ch1", []byte("movie bytes"), 0644))

	shares := map[string]server.Host{"ff2": server.NewLocalHost(forfun)}
	sess, stop := dialServer(t, shares)
	defer stop()
	ctx := context.Background()

	root, err := sess.Attach(ctx, "anon", "")
	require.NoError(t, err)
	defer root.Clunk(ctx)

	f, err := root.Walk(ctx, []string{"ff2", "dvd", "video", "ch1"})
	require.NoError(t, err)
	defer f.Clunk(ctx)
	require.False(t, f.Qid().IsDir())

	require.NoError(t, f.Open(ctx, 0))
	buf := make([]byte, 64)
	n, err := f.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "movie bytes", string(buf[:n]))
}

func TestWalkPartialFailureLeavesFidUntouched(t *testing.T) {
	forfun := mkShare(t, map[string]string{"a": "aaa"})
	shares := map[string]server.Host{"forfun": server.NewLocalHost(forfun)}
	sess, stop := dialServer(t, shares)
	defer stop()
	ctx := context.Background()

	root, err := sess.Attach(ctx, "anon", "")
	require.NoError(t, err)
	defer root.Clunk(ctx)

	_, err = root.Walk(ctx, []string{"forfun", "nope"})
	require.Error(t, err)

	// root must still be usable afterward (it was never rewritten).
	require.NoError(t, root.Open(ctx, 0))
}

func TestDirectoryReadOffsetProtocol(t *testing.T) {
	forfun := mkShare(t, map[string]string{"a": "aaa", "b": "bbb", "c": "ccc"})
	shares := map[string]server.Host{"forfun": server.NewLocalHost(forfun)}
	sess, stop := dialServer(t, shares)
	defer stop()
	ctx := context.Background()

	root, err := sess.Attach(ctx, "anon", "")
	require.NoError(t, err)
	defer root.Clunk(ctx)

	dir, err := root.Walk(ctx, []string{"forfun"})
	require.NoError(t, err)
	defer dir.Clunk(ctx)
	require.NoError(t, dir.Open(ctx, 0))

	// Read with a 128-byte count, which holds two of these 64-byte
	// stats, to force multiple Tread calls across the same cursor,
	// checking that the sequence is gapless and covers every entry
	// exactly once.
	var names []string
	offset := uint64(0)
	for {
		stats, next, err := dir.Readdir(ctx, offset, 128)
		require.NoError(t, err)
		if len(stats) == 0 {
			break
		}
		for _, st := range stats {
			names = append(names, st.Name)
		}
		offset = next
	}
	require.ElementsMatch(t, []string{"a", "b", "c"}, names)

	// A non-matching offset is rejected.
	_, _, err = dir.Readdir(ctx, 1, 128)
	require.Error(t, err)

	// Offset 0 restarts enumeration from scratch.
	stats, _, err := dir.Readdir(ctx, 0, 4096)
	require.NoError(t, err)
	require.Len(t, stats, 3)
}

func TestReadOnlyEnforcement(t *testing.T) {
	forfun := mkShare(t, map[string]string{"a": "aaa"})
	shares := map[string]server.Host{"forfun": server.NewLocalHost(forfun)}
	sess, stop := dialServer(t, shares)
	defer stop()
	ctx := context.Background()

	root, err := sess.Attach(ctx, "anon", "")
	require.NoError(t, err)
	defer root.Clunk(ctx)

	f, err := root.Walk(ctx, []string{"forfun", "a"})
	require.NoError(t, err)
	require.NoError(t, f.Open(ctx, 0))

	_, err = f.WriteAt(ctx, []byte("x"), 0)
	require.EqualError(t, err, "fid not open for write")

	err = f.Create(ctx, "new", 0644, 0)
	require.EqualError(t, err, "permission denied")

	err = f.Wstat(ctx, wire.Stat{
		Type: 0xFFFF, Dev: 0xFFFFFFFF, Mode: 0xFFFFFFFF,
		Atime: 0xFFFFFFFF, Mtime: 0xFFFFFFFF, Length: 0xFFFFFFFFFFFFFFFF,
	})
	require.EqualError(t, err, "permission denied")

	err = f.Remove(ctx)
	require.EqualError(t, err, "permission denied")

	// Remove clunks the fid regardless: a further op on it fails.
	_, err = f.Stat(ctx)
	require.Error(t, err)
}

func TestRpcWstatNoop(t *testing.T) {
	shares := map[string]server.Host{"forfun": server.NewLocalHost(mkShare(t, nil))}
	sess, stop := dialServer(t, shares)
	defer stop()
	ctx := context.Background()

	root, err := sess.Attach(ctx, "anon", "")
	require.NoError(t, err)
	defer root.Clunk(ctx)

	rpc, err := root.Walk(ctx, []string{"rpc"})
	require.NoError(t, err)
	defer rpc.Clunk(ctx)
	require.NoError(t, rpc.Open(ctx, 1)) // OWRITE legal on rpc

	nop := wire.Stat{
		Type: 0xFFFF, Dev: 0xFFFFFFFF, Mode: 0xFFFFFFFF,
		Atime: 0xFFFFFFFF, Mtime: 0xFFFFFFFF, Length: 0xFFFFFFFFFFFFFFFF,
	}
	copy(nop.Qid[:], []byte{
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	})
	require.NoError(t, rpc.Wstat(ctx, nop))
}

func TestRpcRejectsExecuteAndReadWriteModes(t *testing.T) {
	shares := map[string]server.Host{"forfun": server.NewLocalHost(mkShare(t, nil))}
	sess, stop := dialServer(t, shares)
	defer stop()
	ctx := context.Background()

	root, err := sess.Attach(ctx, "anon", "")
	require.NoError(t, err)
	defer root.Clunk(ctx)

	rpc, err := root.Walk(ctx, []string{"rpc"})
	require.NoError(t, err)
	defer rpc.Clunk(ctx)

	require.Error(t, rpc.Open(ctx, 2)) // ORDWR
	require.Error(t, rpc.Open(ctx, 3)) // OEXEC
}

// rawConn is a minimal tag-driven 9P client used only by the tests
// below that need protocol control client.Session doesn't expose:
// picking an exact tag for a request, and sending a second Tversion
// mid-session.
type rawConn struct {
	tc *transport.Conn
}

func (r *rawConn) send(m wire.TMessage, tag uint16) {
	frame := wire.Encode(m, tag, 0)
	if err := r.tc.Send(frame); err != nil {
		panic(err)
	}
}

func (r *rawConn) recv() (uint16, wire.RMessage) {
	frame, err := r.tc.Recv()
	if err != nil {
		panic(err)
	}
	tag, m, err := wire.DecodeR(frame)
	if err != nil {
		panic(err)
	}
	return tag, m
}

func dialRaw(t *testing.T, shares map[string]server.Host) (*rawConn, func()) {
	t.Helper()
	staticKey, err := transport.GenerateKeypair()
	require.NoError(t, err)

	cd, sd := newPipePair()
	srv := &server.Server{StaticKey: staticKey, Shares: shares}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sconn, err := transport.Accept(sd, &staticKey)
		if err != nil {
			return
		}
		srv.ServeConn(sconn)
	}()

	cconn, err := transport.Dial(cd, staticKey.Public)
	require.NoError(t, err)
	r := &rawConn{tc: cconn}

	r.send(wire.Tversion{Msize: 1208, Version: wire.Version}, wire.NoTag)
	tag, m := r.recv()
	require.Equal(t, wire.NoTag, tag)
	rv, ok := m.(wire.Rversion)
	require.True(t, ok)
	require.Equal(t, wire.Version, rv.Version)

	return r, func() {
		cconn.Close()
		<-done
	}
}

func TestFlushOrdering(t *testing.T) {
	shares := map[string]server.Host{"forfun": server.NewLocalHost(mkShare(t, nil))}
	r, stop := dialRaw(t, shares)
	defer stop()

	r.send(wire.Tattach{Fid: 0, Afid: wire.NoFid, Uname: "anon"}, 1)
	tag, m := r.recv()
	require.Equal(t, uint16(1), tag)
	require.IsType(t, wire.Rattach{}, m)

	r.send(wire.Twalk{Fid: 0, Newfid: 1, Wname: []string{"rpc"}}, 2)
	tag, m = r.recv()
	require.Equal(t, uint16(2), tag)
	require.IsType(t, wire.Rwalk{}, m)

	r.send(wire.Topen{Fid: 1, Mode: 0}, 3)
	tag, m = r.recv()
	require.Equal(t, uint16(3), tag)
	require.IsType(t, wire.Ropen{}, m)

	// A read against the rpc pipe with nothing written blocks, so its
	// tag stays inflight until something is written to it.
	r.send(wire.Tread{Fid: 1, Offset: 0, Count: 64}, 5)
	r.send(wire.Tflush{Oldtag: 5}, 6)

	// Unblock the pending read by writing to the same fid's pipe: the
	// server's Twrite handler doesn't gate on the fid's open mode, only
	// on its kind, so this is legal even though fid 1 was opened OREAD.
	r.send(wire.Twrite{Fid: 1, Offset: 0, Data: []byte("hi")}, 9)

	// Tags 5, 6, and 9 are now all inflight replies; 9's write and 5's
	// read race each other with no fixed order between them, but the
	// flushed request (5)'s own reply must arrive strictly before its
	// Rflush (6), since they're emitted back-to-back by the same
	// goroutine that dispatched request 5.
	order := make(map[uint16]int)
	kinds := make(map[uint16]wire.RMessage)
	for i := 0; i < 3; i++ {
		tag, m := r.recv()
		order[tag] = i
		kinds[tag] = m
	}
	require.IsType(t, wire.Rwrite{}, kinds[9])
	require.IsType(t, wire.Rread{}, kinds[5])
	require.IsType(t, wire.Rflush{}, kinds[6])
	require.Less(t, order[5], order[6], "reply for flushed request must precede its Rflush")
}

func TestRenegotiationClearsFids(t *testing.T) {
	shares := map[string]server.Host{"forfun": server.NewLocalHost(mkShare(t, nil))}
	r, stop := dialRaw(t, shares)
	defer stop()

	r.send(wire.Tattach{Fid: 0, Afid: wire.NoFid, Uname: "anon"}, 1)
	tag, m := r.recv()
	require.Equal(t, uint16(1), tag)
	require.IsType(t, wire.Rattach{}, m)

	r.send(wire.Tversion{Msize: 1208, Version: wire.Version}, wire.NoTag)
	tag, m = r.recv()
	require.Equal(t, wire.NoTag, tag)
	require.IsType(t, wire.Rversion{}, m)

	r.send(wire.Tstat{Fid: 0}, 2)
	tag, m = r.recv()
	require.Equal(t, uint16(2), tag)
	rerr, ok := m.(wire.Rerror)
	require.True(t, ok)
	require.Equal(t, "fid invalid", rerr.Ename)
}

func TestMsizeFloorEnforced(t *testing.T) {
	shares := map[string]server.Host{"forfun": server.NewLocalHost(mkShare(t, nil))}
	staticKey, err := transport.GenerateKeypair()
	require.NoError(t, err)

	cd, sd := newPipePair()
	srv := &server.Server{StaticKey: staticKey, Shares: shares}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sconn, err := transport.Accept(sd, &staticKey)
		if err != nil {
			return
		}
		srv.ServeConn(sconn)
	}()
	defer func() {
		cd.Close()
		<-done
	}()

	cconn, err := transport.Dial(cd, staticKey.Public)
	require.NoError(t, err)
	r := &rawConn{tc: cconn}

	r.send(wire.Tversion{Msize: 100, Version: wire.Version}, wire.NoTag)
	tag, m := r.recv()
	require.Equal(t, wire.NoTag, tag)
	_, ok := m.(wire.Rerror)
	require.True(t, ok)
}

func TestNotagDisciplineEnforced(t *testing.T) {
	shares := map[string]server.Host{"forfun": server.NewLocalHost(mkShare(t, nil))}
	r, stop := dialRaw(t, shares)
	defer stop()

	// A non-Tversion message carrying NOTAG must be rejected.
	r.send(wire.Tattach{Fid: 0, Afid: wire.NoFid, Uname: "anon"}, wire.NoTag)
	tag, m := r.recv()
	require.Equal(t, wire.NoTag, tag)
	_, ok := m.(wire.Rerror)
	require.True(t, ok)
}
