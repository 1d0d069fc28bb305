package server

import "io"

// rpcPipe is the byte-oriented transport behind the rpc pseudo-file:
// an in-memory, unbuffered io.Pipe, so each Write blocks until Reads
// have taken its bytes. Per spec.md's concurrency section the rpc file
// is guarded so that at most one read and one write proceed at a time;
// the read and write handlers release the fid entry's lock before
// using the pipe, and that guarantee comes from io.Pipe itself, which
// runs parallel Reads (and parallel Writes) one at a time. This type
// only has to hold the two pipe ends.
type rpcPipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newRPCPipe() *rpcPipe {
	r, w := io.Pipe()
	return &rpcPipe{r: r, w: w}
}

// Read fills p with whatever bytes are currently available, blocking
// until at least one byte has been written. It never returns io.EOF:
// the pipe only closes when its owning fid is clunked. Close closes
// both pipe halves without synchronizing with a concurrently blocked
// Read, and io.Pipe's internal close races the reader and writer half
// against each other, so a blocked Read can observe either
// io.ErrClosedPipe or io.EOF depending on exactly when it wakes
// relative to the two Close calls below — both are the same "pipe
// torn down" outcome from Read's perspective and are folded to nil.
func (p *rpcPipe) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err == io.ErrClosedPipe || err == io.EOF {
		err = nil
	}
	return n, err
}

func (p *rpcPipe) Write(b []byte) (int, error) {
	return p.w.Write(b)
}

func (p *rpcPipe) Close() {
	p.w.Close()
	p.r.Close()
}
