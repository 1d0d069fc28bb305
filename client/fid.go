package client

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/robbie01/ninewire/wire"
)

// fidSpace allocates fid numbers, smallest-reclaimed-first, reserving
// wire.NoFid.
type fidSpace struct {
	mu   sync.Mutex
	pool *idPool
}

func newFidSpace() *fidSpace {
	return &fidSpace{pool: newIDPool(uint32(wire.NoFid))}
}

func (f *fidSpace) alloc() (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pool.Get()
}

func (f *fidSpace) release(id uint32) {
	f.mu.Lock()
	f.pool.Put(id)
	f.mu.Unlock()
}

// Fid is a handle to an attached or walked file on the server. It
// must be closed to release both the server-side fid table entry and
// the client-local fid number; a Fid that's garbage collected without
// being closed is logged as a leak via a finalizer, since Go has no
// destructors to rely on instead.
type Fid struct {
	sess *Session
	num  uint32
	qid  wire.Qid

	closeOnce sync.Once
}

func newFid(sess *Session, num uint32, qid wire.Qid) *Fid {
	f := &Fid{sess: sess, num: num, qid: qid}
	runtime.SetFinalizer(f, func(f *Fid) {
		sess.logf("client: fid %d garbage collected without Close", f.num)
		sess.fids.release(f.num)
	})
	return f
}

// Num returns the wire fid number, for diagnostics only.
func (f *Fid) Num() uint32 { return f.num }

// Qid returns the fid's identity as of the last walk/open/create.
func (f *Fid) Qid() wire.Qid { return f.qid }

// Clunk releases the fid on both the server and the client. After
// Clunk the Fid must not be used again.
func (f *Fid) Clunk(ctx context.Context) error {
	var err error
	f.closeOnce.Do(func() {
		runtime.SetFinalizer(f, nil)
		_, err = f.sess.rpc(ctx, wire.Tclunk{Fid: f.num})
		f.sess.fids.release(f.num)
	})
	return err
}

// Attach opens the root of aname as uname, returning a Fid for it.
func (s *Session) Attach(ctx context.Context, uname, aname string) (*Fid, error) {
	num, ok := s.fids.alloc()
	if !ok {
		return nil, fmt.Errorf("client: fid space exhausted")
	}
	m, err := s.rpc(ctx, wire.Tattach{Fid: num, Afid: wire.NoFid, Uname: uname, Aname: aname})
	if err != nil {
		s.fids.release(num)
		return nil, err
	}
	ra := m.(wire.Rattach)
	return newFid(s, num, ra.Qid), nil
}

// Walk walks names from f, allocating a new fid for the result. An
// empty names walks to a clone of f (same file, new fid), per spec.
func (f *Fid) Walk(ctx context.Context, names []string) (*Fid, error) {
	if len(names) > wire.MaxWElem {
		return f.walkBatched(ctx, names)
	}
	newnum, ok := f.sess.fids.alloc()
	if !ok {
		return nil, fmt.Errorf("client: fid space exhausted")
	}
	m, err := f.sess.rpc(ctx, wire.Twalk{Fid: f.num, Newfid: newnum, Wname: names})
	if err != nil {
		f.sess.fids.release(newnum)
		return nil, err
	}
	rw := m.(wire.Rwalk)
	if len(rw.Wqid) != len(names) {
		f.sess.fids.release(newnum)
		return nil, fmt.Errorf("client: walk of %d elements only resolved %d", len(names), len(rw.Wqid))
	}
	q := f.qid
	if len(rw.Wqid) > 0 {
		q = rw.Wqid[len(rw.Wqid)-1]
	}
	return newFid(f.sess, newnum, q), nil
}

// walkBatched decomposes a walk over more than wire.MaxWElem elements
// into successive Twalk calls, per spec.md's walk invariant.
func (f *Fid) walkBatched(ctx context.Context, names []string) (*Fid, error) {
	cur := f
	var owned *Fid
	for len(names) > 0 {
		n := len(names)
		if n > wire.MaxWElem {
			n = wire.MaxWElem
		}
		next, err := cur.Walk(ctx, names[:n])
		if err != nil {
			if owned != nil {
				owned.Clunk(ctx)
			}
			return nil, err
		}
		if owned != nil {
			owned.Clunk(ctx)
		}
		owned = next
		cur = next
		names = names[n:]
	}
	return owned, nil
}

// Open opens f in mode, which must match one of the wire.O* open
// modes.
func (f *Fid) Open(ctx context.Context, mode uint8) error {
	m, err := f.sess.rpc(ctx, wire.Topen{Fid: f.num, Mode: mode})
	if err != nil {
		return err
	}
	f.qid = m.(wire.Ropen).Qid
	return nil
}

// Create creates name in the directory f and opens the result, moving
// f to point at the new file.
func (f *Fid) Create(ctx context.Context, name string, perm uint32, mode uint8) error {
	m, err := f.sess.rpc(ctx, wire.Tcreate{Fid: f.num, Name: name, Perm: perm, Mode: mode})
	if err != nil {
		return err
	}
	f.qid = m.(wire.Rcreate).Qid
	return nil
}

// ReadAt reads up to len(p) bytes starting at offset.
func (f *Fid) ReadAt(ctx context.Context, p []byte, offset uint64) (int, error) {
	count := uint32(len(p))
	if max := wire.MaxReadData(f.sess.msize); count > max {
		count = max
	}
	m, err := f.sess.rpc(ctx, wire.Tread{Fid: f.num, Offset: offset, Count: count})
	if err != nil {
		return 0, err
	}
	data := m.(wire.Rread).Data
	return copy(p, data), nil
}

// WriteAt writes p at offset, returning the number of bytes the
// server accepted.
func (f *Fid) WriteAt(ctx context.Context, p []byte, offset uint64) (int, error) {
	if max := wire.MaxWriteData(f.sess.msize); uint32(len(p)) > max {
		p = p[:max]
	}
	m, err := f.sess.rpc(ctx, wire.Twrite{Fid: f.num, Offset: offset, Data: p})
	if err != nil {
		return 0, err
	}
	return int(m.(wire.Rwrite).Count), nil
}

// Stat fetches f's directory entry.
func (f *Fid) Stat(ctx context.Context) (wire.Stat, error) {
	m, err := f.sess.rpc(ctx, wire.Tstat{Fid: f.num})
	if err != nil {
		return wire.Stat{}, err
	}
	return m.(wire.Rstat).Stat, nil
}

// Wstat applies changes in st to f. Fields left at their "don't
// touch" wire value (the all-ones/empty-string convention) are left
// unmodified server-side.
func (f *Fid) Wstat(ctx context.Context, st wire.Stat) error {
	_, err := f.sess.rpc(ctx, wire.Twstat{Fid: f.num, Stat: st})
	return err
}

// Remove removes the file f points to and clunks its fid regardless
// of whether the remove succeeded, per 9P semantics. Like Clunk, it
// releases the fid number exactly once: a Fid must not be used again
// after Remove, but a caller's deferred Clunk cleanup calling it
// anyway must not double-release the fid number into the pool.
func (f *Fid) Remove(ctx context.Context) error {
	var err error
	f.closeOnce.Do(func() {
		runtime.SetFinalizer(f, nil)
		_, err = f.sess.rpc(ctx, wire.Tremove{Fid: f.num})
		f.sess.fids.release(f.num)
	})
	return err
}

// Readdir issues one read at offset for up to count bytes (capped by
// the session's msize) and decodes the whole stats in the reply. An
// empty reply, which 9P uses to signal end-of-directory, yields no
// entries. It returns the entries read and the offset to resume from.
func (f *Fid) Readdir(ctx context.Context, offset uint64, count uint32) ([]wire.Stat, uint64, error) {
	buf := make([]byte, count)
	n, err := f.ReadAt(ctx, buf, offset)
	if err != nil {
		return nil, offset, err
	}
	if n == 0 {
		return nil, offset, nil
	}
	var stats []wire.Stat
	rest := buf[:n]
	for len(rest) > 0 {
		st, tail, err := wire.DecodeStat(rest)
		if err != nil {
			return stats, offset, err
		}
		stats = append(stats, st)
		rest = tail
	}
	return stats, offset + uint64(n), nil
}
