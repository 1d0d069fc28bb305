package server

import "sync"

// fidEntry is one fid's table entry: either a resourcePath (unopened)
// or a *resourceOpen (opened). Per spec.md's access-mode table, most
// operations (Tstat, Tread, Twrite, and the source half of a Twalk)
// only need a shared hold; only Topen, Tcreate, Tclunk, Tremove, and
// the destination half of a Twalk need exclusive access, since those
// are the only ones that replace res outright.
type fidEntry struct {
	mu  sync.RWMutex
	res resource
}

// fidTable is a connection's fid -> fidEntry map. Entries are
// reference-counted only implicitly: a fid is live from Tattach/Twalk
// until Tclunk/Tremove removes it.
type fidTable struct {
	mu      sync.RWMutex
	entries map[uint32]*fidEntry
}

func newFidTable() *fidTable {
	return &fidTable{entries: make(map[uint32]*fidEntry)}
}

func (t *fidTable) get(fid uint32) (*fidEntry, bool) {
	t.mu.RLock()
	e, ok := t.entries[fid]
	t.mu.RUnlock()
	return e, ok
}

func (t *fidTable) put(fid uint32, res resource) *fidEntry {
	e := &fidEntry{res: res}
	t.mu.Lock()
	t.entries[fid] = e
	t.mu.Unlock()
	return e
}

// reserve atomically inserts an empty, exclusively-claimable entry for
// fid if none exists yet, returning nil if fid is already in use. This
// lets Twalk's destination-fid reservation and its "fid already in
// use" check happen as one atomic step, instead of racing a separate
// existence check against a concurrent reservation of the same fid.
func (t *fidTable) reserve(fid uint32) *fidEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[fid]; exists {
		return nil
	}
	e := &fidEntry{}
	t.entries[fid] = e
	return e
}

func (t *fidTable) remove(fid uint32) (*fidEntry, bool) {
	t.mu.Lock()
	e, ok := t.entries[fid]
	delete(t.entries, fid)
	t.mu.Unlock()
	return e, ok
}

// clear empties the table in one step, used when a mid-session
// Tversion renegotiation invalidates every outstanding fid.
func (t *fidTable) clear() {
	t.mu.Lock()
	t.entries = make(map[uint32]*fidEntry)
	t.mu.Unlock()
}

// lockWalk locks the fid entries a Twalk touches in a fixed order (by
// fid number) so that two concurrent Twalks naming the same pair of
// fids in opposite order can never deadlock against each other. The
// source only ever needs a shared hold (walking doesn't mutate it
// until the very end); the destination, when distinct from the
// source, needs an exclusive hold throughout, since it's reserved and
// populated by this same call. When source and destination are the
// same fid, a single exclusive hold covers both.
func lockWalk(srcFid uint32, src *fidEntry, dstFid uint32, dst *fidEntry, sameFid bool) (unlock func()) {
	if sameFid {
		src.mu.Lock()
		return src.mu.Unlock
	}
	if dstFid < srcFid {
		dst.mu.Lock()
		src.mu.RLock()
		return func() { src.mu.RUnlock(); dst.mu.Unlock() }
	}
	src.mu.RLock()
	dst.mu.Lock()
	return func() { dst.mu.Unlock(); src.mu.RUnlock() }
}
