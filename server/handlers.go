package server

import (
	"fmt"

	"github.com/robbie01/ninewire/wire"
)

func (c *conn) handleAttach(tag uint16, req wire.Tattach) {
	if req.Afid != wire.NoFid {
		c.rerror(tag, "auth not required")
		return
	}
	entry := c.fids.reserve(req.Fid)
	if entry == nil {
		c.rerror(tag, "fid %d already in use", req.Fid)
		return
	}
	c.unameOnce.Do(func() { c.uname = req.Uname })
	root := rootPath()
	qid, _ := root.qid(c)
	entry.mu.Lock()
	entry.res = root
	entry.mu.Unlock()
	c.send(wire.Rattach{Qid: qid}, tag)
}

// handleWalk resolves req.Wname one element at a time starting from
// req.Fid, stopping at the first element that fails to resolve (per
// spec, a partial walk is not an error unless zero elements resolve,
// and a partial walk never installs newfid). When fid == newfid the
// walk must rewrite the existing entry in place rather than allocate
// a second one; lockWalk's sameFid branch (a single exclusive lock)
// protects that rewrite from a concurrent request on the same fid.
func (c *conn) handleWalk(tag uint16, req wire.Twalk) {
	if len(req.Wname) > wire.MaxWElem {
		c.rerror(tag, "walk: too many elements (%d > %d)", len(req.Wname), wire.MaxWElem)
		return
	}
	src, ok := c.fids.get(req.Fid)
	if !ok {
		c.rerror(tag, "fid invalid")
		return
	}

	sameFid := req.Fid == req.Newfid
	var dst *fidEntry
	if !sameFid {
		dst = c.fids.reserve(req.Newfid)
		if dst == nil {
			c.rerror(tag, "walk: newfid %d already in use", req.Newfid)
			return
		}
	}

	unlock := lockWalk(req.Fid, src, req.Newfid, dst, sameFid)
	defer unlock()

	start, ok := src.res.(resourcePath)
	if !ok {
		if dst != nil {
			c.fids.remove(req.Newfid)
		}
		c.rerror(tag, "walk: fid %d is open", req.Fid)
		return
	}

	cur := start
	var qids []wire.Qid
	for _, name := range req.Wname {
		next, err := cur.walkChild(c, name)
		if err != nil {
			break
		}
		qid, err := next.qid(c)
		if err != nil {
			break
		}
		cur = next
		qids = append(qids, qid)
	}

	if len(req.Wname) > 0 && len(qids) == 0 {
		if dst != nil {
			c.fids.remove(req.Newfid)
		}
		c.rerror(tag, "walk: %s: no such file or directory", req.Wname[0])
		return
	}
	if len(qids) < len(req.Wname) {
		// Partial walk: report what resolved, but leave newfid
		// unallocated and the source fid untouched.
		if dst != nil {
			c.fids.remove(req.Newfid)
		}
		c.send(wire.Rwalk{Wqid: qids}, tag)
		return
	}

	if sameFid {
		src.res = cur
	} else {
		dst.res = cur
	}
	c.send(wire.Rwalk{Wqid: qids}, tag)
}

func (c *conn) handleOpen(tag uint16, req wire.Topen) {
	e, ok := c.fids.get(req.Fid)
	if !ok {
		c.rerror(tag, "fid invalid")
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.res.(resourcePath)
	if !ok {
		c.rerror(tag, "open: fid %d already open", req.Fid)
		return
	}
	open, err := p.open(c, req.Mode)
	if err != nil {
		c.rerror(tag, "open: %v", err)
		return
	}
	e.res = open
	c.send(wire.Ropen{Qid: open.qid, IOUnit: 0}, tag)
}

// handleCreate always fails: the resource model this server exposes
// has no writable location to create a file inside of.
func (c *conn) handleCreate(tag uint16, req wire.Tcreate) {
	if _, ok := c.fids.get(req.Fid); !ok {
		c.rerror(tag, "fid invalid")
		return
	}
	c.rerror(tag, "permission denied")
}

func (c *conn) handleRead(tag uint16, req wire.Tread) {
	e, ok := c.fids.get(req.Fid)
	if !ok {
		c.rerror(tag, "fid invalid")
		return
	}
	e.mu.RLock()
	open, isOpen := e.res.(*resourceOpen)
	e.mu.RUnlock()
	if !isOpen {
		c.rerror(tag, "read: fid %d not open", req.Fid)
		return
	}

	count := req.Count
	if max := wire.MaxReadData(c.msize); count > max {
		count = max
	}

	switch open.kind {
	case openFile:
		buf := make([]byte, count)
		n, err := c.srv.Shares[open.share].ReadAt(joinComponents(open.components), buf, int64(req.Offset))
		if err != nil && n == 0 {
			c.rerror(tag, "read: %v", err)
			return
		}
		c.send(wire.Rread{Data: buf[:n]}, tag)
	case openDir, openRootDir:
		data, err := c.readDirCursor(open, req.Offset, count)
		if err != nil {
			c.rerror(tag, "read: %v", err)
			return
		}
		c.send(wire.Rread{Data: data}, tag)
	case openRpc:
		buf := make([]byte, count)
		n, err := open.pipe.Read(buf)
		if err != nil {
			c.rerror(tag, "read: %v", err)
			return
		}
		c.send(wire.Rread{Data: buf[:n]}, tag)
	}
}

// readDirCursor implements the directory-read offset protocol: offset
// 0 (re-)starts enumeration, offset == the cursor's last-reported
// offset continues it by packing as many whole stats as fit in count,
// and any other offset is rejected. Stats are never split across a
// Tread boundary.
func (c *conn) readDirCursor(open *resourceOpen, offset uint64, count uint32) ([]byte, error) {
	open.cursorMu.Lock()
	defer open.cursorMu.Unlock()

	if offset == 0 {
		entries, err := c.enumerate(open)
		if err != nil {
			return nil, err
		}
		open.remaining = entries
		open.lastOffset = 0
	} else if offset != open.lastOffset {
		return nil, fmt.Errorf("invalid directory read offset")
	}

	var buf []byte
	for len(open.remaining) > 0 {
		enc := wire.EncodeStat(open.remaining[0])
		if len(buf)+len(enc) > int(count) {
			break
		}
		buf = append(buf, enc...)
		open.remaining = open.remaining[1:]
	}
	open.lastOffset += uint64(len(buf))
	return buf, nil
}

// enumerate builds the full, ordered stat list for a directory
// cursor's next pass: either the synthesized root listing (rpc
// followed by each share, in Server.ShareOrder) or a share directory's
// real children.
func (c *conn) enumerate(open *resourceOpen) ([]wire.Stat, error) {
	if open.kind == openRootDir {
		rpcQid, _ := (resourcePath{kind: pathRpc}).qid(c)
		stats := []wire.Stat{c.statFor(rpcQid, Info{Name: "rpc"}, "rpc")}

		for _, name := range c.srv.shareNames() {
			info, err := c.srv.Shares[name].Stat("")
			if err != nil {
				continue
			}
			qid := c.srv.qidFor(name, nil, info)
			stats = append(stats, c.statFor(qid, info, name))
		}
		return stats, nil
	}

	h := c.srv.Shares[open.share]
	infos, err := h.ReadDir(joinComponents(open.components))
	if err != nil {
		return nil, err
	}
	stats := make([]wire.Stat, 0, len(infos))
	for _, info := range infos {
		components := append(append([]string{}, open.components...), info.Name)
		qid := c.srv.qidFor(open.share, components, info)
		stats = append(stats, c.statFor(qid, info, info.Name))
	}
	return stats, nil
}

// statFor builds the wire Stat for one entry: uid/gid/muid always
// come from the session identity, never from host metadata, per
// spec.md's session-identity invariant.
func (c *conn) statFor(qid wire.Qid, info Info, name string) wire.Stat {
	mode := info.Perm
	var length uint64
	if info.IsDir {
		mode |= wire.DMDIR
	} else {
		length = uint64(info.Size)
	}
	var mtime uint32
	if !info.ModTime.IsZero() {
		mtime = uint32(info.ModTime.Unix())
	}
	return wire.Stat{
		Qid:    qid,
		Mode:   mode,
		Mtime:  mtime,
		Length: length,
		Name:   name,
		Uid:    c.uname,
		Gid:    c.uname,
		Muid:   c.uname,
	}
}

// handleWrite only ever succeeds against the rpc pseudo-file: every
// other resource this server exposes is read-only.
func (c *conn) handleWrite(tag uint16, req wire.Twrite) {
	e, ok := c.fids.get(req.Fid)
	if !ok {
		c.rerror(tag, "fid invalid")
		return
	}
	e.mu.RLock()
	open, isOpen := e.res.(*resourceOpen)
	e.mu.RUnlock()
	if !isOpen || open.kind != openRpc {
		c.rerror(tag, "fid not open for write")
		return
	}
	n, err := open.pipe.Write(req.Data)
	if err != nil {
		c.rerror(tag, "write: %v", err)
		return
	}
	c.send(wire.Rwrite{Count: uint32(n)}, tag)
}

func (c *conn) handleClunk(tag uint16, req wire.Tclunk) {
	e, ok := c.fids.remove(req.Fid)
	if !ok {
		c.rerror(tag, "fid invalid")
		return
	}
	e.mu.Lock()
	if open, ok := e.res.(*resourceOpen); ok && open.kind == openRpc {
		open.pipe.Close()
	}
	e.mu.Unlock()
	c.send(wire.Rclunk{}, tag)
}

// handleRemove clunks the fid regardless of outcome, per 9P semantics,
// but this server never allows the remove itself.
func (c *conn) handleRemove(tag uint16, req wire.Tremove) {
	e, ok := c.fids.remove(req.Fid)
	if !ok {
		c.rerror(tag, "fid invalid")
		return
	}
	e.mu.Lock()
	if open, ok := e.res.(*resourceOpen); ok && open.kind == openRpc {
		open.pipe.Close()
	}
	e.mu.Unlock()
	c.rerror(tag, "permission denied")
}

func (c *conn) handleStat(tag uint16, req wire.Tstat) {
	e, ok := c.fids.get(req.Fid)
	if !ok {
		c.rerror(tag, "fid invalid")
		return
	}
	e.mu.RLock()
	res := e.res
	e.mu.RUnlock()

	st, err := c.statResource(res)
	if err != nil {
		c.rerror(tag, "stat: %v", err)
		return
	}
	c.send(wire.Rstat{Stat: st}, tag)
}

func (c *conn) statResource(res resource) (wire.Stat, error) {
	switch r := res.(type) {
	case resourcePath:
		return c.statPath(r)
	case *resourceOpen:
		return c.statOpen(r)
	}
	return wire.Stat{}, fmt.Errorf("stat: unrecognized resource")
}

func (c *conn) statPath(p resourcePath) (wire.Stat, error) {
	switch p.kind {
	case pathRoot:
		qid, _ := p.qid(c)
		return c.statFor(qid, Info{IsDir: true}, ""), nil
	case pathRpc:
		qid, _ := p.qid(c)
		return c.statFor(qid, Info{Name: "rpc"}, "rpc"), nil
	case pathShare:
		info, err := c.shareStat(p.share, p.components)
		if err != nil {
			return wire.Stat{}, err
		}
		qid := c.srv.qidFor(p.share, p.components, info)
		return c.statFor(qid, info, leafName(p.share, p.components)), nil
	}
	return wire.Stat{}, fmt.Errorf("stat: bad path")
}

func (c *conn) statOpen(o *resourceOpen) (wire.Stat, error) {
	switch o.kind {
	case openRootDir:
		return c.statFor(o.qid, Info{IsDir: true}, ""), nil
	case openRpc:
		return c.statFor(o.qid, Info{Name: "rpc"}, "rpc"), nil
	default:
		info, err := c.shareStat(o.share, o.components)
		if err != nil {
			return wire.Stat{}, err
		}
		return c.statFor(o.qid, info, leafName(o.share, o.components)), nil
	}
}

func leafName(share string, components []string) string {
	if len(components) == 0 {
		return share
	}
	return components[len(components)-1]
}

// handleWstat denies everything except a true no-op against the rpc
// file: every field left at the wire "don't touch" sentinel.
func (c *conn) handleWstat(tag uint16, req wire.Twstat) {
	e, ok := c.fids.get(req.Fid)
	if !ok {
		c.rerror(tag, "fid invalid")
		return
	}
	e.mu.RLock()
	open, isOpen := e.res.(*resourceOpen)
	e.mu.RUnlock()
	if isOpen && open.kind == openRpc && isNopWstat(req.Stat) {
		c.send(wire.Rwstat{}, tag)
		return
	}
	c.rerror(tag, "permission denied")
}

var nopQid = wire.Qid{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func isNopWstat(st wire.Stat) bool {
	return st.Type == 0xFFFF &&
		st.Dev == 0xFFFFFFFF &&
		st.Qid == nopQid &&
		st.Mode == 0xFFFFFFFF &&
		st.Atime == 0xFFFFFFFF &&
		st.Mtime == 0xFFFFFFFF &&
		st.Length == 0xFFFFFFFFFFFFFFFF &&
		st.Name == "" &&
		st.Uid == "" &&
		st.Gid == "" &&
		st.Muid == ""
}
