package server

import (
	"fmt"
	"strings"
	"sync"

	"github.com/robbie01/ninewire/wire"
)

// Every fid is, at any moment, either unopened (a resourcePath: a
// location named but not yet Topen'd) or opened (a *resourceOpen: a
// cursor with whatever read/write state its kind needs). Twalk only
// ever operates on a resourcePath; Tread/Twrite only ever operate on
// a *resourceOpen. This mirrors the real 9P invariant that a fid must
// be clunked and re-walked to be reused for a different file.
type resource interface{ isResource() }

func (resourcePath) isResource() {}
func (*resourceOpen) isResource() {}

type pathKind uint8

const (
	pathRoot pathKind = iota
	pathRpc
	pathShare
)

// resourcePath names a location in the virtual tree: the synthesized
// root, the rpc pseudo-file, or some number of path components inside
// a share.
type resourcePath struct {
	kind       pathKind
	share      string
	components []string
}

func rootPath() resourcePath { return resourcePath{kind: pathRoot} }

const rpcPathKey = "\x00rpc"

var (
	errNotFound         = fmt.Errorf("no such file or directory")
	errNotADirectory    = fmt.Errorf("not a directory")
	errInvalidComponent = fmt.Errorf("invalid path element")
	errPermissionDenied = fmt.Errorf("permission denied")
)

func joinComponents(components []string) string {
	return strings.Join(components, "/")
}

// qid computes p's identity. Share locations consult the host; root
// and rpc are fixed.
func (p resourcePath) qid(c *conn) (wire.Qid, error) {
	switch p.kind {
	case pathRoot:
		return wire.NewQid(wire.QTDIR, 0, 0), nil
	case pathRpc:
		return wire.NewQid(wire.QTFILE, 0, c.srv.paths.id(rpcPathKey)), nil
	case pathShare:
		info, err := c.shareStat(p.share, p.components)
		if err != nil {
			return wire.Qid{}, err
		}
		return c.srv.qidFor(p.share, p.components, info), nil
	}
	return wire.Qid{}, errNotFound
}

// walkChild resolves name as a child of p. ".." pops to the parent at
// every level (root's parent is itself); "." and any component
// containing '/' are rejected outright here, since the wire decoder
// does not check Twalk elements itself.
func (p resourcePath) walkChild(c *conn, name string) (resourcePath, error) {
	if name == "." || strings.Contains(name, "/") {
		return resourcePath{}, errInvalidComponent
	}
	switch p.kind {
	case pathRoot:
		if name == ".." {
			return p, nil
		}
		if name == "rpc" {
			return resourcePath{kind: pathRpc}, nil
		}
		if _, ok := c.srv.Shares[name]; ok {
			return resourcePath{kind: pathShare, share: name}, nil
		}
		return resourcePath{}, errNotFound
	case pathRpc:
		if name == ".." {
			return rootPath(), nil
		}
		return resourcePath{}, errNotADirectory
	case pathShare:
		if name == ".." {
			if len(p.components) == 0 {
				return rootPath(), nil
			}
			parent := append([]string{}, p.components[:len(p.components)-1]...)
			return resourcePath{kind: pathShare, share: p.share, components: parent}, nil
		}
		h, ok := c.srv.Shares[p.share]
		if !ok {
			return resourcePath{}, errNotFound
		}
		child := append(append([]string{}, p.components...), name)
		if _, err := h.Stat(joinComponents(child)); err != nil {
			return resourcePath{}, errNotFound
		}
		return resourcePath{kind: pathShare, share: p.share, components: child}, nil
	}
	return resourcePath{}, errNotFound
}

// open converts p into an opened resource per mode. Only mode 0
// (OREAD) is legal against the virtual root or a share entry; rpc
// additionally accepts OWRITE, since it's the one bidirectional
// pseudo-file this server exposes. OEXEC and ORDWR are never legal.
func (p resourcePath) open(c *conn, mode uint8) (*resourceOpen, error) {
	switch p.kind {
	case pathRoot:
		if mode != 0 {
			return nil, errPermissionDenied
		}
		qid, _ := p.qid(c)
		return &resourceOpen{kind: openRootDir, qid: qid}, nil
	case pathRpc:
		if m := mode & 3; m != 0 && m != 1 {
			return nil, errPermissionDenied
		}
		qid, _ := p.qid(c)
		return &resourceOpen{kind: openRpc, qid: qid, pipe: newRPCPipe()}, nil
	case pathShare:
		if mode != 0 {
			return nil, errPermissionDenied
		}
		info, err := c.shareStat(p.share, p.components)
		if err != nil {
			return nil, err
		}
		qid := c.srv.qidFor(p.share, p.components, info)
		kind := openFile
		if info.IsDir {
			kind = openDir
		}
		return &resourceOpen{kind: kind, qid: qid, share: p.share, components: p.components}, nil
	}
	return nil, errNotFound
}

type openKind uint8

const (
	openFile openKind = iota
	openDir
	openRootDir
	openRpc
)

// resourceOpen is a fid's state once Topen'd. A directory cursor
// (openDir/openRootDir) holds the offset discipline described in
// spec.md's directory-read invariant: reading at offset 0 (re-)starts
// enumeration, reading at the offset the previous read left off
// continues it, and any other offset is an error. The cursor is
// guarded by its own mutex rather than the owning fid entry's,
// because Tread only needs a shared hold of the fid table entry
// itself (see fidtable.go).
type resourceOpen struct {
	kind       openKind
	qid        wire.Qid
	share      string
	components []string

	cursorMu   sync.Mutex
	remaining  []wire.Stat
	lastOffset uint64

	pipe *rpcPipe // only populated for openRpc
}
