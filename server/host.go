// Package server implements the responder side of a ninewire
// connection: session and fid-table bookkeeping, the 9P message
// dispatch loop, the virtual-root/share resource state machine, and
// the Host collaborator interface a concrete filesystem backend
// implements.
package server

import (
	"os"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Info describes one entry a Host resolves: just enough to synthesize
// a Qid and a Stat. It carries no access handle of its own; reads are
// a separate, explicitly positioned ReadAt call, so nothing about a
// Host's internals leaks into the resource state machine above it.
type Info struct {
	Name    string
	IsDir   bool
	Perm    uint32 // permission bits only, no DMDIR
	ModTime time.Time
	Size    int64
}

// Host is the read-only collaborator a share maps onto. There is
// deliberately no Create, WriteAt, Remove, or Wstat method: read-only
// is a structural property of this interface, not a runtime check
// layered on top of a capability this package could otherwise use.
type Host interface {
	// Stat resolves name, a slash-joined path relative to the share
	// root ("" is the root itself), to its Info. A symlink at name is
	// reported as not existing.
	Stat(name string) (Info, error)
	// ReadDir lists the non-symlink children of the directory named
	// by name.
	ReadDir(name string) ([]Info, error)
	// ReadAt reads the regular file named by name.
	ReadAt(name string, p []byte, off int64) (int, error)
}

// LocalHost implements Host over a directory of the local filesystem,
// the reference backend used by cmd/ninewire-server. Every operation
// treats symlinks as absent, so a share can never be used to escape
// its root through one.
type LocalHost struct {
	Root string
}

func NewLocalHost(root string) *LocalHost {
	return &LocalHost{Root: root}
}

func (h *LocalHost) join(name string) string {
	if name == "" {
		return h.Root
	}
	return path.Join(h.Root, name)
}

func infoFromFileInfo(fi os.FileInfo) Info {
	return Info{
		Name:    fi.Name(),
		IsDir:   fi.IsDir(),
		Perm:    uint32(fi.Mode().Perm()),
		ModTime: fi.ModTime(),
		Size:    fi.Size(),
	}
}

func (h *LocalHost) Stat(name string) (Info, error) {
	fi, err := os.Lstat(h.join(name))
	if err != nil {
		return Info{}, err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return Info{}, os.ErrNotExist
	}
	return infoFromFileInfo(fi), nil
}

func (h *LocalHost) ReadDir(name string) ([]Info, error) {
	entries, err := os.ReadDir(h.join(name))
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			continue
		}
		infos = append(infos, infoFromFileInfo(fi))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (h *LocalHost) ReadAt(name string, p []byte, off int64) (int, error) {
	f, err := os.Open(h.join(name))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.ReadAt(p, off)
}

// pathPool hands out a stable, unique qid path for each resource key
// it sees (a share name plus its slash-joined components, or the rpc
// pseudo-file's own fixed key), assigning a fresh one on first sight
// and remembering it for as long as the server is alive. Local
// filesystems don't carry anything as convenient as Plan 9's qid path
// natively, so this plays the same role the teacher's qidpool package
// plays for styxfile-backed hosts: a name-keyed, monotonically
// increasing path assignment. Ids start at 1, so the root's hardcoded
// path 0 never collides with a pool-issued one.
type pathPool struct {
	m    sync.Map
	next uint64
}

func (p *pathPool) id(key string) uint64 {
	if v, ok := p.m.Load(key); ok {
		return v.(uint64)
	}
	id := atomic.AddUint64(&p.next, 1)
	actual, loaded := p.m.LoadOrStore(key, id)
	if loaded {
		return actual.(uint64)
	}
	return id
}
