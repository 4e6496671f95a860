package icache

import (
	"strings"

	"github.com/kodeware/xv6fs/hostiface"
	"github.com/kodeware/xv6fs/ondisk"
	"github.com/kodeware/xv6fs/xerrors"
)

// Resolver walks slash-separated paths against the inode cache, starting
// from either the root or the caller's current directory (spec §4.3).
type Resolver struct {
	cache    *Cache
	host     hostiface.Interface
	dev      uint32
	rootInum uint32
}

// NewResolver builds a path resolver over cache, rooted at (dev, rootInum).
func NewResolver(cache *Cache, host hostiface.Interface, dev, rootInum uint32) *Resolver {
	return &Resolver{cache: cache, host: host, dev: dev, rootInum: rootInum}
}

func (r *Resolver) startingPoint(path string) *Inode {
	if strings.HasPrefix(path, "/") {
		return r.cache.Get(r.dev, r.rootInum)
	}
	if inum, ok := r.host.CurDirInum(); ok {
		return r.cache.Get(r.dev, inum)
	}
	return r.cache.Get(r.dev, r.rootInum)
}

// namex is the shared core of NameI and NameIParent. When parent is true, it
// stops one component short and returns the handle of the parent directory
// plus the final component's name, without requiring that component to
// exist.
func (r *Resolver) namex(path string, parent bool) (*Inode, string, error) {
	ip := r.startingPoint(path)
	i := 0
	for i < len(path) && path[i] == '/' {
		i++
	}

	for i < len(path) {
		start := i
		for i < len(path) && path[i] != '/' {
			i++
		}
		name := path[start:i]
		if len(name) >= ondisk.DirSiz {
			name = name[:ondisk.DirSiz-1]
		}
		for i < len(path) && path[i] == '/' {
			i++
		}

		g := ip.Lock()
		if g.Type() != ondisk.TypeDirectory {
			g.Unlock()
			_ = ip.Put()
			return nil, "", xerrors.New(xerrors.TypeMismatch)
		}

		if parent && i >= len(path) {
			g.Unlock()
			return ip, name, nil
		}

		next, err := g.DirLookup(name)
		g.Unlock()
		if err != nil {
			_ = ip.Put()
			return nil, "", err
		}
		_ = ip.Put()
		ip = next
	}

	if parent {
		_ = ip.Put()
		return nil, "", xerrors.New(xerrors.NotFound)
	}
	return ip, "", nil
}

// NameI resolves path to the inode it names.
func (r *Resolver) NameI(path string) (*Inode, error) {
	in, _, err := r.namex(path, false)
	return in, err
}

// NameIParent resolves path's parent directory, returning it along with the
// final path component (which need not exist).
func (r *Resolver) NameIParent(path string) (*Inode, string, error) {
	return r.namex(path, true)
}

// Create resolves path's parent, then creates (or, if it already exists and
// is type-compatible, returns) an inode named by the final component. Major
// and minor are only meaningful when typ is ondisk.TypeDevice. The whole
// operation runs inside one journal transaction.
func (r *Resolver) Create(path string, typ uint16, major, minor uint16) (*Inode, error) {
	r.cache.log.BeginOp()
	defer func() { _ = r.cache.log.EndOp() }()

	parent, name, err := r.NameIParent(path)
	if err != nil {
		return nil, err
	}
	if name == "" {
		_ = parent.Put()
		return nil, xerrors.New(xerrors.AlreadyExists)
	}

	pg := parent.Lock()
	if pg.Type() != ondisk.TypeDirectory {
		pg.Unlock()
		_ = parent.Put()
		return nil, xerrors.New(xerrors.TypeMismatch)
	}

	if existing, lookErr := pg.DirLookup(name); lookErr == nil {
		pg.Unlock()
		_ = parent.Put()
		eg := existing.Lock()
		compatible := eg.Type() == typ && (typ == ondisk.TypeFile || typ == ondisk.TypeDevice)
		eg.Unlock()
		if compatible {
			return existing, nil
		}
		_ = existing.Put()
		return nil, xerrors.New(xerrors.AlreadyExists)
	}

	child, err := r.cache.Alloc(typ)
	if err != nil {
		pg.Unlock()
		_ = parent.Put()
		return nil, err
	}

	cg := child.Lock()
	cg.SetDevice(major, minor)
	cg.SetNLink(1)

	if typ == ondisk.TypeDirectory {
		cg.SetNLink(2) // "." counts as a self-reference
		if err := cg.Update(); err != nil {
			cg.Unlock()
			pg.Unlock()
			_ = child.Put()
			_ = parent.Put()
			return nil, err
		}
		if err := cg.DirLink(".", child.Inum); err != nil {
			cg.Unlock()
			pg.Unlock()
			_ = child.Put()
			_ = parent.Put()
			return nil, err
		}
		if err := cg.DirLink("..", parent.Inum); err != nil {
			cg.Unlock()
			pg.Unlock()
			_ = child.Put()
			_ = parent.Put()
			return nil, err
		}
		cg.Unlock()
		pg.SetNLink(pg.NLink() + 1)
		if err := pg.Update(); err != nil {
			pg.Unlock()
			_ = child.Put()
			_ = parent.Put()
			return nil, err
		}
	} else {
		if err := cg.Update(); err != nil {
			cg.Unlock()
			pg.Unlock()
			_ = child.Put()
			_ = parent.Put()
			return nil, err
		}
		cg.Unlock()
	}

	if err := pg.DirLink(name, child.Inum); err != nil {
		pg.Unlock()
		_ = child.Put()
		_ = parent.Put()
		return nil, err
	}
	pg.Unlock()
	_ = parent.Put()
	return child, nil
}

// Remove resolves path's parent, unlinks the final component from it, and
// (for directories, after recursively clearing them) discards the child's
// on-disk content. The whole operation runs inside one journal transaction.
func (r *Resolver) Remove(path string) (err error) {
	r.cache.log.BeginOp()
	defer func() {
		if endErr := r.cache.log.EndOp(); endErr != nil && err == nil {
			err = endErr
		}
	}()

	parent, name, perr := r.NameIParent(path)
	if perr != nil {
		return perr
	}
	if name == "." || name == ".." {
		_ = parent.Put()
		return xerrors.New(xerrors.TypeMismatch)
	}

	pg := parent.Lock()
	child, lerr := pg.DirLookup(name)
	if lerr != nil {
		pg.Unlock()
		_ = parent.Put()
		return lerr
	}

	cg := child.Lock()
	if cg.Type() != ondisk.TypeFile && cg.Type() != ondisk.TypeDirectory {
		cg.Unlock()
		_ = child.Put()
		pg.Unlock()
		_ = parent.Put()
		return xerrors.New(xerrors.TypeMismatch)
	}

	wasDir := cg.Type() == ondisk.TypeDirectory
	if wasDir {
		if !cg.IsDirEmpty() {
			if cerr := cg.ClearDir(); cerr != nil {
				cg.Unlock()
				_ = child.Put()
				pg.Unlock()
				_ = parent.Put()
				return cerr
			}
		}
	}

	if terr := cg.truncateLocked(); terr != nil {
		cg.Unlock()
		_ = child.Put()
		pg.Unlock()
		_ = parent.Put()
		return terr
	}
	cg.disk().Type = ondisk.TypeEmpty
	if uerr := cg.Update(); uerr != nil {
		cg.Unlock()
		_ = child.Put()
		pg.Unlock()
		_ = parent.Put()
		return uerr
	}
	cg.Unlock()

	if wasDir {
		pg.SetNLink(pg.NLink() - 1)
	}
	if uerr := pg.DirUnlink(name); uerr != nil {
		_ = child.Put()
		pg.Unlock()
		_ = parent.Put()
		return uerr
	}
	pg.Unlock()
	_ = child.Put()
	_ = parent.Put()
	return nil
}

// Rename moves the inode named by oldPath so it is instead named by
// newPath, updating the target directory's link count (and the moved
// directory's ".." entry) when it crosses directories. The whole operation
// runs inside a single journal transaction — both the initial resolution
// and the final link/unlink need to observe a consistent tree (spec §9's
// resolved Open Question: one BeginOp at entry, one deferred EndOp).
func (r *Resolver) Rename(oldPath, newPath string) (err error) {
	r.cache.log.BeginOp()
	defer func() {
		if endErr := r.cache.log.EndOp(); endErr != nil && err == nil {
			err = endErr
		}
	}()

	oldParent, oldName, perr := r.NameIParent(oldPath)
	if perr != nil {
		return perr
	}
	newParent, newName, perr := r.NameIParent(newPath)
	if perr != nil {
		_ = oldParent.Put()
		return perr
	}

	opg := oldParent.Lock()
	src, lerr := opg.DirLookup(oldName)
	opg.Unlock()
	if lerr != nil {
		_ = oldParent.Put()
		_ = newParent.Put()
		return lerr
	}

	sg := src.Lock()
	srcType := sg.Type()
	sg.Unlock()

	npg := newParent.Lock()
	if existing, eerr := npg.DirLookup(newName); eerr == nil {
		eg := existing.Lock()
		sameInode := existing.Inum == src.Inum
		isEmptyDir := eg.Type() == ondisk.TypeDirectory && eg.IsDirEmpty()
		isFile := eg.Type() == ondisk.TypeFile
		eg.Unlock()

		if sameInode {
			_ = existing.Put()
		} else if srcType == ondisk.TypeDirectory && isEmptyDir || srcType == ondisk.TypeFile && isFile {
			if uerr := npg.DirUnlink(newName); uerr != nil {
				_ = existing.Put()
				npg.Unlock()
				_ = oldParent.Put()
				_ = newParent.Put()
				_ = src.Put()
				return uerr
			}
			_ = existing.Put()
		} else {
			_ = existing.Put()
			npg.Unlock()
			_ = oldParent.Put()
			_ = newParent.Put()
			_ = src.Put()
			return xerrors.New(xerrors.AlreadyExists)
		}
	}

	if err := npg.DirLink(newName, src.Inum); err != nil {
		npg.Unlock()
		_ = oldParent.Put()
		_ = newParent.Put()
		_ = src.Put()
		return err
	}
	npg.Unlock()

	opg2 := oldParent.Lock()
	if uerr := opg2.unlinkLocked(oldName); uerr != nil {
		opg2.Unlock()
		_ = oldParent.Put()
		_ = newParent.Put()
		_ = src.Put()
		return uerr
	}
	uerr := opg2.Update()
	opg2.Unlock()
	if uerr != nil {
		_ = oldParent.Put()
		_ = newParent.Put()
		_ = src.Put()
		return uerr
	}

	if srcType == ondisk.TypeDirectory && oldParent.Inum != newParent.Inum {
		sg2 := src.Lock()
		if uerr := sg2.unlinkLocked(".."); uerr == nil {
			uerr = sg2.DirLink("..", newParent.Inum)
		}
		sg2.Unlock()
		if uerr != nil {
			_ = oldParent.Put()
			_ = newParent.Put()
			_ = src.Put()
			return uerr
		}

		opg3 := oldParent.Lock()
		opg3.SetNLink(opg3.NLink() - 1)
		uerr = opg3.Update()
		opg3.Unlock()
		if uerr != nil {
			_ = oldParent.Put()
			_ = newParent.Put()
			_ = src.Put()
			return uerr
		}

		npg3 := newParent.Lock()
		npg3.SetNLink(npg3.NLink() + 1)
		uerr = npg3.Update()
		npg3.Unlock()
		if uerr != nil {
			_ = oldParent.Put()
			_ = newParent.Put()
			_ = src.Put()
			return uerr
		}
	}

	_ = oldParent.Put()
	_ = newParent.Put()
	_ = src.Put()
	return nil
}
