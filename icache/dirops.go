package icache

import (
	"github.com/kodeware/xv6fs/ondisk"
	"github.com/kodeware/xv6fs/xerrors"
)

// DirLookup searches a locked directory for name, returning a handle to the
// child inode. It returns a TypeMismatch error if this inode isn't a
// directory, and NotFound if no live entry has that name.
func (g *Guard) DirLookup(name string) (*Inode, error) {
	child, _, err := g.dirLookupWithOffset(name)
	return child, err
}

func (g *Guard) dirLookupWithOffset(name string) (*Inode, uint32, error) {
	if g.Type() != ondisk.TypeDirectory {
		return nil, 0, xerrors.New(xerrors.TypeMismatch)
	}

	n := g.Size() / ondisk.DirEntSize
	var ent ondisk.DirEntry
	buf := make([]byte, ondisk.DirEntSize)
	for i := uint32(0); i < n; i++ {
		if _, err := g.readLocked(buf, i*ondisk.DirEntSize, ondisk.DirEntSize); err != nil {
			return nil, 0, err
		}
		ent.Decode(buf)
		if ent.Inum == 0 {
			continue
		}
		if ent.NameString() == name {
			return g.in.c.Get(g.in.dev, uint32(ent.Inum)), i * ondisk.DirEntSize, nil
		}
	}
	return nil, 0, xerrors.New(xerrors.NotFound)
}

// DirLink adds a (name -> inum) entry to a locked directory, reusing the
// first free slot if one exists, otherwise appending. It returns
// AlreadyExists if name is already present.
func (g *Guard) DirLink(name string, inum uint32) error {
	if existing, _, err := g.dirLookupWithOffset(name); err == nil {
		_ = existing.Put()
		return xerrors.New(xerrors.AlreadyExists)
	}

	if g.Type() != ondisk.TypeDirectory {
		return xerrors.New(xerrors.TypeMismatch)
	}

	var ent ondisk.DirEntry
	n := g.Size() / ondisk.DirEntSize
	buf := make([]byte, ondisk.DirEntSize)
	offset := g.Size()
	for i := uint32(0); i < n; i++ {
		if _, err := g.readLocked(buf, i*ondisk.DirEntSize, ondisk.DirEntSize); err != nil {
			return err
		}
		ent.Decode(buf)
		if ent.Inum == 0 {
			offset = i * ondisk.DirEntSize
			break
		}
	}

	ent = ondisk.DirEntry{Inum: uint16(inum)}
	ent.SetName(name)
	ent.Encode(buf)
	if _, err := g.writeLocked(buf, offset, ondisk.DirEntSize); err != nil {
		return err
	}
	return g.Update()
}

// DirUnlink zeroes out name's entry in a locked directory, without shrinking
// the directory's size: the slot becomes free for reuse by a later DirLink.
func (g *Guard) DirUnlink(name string) error {
	if err := g.unlinkLocked(name); err != nil {
		return err
	}
	return g.Update()
}

func (g *Guard) unlinkLocked(name string) error {
	_, offset, err := g.dirEntryOffset(name)
	if err != nil {
		return err
	}
	var empty [ondisk.DirEntSize]byte
	_, err = g.writeLocked(empty[:], offset, ondisk.DirEntSize)
	return err
}

func (g *Guard) dirEntryOffset(name string) (ondisk.DirEntry, uint32, error) {
	if g.Type() != ondisk.TypeDirectory {
		return ondisk.DirEntry{}, 0, xerrors.New(xerrors.TypeMismatch)
	}
	n := g.Size() / ondisk.DirEntSize
	var ent ondisk.DirEntry
	buf := make([]byte, ondisk.DirEntSize)
	for i := uint32(0); i < n; i++ {
		if _, err := g.readLocked(buf, i*ondisk.DirEntSize, ondisk.DirEntSize); err != nil {
			return ent, 0, err
		}
		ent.Decode(buf)
		if ent.Inum != 0 && ent.NameString() == name {
			return ent, i * ondisk.DirEntSize, nil
		}
	}
	return ent, 0, xerrors.New(xerrors.NotFound)
}

// Ls lists a locked directory's live entries (those with a nonzero inode
// number), "." and ".." included, in on-disk order.
func (g *Guard) Ls() ([]ondisk.DirEntry, error) {
	if g.Type() != ondisk.TypeDirectory {
		return nil, xerrors.New(xerrors.TypeMismatch)
	}

	n := g.Size() / ondisk.DirEntSize
	var ent ondisk.DirEntry
	buf := make([]byte, ondisk.DirEntSize)
	entries := make([]ondisk.DirEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		if _, err := g.readLocked(buf, i*ondisk.DirEntSize, ondisk.DirEntSize); err != nil {
			return nil, err
		}
		ent.Decode(buf)
		if ent.Inum == 0 {
			continue
		}
		entries = append(entries, ent)
	}
	return entries, nil
}

// IsDirEmpty reports whether a locked directory has no live entries besides
// "." and "..". It returns false for an inode that isn't a directory.
func (g *Guard) IsDirEmpty() bool {
	if g.Type() != ondisk.TypeDirectory {
		return false
	}
	n := g.Size() / ondisk.DirEntSize
	var ent ondisk.DirEntry
	buf := make([]byte, ondisk.DirEntSize)
	for i := uint32(2); i < n; i++ {
		if _, err := g.readLocked(buf, i*ondisk.DirEntSize, ondisk.DirEntSize); err != nil {
			return false
		}
		ent.Decode(buf)
		if ent.Inum != 0 {
			return false
		}
	}
	return true
}
