package sfs

import (
	"io/fs"

	"github.com/sirupsen/logrus"
)

// Namespace is the entry point for all path-resolution-adjacent
// operations (create, lookup, link, rename, ...). It owns the block
// device, the superblock-derived layout, both allocators, and the
// inode and directory stores built on top of them, mirroring how the
// original kernel module's super_block tied these pieces together
// (kernel/super.c's sfs_fill_super), but as explicit Go fields
// instead of VFS-managed state.
type Namespace struct {
	dev    *blockDevice
	sb     Superblock
	layout Layout

	blocks  *BlockAllocator
	inums   *InodeAllocator
	inodes  *InodeStore
	dirs    *DirStore

	log   *logrus.Logger
	clock Clock
}

// Open reads the superblock and both bitmaps from dev and returns a
// ready Namespace. dev must already hold a filesystem written by
// Format.
func Open(dev Device, opts ...Option) (*Namespace, error) {
	// The superblock's own size is unknown until decoded, so read one
	// full block (the minimum image granularity) and decode from
	// that; block_size itself lives inside the decoded struct.
	probe := make([]byte, 4096)
	if _, err := dev.ReadAt(probe, 0); err != nil {
		return nil, ErrIO
	}
	var sb Superblock
	if err := sb.UnmarshalBinary(probe); err != nil {
		return nil, err
	}

	layout := NewLayout(&sb)
	bd := newBlockDevice(dev, sb.BlockSize)

	bamWords, err := readBitmapBlocks(bd, 1, sb.BAMBlocks)
	if err != nil {
		return nil, err
	}
	iamWords, err := readBitmapBlocks(bd, 1+sb.BAMBlocks, sb.IAMBlocks)
	if err != nil {
		return nil, err
	}

	blocks := newBlockAllocator(loadBitmap(bamWords, sb.NBlocks))
	inums := newInodeAllocator(loadBitmap(iamWords, sb.NInodes))
	inodes := newInodeStore(bd, layout, blocks)
	dirs := newDirStore(inodes)

	ns := &Namespace{
		dev: bd, sb: sb, layout: layout,
		blocks: blocks, inums: inums, inodes: inodes, dirs: dirs,
		log: logrus.New(), clock: defaultClock,
	}
	for _, opt := range opts {
		if err := opt(ns); err != nil {
			return nil, err
		}
	}
	// Options may have replaced ns.log after inodes was built with the
	// default logger; keep the InodeStore's diagnostic logging on the
	// same logger as the rest of the Namespace.
	inodes.log = ns.log
	return ns, nil
}

// freeInode releases an inode number back to the IAM, logging rather
// than panicking if it was already free -- the same double-free
// tolerance sfs_free_inode gives a corrupt or racing caller.
func (ns *Namespace) freeInode(ino uint32) {
	if !ns.inums.Free(ino) {
		ns.log.WithField("ino", ino).Warn("free of inode number found it already free in IAM")
	}
}

func readBitmapBlocks(bd *blockDevice, start, count uint32) ([]uint64, error) {
	words := make([]uint64, 0, count*bd.blockSize/8)
	for i := uint32(0); i < count; i++ {
		buf, err := bd.readBlock(start + i)
		if err != nil {
			return nil, err
		}
		for o := 0; o+8 <= len(buf); o += 8 {
			var w uint64
			for b := 0; b < 8; b++ {
				w |= uint64(buf[o+b]) << (8 * b)
			}
			words = append(words, w)
		}
	}
	return words, nil
}

func writeBitmapBlocks(bd *blockDevice, start, count uint32, words []uint64) error {
	wordsPerBlock := bd.blockSize / 8
	for i := uint32(0); i < count; i++ {
		buf := make([]byte, bd.blockSize)
		base := i * wordsPerBlock
		for w := uint32(0); w < wordsPerBlock && base+w < uint32(len(words)); w++ {
			v := words[base+w]
			o := w * 8
			for b := 0; b < 8; b++ {
				buf[o+uint32(b)] = byte(v >> (8 * b))
			}
		}
		if err := bd.writeBlock(start+i, buf); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes dirty bitmap state back to disk. Individual inode and
// data writes are already synchronous (Put/WriteAt write straight
// through), so Sync only needs to cover the BAM/IAM, the one piece of
// state mutated purely in memory between allocator calls.
func (ns *Namespace) Sync() error {
	if ns.blocks.TakeDirty() {
		if err := writeBitmapBlocks(ns.dev, 1, ns.sb.BAMBlocks, ns.blocks.Snapshot()); err != nil {
			return err
		}
	}
	if ns.inums.TakeDirty() {
		if err := writeBitmapBlocks(ns.dev, 1+ns.sb.BAMBlocks, ns.sb.IAMBlocks, ns.inums.Snapshot()); err != nil {
			return err
		}
	}
	return nil
}

// Statfs reports filesystem-wide usage counters, matching
// sfs_statfs's fields.
type Statfs struct {
	BlockSize  uint32
	Blocks     uint32
	FreeBlocks uint32
	Inodes     uint32
	FreeInodes uint32
	NameMax    uint32
	Magic      uint32
}

func (ns *Namespace) Statfs() Statfs {
	return Statfs{
		BlockSize:  ns.sb.BlockSize,
		Blocks:     ns.sb.NBlocks,
		FreeBlocks: ns.blocks.CountFree(),
		Inodes:     ns.sb.NInodes,
		FreeInodes: ns.inums.CountFree(),
		NameMax:    MaxNameLen - 1,
		Magic:      Magic,
	}
}

// Root returns the root directory's inode, for callers bootstrapping
// path resolution.
func (ns *Namespace) Root() (*Inode, error) {
	return ns.inodes.Get(RootIno)
}

// Getattr returns the inode record for ino, the namespace-level
// equivalent of sfs_getattr.
func (ns *Namespace) Getattr(ino uint32) (*Inode, error) {
	return ns.inodes.Get(ino)
}

// Lookup resolves name within dir and returns the target inode,
// matching sfs_lookup.
func (ns *Namespace) Lookup(dir *Inode, name string) (*Inode, error) {
	if !dir.IsDir() {
		return nil, ErrNotDir
	}
	ino, err := ns.dirs.Find(dir, name)
	if err != nil {
		return nil, err
	}
	return ns.inodes.Get(ino)
}

// allocInode reserves an inode number and returns a zeroed in-memory
// Inode for it, stamped with the current time, matching
// sfs_new_inode's role in namei.c's create paths.
func (ns *Namespace) allocInode(mode uint16, uid, gid uint32) (*Inode, error) {
	ino, ok := ns.inums.Alloc()
	if !ok {
		return nil, ErrNoMem
	}
	now := ns.clock()
	return &Inode{
		Ino: ino, Mode: mode, Nlink: 0,
		UID: uid, GID: gid,
		Atime: now, Mtime: now, Ctime: now,
	}, nil
}

// Mknod creates a new non-directory inode of the given mode (which
// may encode a regular file, device node, FIFO, or socket) and links
// it into dir under name, matching sfs_mknod.
func (ns *Namespace) Mknod(dir *Inode, name string, mode fs.FileMode, devNum, uid, gid uint32) (*Inode, error) {
	if !dir.IsDir() {
		return nil, ErrNotDir
	}
	if len(name) == 0 || len(name) > MaxNameLen-1 {
		return nil, ErrNameTooLong
	}
	if _, err := ns.dirs.Find(dir, name); err == nil {
		return nil, ErrExists
	}

	in, err := ns.allocInode(fileModeToUnix(mode), uid, gid)
	if err != nil {
		return nil, err
	}
	in.Nlink = 1
	if mode&(fs.ModeDevice|fs.ModeCharDevice) != 0 {
		in.Block[0] = devNum
	}
	if err := ns.inodes.Put(in); err != nil {
		ns.freeInode(in.Ino)
		return nil, err
	}
	if err := ns.dirs.AddLink(dir, name, in.Ino); err != nil {
		ns.freeInode(in.Ino)
		return nil, err
	}
	return in, nil
}

// Create is Mknod specialized to a regular file, matching sfs_create.
func (ns *Namespace) Create(dir *Inode, name string, mode fs.FileMode, uid, gid uint32) (*Inode, error) {
	return ns.Mknod(dir, name, mode&fs.ModePerm, 0, uid, gid)
}

// Symlink creates a symlink named name in dir pointing at target,
// storing target in the new inode's data blocks, matching
// sfs_symlink.
func (ns *Namespace) Symlink(dir *Inode, name, target string, uid, gid uint32) (*Inode, error) {
	if !dir.IsDir() {
		return nil, ErrNotDir
	}
	if len(target) >= int(ns.layout.BlockSize) {
		return nil, ErrInvalidArg
	}
	if _, err := ns.dirs.Find(dir, name); err == nil {
		return nil, ErrExists
	}

	in, err := ns.allocInode(0777|modeIFLNK, uid, gid)
	if err != nil {
		return nil, err
	}
	in.Nlink = 1
	if _, err := ns.inodes.WriteAt(in, []byte(target), 0); err != nil {
		ns.freeInode(in.Ino)
		return nil, err
	}
	if err := ns.inodes.Put(in); err != nil {
		ns.freeInode(in.Ino)
		return nil, err
	}
	if err := ns.dirs.AddLink(dir, name, in.Ino); err != nil {
		ns.freeInode(in.Ino)
		return nil, err
	}
	return in, nil
}

// Readlink returns the target path stored in a symlink inode.
func (ns *Namespace) Readlink(in *Inode) (string, error) {
	if !in.IsSymlink() {
		return "", ErrInvalidArg
	}
	buf := make([]byte, in.Size)
	if _, err := ns.inodes.ReadAt(in, buf, 0); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Link adds a new name in dir pointing at the existing inode target,
// incrementing its link count, matching sfs_link. It enforces
// LinkMax the same way sfs_link's EMLINK check does.
func (ns *Namespace) Link(dir *Inode, name string, target *Inode) error {
	if !dir.IsDir() {
		return ErrNotDir
	}
	if target.IsDir() {
		return ErrIsDir
	}
	if target.Nlink >= LinkMax {
		return ErrTooManyLinks
	}
	if _, err := ns.dirs.Find(dir, name); err == nil {
		return ErrExists
	}
	if err := ns.dirs.AddLink(dir, name, target.Ino); err != nil {
		return err
	}
	target.Nlink++
	return ns.inodes.Put(target)
}

// Unlink removes name from dir, decrementing the target's link count
// and freeing the inode as soon as its link count reaches zero,
// matching sfs_unlink / sfs_evict_inode. No open-reference count is
// kept, so an inode that is still open elsewhere is freed all the same.
func (ns *Namespace) Unlink(dir *Inode, name string) error {
	if !dir.IsDir() {
		return ErrNotDir
	}
	ino, err := ns.dirs.Find(dir, name)
	if err != nil {
		return err
	}
	target, err := ns.inodes.Get(ino)
	if err != nil {
		return err
	}
	if target.IsDir() {
		return ErrIsDir
	}
	if err := ns.dirs.DeleteEntry(dir, name); err != nil {
		return err
	}
	target.Nlink--
	if target.Nlink == 0 {
		return ns.evict(target)
	}
	return ns.inodes.Put(target)
}

// evict releases an inode's data blocks and then its IAM bit, in that
// order: truncate first, free the inode number last. A crash between
// the two leaves a zero-content, zero-link inode slot still marked
// allocated -- inert, and reachable by no directory entry, but never
// a data block freed while its owning inode still looks live.
func (ns *Namespace) evict(in *Inode) error {
	if in.hasBlockMap() {
		if err := ns.inodes.Truncate(in); err != nil {
			return err
		}
	} else {
		in.Block[0] = 0
	}
	in.Mode = 0
	in.Nlink = 0
	if err := ns.inodes.Put(in); err != nil {
		return err
	}
	ns.freeInode(in.Ino)
	return nil
}

// Mkdir creates a new directory named name in dir, matching
// sfs_mkdir: the child starts with nlink=2 (self + "."), the parent's
// nlink is bumped for the child's "..", and any failure after the
// child inode is allocated rolls the parent's nlink back.
func (ns *Namespace) Mkdir(dir *Inode, name string, mode fs.FileMode, uid, gid uint32) (*Inode, error) {
	if !dir.IsDir() {
		return nil, ErrNotDir
	}
	if dir.Nlink >= LinkMax {
		return nil, ErrTooManyLinks
	}
	if _, err := ns.dirs.Find(dir, name); err == nil {
		return nil, ErrExists
	}

	in, err := ns.allocInode(fileModeToUnix(fs.ModeDir|mode.Perm()), uid, gid)
	if err != nil {
		return nil, err
	}
	in.Nlink = 2
	dir.Nlink++

	rollback := func() {
		dir.Nlink--
		ns.freeInode(in.Ino)
	}

	if err := ns.dirs.MakeEmpty(in, in.Ino, dir.Ino); err != nil {
		rollback()
		return nil, err
	}
	if err := ns.inodes.Put(in); err != nil {
		rollback()
		return nil, err
	}
	if err := ns.dirs.AddLink(dir, name, in.Ino); err != nil {
		rollback()
		return nil, err
	}
	if err := ns.inodes.Put(dir); err != nil {
		rollback()
		return nil, err
	}
	return in, nil
}

// Rmdir removes an empty directory named name from dir, matching
// sfs_rmdir.
func (ns *Namespace) Rmdir(dir *Inode, name string) error {
	if !dir.IsDir() {
		return ErrNotDir
	}
	ino, err := ns.dirs.Find(dir, name)
	if err != nil {
		return err
	}
	target, err := ns.inodes.Get(ino)
	if err != nil {
		return err
	}
	if !target.IsDir() {
		return ErrNotDir
	}
	empty, err := ns.dirs.Empty(target)
	if err != nil {
		return err
	}
	if !empty {
		return ErrNotEmpty
	}
	if err := ns.dirs.DeleteEntry(dir, name); err != nil {
		return err
	}
	dir.Nlink--
	if err := ns.inodes.Put(dir); err != nil {
		return err
	}
	target.Nlink = 0
	return ns.evict(target)
}

// Rename moves oldName in oldDir to newName in newDir, matching
// sfs_rename: an existing newName is replaced (files overwrite files,
// empty directories overwrite empty directories), and a moved
// directory's ".." is repointed at its new parent via SetLink,
// adjusting both parents' nlink accordingly.
func (ns *Namespace) Rename(oldDir *Inode, oldName string, newDir *Inode, newName string) error {
	if !oldDir.IsDir() || !newDir.IsDir() {
		return ErrNotDir
	}
	srcIno, err := ns.dirs.Find(oldDir, oldName)
	if err != nil {
		return err
	}
	src, err := ns.inodes.Get(srcIno)
	if err != nil {
		return err
	}

	dstIno, dstErr := ns.dirs.Find(newDir, newName)
	var dst *Inode
	if dstErr == nil {
		dst, err = ns.inodes.Get(dstIno)
		if err != nil {
			return err
		}
		if src.IsDir() != dst.IsDir() {
			if src.IsDir() {
				return ErrNotDir
			}
			return ErrIsDir
		}
		if dst.IsDir() {
			empty, err := ns.dirs.Empty(dst)
			if err != nil {
				return err
			}
			if !empty {
				return ErrNotEmpty
			}
		}
	}

	if src.IsDir() && oldDir.Ino != newDir.Ino {
		if newDir.Nlink >= LinkMax {
			return ErrTooManyLinks
		}
	}

	if dst != nil {
		if err := ns.dirs.DeleteEntry(newDir, newName); err != nil {
			return err
		}
		dstWasDir := dst.IsDir()
		if dstWasDir {
			// A directory destination was already confirmed empty
			// above, so its only links are "." and the one entry we
			// just removed from newDir: clear both at once.
			dst.Nlink = 0
		} else {
			dst.Nlink--
		}
		if dst.Nlink == 0 {
			if err := ns.evict(dst); err != nil {
				return err
			}
		} else if err := ns.inodes.Put(dst); err != nil {
			return err
		}
		if dstWasDir {
			newDir.Nlink--
			if err := ns.inodes.Put(newDir); err != nil {
				return err
			}
		}
	}

	if err := ns.dirs.AddLink(newDir, newName, src.Ino); err != nil {
		return err
	}
	if err := ns.dirs.DeleteEntry(oldDir, oldName); err != nil {
		return err
	}

	if src.IsDir() && oldDir.Ino != newDir.Ino {
		if err := ns.dirs.SetLink(src, "..", newDir.Ino); err != nil {
			return err
		}
		oldDir.Nlink--
		newDir.Nlink++
		if err := ns.inodes.Put(oldDir); err != nil {
			return err
		}
		if err := ns.inodes.Put(newDir); err != nil {
			return err
		}
	}
	return nil
}
