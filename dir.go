package sfs

import (
	"bytes"
	"sync"
)

// dirEntry is the in-memory form of a 64-byte on-disk directory
// entry: a fixed name field and an inode number. Ino == BadIno marks
// a tombstone (a deleted entry whose slot is available for reuse),
// matching sfs_delete_entry's approach of zeroing de->inode rather
// than compacting the page.
type dirEntry struct {
	Name string
	Ino  uint32
}

func decodeDirEntry(buf []byte) dirEntry {
	nul := bytes.IndexByte(buf[:MaxNameLen], 0)
	if nul < 0 {
		nul = MaxNameLen
	}
	name := string(buf[:nul])
	ino := leU32(buf[MaxNameLen:DirEntrySize])
	return dirEntry{Name: name, Ino: ino}
}

func encodeDirEntry(e dirEntry) []byte {
	buf := make([]byte, DirEntrySize)
	n := copy(buf[:MaxNameLen-1], e.Name)
	buf[n] = 0
	putLeU32(buf[MaxNameLen:DirEntrySize], e.Ino)
	return buf
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// DirStore implements directory contents as a paged view over a
// directory inode's data, one page per block (page size P =
// BlockSize, per the design's simplifying choice). It layers on top
// of InodeStore's block-mapped ReadAt/WriteAt, the way
// kernel/dir.c's sfs_dir_get_page layers on the page cache.
type DirStore struct {
	inodes *InodeStore

	mu sync.Mutex // serializes page-level mutations across directories
}

func newDirStore(inodes *InodeStore) *DirStore {
	return &DirStore{inodes: inodes}
}

func (d *DirStore) entriesPerPage() uint32 {
	return d.inodes.layout.EntriesPerDir
}

// readPage returns the decoded entries of logical page idx of dir's
// data. A page beyond dir.Size reads as empty.
func (d *DirStore) readPage(dir *Inode, idx uint32) ([]dirEntry, error) {
	bs := d.inodes.layout.BlockSize
	buf := make([]byte, bs)
	if int64(idx)*int64(bs) < int64(dir.Size) {
		if _, err := d.inodes.ReadAt(dir, buf, int64(idx)*int64(bs)); err != nil {
			return nil, err
		}
	}
	perPage := d.entriesPerPage()
	out := make([]dirEntry, perPage)
	for i := uint32(0); i < perPage; i++ {
		out[i] = decodeDirEntry(buf[i*DirEntrySize : (i+1)*DirEntrySize])
	}
	return out, nil
}

func (d *DirStore) writePage(dir *Inode, idx uint32, entries []dirEntry) error {
	bs := d.inodes.layout.BlockSize
	buf := make([]byte, bs)
	for i, e := range entries {
		copy(buf[uint32(i)*DirEntrySize:], encodeDirEntry(e))
	}
	_, err := d.inodes.WriteAt(dir, buf, int64(idx)*int64(bs))
	return err
}

func (d *DirStore) numPages(dir *Inode) uint32 {
	bs := d.inodes.layout.BlockSize
	if dir.Size == 0 {
		return 0
	}
	return (dir.Size + bs - 1) / bs
}

// Iterate calls fn for every live (non-tombstone) entry in dir, in
// on-disk order, stopping early if fn returns false.
func (d *DirStore) Iterate(dir *Inode, fn func(name string, ino uint32) bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	pages := d.numPages(dir)
	for p := uint32(0); p < pages; p++ {
		entries, err := d.readPage(dir, p)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Ino == BadIno {
				continue
			}
			if !fn(e.Name, e.Ino) {
				return nil
			}
		}
	}
	return nil
}

// Find returns the inode number bound to name in dir, or
// (BadIno, ErrNotFound).
func (d *DirStore) Find(dir *Inode, name string) (uint32, error) {
	var found uint32
	err := d.Iterate(dir, func(n string, ino uint32) bool {
		if n == name {
			found = ino
			return false
		}
		return true
	})
	if err != nil {
		return BadIno, err
	}
	if found == BadIno {
		return BadIno, ErrNotFound
	}
	return found, nil
}

// Dotdot returns the inode number of dir's parent, via the fixed ".."
// entry that MakeEmpty always places as the second entry of page 0.
func (d *DirStore) Dotdot(dir *Inode) (uint32, error) {
	return d.Find(dir, "..")
}

// AddLink binds name to ino within dir, reusing the first tombstone
// slot it finds and appending a new page only if none exists,
// matching sfs_add_link. An existing live entry with the same name
// fails with ErrExists; AddLink does not overwrite in place (that is
// SetLink's job, used by rename).
func (d *DirStore) AddLink(dir *Inode, name string, ino uint32) error {
	if len(name) == 0 || len(name) > MaxNameLen-1 {
		return ErrNameTooLong
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	pages := d.numPages(dir)
	var holePage uint32
	var holeIdx int = -1
	for p := uint32(0); p < pages; p++ {
		entries, err := d.readPage(dir, p)
		if err != nil {
			return err
		}
		for i, e := range entries {
			if e.Ino != BadIno && e.Name == name {
				return ErrExists
			}
			if e.Ino == BadIno && holeIdx < 0 {
				holePage, holeIdx = p, i
			}
		}
	}
	if holeIdx >= 0 {
		entries, err := d.readPage(dir, holePage)
		if err != nil {
			return err
		}
		entries[holeIdx] = dirEntry{Name: name, Ino: ino}
		return d.writePage(dir, holePage, entries)
	}

	perPage := d.entriesPerPage()
	entries := make([]dirEntry, perPage)
	entries[0] = dirEntry{Name: name, Ino: ino}
	if err := d.writePage(dir, pages, entries); err != nil {
		return err
	}
	// The new page grew dir's size and block map; persist them.
	return d.inodes.Put(dir)
}

// SetLink rewrites the inode number bound to an existing name in dir
// in place, used by rename to repoint a name at its new target. The
// original kernel module's sfs_set_link wrote no new bytes and relied
// on marking the containing page dirty to force writeback of an
// already-in-place value; this rewrite makes the new inode number an
// explicit write so the update is visible even if the in-memory page
// was never otherwise modified.
func (d *DirStore) SetLink(dir *Inode, name string, newIno uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	pages := d.numPages(dir)
	for p := uint32(0); p < pages; p++ {
		entries, err := d.readPage(dir, p)
		if err != nil {
			return err
		}
		for i, e := range entries {
			if e.Ino != BadIno && e.Name == name {
				entries[i].Ino = newIno
				return d.writePage(dir, p, entries)
			}
		}
	}
	return ErrNotFound
}

// DeleteEntry tombstones the entry for name in dir by zeroing its
// inode number. The slot itself is never compacted or reclaimed; it
// becomes available to a future AddLink's hole search, matching
// sfs_delete_entry's never-compact-on-delete semantics.
func (d *DirStore) DeleteEntry(dir *Inode, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	pages := d.numPages(dir)
	for p := uint32(0); p < pages; p++ {
		entries, err := d.readPage(dir, p)
		if err != nil {
			return err
		}
		for i, e := range entries {
			if e.Ino != BadIno && e.Name == name {
				entries[i] = dirEntry{}
				return d.writePage(dir, p, entries)
			}
		}
	}
	return ErrNotFound
}

// MakeEmpty initializes a freshly allocated directory inode's first
// page with "." pointing at self and ".." pointing at parent,
// matching sfs_make_empty / the root bootstrap in tools/mkfs.c.
func (d *DirStore) MakeEmpty(dir *Inode, self, parent uint32) error {
	perPage := d.entriesPerPage()
	entries := make([]dirEntry, perPage)
	entries[0] = dirEntry{Name: ".", Ino: self}
	entries[1] = dirEntry{Name: "..", Ino: parent}
	return d.writePage(dir, 0, entries)
}

// Empty reports whether dir contains nothing but "." and "..",
// matching sfs_empty_dir: a directory with any other live entry is
// not empty, hole tombstones notwithstanding.
func (d *DirStore) Empty(dir *Inode) (bool, error) {
	empty := true
	err := d.Iterate(dir, func(name string, ino uint32) bool {
		if name != "." && name != ".." {
			empty = false
			return false
		}
		return true
	})
	return empty, err
}
