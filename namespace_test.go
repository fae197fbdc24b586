package sfs

import (
	"io/fs"
	"testing"
)

func newTestNamespace(t *testing.T) *Namespace {
	t.Helper()
	const size = 4 * 1024 * 1024
	dev := newMemDevice(size)
	if err := Format(dev, size, FormatOptions{}); err != nil {
		t.Fatalf("Format: %v", err)
	}
	ns, err := Open(dev, WithClock(func() uint32 { return 1000 }))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return ns
}

func TestCreateAndLookup(t *testing.T) {
	ns := newTestNamespace(t)
	root, _ := ns.Root()

	f, err := ns.Create(root, "hello.txt", 0644, 1, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if f.Nlink != 1 {
		t.Errorf("Nlink = %d, want 1", f.Nlink)
	}

	got, err := ns.Lookup(root, "hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Ino != f.Ino {
		t.Errorf("Lookup returned ino %d, want %d", got.Ino, f.Ino)
	}

	if _, err := ns.Create(root, "hello.txt", 0644, 1, 1); err != ErrExists {
		t.Fatalf("Create duplicate name: got %v, want ErrExists", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	ns := newTestNamespace(t)
	root, _ := ns.Root()
	f, err := ns.Create(root, "data.bin", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	payload := make([]byte, ns.layout.BlockSize*3+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := ns.inodes.WriteAt(f, payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := ns.inodes.Put(f); err != nil {
		t.Fatalf("Put: %v", err)
	}

	out := make([]byte, len(payload))
	n, err := ns.inodes.ReadAt(f, out, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("ReadAt returned %d bytes, want %d", n, len(payload))
	}
	for i := range payload {
		if out[i] != payload[i] {
			t.Fatalf("byte %d = %d, want %d", i, out[i], payload[i])
		}
	}
}

func TestMkdirRmdir(t *testing.T) {
	ns := newTestNamespace(t)
	root, _ := ns.Root()

	sub, err := ns.Mkdir(root, "sub", 0755, 0, 0)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if sub.Nlink != 2 {
		t.Errorf("sub Nlink = %d, want 2", sub.Nlink)
	}
	root, _ = ns.inodes.Get(RootIno)
	if root.Nlink != 3 {
		t.Errorf("root Nlink after Mkdir = %d, want 3", root.Nlink)
	}

	if err := ns.Rmdir(root, "sub"); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	root, _ = ns.inodes.Get(RootIno)
	if root.Nlink != 2 {
		t.Errorf("root Nlink after Rmdir = %d, want 2", root.Nlink)
	}
	if _, err := ns.Lookup(root, "sub"); err != ErrNotFound {
		t.Fatalf("Lookup after Rmdir: got %v, want ErrNotFound", err)
	}
}

func TestRmdirNotEmpty(t *testing.T) {
	ns := newTestNamespace(t)
	root, _ := ns.Root()
	sub, err := ns.Mkdir(root, "sub", 0755, 0, 0)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := ns.Create(sub, "f", 0644, 0, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := ns.Rmdir(root, "sub"); err != ErrNotEmpty {
		t.Fatalf("Rmdir on non-empty dir: got %v, want ErrNotEmpty", err)
	}
}

func TestLinkAndUnlink(t *testing.T) {
	ns := newTestNamespace(t)
	root, _ := ns.Root()
	f, err := ns.Create(root, "a", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := ns.Link(root, "b", f); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if f.Nlink != 2 {
		t.Errorf("Nlink after Link = %d, want 2", f.Nlink)
	}
	if err := ns.Unlink(root, "a"); err != nil {
		t.Fatalf("Unlink a: %v", err)
	}
	got, err := ns.Lookup(root, "b")
	if err != nil {
		t.Fatalf("Lookup b after unlinking a: %v", err)
	}
	if got.Nlink != 1 {
		t.Errorf("Nlink after unlinking a = %d, want 1", got.Nlink)
	}
	if err := ns.Unlink(root, "b"); err != nil {
		t.Fatalf("Unlink b: %v", err)
	}
	// The slot is still readable (we zero mode/nlink in place rather
	// than scrubbing the block), but it must read back as evicted.
	evicted, err := ns.inodes.Get(f.Ino)
	if err != nil {
		t.Fatalf("Get after final unlink: %v", err)
	}
	if evicted.Mode != 0 || evicted.Nlink != 0 {
		t.Errorf("evicted inode Mode=%o Nlink=%d, want 0, 0", evicted.Mode, evicted.Nlink)
	}
}

func TestSymlinkReadlink(t *testing.T) {
	ns := newTestNamespace(t)
	root, _ := ns.Root()
	link, err := ns.Symlink(root, "l", "/target/path", 0, 0)
	if err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	target, err := ns.Readlink(link)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "/target/path" {
		t.Errorf("Readlink = %q, want %q", target, "/target/path")
	}
}

func TestRenameWithinSameDir(t *testing.T) {
	ns := newTestNamespace(t)
	root, _ := ns.Root()
	f, err := ns.Create(root, "old", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := ns.Rename(root, "old", root, "new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := ns.Lookup(root, "old"); err != ErrNotFound {
		t.Fatalf("Lookup old after rename: got %v, want ErrNotFound", err)
	}
	got, err := ns.Lookup(root, "new")
	if err != nil || got.Ino != f.Ino {
		t.Fatalf("Lookup new after rename: got %v, %v", got, err)
	}
}

func TestRenameOverwritesDestinationFileWithSurvivingLink(t *testing.T) {
	ns := newTestNamespace(t)
	root, _ := ns.Root()

	src, err := ns.Create(root, "src", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create src: %v", err)
	}
	dst, err := ns.Create(root, "dst", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create dst: %v", err)
	}
	// Give dst a second hard link, so overwriting it via rename must
	// not evict its inode: the other name still points at it.
	if err := ns.Link(root, "dst-other-name", dst); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := ns.inodes.WriteAt(dst, []byte("still here"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := ns.inodes.Put(dst); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := ns.Rename(root, "src", root, "dst"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	// "dst" now refers to src's inode; the surviving link still
	// refers to the original dst inode with its original content and
	// nlink of 1.
	renamed, err := ns.Lookup(root, "dst")
	if err != nil || renamed.Ino != src.Ino {
		t.Fatalf("Lookup dst after rename: got %v, %v; want ino %d", renamed, err, src.Ino)
	}

	survivor, err := ns.Lookup(root, "dst-other-name")
	if err != nil {
		t.Fatalf("Lookup dst-other-name: %v", err)
	}
	if survivor.Ino != dst.Ino {
		t.Fatalf("survivor ino = %d, want %d", survivor.Ino, dst.Ino)
	}
	if survivor.Nlink != 1 {
		t.Fatalf("survivor Nlink = %d, want 1", survivor.Nlink)
	}

	out := make([]byte, len("still here"))
	if _, err := ns.inodes.ReadAt(survivor, out, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(out) != "still here" {
		t.Fatalf("survivor content = %q, want %q", out, "still here")
	}
}

func TestRenameDirectoryAcrossParentsFixesDotDot(t *testing.T) {
	ns := newTestNamespace(t)
	root, _ := ns.Root()
	a, err := ns.Mkdir(root, "a", 0755, 0, 0)
	if err != nil {
		t.Fatalf("Mkdir a: %v", err)
	}
	b, err := ns.Mkdir(root, "b", 0755, 0, 0)
	if err != nil {
		t.Fatalf("Mkdir b: %v", err)
	}
	child, err := ns.Mkdir(a, "child", 0755, 0, 0)
	if err != nil {
		t.Fatalf("Mkdir child: %v", err)
	}

	if err := ns.Rename(a, "child", b, "child"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	dotdot, err := ns.dirs.Dotdot(child)
	if err != nil {
		t.Fatalf("Dotdot: %v", err)
	}
	if dotdot != b.Ino {
		t.Errorf("child .. = %d, want %d (b)", dotdot, b.Ino)
	}

	a, _ = ns.inodes.Get(a.Ino)
	b, _ = ns.inodes.Get(b.Ino)
	if a.Nlink != 2 {
		t.Errorf("a Nlink after losing child = %d, want 2", a.Nlink)
	}
	if b.Nlink != 3 {
		t.Errorf("b Nlink after gaining child = %d, want 3", b.Nlink)
	}
}

func TestStatfsReflectsUsage(t *testing.T) {
	ns := newTestNamespace(t)
	before := ns.Statfs()
	root, _ := ns.Root()
	f, err := ns.Create(root, "x", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	afterCreate := ns.Statfs()
	if afterCreate.FreeInodes != before.FreeInodes-1 {
		t.Errorf("FreeInodes = %d, want %d", afterCreate.FreeInodes, before.FreeInodes-1)
	}

	// Create alone allocates no data block -- a regular file's first
	// block is only reserved on its first WriteAt.
	if _, err := ns.inodes.WriteAt(f, []byte("hi"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	afterWrite := ns.Statfs()
	if afterWrite.FreeBlocks != afterCreate.FreeBlocks-1 {
		t.Errorf("FreeBlocks after WriteAt = %d, want %d", afterWrite.FreeBlocks, afterCreate.FreeBlocks-1)
	}
}

func TestNameTooLongRejected(t *testing.T) {
	ns := newTestNamespace(t)
	root, _ := ns.Root()
	longName := make([]byte, MaxNameLen)
	for i := range longName {
		longName[i] = 'a'
	}
	_, err := ns.Create(root, string(longName), 0644, 0, 0)
	if err != ErrNameTooLong {
		t.Fatalf("Create with overlong name: got %v, want ErrNameTooLong", err)
	}
}

func TestMknodDeviceFile(t *testing.T) {
	ns := newTestNamespace(t)
	root, _ := ns.Root()
	dev := encodeDevNum(8, 1)
	in, err := ns.Mknod(root, "sda1", fs.ModeDevice|0600, dev, 0, 0)
	if err != nil {
		t.Fatalf("Mknod: %v", err)
	}
	major, minor := decodeDevNum(in.Block[0])
	if major != 8 || minor != 1 {
		t.Errorf("decodeDevNum = %d,%d; want 8,1", major, minor)
	}
}
