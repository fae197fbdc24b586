package sfs

import "testing"

// TestFormatLayoutFor64MiB checks Format's layout math against the
// same arithmetic as tools/mkfs.c's main(): block_size=4096,
// n_blocks=size/4096, bam_blocks=ceil(n_blocks/bits_per_block),
// inode_blocks=(n_blocks/4)/inodes_per_block,
// n_inodes=inode_blocks*inodes_per_block,
// iam_blocks=ceil(n_inodes/bits_per_block),
// data_start=1+bam_blocks+iam_blocks+inode_blocks.
func TestFormatLayoutFor64MiB(t *testing.T) {
	const size = 64 * 1024 * 1024
	dev := newMemDevice(size)
	if err := Format(dev, size, FormatOptions{}); err != nil {
		t.Fatalf("Format: %v", err)
	}

	ns, err := Open(dev)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if ns.sb.NBlocks != 16384 {
		t.Errorf("NBlocks = %d, want 16384", ns.sb.NBlocks)
	}
	if ns.sb.BAMBlocks != 1 {
		t.Errorf("BAMBlocks = %d, want 1", ns.sb.BAMBlocks)
	}
	if ns.sb.IAMBlocks != 1 {
		t.Errorf("IAMBlocks = %d, want 1", ns.sb.IAMBlocks)
	}
	if ns.sb.InodeBlocks != 64 {
		t.Errorf("InodeBlocks = %d, want 64", ns.sb.InodeBlocks)
	}
	if ns.sb.NInodes != 4096 {
		t.Errorf("NInodes = %d, want 4096", ns.sb.NInodes)
	}
	if ns.layout.DataBlockStart != 67 {
		t.Errorf("DataBlockStart = %d, want 67", ns.layout.DataBlockStart)
	}
}

func TestFormatCreatesRootWithDotEntries(t *testing.T) {
	const size = 4 * 1024 * 1024
	dev := newMemDevice(size)
	if err := Format(dev, size, FormatOptions{}); err != nil {
		t.Fatalf("Format: %v", err)
	}
	ns, err := Open(dev)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	root, err := ns.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if !root.IsDir() {
		t.Fatal("root inode is not a directory")
	}
	if root.Nlink != 2 {
		t.Errorf("root Nlink = %d, want 2", root.Nlink)
	}
	self, err := ns.dirs.Find(root, ".")
	if err != nil || self != RootIno {
		t.Errorf(`"." = %d, %v; want %d, nil`, self, err, RootIno)
	}
	parent, err := ns.dirs.Find(root, "..")
	if err != nil || parent != RootIno {
		t.Errorf(`".." = %d, %v; want %d, nil`, parent, err, RootIno)
	}
}

func TestFormatTooSmallFails(t *testing.T) {
	dev := newMemDevice(8192)
	if err := Format(dev, 8192, FormatOptions{}); err == nil {
		t.Fatal("expected Format to fail on a device too small to hold its own metadata")
	}
}
