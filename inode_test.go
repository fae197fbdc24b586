package sfs

import "testing"

func TestInodeEncodeDecodeRoundTrip(t *testing.T) {
	in := &Inode{
		Ino: 3, Mode: modeIFREG | 0644, Nlink: 1,
		UID: 1000, GID: 1000, Size: 4096,
		Atime: 10, Mtime: 20, Ctime: 30,
		Block: [NumBlockSlots]uint32{1, 2, 3, 4, 5, 6, 7, 8, 9},
	}
	buf := in.encode()
	if len(buf) != InodeSize {
		t.Fatalf("encode produced %d bytes, want %d", len(buf), InodeSize)
	}
	got, err := decodeInode(3, buf)
	if err != nil {
		t.Fatalf("decodeInode: %v", err)
	}
	if *got != *in {
		t.Fatalf("round trip: got %+v, want %+v", *got, *in)
	}
}

func TestInodeStoreWriteCrossesIndirectBoundary(t *testing.T) {
	ns := newTestNamespace(t)
	root, _ := ns.Root()
	f, err := ns.Create(root, "big", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	bs := int(ns.layout.BlockSize)
	// 6 direct blocks then spill into the single-indirect block.
	data := make([]byte, bs*7+123)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if _, err := ns.inodes.WriteAt(f, data, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if f.Block[slotSingleIndir] == 0 {
		t.Fatal("expected the single-indirect slot to be populated")
	}

	out := make([]byte, len(data))
	if _, err := ns.inodes.ReadAt(f, out, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := range data {
		if out[i] != data[i] {
			t.Fatalf("byte %d mismatch: got %d, want %d", i, out[i], data[i])
		}
	}
}

func TestInodeStoreReadHoleIsZero(t *testing.T) {
	ns := newTestNamespace(t)
	root, _ := ns.Root()
	f, err := ns.Create(root, "sparse", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	bs := int64(ns.layout.BlockSize)
	if _, err := ns.inodes.WriteAt(f, []byte("tail"), bs*3); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	out := make([]byte, bs)
	if _, err := ns.inodes.ReadAt(f, out, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range out {
		if b != 0 {
			t.Fatalf("hole byte %d = %d, want 0", i, b)
		}
	}
}

func TestTruncateFreesBlocks(t *testing.T) {
	ns := newTestNamespace(t)
	root, _ := ns.Root()
	f, err := ns.Create(root, "trunc", 0644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	bs := int(ns.layout.BlockSize)
	if _, err := ns.inodes.WriteAt(f, make([]byte, bs*8), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	freeBefore := ns.blocks.CountFree()
	if err := ns.inodes.Truncate(f); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	freeAfter := ns.blocks.CountFree()
	if freeAfter <= freeBefore {
		t.Fatalf("CountFree after Truncate = %d, want > %d", freeAfter, freeBefore)
	}
	if f.Size != 0 {
		t.Errorf("Size after Truncate = %d, want 0", f.Size)
	}
	for i, b := range f.Block {
		if b != 0 {
			t.Errorf("Block[%d] = %d after Truncate, want 0", i, b)
		}
	}
}
