package sfs

import (
	"fmt"

	"github.com/nosway/gosfs/internal/blockcache"
)

// DefaultBlockSize is the block size Format uses unless overridden,
// matching tools/mkfs.c's fixed 4096-byte block.
const DefaultBlockSize = 4096

// formatCacheBlocks bounds the write-back cache Format uses while
// laying out metadata, mirroring the bounded in-memory block list
// tools/mkfs.c's struct blk_cache kept for the duration of a run.
const formatCacheBlocks = 64

// FormatOptions configures Format.
type FormatOptions struct {
	BlockSize uint32
}

// Format lays out a fresh SFS filesystem of sizeBytes on dev: a
// superblock, both bitmaps (with their own metadata region
// pre-marked allocated), a zeroed inode table, and a root directory
// inode containing "." and "..". It follows tools/mkfs.c's main()
// layout formulas exactly.
func Format(dev Device, sizeBytes int64, opts FormatOptions) error {
	bs := opts.BlockSize
	if bs == 0 {
		bs = DefaultBlockSize
	}

	nBlocks := uint32(sizeBytes / int64(bs))
	bamBlocks := ceilDiv(nBlocks, 8*bs)
	inodesPerBlock := bs / InodeSize
	inodeBlocks := (nBlocks / 4) / inodesPerBlock
	nInodes := inodeBlocks * inodesPerBlock
	iamBlocks := ceilDiv(nInodes, 8*bs)
	dataStart := 1 + bamBlocks + iamBlocks + inodeBlocks

	if dataStart >= nBlocks {
		return fmt.Errorf("%w: device too small for metadata layout", ErrNoSpace)
	}

	sb := Superblock{
		Magic:       Magic,
		BlockSize:   bs,
		BAMBlocks:   bamBlocks,
		IAMBlocks:   iamBlocks,
		InodeBlocks: inodeBlocks,
		NBlocks:     nBlocks,
		NInodes:     nInodes,
	}
	layout := NewLayout(&sb)

	cache := blockcache.New(dev, bs, formatCacheBlocks)

	if err := writeSuperblock(cache, bs, &sb); err != nil {
		return err
	}

	bam := newBitmap(nBlocks)
	bam.setRange(dataStart) // metadata region: superblock + BAM + IAM + inode table

	iam := newBitmap(nInodes)
	iam.setRange(RootIno + 1) // inode 0 (BadIno) and inode 1 (root) both reserved
	if err := writeBitmap(cache, bs, 1+bamBlocks, iamBlocks, iam); err != nil {
		return err
	}

	if err := zeroBlocks(cache, bs, layout.InodeListStart, inodeBlocks); err != nil {
		return err
	}

	root := &Inode{
		Ino: RootIno, Mode: modeIFDIR | 0755, Nlink: 2,
	}
	rootBlk, ok := bam.allocFrom(dataStart)
	if !ok {
		return fmt.Errorf("%w: no space for root directory block", ErrNoSpace)
	}
	if err := writeBitmap(cache, bs, 1, bamBlocks, bam); err != nil {
		return err
	}
	root.Block[0] = rootBlk
	root.Size = bs

	dirBuf := make([]byte, bs)
	perPage := bs / DirEntrySize
	entries := make([]dirEntry, perPage)
	entries[0] = dirEntry{Name: ".", Ino: RootIno}
	entries[1] = dirEntry{Name: "..", Ino: RootIno}
	for i, e := range entries {
		copy(dirBuf[uint32(i)*DirEntrySize:], encodeDirEntry(e))
	}
	if err := cache.Write(rootBlk, dirBuf); err != nil {
		return err
	}

	inoBlk, inoOff := layout.InodeBlockAndOffset(RootIno)
	blk, err := cache.Read(inoBlk)
	if err != nil {
		return err
	}
	copy(blk[inoOff:inoOff+InodeSize], root.encode())
	if err := cache.Write(inoBlk, blk); err != nil {
		return err
	}

	return cache.Flush()
}

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func writeSuperblock(cache *blockcache.Cache, bs uint32, sb *Superblock) error {
	buf := make([]byte, bs)
	enc, err := sb.MarshalBinary()
	if err != nil {
		return err
	}
	copy(buf, enc)
	return cache.Write(SuperBlockNo, buf)
}

func writeBitmap(cache *blockcache.Cache, bs uint32, start, count uint32, bm *bitmap) error {
	words := bm.encode()
	wordsPerBlock := bs / 8
	for i := uint32(0); i < count; i++ {
		buf := make([]byte, bs)
		base := i * wordsPerBlock
		for w := uint32(0); w < wordsPerBlock && base+w < uint32(len(words)); w++ {
			v := words[base+w]
			o := w * 8
			for b := uint32(0); b < 8; b++ {
				buf[o+b] = byte(v >> (8 * b))
			}
		}
		if err := cache.Write(start+i, buf); err != nil {
			return err
		}
	}
	return nil
}

func zeroBlocks(cache *blockcache.Cache, bs uint32, start, count uint32) error {
	zero := make([]byte, bs)
	for i := uint32(0); i < count; i++ {
		if err := cache.Write(start+i, zero); err != nil {
			return err
		}
	}
	return nil
}
