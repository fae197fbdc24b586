// Package sfs implements the on-disk format, allocators, and namespace
// operations of SFS, a simple fixed-layout filesystem image.
package sfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
)

// On-disk constants, mirrored from the original kernel module's sfs.h.
const (
	// Magic is the superblock signature.
	Magic uint32 = 0x20150825

	// MaxNameLen is the size in bytes of a directory entry's name field,
	// including its mandatory NUL terminator (59 usable bytes).
	MaxNameLen = 60

	// LinkMax is the maximum nlink value this filesystem will allow an
	// operation to produce.
	LinkMax = 32000

	// BadIno is the sentinel for "no inode" (IAM bit 0) and also the
	// number the allocators return (with false) on failure. Both bitmaps pre-mark
	// their metadata region allocated at format time, so no successful
	// allocation ever returns 0.
	BadIno = 0

	// RootIno is the inode number of the filesystem root; every path
	// resolves through it.
	RootIno = 1

	// SuperBlockNo is the block holding the superblock.
	SuperBlockNo = 0

	// InodeSize is the on-disk size of one inode record in bytes.
	InodeSize = 64

	// DirEntrySize is the on-disk size of one directory entry in bytes.
	DirEntrySize = 64

	// directBlocks is the number of direct slots at the start of an
	// inode's 9-slot block address map.
	directBlocks = 6
)

// Superblock is the structure of the block-0 superblock as written to
// and read from disk. All fields are little-endian.
type Superblock struct {
	Magic       uint32
	BlockSize   uint32
	BAMBlocks   uint32
	IAMBlocks   uint32
	InodeBlocks uint32
	NBlocks     uint32
	NInodes     uint32
}

// ErrInvalidSuper is returned when a superblock fails to validate.
var ErrInvalidSuper = errors.New("sfs: invalid superblock")

// MarshalBinary encodes the superblock using reflection over its
// exported fields, in declaration order, little-endian. This mirrors
// the teacher's Superblock.UnmarshalBinary (KarpelesLab/squashfs
// super.go), generalized here to also encode since SFS superblocks
// are written as well as read.
func (s *Superblock) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	v := reflect.ValueOf(s).Elem()
	for i := 0; i < v.NumField(); i++ {
		if err := binary.Write(buf, binary.LittleEndian, v.Field(i).Interface()); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a superblock from a block-sized (or larger)
// byte slice and validates the magic number.
func (s *Superblock) UnmarshalBinary(data []byte) error {
	v := reflect.ValueOf(s).Elem()
	r := bytes.NewReader(data)
	for i := 0; i < v.NumField(); i++ {
		if err := binary.Read(r, binary.LittleEndian, v.Field(i).Addr().Interface()); err != nil {
			return err
		}
	}
	if s.Magic != Magic {
		return ErrInvalidSuper
	}
	return nil
}

// binarySize returns the encoded size of a superblock in bytes.
func (s *Superblock) binarySize() int {
	v := reflect.ValueOf(s).Elem()
	sz := 0
	for i := 0; i < v.NumField(); i++ {
		sz += int(v.Field(i).Type().Size())
	}
	return sz
}

// Layout is the set of block ranges derived from a Superblock, per
// spec §3: block 0 is the superblock, then BAM, then IAM, then the
// inode table, then the data region.
type Layout struct {
	BlockSize      uint32
	BAMBlocks      uint32
	IAMBlocks      uint32
	InodeBlocks    uint32
	NBlocks        uint32
	NInodes        uint32
	InodeListStart uint32
	DataBlockStart uint32
	InodesPerBlock uint32
	BitsPerBlock   uint32
	EntriesPerDir  uint32 // directory entries per block (page)
}

// NewLayout derives a Layout from a validated Superblock.
func NewLayout(sb *Superblock) Layout {
	inodeListStart := 1 + sb.BAMBlocks + sb.IAMBlocks
	return Layout{
		BlockSize:      sb.BlockSize,
		BAMBlocks:      sb.BAMBlocks,
		IAMBlocks:      sb.IAMBlocks,
		InodeBlocks:    sb.InodeBlocks,
		NBlocks:        sb.NBlocks,
		NInodes:        sb.NInodes,
		InodeListStart: inodeListStart,
		DataBlockStart: inodeListStart + sb.InodeBlocks,
		InodesPerBlock: sb.BlockSize / InodeSize,
		BitsPerBlock:   8 * sb.BlockSize,
		EntriesPerDir:  sb.BlockSize / DirEntrySize,
	}
}

// InodeBlockAndOffset returns the block index (absolute, from block 0)
// and byte offset within that block where inode ino's record lives.
func (l Layout) InodeBlockAndOffset(ino uint32) (block uint32, offset uint32) {
	block = l.InodeListStart + ino/l.InodesPerBlock
	offset = (ino % l.InodesPerBlock) * InodeSize
	return
}
