package sfs

import (
	"io/fs"

	"golang.org/x/sys/unix"
)

// Unix mode bits, as stored in an on-disk inode's Mode field. Adapted
// from KarpelesLab/squashfs's mode.go constants, which cover the same
// S_IFMT family; SFS inodes store these directly (no squashfs Type
// enum indirection).
const (
	modeIFMT   = 0170000
	modeIFSOCK = 0140000
	modeIFLNK  = 0120000
	modeIFREG  = 0100000
	modeIFBLK  = 0060000
	modeIFDIR  = 0040000
	modeIFCHR  = 0020000
	modeIFIFO  = 0010000
)

// unixToFileMode converts an on-disk Unix mode into an fs.FileMode,
// following the same bit-by-bit translation as squashfs's
// UnixToMode.
func unixToFileMode(mode uint16) fs.FileMode {
	m := fs.FileMode(mode & 0777)
	switch uint32(mode) & modeIFMT {
	case modeIFDIR:
		m |= fs.ModeDir
	case modeIFLNK:
		m |= fs.ModeSymlink
	case modeIFSOCK:
		m |= fs.ModeSocket
	case modeIFBLK:
		m |= fs.ModeDevice
	case modeIFCHR:
		m |= fs.ModeDevice | fs.ModeCharDevice
	case modeIFIFO:
		m |= fs.ModeNamedPipe
	}
	return m
}

// fileModeToUnix is the inverse of unixToFileMode, used by Create/
// Mkdir/Mknod/Symlink to compute the on-disk Mode for a new inode.
func fileModeToUnix(m fs.FileMode) uint16 {
	perm := uint16(m.Perm())
	switch {
	case m&fs.ModeDir != 0:
		return perm | modeIFDIR
	case m&fs.ModeSymlink != 0:
		return perm | modeIFLNK
	case m&fs.ModeSocket != 0:
		return perm | modeIFSOCK
	case m&fs.ModeNamedPipe != 0:
		return perm | modeIFIFO
	case m&fs.ModeCharDevice != 0:
		return perm | modeIFCHR
	case m&fs.ModeDevice != 0:
		return perm | modeIFBLK
	default:
		return perm | modeIFREG
	}
}

// encodeDevNum packs a (major, minor) pair into the single uint32
// that Mknod stores in a device inode's first direct block slot,
// using the same encoding golang.org/x/sys/unix uses for dev_t so
// that values round-trip through unix.Mkdev/Major/Minor.
func encodeDevNum(major, minor uint32) uint32 {
	return uint32(unix.Mkdev(major, minor))
}

// decodeDevNum is the inverse of encodeDevNum.
func decodeDevNum(dev uint32) (major, minor uint32) {
	return unix.Major(uint64(dev)), unix.Minor(uint64(dev))
}
