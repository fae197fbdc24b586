package sfs

import (
	"fmt"
	"io"
)

// Device is the block-addressed storage an SFS filesystem is built on.
// Any io.ReaderAt + io.WriterAt satisfies it (an *os.File, or an
// in-memory backing store in tests), following the teacher's use of
// io.ReaderAt as the sole abstraction over the backing image
// (KarpelesLab/squashfs's Superblock.fs field).
type Device interface {
	io.ReaderAt
	io.WriterAt
}

// blockDevice wraps a Device and a fixed block size, offering
// whole-block reads and writes addressed by block number.
type blockDevice struct {
	dev       Device
	blockSize uint32
}

func newBlockDevice(dev Device, blockSize uint32) *blockDevice {
	return &blockDevice{dev: dev, blockSize: blockSize}
}

// readBlock reads one full block into a freshly allocated buffer.
func (d *blockDevice) readBlock(n uint32) ([]byte, error) {
	buf := make([]byte, d.blockSize)
	off := int64(n) * int64(d.blockSize)
	if _, err := d.dev.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("%w: read block %d: %v", ErrIO, n, err)
	}
	return buf, nil
}

// writeBlock writes a full block-sized buffer to block n.
func (d *blockDevice) writeBlock(n uint32, buf []byte) error {
	if uint32(len(buf)) != d.blockSize {
		return fmt.Errorf("%w: write block %d: short buffer %d != %d", ErrInvalidArg, n, len(buf), d.blockSize)
	}
	off := int64(n) * int64(d.blockSize)
	if _, err := d.dev.WriteAt(buf, off); err != nil {
		return fmt.Errorf("%w: write block %d: %v", ErrIO, n, err)
	}
	return nil
}
