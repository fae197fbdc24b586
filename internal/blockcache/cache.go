// Package blockcache implements the small write-back block cache the
// SFS formatter uses while building a new image, grounded on
// tools/mkfs.c's struct blk_cache / bc_read / bc_write / bc_sync: the
// original mkfs kept a bounded list of recently touched blocks in
// memory and flushed them at the end of a run rather than doing a
// write-through disk access for every block it touched while laying
// out the superblock, bitmaps, and root directory.
package blockcache

import (
	"container/list"
	"fmt"
	"io"
)

// entry is one cached block: its number, its content, and whether it
// has been modified since it was read from (or created for) the
// device.
type entry struct {
	block uint32
	data  []byte
	dirty bool
}

// Cache is a bounded write-back cache over a block device, keyed by
// block number. Least-recently-used eviction flushes dirty entries
// before dropping them, so a caller never loses a write even when the
// cache is smaller than the working set.
type Cache struct {
	dev       io.ReaderAt
	wdev      io.WriterAt
	blockSize uint32
	capacity  int

	order *list.List               // MRU at front, LRU at back
	index map[uint32]*list.Element // block -> element holding *entry
}

// New creates a Cache of the given capacity (in blocks) over dev,
// which must support both ReadAt and WriteAt.
func New(dev interface {
	io.ReaderAt
	io.WriterAt
}, blockSize uint32, capacity int) *Cache {
	return &Cache{
		dev: dev, wdev: dev, blockSize: blockSize, capacity: capacity,
		order: list.New(), index: make(map[uint32]*list.Element),
	}
}

// Read returns the content of block n, reading through to the device
// on a miss and caching the result.
func (c *Cache) Read(n uint32) ([]byte, error) {
	if el, ok := c.index[n]; ok {
		c.order.MoveToFront(el)
		e := el.Value.(*entry)
		out := make([]byte, len(e.data))
		copy(out, e.data)
		return out, nil
	}
	buf := make([]byte, c.blockSize)
	if _, err := c.dev.ReadAt(buf, int64(n)*int64(c.blockSize)); err != nil {
		return nil, fmt.Errorf("blockcache: read block %d: %w", n, err)
	}
	c.insert(n, buf, false)
	return buf, nil
}

// Write stages a write to block n in the cache, marking it dirty. It
// is not guaranteed to reach the device until Flush or eviction.
func (c *Cache) Write(n uint32, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	c.insert(n, buf, true)
	return nil
}

func (c *Cache) insert(n uint32, data []byte, dirty bool) {
	if el, ok := c.index[n]; ok {
		e := el.Value.(*entry)
		e.data = data
		e.dirty = e.dirty || dirty
		c.order.MoveToFront(el)
		return
	}
	e := &entry{block: n, data: data, dirty: dirty}
	el := c.order.PushFront(e)
	c.index[n] = el
	c.evictIfNeeded()
}

func (c *Cache) evictIfNeeded() {
	for c.capacity > 0 && c.order.Len() > c.capacity {
		back := c.order.Back()
		e := back.Value.(*entry)
		if e.dirty {
			if err := c.flushEntry(e); err != nil {
				// Keep the dirty entry cached; Flush retries it and
				// reports the error.
				return
			}
		}
		c.order.Remove(back)
		delete(c.index, e.block)
	}
}

func (c *Cache) flushEntry(e *entry) error {
	if _, err := c.wdev.WriteAt(e.data, int64(e.block)*int64(c.blockSize)); err != nil {
		return fmt.Errorf("blockcache: write block %d: %w", e.block, err)
	}
	e.dirty = false
	return nil
}

// Flush writes every dirty cached block back to the device, matching
// bc_sync's role at the end of mkfs's run.
func (c *Cache) Flush() error {
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.dirty {
			if err := c.flushEntry(e); err != nil {
				return err
			}
		}
	}
	return nil
}
