package sfs

import (
	"sync"
)

// memDevice is an in-memory Device backed by a byte slice, the same
// role KarpelesLab/squashfs's mock_test.go mockReader plays for
// read-only tests, extended here with WriteAt since SFS is mutable.
type memDevice struct {
	mu   sync.Mutex
	data []byte
}

func newMemDevice(size int) *memDevice {
	return &memDevice{data: make([]byte, size)}
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || int(off) >= len(m.data) {
		return 0, nil
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := int(off) + len(p)
	if end > len(m.data) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	n := copy(m.data[off:], p)
	return n, nil
}
