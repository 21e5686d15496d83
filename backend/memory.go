// Package backend provides engine collaborators for the work queue: card
// memory, a host address map, a software loopback engine and a manual
// engine for tests.
package backend

import (
	"fmt"
	"io"
	"sync"

	"github.com/ehrlich-b/go-qdma/internal/interfaces"
)

// Memory is RAM-backed card memory addressed by block-mode descriptors
type Memory struct {
	data []byte
	size int64
	mu   sync.RWMutex
}

// NewMemory creates card memory of the specified size
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt implements io.ReaderAt
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off < 0 {
		return 0, fmt.Errorf("negative card address %d", off)
	}
	if off >= m.size {
		return 0, io.EOF
	}

	available := m.size - off
	short := int64(len(p)) > available
	if short {
		p = p[:available]
	}

	n := copy(p, m.data[off:off+int64(len(p))])
	if short {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off >= m.size {
		return 0, fmt.Errorf("write beyond end of card memory at %d", off)
	}

	available := m.size - off
	if int64(len(p)) > available {
		n := copy(m.data[off:], p[:available])
		return n, io.ErrShortWrite
	}

	n := copy(m.data[off:off+int64(len(p))], p)
	return n, nil
}

// Size returns the size of the card memory in bytes
func (m *Memory) Size() int64 {
	return m.size
}

// Close releases the memory
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = nil
	m.size = 0
	return nil
}

// Stats returns memory statistics
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"type":      "memory",
		"size":      m.size,
		"allocated": len(m.data),
	}
}

// Compile-time interface check
var _ interfaces.Memory = (*Memory)(nil)
