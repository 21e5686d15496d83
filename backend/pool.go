package backend

import "sync"

// Staging buffers for the loopback engine, bucketed by size (page, 64KB,
// 1MB). Uses *[]byte to avoid sync.Pool interface allocation overhead.

// Buffer size thresholds
const (
	size4k  = 4 * 1024
	size64k = 64 * 1024
	size1m  = 1024 * 1024
)

var globalPool = struct {
	pool4k  sync.Pool
	pool64k sync.Pool
	pool1m  sync.Pool
}{
	pool4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool64k: sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	pool1m:  sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// GetBuffer returns a buffer of length size. Requests above 1MB are
// allocated directly. Caller should call PutBuffer when done.
func GetBuffer(size uint32) []byte {
	switch {
	case size <= size4k:
		return (*globalPool.pool4k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*globalPool.pool64k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*globalPool.pool1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to the pool.
// The buffer's capacity determines which pool it goes to.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size4k:
		globalPool.pool4k.Put(&buf)
	case size64k:
		globalPool.pool64k.Put(&buf)
	case size1m:
		globalPool.pool1m.Put(&buf)
		// Buffers with non-standard capacity are not returned to pool
	}
}
