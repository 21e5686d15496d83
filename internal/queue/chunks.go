package queue

import "github.com/ehrlich-b/go-qdma/internal/interfaces"

// chunk is one fill pass handed to the hardware
type chunk struct {
	slot  uint32 // WQE slot
	start uint32 // first descriptor or slot cache node
	count uint32 // descriptors or nodes
	bytes uint64
}

// chunkFIFO holds in-flight chunks in issue order. Every chunk owns at least
// one descriptor or cache node, so a ring of the hardware depth never fills.
type chunkFIFO struct {
	buf  []chunk
	mask uint32
	head uint32
	tail uint32
}

func newChunkFIFO(size uint32) chunkFIFO {
	return chunkFIFO{buf: make([]chunk, size), mask: size - 1}
}

func (f *chunkFIFO) push(c chunk) {
	if f.tail-f.head == uint32(len(f.buf)) {
		panic("queue: chunk ring overflow")
	}
	f.buf[f.tail&f.mask] = c
	f.tail++
}

func (f *chunkFIFO) pop() (chunk, bool) {
	if f.head == f.tail {
		return chunk{}, false
	}
	c := f.buf[f.head&f.mask]
	f.head++
	return c, true
}

func (f *chunkFIFO) len() int {
	return int(f.tail - f.head)
}

func (f *chunkFIFO) reset() {
	f.head, f.tail = 0, 0
}

// spans lists the in-flight chunks of one slot
func (f *chunkFIFO) spans(slot uint32) []interfaces.Span {
	var out []interfaces.Span
	for i := f.head; i != f.tail; i++ {
		if c := f.buf[i&f.mask]; c.slot == slot {
			out = append(out, interfaces.Span{Start: c.start, Count: c.count})
		}
	}
	return out
}
