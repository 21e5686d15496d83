// Package ring holds the producer side of the hardware descriptor ring and
// the streaming-receive scatter-gather slot cache.
package ring

import (
	"fmt"

	"github.com/ehrlich-b/go-qdma/internal/interfaces"
)

// IsPowerOfTwo reports whether n is a non-zero power of two
func IsPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// DescRing writes fixed-size descriptors into engine-owned ring memory. One
// entry is always left unused, so at most size-1 descriptors are outstanding.
type DescRing struct {
	mem     []byte
	size    uint32
	stride  uint32
	pidx    uint32
	avail   uint32
	publish func(pidx uint32)
}

// NewDescRing wraps mem as a ring of size descriptors of stride bytes each.
// publish is called with the new producer index on every Publish.
func NewDescRing(mem []byte, size, stride uint32, publish func(uint32)) (*DescRing, error) {
	if !IsPowerOfTwo(size) {
		return nil, fmt.Errorf("ring size %d is not a power of two", size)
	}
	if uint64(len(mem)) < uint64(size)*uint64(stride) {
		return nil, fmt.Errorf("ring memory %d bytes, need %d", len(mem), uint64(size)*uint64(stride))
	}
	return &DescRing{
		mem:     mem,
		size:    size,
		stride:  stride,
		avail:   size - 1,
		publish: publish,
	}, nil
}

// Size returns the number of descriptors in the ring
func (r *DescRing) Size() uint32 { return r.size }

// Avail returns how many descriptors can be written before the ring is full
func (r *DescRing) Avail() uint32 { return r.avail }

// Pidx returns the next descriptor index to be written
func (r *DescRing) Pidx() uint32 { return r.pidx }

// Slot returns the memory of descriptor i
func (r *DescRing) Slot(i uint32) []byte {
	off := (i & (r.size - 1)) * r.stride
	return r.mem[off : off+r.stride]
}

// Next returns the memory at the producer index and advances it. It panics
// when the ring is full.
func (r *DescRing) Next() (uint32, []byte) {
	if r.avail == 0 {
		panic("ring: descriptor ring overrun")
	}
	i := r.pidx
	r.pidx = (r.pidx + 1) & (r.size - 1)
	r.avail--
	return i, r.Slot(i)
}

// Publish hands the producer index to the engine
func (r *DescRing) Publish() {
	Wmb()
	if r.publish != nil {
		r.publish(r.pidx)
	}
}

// Credit returns n consumed descriptors to the ring
func (r *DescRing) Credit(n uint32) {
	if r.avail+n > r.size-1 {
		panic(fmt.Sprintf("ring: credit %d overflows avail %d of %d", n, r.avail, r.size))
	}
	r.avail += n
}

// SlotCache is the pool of scatter-gather nodes used to build
// streaming-receive chains. Nodes are handed out and returned in order.
type SlotCache struct {
	nodes []interfaces.SGNode
	size  uint32
	pidx  uint32
	avail uint32
}

// NewSlotCache allocates a cache of size nodes, size-1 of them usable
func NewSlotCache(size uint32) (*SlotCache, error) {
	if !IsPowerOfTwo(size) {
		return nil, fmt.Errorf("slot cache size %d is not a power of two", size)
	}
	return &SlotCache{
		nodes: make([]interfaces.SGNode, size),
		size:  size,
		avail: size - 1,
	}, nil
}

// Nodes exposes the backing array for SGRequest.Nodes
func (c *SlotCache) Nodes() []interfaces.SGNode { return c.nodes }

// Avail returns the number of free nodes
func (c *SlotCache) Avail() uint32 { return c.avail }

// Pidx returns the index the next Alloc will hand out
func (c *SlotCache) Pidx() uint32 { return c.pidx }

// Alloc takes the next node, or reports false when the cache is empty
func (c *SlotCache) Alloc() (int32, bool) {
	if c.avail == 0 {
		return -1, false
	}
	i := c.pidx
	c.pidx = (c.pidx + 1) & (c.size - 1)
	c.avail--
	c.nodes[i] = interfaces.SGNode{Next: -1}
	return int32(i), true
}

// Node returns node i for in-place editing
func (c *SlotCache) Node(i int32) *interfaces.SGNode {
	return &c.nodes[uint32(i)&(c.size-1)]
}

// Rewind gives back the last n allocations
func (c *SlotCache) Rewind(n uint32) {
	c.pidx = (c.pidx - n) & (c.size - 1)
	c.avail += n
}

// Release returns n nodes consumed by the engine
func (c *SlotCache) Release(n uint32) {
	if c.avail+n > c.size-1 {
		panic(fmt.Sprintf("ring: release %d overflows avail %d of %d", n, c.avail, c.size))
	}
	c.avail += n
}
