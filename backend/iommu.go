package backend

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/ehrlich-b/go-qdma/internal/constants"
	"github.com/ehrlich-b/go-qdma/internal/sgl"
)

// DefaultIOVABase is where NewIOMMU starts handing out device addresses
const DefaultIOVABase = 0x1000_0000

type region struct {
	addr uint64
	buf  []byte
}

func regionLess(a, b region) bool { return a.addr < b.addr }

// IOMMU maps host buffers to device addresses and back. Addresses are page
// aligned and never reused while a mapping is live.
type IOMMU struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[region]
	next uint64
}

// NewIOMMU creates an address map starting at base, rounded up to a page
func NewIOMMU(base uint64) *IOMMU {
	if base == 0 {
		base = DefaultIOVABase
	}
	return &IOMMU{
		tree: btree.NewG(16, regionLess),
		next: pageAlign(base),
	}
}

func pageAlign(n uint64) uint64 {
	page := uint64(constants.PageSize)
	return (n + page - 1) &^ (page - 1)
}

// Map assigns a device address to buf
func (m *IOMMU) Map(buf []byte) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := m.next
	span := pageAlign(uint64(len(buf)))
	if span == 0 {
		span = uint64(constants.PageSize)
	}
	m.next += span
	m.tree.ReplaceOrInsert(region{addr: addr, buf: buf})
	return addr
}

// Unmap removes the mapping that starts at addr
func (m *IOMMU) Unmap(addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tree.Delete(region{addr: addr}); !ok {
		return fmt.Errorf("iommu: no mapping at %#x", addr)
	}
	return nil
}

// Resolve returns the host bytes behind [addr, addr+n)
func (m *IOMMU) Resolve(addr uint64, n uint32) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found region
	var ok bool
	m.tree.DescendLessOrEqual(region{addr: addr}, func(r region) bool {
		found, ok = r, true
		return false
	})
	if !ok {
		return nil, fmt.Errorf("iommu: %#x not mapped", addr)
	}

	off := addr - found.addr
	if off+uint64(n) > uint64(len(found.buf)) {
		return nil, fmt.Errorf("iommu: [%#x, +%d) exceeds mapping at %#x of %d bytes",
			addr, n, found.addr, len(found.buf))
	}
	return found.buf[off : off+uint64(n)], nil
}

// Fragments maps each buffer and returns them as a fragment list
func (m *IOMMU) Fragments(bufs ...[]byte) []sgl.Fragment {
	frags := make([]sgl.Fragment, len(bufs))
	for i, b := range bufs {
		frags[i] = sgl.Fragment{Addr: m.Map(b), Len: uint32(len(b))}
	}
	return frags
}

// UnmapFragments removes the mappings created by Fragments
func (m *IOMMU) UnmapFragments(frags []sgl.Fragment) {
	for _, f := range frags {
		m.Unmap(f.Addr)
	}
}

// Len returns the number of live mappings
func (m *IOMMU) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}
