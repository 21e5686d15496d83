package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-qdma/internal/constants"
)

func TestIOMMUMapResolve(t *testing.T) {
	m := NewIOMMU(0)
	page := uint64(constants.PageSize)

	a := make([]byte, 100)
	b := make([]byte, 3*int(page)+1)
	c := make([]byte, 0)

	addrA := m.Map(a)
	addrB := m.Map(b)
	addrC := m.Map(c)

	assert.Equal(t, uint64(DefaultIOVABase), addrA)
	assert.Equal(t, addrA+page, addrB)
	assert.Equal(t, addrB+4*page, addrC)
	assert.Equal(t, 3, m.Len())

	b[page+7] = 0xab
	got, err := m.Resolve(addrB+page+7, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), got[0])

	got[0] = 0xcd
	assert.Equal(t, byte(0xcd), b[page+7], "resolved slice aliases the host buffer")
}

func TestIOMMUResolveErrors(t *testing.T) {
	m := NewIOMMU(0x4000)
	addr := m.Map(make([]byte, 64))

	_, err := m.Resolve(0x10, 1)
	assert.Error(t, err, "below first mapping")

	_, err = m.Resolve(addr+60, 8)
	assert.Error(t, err, "past end of mapping")

	_, err = m.Resolve(addr+64, 0)
	assert.NoError(t, err, "empty range at end is fine")
}

func TestIOMMUUnmap(t *testing.T) {
	m := NewIOMMU(0)
	frags := m.Fragments(make([]byte, 10), make([]byte, 20))
	require.Len(t, frags, 2)
	assert.Equal(t, uint32(20), frags[1].Len)

	require.NoError(t, m.Unmap(frags[0].Addr))
	assert.Error(t, m.Unmap(frags[0].Addr))

	_, err := m.Resolve(frags[0].Addr, 1)
	assert.Error(t, err)

	m.UnmapFragments(frags[1:])
	assert.Zero(t, m.Len())
}
