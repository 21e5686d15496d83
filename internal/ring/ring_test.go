package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPowerOfTwo(t *testing.T) {
	for n, want := range map[uint32]bool{0: false, 1: true, 2: true, 3: false, 64: true, 100: false, 1 << 31: true} {
		assert.Equal(t, want, IsPowerOfTwo(n), "n=%d", n)
	}
}

func TestNewDescRingValidation(t *testing.T) {
	_, err := NewDescRing(make([]byte, 100*32), 100, 32, nil)
	assert.Error(t, err)

	_, err = NewDescRing(make([]byte, 63*32), 64, 32, nil)
	assert.Error(t, err)

	r, err := NewDescRing(make([]byte, 64*32), 64, 32, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(63), r.Avail())
	assert.Equal(t, uint32(64), r.Size())
}

func TestDescRingWrapAndPublish(t *testing.T) {
	var published []uint32
	mem := make([]byte, 8*16)
	r, err := NewDescRing(mem, 8, 16, func(p uint32) { published = append(published, p) })
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		idx, slot := r.Next()
		assert.Equal(t, uint32(i), idx)
		slot[0] = byte(i + 1)
	}
	assert.Zero(t, r.Avail())
	assert.Panics(t, func() { r.Next() })
	r.Publish()

	r.Credit(3)
	for i := 0; i < 3; i++ {
		r.Next()
	}
	assert.Equal(t, uint32(2), r.Pidx())
	r.Publish()

	assert.Equal(t, []uint32{7, 2}, published)
	assert.Equal(t, byte(2), r.Slot(9)[0], "slot index wraps modulo size")
}

func TestDescRingCreditOverflowPanics(t *testing.T) {
	r, err := NewDescRing(make([]byte, 4*32), 4, 32, nil)
	require.NoError(t, err)
	assert.Panics(t, func() { r.Credit(1) })
}

func TestSlotCache(t *testing.T) {
	_, err := NewSlotCache(6)
	assert.Error(t, err)

	c, err := NewSlotCache(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), c.Avail())

	a, ok := c.Alloc()
	require.True(t, ok)
	b, _ := c.Alloc()
	c.Node(a).Next = b
	c.Node(b).Len = 4096
	assert.Equal(t, int32(-1), c.Node(b).Next)

	_, ok = c.Alloc()
	require.True(t, ok)
	_, ok = c.Alloc()
	assert.False(t, ok)

	c.Rewind(1)
	assert.Equal(t, uint32(1), c.Avail())
	assert.Equal(t, uint32(2), c.Pidx())

	c.Release(2)
	assert.Equal(t, uint32(3), c.Avail())
	assert.Panics(t, func() { c.Release(1) })

	assert.Len(t, c.Nodes(), 4)
}
