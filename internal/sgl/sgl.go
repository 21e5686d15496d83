// Package sgl implements the scatter-gather fragment cursor used to walk the
// unprocessed bytes of a request across several fill passes.
package sgl

import (
	"errors"
	"math"
)

// Errors returned by NewCursor
var (
	ErrOffsetOutOfRange = errors.New("offset beyond fragment list")
	ErrShortFragments   = errors.New("fragments shorter than request length")
)

// Fragment is one contiguous, device-addressable buffer segment
type Fragment struct {
	Addr uint64
	Len  uint32
}

// Segment is a piece of a fragment handed out by Cursor.Next
type Segment struct {
	Base   uint64 // fragment base address
	Offset uint32 // offset into the fragment
	Len    uint32
}

// Addr returns the device address of the first byte of the segment
func (s Segment) Addr() uint64 {
	return s.Base + uint64(s.Offset)
}

// Total returns the sum of fragment lengths
func Total(frags []Fragment) uint64 {
	var n uint64
	for _, f := range frags {
		n += uint64(f.Len)
	}
	return n
}

// Cursor tracks the remaining unprocessed bytes of one request. The zero
// value is an exhausted cursor.
type Cursor struct {
	frags     []Fragment
	idx       int    // current fragment
	off       uint32 // offset within frags[idx]
	remaining uint64
	epAddr    uint64 // next device-side address
}

// NewCursor positions a cursor offset bytes into frags, covering length bytes
// and starting at device address epAddr.
func NewCursor(frags []Fragment, offset, length, epAddr uint64) (Cursor, error) {
	idx := 0
	for idx < len(frags) && offset >= uint64(frags[idx].Len) {
		offset -= uint64(frags[idx].Len)
		idx++
	}
	if length == 0 {
		return Cursor{frags: frags, idx: idx, epAddr: epAddr}, nil
	}
	if idx == len(frags) {
		return Cursor{}, ErrOffsetOutOfRange
	}

	c := Cursor{
		frags:     frags,
		idx:       idx,
		off:       uint32(offset),
		remaining: length,
		epAddr:    epAddr,
	}
	if c.available() < length {
		return Cursor{}, ErrShortFragments
	}
	return c, nil
}

// available counts the bytes left in the fragment list from the cursor
func (c *Cursor) available() uint64 {
	if c.idx >= len(c.frags) {
		return 0
	}
	return Total(c.frags[c.idx:]) - uint64(c.off)
}

// Remaining returns the bytes of the request not yet handed out
func (c *Cursor) Remaining() uint64 { return c.remaining }

// EPAddr returns the device-side address of the next byte
func (c *Cursor) EPAddr() uint64 { return c.epAddr }

// Next consumes up to max bytes from the current fragment. A fragment larger
// than max is revisited on the following call.
func (c *Cursor) Next(max uint32) (Segment, bool) {
	for c.remaining > 0 && c.idx < len(c.frags) {
		f := c.frags[c.idx]
		left := f.Len - c.off
		if left == 0 {
			c.idx++
			c.off = 0
			continue
		}

		n := uint64(left)
		if n > c.remaining {
			n = c.remaining
		}
		if n > uint64(max) {
			n = uint64(max)
		}

		seg := Segment{Base: f.Addr, Offset: c.off, Len: uint32(n)}
		if uint32(n) == left {
			c.idx++
			c.off = 0
		} else {
			c.off += uint32(n)
		}
		c.remaining -= n
		c.epAddr += n
		return seg, true
	}
	return Segment{}, false
}

// NextAll consumes the rest of the current fragment, bounded by the request
func (c *Cursor) NextAll() (Segment, bool) {
	return c.Next(math.MaxUint32)
}

// Misaligned reports whether any fragment range other than the last one
// touched by the request has a length that is not a multiple of mask+1.
func (c *Cursor) Misaligned(mask uint32) bool {
	left := c.remaining
	off := c.off
	for i := c.idx; i < len(c.frags) && left > 0; i++ {
		l := uint64(c.frags[i].Len - off)
		off = 0
		if l >= left {
			return false
		}
		if l&uint64(mask) != 0 {
			return true
		}
		left -= l
	}
	return false
}

// Drop discards the remaining bytes
func (c *Cursor) Drop() {
	c.remaining = 0
}
