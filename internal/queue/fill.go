package queue

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-qdma/internal/constants"
	"github.com/ehrlich-b/go-qdma/internal/desc"
	"github.com/ehrlich-b/go-qdma/internal/interfaces"
)

// errNoSpace means the ring or slot cache had no room for a single chunk
var errNoSpace = errors.New("no descriptor space")

// errShortChunk fails a request whose chunk was acknowledged with fewer bytes
// than it carried, without error or end of transfer
var errShortChunk = errors.New("chunk acknowledged short")

// fillFunc consumes as much of the entry as fits in one pass
type fillFunc func(wq *WorkQueue, slot uint32, e *entry) error

// pickFill selects the strategy for a queue type
func pickFill(st, c2h bool) fillFunc {
	switch {
	case !st:
		return (*WorkQueue).fillBlock
	case c2h:
		return (*WorkQueue).fillC2H
	default:
		return (*WorkQueue).fillH2C
	}
}

// h2cMaxChunk bounds streaming-send descriptors to a page that fits the
// 16-bit length field
func h2cMaxChunk() uint32 {
	n := uint32(constants.PageSize)
	if n > 0xffff {
		n = 0xffff &^ constants.H2CAlignMask
	}
	return n
}

func (wq *WorkQueue) startChunk(slot uint32, e *entry, start, count uint32, bytes uint64) {
	wq.chunks.push(chunk{slot: slot, start: start, count: count, bytes: bytes})
	e.inflight++
	if e.state == StateSubmitted {
		e.state = StatePending
	}
}

// fillBlock writes block-mode descriptors, SOP on the first and EOP on the
// last of the pass
func (wq *WorkQueue) fillBlock(slot uint32, e *entry) error {
	r := wq.ring
	if r.Avail() == 0 {
		return errNoSpace
	}

	first := r.Pidx()
	var n uint32
	var bytes uint64
	for r.Avail() > 0 && e.cursor.Remaining() > 0 {
		ep := e.cursor.EPAddr()
		seg, ok := e.cursor.Next(wq.maxDescLen)
		if !ok {
			break
		}

		d := desc.MM{FlagLen: seg.Len&desc.MMLenMask | desc.MMFlagDV}
		if e.req.Write {
			d.SrcAddr, d.DstAddr = seg.Addr(), ep
		} else {
			d.SrcAddr, d.DstAddr = ep, seg.Addr()
		}
		if n == 0 {
			d.FlagLen |= desc.MMFlagSOP
		}

		_, mem := r.Next()
		if r.Avail() == 0 || e.cursor.Remaining() == 0 {
			d.FlagLen |= desc.MMFlagEOP
		}
		if err := desc.PutMM(mem, &d); err != nil {
			panic(fmt.Sprintf("queue: write MM descriptor: %v", err))
		}
		n++
		bytes += uint64(seg.Len)
	}

	if n == 0 {
		return errNoSpace
	}
	wq.startChunk(slot, e, first, n, bytes)
	r.Publish()
	return nil
}

// fillH2C writes streaming-send descriptors of at most one page each
func (wq *WorkQueue) fillH2C(slot uint32, e *entry) error {
	r := wq.ring
	if r.Avail() == 0 {
		return errNoSpace
	}

	max := h2cMaxChunk()
	first := r.Pidx()
	var n uint32
	var bytes uint64
	for r.Avail() > 0 && e.cursor.Remaining() > 0 {
		seg, ok := e.cursor.Next(max)
		if !ok {
			break
		}
		if e.cursor.Remaining() > 0 && seg.Len&constants.H2CAlignMask != 0 {
			panic(fmt.Sprintf("queue: unaligned streaming chunk of %d bytes at slot %d", seg.Len, slot))
		}

		d := desc.H2C{Len: uint16(seg.Len), SrcAddr: seg.Addr()}
		if n == 0 {
			d.Flags |= desc.H2CFlagSOP
		}
		if wq.cfg.EnableEOT {
			d.PldLen = uint16(seg.Len)
			d.CdhFlags = desc.H2CCdhZeroCDH | desc.H2CCdhNumGL(1) | desc.H2CCdhReqWRB
		}

		_, mem := r.Next()
		if r.Avail() == 0 || e.cursor.Remaining() == 0 {
			d.Flags |= desc.H2CFlagEOP
			if e.cursor.Remaining() == 0 && e.req.EOT && wq.cfg.EnableEOT {
				d.CdhFlags |= desc.H2CCdhEOT
			}
		}
		if err := desc.PutH2C(mem, &d); err != nil {
			panic(fmt.Sprintf("queue: write H2C descriptor: %v", err))
		}
		n++
		bytes += uint64(seg.Len)
	}

	if n == 0 {
		return errNoSpace
	}
	wq.startChunk(slot, e, first, n, bytes)
	r.Publish()
	return nil
}

// fillC2H links one slot cache node per fragment piece and submits the chain.
// A failed submit rolls back and finalizes the entry with an error.
func (wq *WorkQueue) fillC2H(slot uint32, e *entry) error {
	c := wq.cache
	if c.Avail() == 0 {
		return errNoSpace
	}

	saved := e.cursor
	head, prev := int32(-1), int32(-1)
	var n uint32
	var bytes uint64
	for c.Avail() > 0 && e.cursor.Remaining() > 0 {
		seg, ok := e.cursor.NextAll()
		if !ok {
			break
		}
		i, _ := c.Alloc()
		node := c.Node(i)
		node.Addr = seg.Base
		node.Offset = seg.Offset
		node.Len = seg.Len
		if prev < 0 {
			head = i
		} else {
			c.Node(prev).Next = i
		}
		prev = i
		n++
		bytes += uint64(seg.Len)
	}

	if n == 0 {
		return errNoSpace
	}
	req := &interfaces.SGRequest{
		ID:    e.id,
		EOT:   e.req.EOT,
		Count: bytes,
		Nodes: c.Nodes(),
		Head:  head,
		NumSG: n,
	}
	if err := wq.engine.Submit(wq.handle, req); err != nil {
		c.Rewind(n)
		e.cursor = saved
		wq.log.WithRequest(slot, "c2h").WithError(err).Warn("submit failed")
		e.finalize(err, false)
		return nil
	}

	wq.startChunk(slot, e, uint32(head), n, bytes)
	return nil
}
