package desc

import "unsafe"

// MM is a bidirectional block-mode descriptor (32 bytes):
//
//	struct qdma_mm_desc {
//	  __u64 src_addr;
//	  __u32 flag_len;  // len: bits 0-27, DV/SOP/EOP: bits 28-30
//	  __u32 rsvd0;
//	  __u64 dst_addr;
//	  __u64 rsvd1;
//	};
type MM struct {
	SrcAddr uint64
	FlagLen uint32
	Rsvd0   uint32
	DstAddr uint64
	Rsvd1   uint64
}

// Compile-time size check
var _ [MMDescSize]byte = [unsafe.Sizeof(MM{})]byte{}

// Len returns the transfer length
func (d MM) Len() uint32 {
	return d.FlagLen & MMLenMask
}

// SOP reports whether this descriptor opens a batch
func (d MM) SOP() bool { return d.FlagLen&MMFlagSOP != 0 }

// EOP reports whether this descriptor closes a batch
func (d MM) EOP() bool { return d.FlagLen&MMFlagEOP != 0 }

// H2C is a streaming-send descriptor (16 bytes):
//
//	struct qdma_h2c_desc {
//	  __u16 cdh_flags;
//	  __u16 pld_len;
//	  __u16 len;
//	  __u16 flags;
//	  __u64 src_addr;
//	};
type H2C struct {
	CdhFlags uint16
	PldLen   uint16
	Len      uint16
	Flags    uint16
	SrcAddr  uint64
}

// Compile-time size check
var _ [H2CDescSize]byte = [unsafe.Sizeof(H2C{})]byte{}

// SOP reports whether this descriptor opens a batch
func (d H2C) SOP() bool { return d.Flags&H2CFlagSOP != 0 }

// EOP reports whether this descriptor closes a batch
func (d H2C) EOP() bool { return d.Flags&H2CFlagEOP != 0 }

// EOT reports whether this descriptor ends the logical transfer
func (d H2C) EOT() bool { return d.CdhFlags&H2CCdhEOT != 0 }
