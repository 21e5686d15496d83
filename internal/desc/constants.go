// Package desc provides the hardware-visible descriptor layouts written into
// QDMA descriptor rings
package desc

// Block-mode (memory-mapped) descriptor flag_len bits
const (
	MMLenMask = 1<<28 - 1 // transfer length, bits 0-27
	MMFlagDV  = 1 << 28   // descriptor valid
	MMFlagSOP = 1 << 29   // start of packet (first descriptor of a batch)
	MMFlagEOP = 1 << 30   // end of packet (last descriptor of a batch)
)

// Streaming-send descriptor flags
const (
	H2CFlagSOP = 1 << 0
	H2CFlagEOP = 1 << 1
)

// Streaming-send completion descriptor header (CDH) flags, only meaningful
// when the queue signals end-of-transfer
const (
	H2CCdhZeroCDH = 1 << 0 // no CDH follows the descriptor
	H2CCdhReqWRB  = 1 << 1 // request a writeback for this descriptor
	H2CCdhEOT     = 1 << 2 // last descriptor of the logical transfer

	h2cCdhNumGLShift = 8
	h2cCdhNumGLMask  = 0x7
)

// Descriptor sizes in bytes
const (
	MMDescSize  = 32
	H2CDescSize = 16
)

// H2CCdhNumGL encodes the gather-list count into the CDH flags.
func H2CCdhNumGL(n uint16) uint16 {
	return (n & h2cCdhNumGLMask) << h2cCdhNumGLShift
}
