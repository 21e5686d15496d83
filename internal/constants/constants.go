package constants

import (
	"time"

	"golang.org/x/sys/unix"
)

// Default configuration constants
const (
	// DefaultRingSize is the default hardware descriptor ring depth
	DefaultRingSize = 512

	// WQOvercommitShift sizes the WQE ring relative to the hardware ring (8x)
	WQOvercommitShift = 3

	// DefaultPrivDataLen is the default per-request private data area in bytes
	DefaultPrivDataLen = 0

	// AutoAssignQueueIndex lets the engine pick the queue index
	AutoAssignQueueIndex = -1
)

// Descriptor limits
const (
	// DescBlenMax is the largest length a block-mode descriptor can carry (28 bits)
	DescBlenMax = 1<<28 - 1

	// H2CAlignMask is the streaming-send transfer granularity mask (64 bytes)
	H2CAlignMask = 0x3f
)

// PageSize is the host page size; streaming descriptors and receive buffers use it.
var PageSize = unix.Getpagesize()

// Timing constants for the loopback engine
const (
	// DefaultCompletionDelay is the simulated hardware latency per batch
	DefaultCompletionDelay = 0 * time.Millisecond

	// WorkerIdleTimeout bounds how long an idle engine worker sleeps between checks
	WorkerIdleTimeout = 100 * time.Millisecond
)
