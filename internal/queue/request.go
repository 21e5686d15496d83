package queue

import (
	"github.com/ehrlich-b/go-qdma/internal/interfaces"
	"github.com/ehrlich-b/go-qdma/internal/sgl"
)

// Request is one logical read or write posted to a work queue
type Request struct {
	// Fragments are the device-addressable host buffer pieces.
	Fragments []sgl.Fragment

	// Offset skips that many bytes into Fragments.
	Offset uint64

	// Length is the number of bytes to transfer.
	Length uint64

	// Write selects host-to-card. It must match the queue direction.
	Write bool

	// EPAddr is the card-side address for block-mode queues.
	EPAddr uint64

	// Block makes Post wait for delivery.
	Block bool

	// EOT marks the last request of a streaming transfer.
	EOT bool

	// Done is called once for non-blocking requests.
	Done func(Result)

	// Priv is copied into the entry's private data area and handed back in
	// the Result.
	Priv []byte
}

// Result is delivered once per request
type Result struct {
	Bytes   uint64
	Outcome interfaces.Outcome
	EOT     bool
	Err     error
	Priv    []byte
}

// Stats is a snapshot of a work queue's counters and ring occupancy.
// FreeSlots + PendingSlots + UnprocessedSlots == TotalSlots - 1.
type Stats struct {
	RequestsSubmitted uint64
	BytesSubmitted    uint64
	RequestsCompleted uint64
	BytesCompleted    uint64
	TotalSlots        uint32
	FreeSlots         uint32
	PendingSlots      uint32
	UnprocessedSlots  uint32
}
