package interfaces

import "time"

// Handle identifies a queue added to an Engine.
type Handle uint32

// QueueConfig describes one hardware queue. The work queue fills in the
// requested fields before Add; the engine reports the negotiated values
// through Config.
type QueueConfig struct {
	// QIdx is the queue index, or -1 to let the engine pick one.
	QIdx int

	// RingSize is the descriptor ring depth. It must be a power of two.
	RingSize uint32

	// C2H selects the card-to-host direction (reads). Otherwise host-to-card.
	C2H bool

	// ST selects streaming mode. Otherwise the queue is memory-mapped (block).
	ST bool

	// C2HBufSize is the receive buffer unit for streaming card-to-host queues.
	C2HBufSize uint32

	// EnableEOT turns on end-of-transfer signalling and CDH fields for
	// streaming host-to-card descriptors.
	EnableEOT bool

	// Notify is called once per in-flight chunk, in issue order, from an
	// engine goroutine. It must never be called synchronously from
	// UpdatePidx, Submit or Cancel.
	Notify func(Completion)
}

// Completion reports the outcome of the oldest in-flight chunk.
type Completion struct {
	// Bytes is the number of bytes the hardware moved for the chunk.
	Bytes uint64

	// EOT is set when the card signalled end of transfer.
	EOT bool

	// Err is non-nil when the chunk failed or was canceled.
	Err error
}

// SGNode is one entry of a streaming-receive scatter-gather chain. Next is the
// index of the following node in the slot cache, or -1.
type SGNode struct {
	Addr   uint64
	Offset uint32
	Len    uint32
	Next   int32
}

// Span is a contiguous range of descriptor or slot cache indices.
type Span struct {
	Start uint32
	Count uint32
}

// SGRequest is handed to Engine.Submit for streaming-receive queues and to
// Engine.Cancel for every queue type.
type SGRequest struct {
	// ID is unique per queue for the lifetime of the request.
	ID uint64

	// Write is true for host-to-card transfers.
	Write bool

	// EOT asks the engine to stop at end of transfer.
	EOT bool

	// Count is the number of bytes requested.
	Count uint64

	// Nodes is the slot cache backing the chain; Head indexes its first node
	// and NumSG its length.
	Nodes []SGNode
	Head  int32
	NumSG uint32

	// Chunks lists the descriptor or node ranges still held by the engine.
	// It is only set on Cancel.
	Chunks []Span
}

// Engine is the hardware-facing collaborator of a work queue. It owns queue
// provisioning, the descriptor ring memory and the completion source.
type Engine interface {
	// Add provisions a queue and returns its handle.
	Add(cfg *QueueConfig) (Handle, error)

	// Start makes the queue ready to accept descriptors.
	Start(h Handle) error

	// Stop quiesces the queue. Outstanding chunks may still be reported.
	Stop(h Handle) error

	// Remove releases the queue. The handle is invalid afterwards.
	Remove(h Handle) error

	// Config returns the configuration the engine settled on.
	Config(h Handle) (*QueueConfig, error)

	// DescRing returns the descriptor ring memory for block and
	// streaming-send queues.
	DescRing(h Handle) ([]byte, error)

	// UpdatePidx publishes the producer index of the descriptor ring.
	UpdatePidx(h Handle, c2h bool, pidx uint32)

	// Submit hands a streaming-receive chain to the engine.
	Submit(h Handle, req *SGRequest) error

	// Cancel asks the engine to abandon the chunks named in req.Chunks. Each
	// abandoned chunk is still reported through Notify.
	Cancel(h Handle, req *SGRequest) error
}

// Memory is card-side memory addressed by block-mode descriptors. It mirrors
// io.ReaderAt and io.WriterAt so any storage can back a loopback engine.
type Memory interface {
	// ReadAt reads len(p) bytes into p starting at device address off.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at device address off.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the memory in bytes.
	Size() int64

	// Close releases the memory.
	Close() error
}

// Outcome classifies a delivered request.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeError
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Observer receives work queue events for metrics collection.
type Observer interface {
	// ObserveSubmit is called when a request is accepted.
	ObserveSubmit(bytes uint64)

	// ObserveComplete is called once per delivered request.
	ObserveComplete(bytes uint64, latency time.Duration, outcome Outcome)

	// ObserveQueueDepth is called with the number of occupied slots.
	ObserveQueueDepth(depth uint32)
}
