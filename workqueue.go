// Package qdma provides an asynchronous scatter-gather work queue that feeds
// a QDMA-style hardware descriptor ring and delivers one completion per
// request, in submission order.
package qdma

import (
	"context"
	"sync"

	"github.com/ehrlich-b/go-qdma/internal/constants"
	"github.com/ehrlich-b/go-qdma/internal/interfaces"
	"github.com/ehrlich-b/go-qdma/internal/logging"
	"github.com/ehrlich-b/go-qdma/internal/queue"
	"github.com/ehrlich-b/go-qdma/internal/sgl"
	"github.com/rcrowley/go-metrics"
)

type (
	// Engine is the hardware collaborator a work queue drives
	Engine = interfaces.Engine
	// Handle identifies a queue inside an engine
	Handle = interfaces.Handle
	// QueueConfig is the negotiated queue configuration
	QueueConfig = interfaces.QueueConfig
	// EngineCompletion is one chunk acknowledgement from an engine
	EngineCompletion = interfaces.Completion
	// SGNode, Span and SGRequest describe a streaming-receive submission
	SGNode    = interfaces.SGNode
	Span      = interfaces.Span
	SGRequest = interfaces.SGRequest
	// Memory is card-side memory reachable by block-mode queues
	Memory = interfaces.Memory

	// Fragment is one device-addressable piece of a host buffer
	Fragment = sgl.Fragment
	// Request is one logical transfer posted to a work queue
	Request = queue.Request
	// Result is delivered once per request
	Result = queue.Result
	// Stats is a snapshot of a work queue's counters and ring occupancy
	Stats = queue.Stats
	// Outcome classifies a delivered request
	Outcome = interfaces.Outcome

	// Logger is the structured logger used by work queues and engines
	Logger = logging.Logger
	// LogConfig configures a Logger
	LogConfig = logging.Config
)

const (
	OutcomeSuccess  = interfaces.OutcomeSuccess
	OutcomeError    = interfaces.OutcomeError
	OutcomeCanceled = interfaces.OutcomeCanceled
)

// NewLogger creates a logger; a nil config uses the defaults
func NewLogger(cfg *LogConfig) *Logger {
	return logging.NewLogger(cfg)
}

// Params contains parameters for creating a work queue
type Params struct {
	// Queue selection
	QueueIndex int    // Queue index (-1 lets the engine pick)
	RingSize   uint32 // Hardware descriptor ring depth, power of two (default: 512)

	// Direction and mode
	C2H       bool // Card-to-host (read) queue; host-to-card otherwise
	Streaming bool // Streaming (ST) mode; block (MM) mode otherwise

	// Streaming options
	EnableEOT  bool   // Signal end-of-transfer on streaming-send descriptors
	C2HBufSize uint32 // Streaming-receive buffer unit (0 for the page size)

	// Request options
	PrivDataSize int    // Per-request private data area in bytes
	MaxDescLen   uint32 // Block-mode descriptor length cap (0 for the hardware max)
}

// DefaultParams returns default work queue parameters for a host-to-card
// block-mode queue
func DefaultParams() Params {
	return Params{
		QueueIndex:   constants.AutoAssignQueueIndex,
		RingSize:     constants.DefaultRingSize,
		PrivDataSize: constants.DefaultPrivDataLen,
	}
}

// Options contains additional options for work queue creation
type Options struct {
	// Logger for lifecycle and per-request messages (if nil, uses the default logger)
	Logger *Logger

	// Observer for metrics collection (if nil, records into the queue's Metrics)
	Observer Observer

	// Registry the queue's metrics are registered in (if nil, a private registry)
	Registry metrics.Registry
}

// WorkQueueState represents the current state of a work queue
type WorkQueueState string

const (
	WorkQueueStateRunning WorkQueueState = "running"
	WorkQueueStateClosed  WorkQueueState = "closed"
)

// WorkQueue is a created queue ready to accept requests
type WorkQueue struct {
	wq     *queue.WorkQueue
	params Params
	log    *Logger

	mu     sync.Mutex
	closed bool

	metrics *Metrics
}

// Create adds and starts a queue on engine and sets up its work queue.
//
// Example:
//
//	engine := backend.NewLoopback(backend.LoopbackOptions{IOMMU: iommu, Memory: mem})
//	params := qdma.DefaultParams()
//	wq, err := qdma.Create(engine, params, nil)
func Create(engine Engine, params Params, options *Options) (*WorkQueue, error) {
	if options == nil {
		options = &Options{}
	}

	log := options.Logger
	if log == nil {
		log = logging.Default()
	}

	m := NewMetrics(options.Registry)
	observer := options.Observer
	if observer == nil {
		observer = NewMetricsObserver(m)
	}

	inner, err := queue.New(engine, queue.Config{
		QIdx:       params.QueueIndex,
		RingSize:   params.RingSize,
		C2H:        params.C2H,
		ST:         params.Streaming,
		EnableEOT:  params.EnableEOT,
		C2HBufSize: params.C2HBufSize,
		PrivSize:   params.PrivDataSize,
		MaxDescLen: params.MaxDescLen,
		Logger:     log,
		Observer:   observer,
	})
	if err != nil {
		return nil, err
	}

	return &WorkQueue{
		wq:      inner,
		params:  params,
		log:     log.WithQueue(inner.Config().QIdx),
		metrics: m,
	}, nil
}

// Post validates req and queues it. A blocking request waits for delivery
// and returns the bytes transferred; a non-blocking request returns the
// accepted length and delivers its Result through req.Done.
func (w *WorkQueue) Post(ctx context.Context, req *Request) (int64, error) {
	return w.wq.Post(ctx, req)
}

// CancelLatest cancels the most recently posted request that has not been
// delivered yet. It returns ErrNothingToCancel when there is none.
func (w *WorkQueue) CancelLatest() error {
	return w.wq.CancelLatest()
}

// Stats returns the queue's counters and ring occupancy
func (w *WorkQueue) Stats() Stats {
	return w.wq.Stats()
}

// Config returns the configuration negotiated with the engine
func (w *WorkQueue) Config() QueueConfig {
	return w.wq.Config()
}

// Params returns the parameters the queue was created with
func (w *WorkQueue) Params() Params {
	return w.params
}

// QueueIndex returns the engine-assigned queue index
func (w *WorkQueue) QueueIndex() int {
	return w.wq.Config().QIdx
}

// State returns the current state of the work queue
func (w *WorkQueue) State() WorkQueueState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return WorkQueueStateClosed
	}
	return WorkQueueStateRunning
}

// WorkQueueInfo contains summary information about a work queue
type WorkQueueInfo struct {
	QueueIndex int            `json:"queue_index"`
	State      WorkQueueState `json:"state"`
	RingSize   uint32         `json:"ring_size"`
	Slots      uint32         `json:"slots"`
	C2H        bool           `json:"c2h"`
	Streaming  bool           `json:"streaming"`
	EnableEOT  bool           `json:"enable_eot"`
	C2HBufSize uint32         `json:"c2h_buf_size,omitempty"`
}

// Info returns summary information about the work queue
func (w *WorkQueue) Info() WorkQueueInfo {
	if w == nil {
		return WorkQueueInfo{}
	}

	cfg := w.wq.Config()
	return WorkQueueInfo{
		QueueIndex: cfg.QIdx,
		State:      w.State(),
		RingSize:   cfg.RingSize,
		Slots:      w.wq.Stats().TotalSlots,
		C2H:        cfg.C2H,
		Streaming:  cfg.ST,
		EnableEOT:  cfg.EnableEOT,
		C2HBufSize: cfg.C2HBufSize,
	}
}

// Metrics returns the queue's metrics
func (w *WorkQueue) Metrics() *Metrics {
	if w == nil {
		return nil
	}
	return w.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of the queue's metrics
func (w *WorkQueue) MetricsSnapshot() MetricsSnapshot {
	if w == nil || w.metrics == nil {
		return MetricsSnapshot{}
	}
	return w.metrics.Snapshot()
}

// Close cancels every outstanding request, delivering each exactly once,
// then stops and removes the engine queue. Calling Close again is a no-op.
func (w *WorkQueue) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	err := w.wq.Close()
	w.metrics.Stop()
	if err != nil {
		w.log.Warn("work queue closed with error", "error", err)
	}
	return err
}
