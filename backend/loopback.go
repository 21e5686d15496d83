package backend

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-qdma/internal/constants"
	"github.com/ehrlich-b/go-qdma/internal/desc"
	"github.com/ehrlich-b/go-qdma/internal/interfaces"
	"github.com/ehrlich-b/go-qdma/internal/logging"
	"github.com/ehrlich-b/go-qdma/internal/qerr"
)

// LoopbackOptions configures a Loopback engine
type LoopbackOptions struct {
	// IOMMU resolves device addresses in descriptors to host memory. Required.
	IOMMU *IOMMU

	// Memory is the card memory for block-mode queues.
	Memory interfaces.Memory

	// Sink receives streaming-send payloads, one Write per batch.
	Sink io.Writer

	// Source feeds streaming-receive queues. io.EOF signals end of transfer.
	Source io.Reader

	// RingSize, when set, overrides the ring size requested at Add.
	RingSize uint32

	// C2HBufSize, when set, overrides the receive buffer unit.
	C2HBufSize uint32

	// MaxQueues bounds the number of queues (default 16).
	MaxQueues int

	// Latency delays every batch.
	Latency time.Duration

	// FailEvery fails every Nth batch with FailErr (EIO when nil).
	FailEvery int
	FailErr   error

	Logger *logging.Logger
}

// Loopback is a software engine. Each started queue has a worker goroutine
// that consumes published descriptors or submitted chains, moves the data
// and reports one completion per batch in issue order.
type Loopback struct {
	opts   LoopbackOptions
	log    *logging.Logger
	mu     sync.Mutex
	queues map[interfaces.Handle]*lbQueue
	next   interfaces.Handle
}

type lbQueue struct {
	h      interfaces.Handle
	cfg    interfaces.QueueConfig
	ring   []byte
	stride uint32
	log    *logging.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pidx     uint32
	cidx     uint32
	chains   []chain
	canceled map[uint32]bool // batch start descriptor
	canIDs   map[uint64]bool // streaming-receive request IDs
	running  bool
	stopping bool
	done     chan struct{}
	batches  int
}

type chain struct {
	id    uint64
	nodes []interfaces.SGNode
}

type batch struct {
	start    uint32
	mm       []desc.MM
	h2c      []desc.H2C
	chain    *chain
	canceled bool
	seq      int
}

// NewLoopback creates a loopback engine
func NewLoopback(opts LoopbackOptions) (*Loopback, error) {
	if opts.IOMMU == nil {
		return nil, errors.New("loopback: IOMMU is required")
	}
	if opts.MaxQueues <= 0 {
		opts.MaxQueues = 16
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Loopback{
		opts:   opts,
		log:    log.WithEngine("loopback"),
		queues: make(map[interfaces.Handle]*lbQueue),
	}, nil
}

func (l *Loopback) queue(h interfaces.Handle) (*lbQueue, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queues[h]
	if !ok {
		return nil, unix.ENOENT
	}
	return q, nil
}

// Add provisions a queue
func (l *Loopback) Add(cfg *interfaces.QueueConfig) (interfaces.Handle, error) {
	if cfg == nil || cfg.Notify == nil {
		return 0, unix.EINVAL
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queues) >= l.opts.MaxQueues {
		return 0, unix.ENOSPC
	}
	qcfg := *cfg
	if qcfg.QIdx < 0 {
		qcfg.QIdx = l.freeIndex()
	} else {
		for _, q := range l.queues {
			if q.cfg.QIdx == qcfg.QIdx && q.cfg.C2H == qcfg.C2H {
				return 0, unix.EBUSY
			}
		}
	}
	if l.opts.RingSize != 0 {
		qcfg.RingSize = l.opts.RingSize
	}
	if qcfg.RingSize == 0 {
		qcfg.RingSize = constants.DefaultRingSize
	}
	if qcfg.ST && qcfg.C2H {
		if l.opts.C2HBufSize != 0 {
			qcfg.C2HBufSize = l.opts.C2HBufSize
		}
		if qcfg.C2HBufSize == 0 {
			qcfg.C2HBufSize = uint32(constants.PageSize)
		}
	}

	q := &lbQueue{
		cfg:      qcfg,
		canceled: make(map[uint32]bool),
		canIDs:   make(map[uint64]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	if !(qcfg.ST && qcfg.C2H) {
		q.stride = desc.MMDescSize
		if qcfg.ST {
			q.stride = desc.H2CDescSize
		}
		q.ring = make([]byte, int(qcfg.RingSize)*int(q.stride))
	}

	l.next++
	q.h = l.next
	q.log = l.log.WithQueue(qcfg.QIdx)
	l.queues[q.h] = q
	q.log.Debug("queue added", "handle", q.h, "ring_size", qcfg.RingSize, "st", qcfg.ST, "c2h", qcfg.C2H)
	return q.h, nil
}

func (l *Loopback) freeIndex() int {
	used := make(map[int]bool, len(l.queues))
	for _, q := range l.queues {
		used[q.cfg.QIdx] = true
	}
	i := 0
	for used[i] {
		i++
	}
	return i
}

// Start launches the queue worker
func (l *Loopback) Start(h interfaces.Handle) error {
	q, err := l.queue(h)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return unix.EBUSY
	}
	q.running = true
	q.stopping = false
	q.done = make(chan struct{})
	go l.worker(q)
	return nil
}

// Stop terminates the worker. Batches it has not picked up are dropped.
func (l *Loopback) Stop(h interfaces.Handle) error {
	q, err := l.queue(h)
	if err != nil {
		return err
	}
	q.stop()
	return nil
}

func (q *lbQueue) stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.stopping = true
	q.cond.Broadcast()
	done := q.done
	q.mu.Unlock()
	<-done

	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
}

// Remove stops and forgets the queue
func (l *Loopback) Remove(h interfaces.Handle) error {
	l.mu.Lock()
	q, ok := l.queues[h]
	delete(l.queues, h)
	l.mu.Unlock()
	if !ok {
		return unix.ENOENT
	}
	q.stop()
	q.log.Debug("queue removed", "batches", q.batches)
	return nil
}

// Config returns the negotiated queue configuration
func (l *Loopback) Config(h interfaces.Handle) (*interfaces.QueueConfig, error) {
	q, err := l.queue(h)
	if err != nil {
		return nil, err
	}
	cfg := q.cfg
	return &cfg, nil
}

// DescRing returns the descriptor ring memory
func (l *Loopback) DescRing(h interfaces.Handle) ([]byte, error) {
	q, err := l.queue(h)
	if err != nil {
		return nil, err
	}
	if q.ring == nil {
		return nil, unix.EINVAL
	}
	return q.ring, nil
}

// UpdatePidx publishes new descriptors to the worker
func (l *Loopback) UpdatePidx(h interfaces.Handle, c2h bool, pidx uint32) {
	q, err := l.queue(h)
	if err != nil {
		l.log.Warn("producer index update for unknown queue", "handle", h)
		return
	}
	q.mu.Lock()
	q.pidx = pidx & (q.cfg.RingSize - 1)
	q.cond.Signal()
	q.mu.Unlock()
}

// Submit queues a streaming-receive chain. The nodes are copied.
func (l *Loopback) Submit(h interfaces.Handle, req *interfaces.SGRequest) error {
	q, err := l.queue(h)
	if err != nil {
		return err
	}
	if !q.cfg.ST || !q.cfg.C2H {
		return unix.EINVAL
	}

	c := chain{id: req.ID, nodes: make([]interfaces.SGNode, 0, req.NumSG)}
	for i, n := req.Head, uint32(0); i >= 0 && n < req.NumSG; n++ {
		node := req.Nodes[i]
		c.nodes = append(c.nodes, node)
		i = node.Next
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return unix.ENODEV
	}
	q.chains = append(q.chains, c)
	q.cond.Signal()
	return nil
}

// Cancel marks batches so the worker acknowledges them without moving data
func (l *Loopback) Cancel(h interfaces.Handle, req *interfaces.SGRequest) error {
	q, err := l.queue(h)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cfg.ST && q.cfg.C2H {
		for _, c := range q.chains {
			if c.id == req.ID {
				q.canIDs[req.ID] = true
			}
		}
		return nil
	}
	// Only batches the worker has not taken yet can be canceled.
	mask := q.cfg.RingSize - 1
	queued := (q.pidx - q.cidx) & mask
	for _, s := range req.Chunks {
		if (s.Start-q.cidx)&mask < queued {
			q.canceled[s.Start] = true
		}
	}
	return nil
}

// next blocks until a batch is available or the queue stops
func (q *lbQueue) next() (batch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.stopping && q.cidx == q.pidx && len(q.chains) == 0 {
		q.cond.Wait()
	}
	if q.stopping {
		return batch{}, false
	}

	q.batches++
	b := batch{start: q.cidx, seq: q.batches}
	if q.ring == nil {
		c := q.chains[0]
		q.chains = q.chains[1:]
		b.chain = &c
		b.canceled = q.canIDs[c.id]
		delete(q.canIDs, c.id)
		return b, true
	}

	b.canceled = q.canceled[q.cidx]
	delete(q.canceled, q.cidx)
	mask := q.cfg.RingSize - 1
	for q.cidx != q.pidx {
		slot := q.ring[q.cidx*q.stride : (q.cidx+1)*q.stride]
		q.cidx = (q.cidx + 1) & mask
		var eop bool
		if q.cfg.ST {
			var d desc.H2C
			desc.ReadH2C(slot, &d)
			b.h2c = append(b.h2c, d)
			eop = d.EOP()
		} else {
			var d desc.MM
			desc.ReadMM(slot, &d)
			b.mm = append(b.mm, d)
			eop = d.EOP()
		}
		if eop {
			break
		}
	}
	return b, true
}

func (l *Loopback) worker(q *lbQueue) {
	defer close(q.done)
	for {
		b, ok := q.next()
		if !ok {
			return
		}
		if l.opts.Latency > 0 {
			time.Sleep(l.opts.Latency)
		}

		var c interfaces.Completion
		switch {
		case b.canceled:
			c = interfaces.Completion{Err: qerr.ErrCanceled}
		case l.opts.FailEvery > 0 && b.seq%l.opts.FailEvery == 0:
			err := l.opts.FailErr
			if err == nil {
				err = unix.EIO
			}
			c = interfaces.Completion{Err: err}
		case b.chain != nil:
			c = l.receive(q, b.chain)
		case q.cfg.ST:
			c = l.send(b.h2c)
		default:
			c = l.transfer(q.cfg.C2H, b.mm)
		}
		if c.Err != nil && !errors.Is(c.Err, qerr.ErrCanceled) {
			q.log.WithError(c.Err).Debug("batch failed", "start", b.start, "bytes", c.Bytes)
		}
		q.cfg.Notify(c)
	}
}

// transfer moves a block-mode batch between host and card memory
func (l *Loopback) transfer(c2h bool, descs []desc.MM) interfaces.Completion {
	mem := l.opts.Memory
	if mem == nil {
		return interfaces.Completion{Err: unix.ENXIO}
	}
	var done uint64
	for i := range descs {
		d := &descs[i]
		n := d.Len()
		if c2h {
			host, err := l.opts.IOMMU.Resolve(d.DstAddr, n)
			if err != nil {
				return interfaces.Completion{Bytes: done, Err: err}
			}
			if _, err := mem.ReadAt(host, int64(d.SrcAddr)); err != nil {
				return interfaces.Completion{Bytes: done, Err: err}
			}
		} else {
			host, err := l.opts.IOMMU.Resolve(d.SrcAddr, n)
			if err != nil {
				return interfaces.Completion{Bytes: done, Err: err}
			}
			if _, err := mem.WriteAt(host, int64(d.DstAddr)); err != nil {
				return interfaces.Completion{Bytes: done, Err: err}
			}
		}
		done += uint64(n)
	}
	return interfaces.Completion{Bytes: done}
}

// send gathers a streaming-send batch into one sink write
func (l *Loopback) send(descs []desc.H2C) interfaces.Completion {
	var total uint32
	for i := range descs {
		total += uint32(descs[i].Len)
	}
	buf := GetBuffer(total)
	defer PutBuffer(buf)

	off := 0
	for i := range descs {
		src, err := l.opts.IOMMU.Resolve(descs[i].SrcAddr, uint32(descs[i].Len))
		if err != nil {
			return interfaces.Completion{Err: err}
		}
		off += copy(buf[off:], src)
	}

	if l.opts.Sink != nil {
		if _, err := l.opts.Sink.Write(buf); err != nil {
			return interfaces.Completion{Err: err}
		}
	}
	eot := len(descs) > 0 && descs[len(descs)-1].EOT()
	return interfaces.Completion{Bytes: uint64(total), EOT: eot}
}

// receive fills a chain from the source in receive-buffer units
func (l *Loopback) receive(q *lbQueue, c *chain) interfaces.Completion {
	if l.opts.Source == nil {
		return interfaces.Completion{EOT: true}
	}
	unit := int(q.cfg.C2HBufSize)
	var done uint64
	for _, node := range c.nodes {
		dst, err := l.opts.IOMMU.Resolve(node.Addr+uint64(node.Offset), node.Len)
		if err != nil {
			return interfaces.Completion{Bytes: done, Err: err}
		}
		for off := 0; off < len(dst); off += unit {
			end := off + unit
			if end > len(dst) {
				end = len(dst)
			}
			n, err := io.ReadFull(l.opts.Source, dst[off:end])
			done += uint64(n)
			switch {
			case err == io.EOF || err == io.ErrUnexpectedEOF:
				return interfaces.Completion{Bytes: done, EOT: true}
			case err != nil:
				return interfaces.Completion{Bytes: done, Err: fmt.Errorf("loopback source: %w", err)}
			}
		}
	}
	return interfaces.Completion{Bytes: done}
}

// Compile-time interface check
var _ interfaces.Engine = (*Loopback)(nil)
