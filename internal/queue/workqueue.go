// Package queue implements the asynchronous scatter-gather work queue that
// feeds a hardware descriptor ring and reconciles its completions.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-qdma/internal/constants"
	"github.com/ehrlich-b/go-qdma/internal/desc"
	"github.com/ehrlich-b/go-qdma/internal/interfaces"
	"github.com/ehrlich-b/go-qdma/internal/logging"
	"github.com/ehrlich-b/go-qdma/internal/qerr"
	"github.com/ehrlich-b/go-qdma/internal/ring"
	"github.com/ehrlich-b/go-qdma/internal/sgl"
)

// Config describes the queue to create
type Config struct {
	QIdx       int    // queue index, or -1 to let the engine pick
	RingSize   uint32 // hardware ring depth, power of two
	C2H        bool   // card-to-host
	ST         bool   // streaming mode
	EnableEOT  bool   // streaming-send end-of-transfer signalling
	C2HBufSize uint32 // streaming-receive buffer unit, 0 for page size
	PrivSize   int    // per-request private data area
	MaxDescLen uint32 // block-mode descriptor length cap, 0 for the hardware max
	Logger     *logging.Logger
	Observer   interfaces.Observer
}

type event struct {
	fn  func(Result)
	res Result
}

type nopObserver struct{}

func (nopObserver) ObserveSubmit(uint64) {}
func (nopObserver) ObserveComplete(uint64, time.Duration, interfaces.Outcome) {}
func (nopObserver) ObserveQueueDepth(uint32) {}

// WorkQueue accepts requests, fragments them onto one hardware queue and
// delivers each request's completion exactly once, in submission order.
type WorkQueue struct {
	engine   interfaces.Engine
	handle   interfaces.Handle
	cfg      interfaces.QueueConfig
	log      *logging.Logger
	observer interfaces.Observer
	privSize int

	mu      sync.Mutex
	entries []entry
	mask    uint32
	free    uint32
	pending uint32
	unproc  uint32
	nextID  uint64

	ring       *ring.DescRing
	cache      *ring.SlotCache
	chunks     chunkFIFO
	fill       fillFunc
	maxDescLen uint32

	stats Stats

	events     []event
	delivering bool

	added       bool
	started     bool
	initialized bool
	closed      bool
}

// New adds and starts a queue on engine and sets up its work queue. A
// partially created queue is torn down before the error is returned.
func New(engine interfaces.Engine, cfg Config) (*WorkQueue, error) {
	if engine == nil {
		return nil, qerr.NewError("create", qerr.CodeInvalidParameters, "engine is required")
	}
	if !ring.IsPowerOfTwo(cfg.RingSize) {
		return nil, qerr.NewQueueError("create", cfg.QIdx, qerr.CodeConfig,
			fmt.Sprintf("ring size %d is not a power of two", cfg.RingSize))
	}
	if cfg.PrivSize < 0 {
		return nil, qerr.NewQueueError("create", cfg.QIdx, qerr.CodeConfig, "negative private data size")
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	maxDesc := cfg.MaxDescLen
	if maxDesc == 0 || maxDesc > constants.DescBlenMax {
		maxDesc = constants.DescBlenMax
	}
	bufSize := cfg.C2HBufSize
	if bufSize == 0 && cfg.ST && cfg.C2H {
		bufSize = uint32(constants.PageSize)
	}

	wq := &WorkQueue{
		engine:     engine,
		log:        log,
		observer:   observer,
		privSize:   cfg.PrivSize,
		maxDescLen: maxDesc,
		fill:       pickFill(cfg.ST, cfg.C2H),
	}

	qcfg := &interfaces.QueueConfig{
		QIdx:       cfg.QIdx,
		RingSize:   cfg.RingSize,
		C2H:        cfg.C2H,
		ST:         cfg.ST,
		C2HBufSize: bufSize,
		EnableEOT:  cfg.EnableEOT,
		Notify:     wq.onCompletion,
	}
	if err := wq.init(qcfg); err != nil {
		wq.destroy()
		return nil, err
	}
	return wq, nil
}

func (wq *WorkQueue) init(qcfg *interfaces.QueueConfig) error {
	h, err := wq.engine.Add(qcfg)
	if err != nil {
		return qerr.WrapQueueError("add", qcfg.QIdx, qerr.CodeDevice, err)
	}
	wq.handle = h
	wq.added = true

	if err := wq.engine.Start(h); err != nil {
		return qerr.WrapQueueError("start", qcfg.QIdx, qerr.CodeDevice, err)
	}
	wq.started = true

	got, err := wq.engine.Config(h)
	if err != nil {
		return qerr.WrapQueueError("config", qcfg.QIdx, qerr.CodeDevice, err)
	}
	wq.cfg = *got
	wq.cfg.Notify = nil
	wq.log = wq.log.WithQueue(got.QIdx)

	if !ring.IsPowerOfTwo(got.RingSize) {
		return qerr.NewQueueError("create", got.QIdx, qerr.CodeConfig,
			fmt.Sprintf("engine ring size %d is not a power of two", got.RingSize))
	}
	if got.ST && got.C2H && got.C2HBufSize != uint32(constants.PageSize) {
		return qerr.NewQueueError("create", got.QIdx, qerr.CodeConfig,
			fmt.Sprintf("receive buffer size %d must equal page size %d", got.C2HBufSize, constants.PageSize))
	}

	capacity := got.RingSize << constants.WQOvercommitShift
	wq.entries = make([]entry, capacity)
	wq.mask = capacity - 1
	wq.chunks = newChunkFIFO(got.RingSize)
	if wq.privSize > 0 {
		area := make([]byte, int(capacity)*wq.privSize)
		for i := range wq.entries {
			wq.entries[i].priv = area[i*wq.privSize : (i+1)*wq.privSize : (i+1)*wq.privSize]
		}
	}

	if got.ST && got.C2H {
		wq.cache, err = ring.NewSlotCache(got.RingSize)
		if err != nil {
			return qerr.WrapQueueError("create", got.QIdx, qerr.CodeResource, err)
		}
	} else {
		mem, err := wq.engine.DescRing(h)
		if err != nil {
			return qerr.WrapQueueError("create", got.QIdx, qerr.CodeResource, err)
		}
		stride := uint32(desc.MMDescSize)
		if got.ST {
			stride = desc.H2CDescSize
		}
		c2h := got.C2H
		wq.ring, err = ring.NewDescRing(mem, got.RingSize, stride, func(pidx uint32) {
			wq.engine.UpdatePidx(h, c2h, pidx)
		})
		if err != nil {
			return qerr.WrapQueueError("create", got.QIdx, qerr.CodeResource, err)
		}
	}

	wq.initialized = true
	wq.log.Info("work queue created",
		"ring_size", got.RingSize, "slots", capacity, "st", got.ST, "dir", dirString(!got.C2H))
	return nil
}

// destroy undoes whatever stages of creation completed
func (wq *WorkQueue) destroy() error {
	var firstErr error
	if wq.started {
		if err := wq.engine.Stop(wq.handle); err != nil {
			wq.log.WithError(err).Error("stop queue failed")
			firstErr = qerr.WrapQueueError("stop", wq.cfg.QIdx, qerr.CodeDevice, err)
		}
		wq.started = false
	}
	if wq.added {
		if err := wq.engine.Remove(wq.handle); err != nil {
			wq.log.WithError(err).Error("remove queue failed")
			if firstErr == nil {
				firstErr = qerr.WrapQueueError("remove", wq.cfg.QIdx, qerr.CodeDevice, err)
			}
		}
		wq.added = false
	}
	wq.initialized = false
	return firstErr
}

// Close stops and removes the hardware queue. Requests not yet delivered are
// delivered as canceled. Close is idempotent.
func (wq *WorkQueue) Close() error {
	wq.mu.Lock()
	if wq.closed {
		wq.mu.Unlock()
		return nil
	}
	wq.closed = true

	for i := wq.pending; i != wq.free; i = (i + 1) & wq.mask {
		e := &wq.entries[i]
		if !e.delivered {
			if e.state != StateDone && !e.state.Canceled() {
				e.state = StateCanceled
			}
			wq.deliver(i, e)
		}
	}
	wq.chunks.reset()
	s := wq.stats
	wq.mu.Unlock()
	wq.flush()

	// Engine workers may be blocked in onCompletion; stop them unlocked.
	err := wq.destroy()

	wq.log.Info("work queue closed",
		"requests_submitted", s.RequestsSubmitted, "requests_completed", s.RequestsCompleted)
	return err
}

// Config returns the configuration negotiated with the engine
func (wq *WorkQueue) Config() interfaces.QueueConfig {
	return wq.cfg
}

// Handle returns the engine handle of the queue
func (wq *WorkQueue) Handle() interfaces.Handle {
	return wq.handle
}

func (wq *WorkQueue) next(i uint32) uint32 {
	return (i + 1) & wq.mask
}

func (wq *WorkQueue) validate(req *Request) (sgl.Cursor, error) {
	qidx := wq.cfg.QIdx
	if req == nil || req.Length == 0 {
		return sgl.Cursor{}, qerr.NewQueueError("post", qidx, qerr.CodeInvalidParameters, "zero-length request")
	}
	if req.Write == wq.cfg.C2H {
		return sgl.Cursor{}, qerr.NewQueueError("post", qidx, qerr.CodeInvalidParameters,
			fmt.Sprintf("%s request on %s queue", dirString(req.Write), dirString(!wq.cfg.C2H)))
	}
	if len(req.Priv) > wq.privSize {
		return sgl.Cursor{}, qerr.NewQueueError("post", qidx, qerr.CodeInvalidParameters,
			fmt.Sprintf("private data %d bytes exceeds %d", len(req.Priv), wq.privSize))
	}

	cur, err := sgl.NewCursor(req.Fragments, req.Offset, req.Length, req.EPAddr)
	if err != nil {
		return sgl.Cursor{}, qerr.WrapQueueError("post", qidx, qerr.CodeInvalidParameters, err)
	}
	if wq.cfg.ST && !wq.cfg.C2H && cur.Misaligned(constants.H2CAlignMask) {
		return sgl.Cursor{}, qerr.NewQueueError("post", qidx, qerr.CodeAlignment,
			fmt.Sprintf("interior fragment not a multiple of %d bytes", constants.H2CAlignMask+1))
	}
	return cur, nil
}

// Post accepts a request. Non-blocking requests return the accepted length
// immediately and report through Done. Blocking requests wait for delivery
// and return the bytes moved; if ctx ends first the request is canceled and
// the bytes so far are returned with ctx's error.
func (wq *WorkQueue) Post(ctx context.Context, req *Request) (int64, error) {
	cur, err := wq.validate(req)
	if err != nil {
		return 0, err
	}

	var w *waiter
	if req.Block {
		w = newWaiter()
	}

	wq.mu.Lock()
	if wq.closed {
		wq.mu.Unlock()
		return 0, qerr.NewQueueError("post", wq.cfg.QIdx, qerr.CodeClosed, "")
	}
	if wq.next(wq.free) == wq.pending {
		wq.mu.Unlock()
		return 0, qerr.NewQueueError("post", wq.cfg.QIdx, qerr.CodeWouldBlock, "")
	}

	slot := wq.free
	e := &wq.entries[slot]
	e.reset()
	wq.nextID++
	e.id = wq.nextID
	e.state = StateSubmitted
	e.req = *req
	e.req.Priv = nil
	e.cursor = cur
	e.waiter = w
	e.start = time.Now()
	copy(e.priv, req.Priv)
	wq.free = wq.next(wq.free)

	wq.stats.RequestsSubmitted++
	wq.stats.BytesSubmitted += req.Length
	wq.observer.ObserveSubmit(req.Length)
	wq.observer.ObserveQueueDepth(wq.depth())
	wq.log.WithRequest(slot, dirString(req.Write)).Debug("request accepted",
		"id", e.id, "bytes", req.Length, "block", req.Block)

	wq.drain()
	wq.reap()
	wq.mu.Unlock()
	wq.flush()

	if w == nil {
		return int64(req.Length), nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-w.ch:
		return wq.waitResult(w)
	case <-ctx.Done():
	}

	wq.mu.Lock()
	select {
	case <-w.ch:
		wq.mu.Unlock()
		return wq.waitResult(w)
	default:
	}
	if err := wq.cancelEntry(slot, e); err != nil {
		// Finalized but still held by hardware; wait for the normal delivery.
		wq.mu.Unlock()
		<-w.ch
		return wq.waitResult(w)
	}
	wq.drain()
	wq.reap()
	wq.mu.Unlock()
	wq.flush()

	<-w.ch
	return int64(w.bytes), ctx.Err()
}

func (wq *WorkQueue) waitResult(w *waiter) (int64, error) {
	return int64(w.bytes), w.err
}

// CancelLatest cancels the most recently accepted request still in the ring
func (wq *WorkQueue) CancelLatest() error {
	wq.mu.Lock()
	if wq.closed {
		wq.mu.Unlock()
		return qerr.NewQueueError("cancel", wq.cfg.QIdx, qerr.CodeClosed, "")
	}
	if wq.free == wq.pending {
		wq.mu.Unlock()
		return qerr.NewQueueError("cancel", wq.cfg.QIdx, qerr.CodeNothingToCancel, "")
	}

	slot := (wq.free - 1) & wq.mask
	err := wq.cancelEntry(slot, &wq.entries[slot])
	if err == nil {
		wq.drain()
		wq.reap()
	}
	wq.mu.Unlock()
	wq.flush()
	return err
}

// cancelEntry marks e canceled, asking the engine to abandon its chunks when
// any are in hardware. A blocked poster is woken right away.
func (wq *WorkQueue) cancelEntry(slot uint32, e *entry) error {
	if e.delivered {
		return qerr.NewQueueError("cancel", wq.cfg.QIdx, qerr.CodeNothingToCancel, "")
	}

	log := wq.log.WithRequest(slot, dirString(e.req.Write))
	switch e.state {
	case StatePending:
		req := &interfaces.SGRequest{
			ID:     e.id,
			Write:  e.req.Write,
			Count:  e.req.Length,
			Chunks: wq.chunks.spans(slot),
		}
		if err := wq.engine.Cancel(wq.handle, req); err != nil {
			log.WithError(err).Warn("engine cancel failed")
		}
		e.state = StateCanceledHW
	case StateSubmitted:
		e.state = StateCanceled
	default:
		return qerr.NewQueueError("cancel", wq.cfg.QIdx, qerr.CodeNothingToCancel, "")
	}
	e.cursor.Drop()
	log.Debug("request canceled", "id", e.id, "state", e.state.String(), "bytes", e.done)

	if e.waiter != nil {
		wq.deliver(slot, e)
	}
	return nil
}

// onCompletion reconciles the oldest in-flight chunk with the hardware report
func (wq *WorkQueue) onCompletion(c interfaces.Completion) {
	wq.mu.Lock()
	if wq.closed {
		wq.mu.Unlock()
		return
	}
	ch, ok := wq.chunks.pop()
	if !ok {
		wq.mu.Unlock()
		wq.log.Warn("completion with no chunk in flight", "bytes", c.Bytes)
		return
	}

	if wq.cache != nil {
		wq.cache.Release(ch.count)
	} else {
		wq.ring.Credit(ch.count)
	}

	e := &wq.entries[ch.slot]
	e.inflight--
	e.done += c.Bytes
	if e.done > e.req.Length {
		e.done = e.req.Length
	}
	if e.state == StatePending && e.inflight == 0 {
		e.state = StateSubmitted
	}

	if e.state == StateSubmitted || e.state == StatePending {
		switch {
		case c.Err != nil || c.EOT || e.done >= e.req.Length:
			e.finalize(c.Err, c.EOT)
		case c.Bytes < ch.bytes:
			wq.log.WithRequest(ch.slot, dirString(e.req.Write)).Warn("short acknowledgement",
				"id", e.id, "bytes", c.Bytes, "want", ch.bytes)
			e.finalize(errShortChunk, false)
		}
	}
	if c.Err != nil {
		wq.log.WithRequest(ch.slot, dirString(e.req.Write)).WithError(c.Err).Debug("chunk failed",
			"id", e.id, "state", e.state.String())
	}

	wq.drain()
	wq.reap()
	wq.mu.Unlock()
	wq.flush()
}

// drain feeds unprocessed entries to the fill strategy until space runs out
func (wq *WorkQueue) drain() {
	if !wq.initialized {
		return
	}
	for wq.unproc != wq.free {
		e := &wq.entries[wq.unproc]
		if e.state.Canceled() || e.state == StateDone || e.cursor.Remaining() == 0 {
			wq.unproc = wq.next(wq.unproc)
			continue
		}
		if wq.cache != nil && e.inflight > 0 {
			return
		}
		if err := wq.fill(wq, wq.unproc, e); err == errNoSpace {
			return
		}
	}
}

// reap releases head slots whose outcome is settled and that hardware no
// longer references
func (wq *WorkQueue) reap() {
	for wq.pending != wq.unproc {
		e := &wq.entries[wq.pending]
		if e.inflight > 0 {
			break
		}
		if e.state != StateDone && !e.state.Canceled() {
			break
		}
		if !e.delivered {
			wq.deliver(wq.pending, e)
		}
		e.reset()
		wq.pending = wq.next(wq.pending)
	}
	wq.observer.ObserveQueueDepth(wq.depth())
}

// deliver hands the outcome of e to its waiter or queues its callback
func (wq *WorkQueue) deliver(slot uint32, e *entry) {
	e.delivered = true
	outcome := e.outcome()

	var err error
	switch outcome {
	case interfaces.OutcomeError:
		err = qerr.WrapQueueError("complete", wq.cfg.QIdx, qerr.CodeIOError, e.err)
	case interfaces.OutcomeCanceled:
		code := qerr.CodeCanceled
		if wq.closed {
			code = qerr.CodeClosed
		}
		err = qerr.NewQueueError("complete", wq.cfg.QIdx, code, "")
	}

	if e.state == StateDone {
		wq.stats.RequestsCompleted++
		wq.stats.BytesCompleted += e.done
	}
	wq.observer.ObserveComplete(e.done, time.Since(e.start), outcome)
	wq.log.WithRequest(slot, dirString(e.req.Write)).Debug("request delivered",
		"id", e.id, "bytes", e.done, "outcome", outcome.String())

	if w := e.waiter; w != nil {
		w.bytes = e.done
		w.outcome = outcome
		w.eot = e.eot
		w.err = err
		close(w.ch)
		return
	}
	if e.req.Done == nil {
		return
	}

	var priv []byte
	if wq.privSize > 0 {
		priv = make([]byte, wq.privSize)
		copy(priv, e.priv)
	}
	wq.events = append(wq.events, event{
		fn: e.req.Done,
		res: Result{
			Bytes:   e.done,
			Outcome: outcome,
			EOT:     e.eot,
			Err:     err,
			Priv:    priv,
		},
	})
}

// flush runs queued callbacks outside the lock. Only one goroutine delivers
// at a time; callbacks that post again are picked up by the same loop.
func (wq *WorkQueue) flush() {
	wq.mu.Lock()
	if wq.delivering || len(wq.events) == 0 {
		wq.mu.Unlock()
		return
	}
	wq.delivering = true
	for len(wq.events) > 0 {
		evs := wq.events
		wq.events = nil
		wq.mu.Unlock()
		for _, ev := range evs {
			ev.fn(ev.res)
		}
		wq.mu.Lock()
	}
	wq.delivering = false
	wq.mu.Unlock()
}

// depth is the number of occupied slots
func (wq *WorkQueue) depth() uint32 {
	return (wq.free - wq.pending) & wq.mask
}

// Stats returns counters and ring occupancy
func (wq *WorkQueue) Stats() Stats {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	s := wq.stats
	s.TotalSlots = uint32(len(wq.entries))
	if len(wq.entries) > 0 {
		s.FreeSlots = (wq.pending - wq.free - 1) & wq.mask
		s.PendingSlots = (wq.unproc - wq.pending) & wq.mask
		s.UnprocessedSlots = (wq.free - wq.unproc) & wq.mask
	}
	return s
}
