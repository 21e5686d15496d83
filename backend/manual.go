package backend

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-qdma/internal/constants"
	"github.com/ehrlich-b/go-qdma/internal/desc"
	"github.com/ehrlich-b/go-qdma/internal/interfaces"
)

// Manual is a deterministic engine for tests. It records every call and
// only reports completions when Complete is called.
type Manual struct {
	mu     sync.Mutex
	queues map[interfaces.Handle]*manualQueue
	next   interfaces.Handle

	// Failure injection, consulted on every call.
	AddErr    error
	StartErr  error
	StopErr   error
	RemoveErr error
	ConfigErr error
	RingErr   error
	SubmitErr error
	CancelErr error

	// Negotiate, when set, edits the configuration reported by Config.
	Negotiate func(*interfaces.QueueConfig)
}

type manualQueue struct {
	cfg     interfaces.QueueConfig
	ring    []byte
	pidx    []uint32
	submits []interfaces.SGRequest
	cancels []interfaces.SGRequest
	started bool
	stopped bool
	removed bool
}

// NewManual creates a manual engine
func NewManual() *Manual {
	return &Manual{queues: make(map[interfaces.Handle]*manualQueue)}
}

func (m *Manual) queue(h interfaces.Handle) *manualQueue {
	q, ok := m.queues[h]
	if !ok {
		return &manualQueue{}
	}
	return q
}

// Add provisions a queue
func (m *Manual) Add(cfg *interfaces.QueueConfig) (interfaces.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AddErr != nil {
		return 0, m.AddErr
	}

	q := &manualQueue{cfg: *cfg}
	if q.cfg.QIdx < 0 {
		q.cfg.QIdx = len(m.queues)
	}
	if q.cfg.ST && q.cfg.C2H && q.cfg.C2HBufSize == 0 {
		q.cfg.C2HBufSize = uint32(constants.PageSize)
	}
	if m.Negotiate != nil {
		m.Negotiate(&q.cfg)
	}
	stride := desc.MMDescSize
	if q.cfg.ST {
		stride = desc.H2CDescSize
	}
	q.ring = make([]byte, int(q.cfg.RingSize)*stride)

	m.next++
	m.queues[m.next] = q
	return m.next, nil
}

// Start marks the queue started
func (m *Manual) Start(h interfaces.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return m.StartErr
	}
	m.queue(h).started = true
	return nil
}

// Stop marks the queue stopped
func (m *Manual) Stop(h interfaces.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue(h).stopped = true
	return m.StopErr
}

// Remove marks the queue removed
func (m *Manual) Remove(h interfaces.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue(h).removed = true
	return m.RemoveErr
}

// Config returns the negotiated configuration
func (m *Manual) Config(h interfaces.Handle) (*interfaces.QueueConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConfigErr != nil {
		return nil, m.ConfigErr
	}
	q, ok := m.queues[h]
	if !ok {
		return nil, unix.ENOENT
	}
	cfg := q.cfg
	return &cfg, nil
}

// DescRing returns the descriptor ring memory
func (m *Manual) DescRing(h interfaces.Handle) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RingErr != nil {
		return nil, m.RingErr
	}
	return m.queue(h).ring, nil
}

// UpdatePidx records the producer index
func (m *Manual) UpdatePidx(h interfaces.Handle, c2h bool, pidx uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(h)
	q.pidx = append(q.pidx, pidx)
}

// Submit records a streaming-receive chain, copying its nodes in chain order
func (m *Manual) Submit(h interfaces.Handle, req *interfaces.SGRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return m.SubmitErr
	}

	rec := *req
	rec.Nodes = make([]interfaces.SGNode, 0, req.NumSG)
	for i, n := req.Head, uint32(0); i >= 0 && n < req.NumSG; n++ {
		rec.Nodes = append(rec.Nodes, req.Nodes[i])
		i = req.Nodes[i].Next
	}
	q := m.queue(h)
	q.submits = append(q.submits, rec)
	return nil
}

// Cancel records the cancel request
func (m *Manual) Cancel(h interfaces.Handle, req *interfaces.SGRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(h)
	q.cancels = append(q.cancels, *req)
	return m.CancelErr
}

// Complete reports the oldest in-flight chunk of queue h
func (m *Manual) Complete(h interfaces.Handle, c interfaces.Completion) {
	m.mu.Lock()
	notify := m.queue(h).cfg.Notify
	m.mu.Unlock()
	if notify != nil {
		notify(c)
	}
}

// Pidx returns every published producer index
func (m *Manual) Pidx(h interfaces.Handle) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.queue(h).pidx...)
}

// Submits returns the recorded chains. Nodes are in chain order.
func (m *Manual) Submits(h interfaces.Handle) []interfaces.SGRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]interfaces.SGRequest(nil), m.queue(h).submits...)
}

// Cancels returns the recorded cancel requests
func (m *Manual) Cancels(h interfaces.Handle) []interfaces.SGRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]interfaces.SGRequest(nil), m.queue(h).cancels...)
}

// MM decodes block-mode descriptor i of queue h
func (m *Manual) MM(h interfaces.Handle, i uint32) desc.MM {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(h)
	i &= q.cfg.RingSize - 1
	var d desc.MM
	desc.ReadMM(q.ring[i*desc.MMDescSize:], &d)
	return d
}

// H2C decodes streaming-send descriptor i of queue h
func (m *Manual) H2C(h interfaces.Handle, i uint32) desc.H2C {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(h)
	i &= q.cfg.RingSize - 1
	var d desc.H2C
	desc.ReadH2C(q.ring[i*desc.H2CDescSize:], &d)
	return d
}

// State reports the provisioning flags of queue h
func (m *Manual) State(h interfaces.Handle) (started, stopped, removed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(h)
	return q.started, q.stopped, q.removed
}

// Compile-time interface check
var _ interfaces.Engine = (*Manual)(nil)
