package queue

import (
	"time"

	"github.com/ehrlich-b/go-qdma/internal/interfaces"
	"github.com/ehrlich-b/go-qdma/internal/sgl"
)

// waiter is the per-post wake handle of a blocking request
type waiter struct {
	ch      chan struct{}
	bytes   uint64
	outcome interfaces.Outcome
	eot     bool
	err     error
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan struct{})}
}

// entry is one WQE ring slot
type entry struct {
	state     State
	id        uint64
	req       Request
	cursor    sgl.Cursor
	done      uint64
	inflight  uint32
	eot       bool
	err       error
	delivered bool
	priv      []byte
	waiter    *waiter
	start     time.Time
}

// reset returns the slot to StateFree, keeping its private data area
func (e *entry) reset() {
	priv := e.priv
	for i := range priv {
		priv[i] = 0
	}
	*e = entry{priv: priv}
}

// finalize moves the entry to DONE and stops further fill passes
func (e *entry) finalize(err error, eot bool) {
	e.state = StateDone
	e.err = err
	e.eot = eot
	e.cursor.Drop()
}

func (e *entry) outcome() interfaces.Outcome {
	switch {
	case e.state.Canceled():
		return interfaces.OutcomeCanceled
	case e.err != nil:
		return interfaces.OutcomeError
	default:
		return interfaces.OutcomeSuccess
	}
}

func dirString(write bool) string {
	if write {
		return "h2c"
	}
	return "c2h"
}
