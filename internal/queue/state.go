package queue

// State is the lifecycle state of a work queue entry
type State int

const (
	StateFree       State = iota // slot unused
	StateSubmitted                // accepted, no chunk in hardware
	StatePending                  // at least one chunk in hardware
	StateDone                     // finalized, awaiting delivery or reclaim
	StateCanceled                 // canceled before reaching hardware
	StateCanceledHW               // canceled while chunks were in hardware
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateSubmitted:
		return "submitted"
	case StatePending:
		return "pending"
	case StateDone:
		return "done"
	case StateCanceled:
		return "canceled"
	case StateCanceledHW:
		return "canceled_hw"
	default:
		return "unknown"
	}
}

// Canceled reports whether s is one of the canceled states
func (s State) Canceled() bool {
	return s == StateCanceled || s == StateCanceledHW
}
