package ring

import "sync/atomic"

// barrierDummy is used for atomic operations that provide memory barrier semantics.
// On x86-64, atomic.AddInt64 compiles to LOCK XADD which has full fence semantics.
var barrierDummy int64

// Wmb orders descriptor stores before the producer index update that
// publishes them.
func Wmb() {
	atomic.AddInt64(&barrierDummy, 0)
}
