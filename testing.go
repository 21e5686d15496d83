package qdma

import (
	"sync"
	"time"
)

// MockObserver records observer events for testing.
// It tracks call counts and the outcomes it was handed.
type MockObserver struct {
	mu sync.RWMutex

	submitCalls   int
	completeCalls int
	depthCalls    int

	submittedBytes uint64
	completedBytes uint64
	outcomes       map[Outcome]int
	maxDepth       uint32
}

// NewMockObserver creates an empty mock observer
func NewMockObserver() *MockObserver {
	return &MockObserver{outcomes: make(map[Outcome]int)}
}

// ObserveSubmit implements the Observer interface
func (m *MockObserver) ObserveSubmit(bytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submitCalls++
	m.submittedBytes += bytes
}

// ObserveComplete implements the Observer interface
func (m *MockObserver) ObserveComplete(bytes uint64, _ time.Duration, outcome Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.completeCalls++
	m.completedBytes += bytes
	m.outcomes[outcome]++
}

// ObserveQueueDepth implements the Observer interface
func (m *MockObserver) ObserveQueueDepth(depth uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.depthCalls++
	if depth > m.maxDepth {
		m.maxDepth = depth
	}
}

// Outcomes returns how many deliveries had each outcome
func (m *MockObserver) Outcomes() map[Outcome]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[Outcome]int, len(m.outcomes))
	for k, v := range m.outcomes {
		out[k] = v
	}
	return out
}

// Bytes returns the submitted and delivered byte totals
func (m *MockObserver) Bytes() (submitted, completed uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.submittedBytes, m.completedBytes
}

// MaxDepth returns the largest queue depth observed
func (m *MockObserver) MaxDepth() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxDepth
}

// CallCounts returns the number of times each method has been called
func (m *MockObserver) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"submit":   m.submitCalls,
		"complete": m.completeCalls,
		"depth":    m.depthCalls,
	}
}

// Reset resets all call counters and totals
func (m *MockObserver) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submitCalls = 0
	m.completeCalls = 0
	m.depthCalls = 0
	m.submittedBytes = 0
	m.completedBytes = 0
	m.outcomes = make(map[Outcome]int)
	m.maxDepth = 0
}

// ResultRecorder collects the Results of non-blocking requests in delivery
// order. Use its Done method as Request.Done.
type ResultRecorder struct {
	mu      sync.Mutex
	cond    *sync.Cond
	results []Result
}

// NewResultRecorder creates an empty recorder
func NewResultRecorder() *ResultRecorder {
	r := &ResultRecorder{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Done records res
func (r *ResultRecorder) Done(res Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Len returns the number of results recorded so far
func (r *ResultRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

// Results returns a copy of the recorded results
func (r *ResultRecorder) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

// Wait blocks until n results have been recorded or timeout expires, and
// returns what has been recorded. The bool reports whether n was reached.
func (r *ResultRecorder) Wait(n int, timeout time.Duration) ([]Result, bool) {
	timer := time.AfterFunc(timeout, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.results) < n && time.Now().Before(deadline) {
		r.cond.Wait()
	}
	return append([]Result(nil), r.results...), len(r.results) >= n
}

// Compile-time interface check
var _ Observer = (*MockObserver)(nil)
