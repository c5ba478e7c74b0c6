package notify

import "sync"

type sendState int

const (
	statePending sendState = iota + 1
	stateNotified
)

// DedupSet records which tenants already have a notification attempt sequence
// in flight or delivered this billing cycle. It is shared by all workers in
// the process and reset at cycle rollover.
//
// The guarantee is process-local: a second worker process keeps its own set
// and may notify the same tenant independently.
type DedupSet struct {
	mu    sync.Mutex
	state map[string]sendState
}

// NewDedupSet creates an empty dedup set.
func NewDedupSet() *DedupSet {
	return &DedupSet{state: make(map[string]sendState)}
}

// Begin atomically claims the tenant for one delivery attempt sequence.
// Returns false if a sequence is already in flight or the tenant was notified
// this cycle.
func (s *DedupSet) Begin(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state[tenantID]; ok {
		return false
	}
	s.state[tenantID] = statePending
	return true
}

// Commit marks the tenant as notified for the rest of the cycle.
func (s *DedupSet) Commit(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[tenantID] = stateNotified
}

// Abort releases a claim after a failed sequence, leaving the tenant eligible
// for a future attempt. A committed tenant is never released.
func (s *DedupSet) Abort(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state[tenantID] == statePending {
		delete(s.state, tenantID)
	}
}

// Notified reports whether the tenant was delivered a notification this cycle.
func (s *DedupSet) Notified(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[tenantID] == stateNotified
}

// Reset clears the whole set at billing-cycle rollover.
func (s *DedupSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = make(map[string]sendState)
}
