package pipeline

import "sync"

// uploadSlots bounds concurrent multipart uploads per principal,
// independent of the scheduler's own per-principal concurrency limit
// (spec.md §4.5 "Upload rate limit").
type uploadSlots struct {
	max int

	mu     sync.Mutex
	active map[string]int
}

func newUploadSlots(max int) *uploadSlots {
	return &uploadSlots{max: max, active: make(map[string]int)}
}

// acquire reserves one upload slot for principalKey, returning false if the
// principal is already at its upload concurrency limit.
func (u *uploadSlots) acquire(principalKey string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active[principalKey] >= u.max {
		return false
	}
	u.active[principalKey]++
	return true
}

// release returns a previously acquired slot. Safe to call exactly once
// per successful acquire, from any exit path of the multipart handler.
func (u *uploadSlots) release(principalKey string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active[principalKey] > 0 {
		u.active[principalKey]--
	}
	if u.active[principalKey] == 0 {
		delete(u.active, principalKey)
	}
}
