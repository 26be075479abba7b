package artifacts

import "sync"

// Tracker remembers the most recently produced medium of this process. It
// is not persisted: a resumed build starts without a current medium.
type Tracker struct {
	mu      sync.Mutex
	current *Medium
}

// Set records m as the current medium.
func (t *Tracker) Set(m Medium) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = &m
}

// Current returns the current medium, if any.
func (t *Tracker) Current() (Medium, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return Medium{}, false
	}
	return *t.current, true
}
