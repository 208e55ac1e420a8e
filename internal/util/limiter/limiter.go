package limiter

import "sync"

// Limiter is a counting semaphore bounding concurrent work such as open
// streams. A nil *Limiter never refuses.
type Limiter struct {
	max  int
	mu   sync.Mutex
	used int
}

// New returns a Limiter admitting up to max concurrent holders.
// When max <= 0 the limiter is disabled and nil is returned.
func New(max int) *Limiter {
	if max <= 0 {
		return nil
	}
	return &Limiter{max: max}
}

// TryAcquire takes a slot without blocking and reports whether it succeeded.
func (l *Limiter) TryAcquire() bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used >= l.max {
		return false
	}
	l.used++
	return true
}

// Release returns a slot taken by a successful TryAcquire.
func (l *Limiter) Release() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used > 0 {
		l.used--
	}
}

// InUse reports the number of held slots.
func (l *Limiter) InUse() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// Capacity returns the configured maximum, 0 when disabled.
func (l *Limiter) Capacity() int {
	if l == nil {
		return 0
	}
	return l.max
}
