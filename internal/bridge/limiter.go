package bridge

import "sync"

// sessionLimiter caps concurrent sessions. A max of zero or less is unlimited.
type sessionLimiter struct {
	max    int
	mu     sync.Mutex
	active int
}

func newSessionLimiter(max int) *sessionLimiter {
	return &sessionLimiter{max: max}
}

func (l *sessionLimiter) Acquire() bool {
	if l == nil || l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.max {
		return false
	}
	l.active++
	return true
}

func (l *sessionLimiter) Release() {
	if l == nil || l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
}
