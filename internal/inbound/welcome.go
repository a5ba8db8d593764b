package inbound

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type welcomeMark struct {
	last    time.Time
	greeted bool
}

// Welcome remembers who has been greeted so duplicate inbound events
// racing the resolution chain do not produce a second greeting.
type Welcome struct {
	mu     sync.Mutex
	marks  *expirable.LRU[string, welcomeMark]
	window time.Duration
}

// NewWelcome creates a tracker holding at most size marks for ttl.
// Greetings within window of the previous one are always suppressed.
func NewWelcome(size int, ttl, window time.Duration) *Welcome {
	return &Welcome{
		marks:  expirable.NewLRU[string, welcomeMark](size, nil, ttl),
		window: window,
	}
}

// Claim reports whether key may be greeted at now, and records the
// greeting if so.
func (w *Welcome) Claim(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if m, ok := w.marks.Get(key); ok {
		if m.greeted || now.Sub(m.last) < w.window {
			return false
		}
	}
	w.marks.Add(key, welcomeMark{last: now, greeted: true})
	return true
}

// Greeted reports whether key has been greeted.
func (w *Welcome) Greeted(key string) bool {
	m, ok := w.marks.Peek(key)
	return ok && m.greeted
}
