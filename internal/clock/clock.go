// Package clock supplies "now" to the dispatch engine.
//
// Production code uses Real. Tests and the simulation engine use a Fixed
// clock whose instant can be moved explicitly, so no component reads
// time.Now() behind the caller's back.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

// Real reads the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fixed returns a settable instant. The zero value reports the zero time.
type Fixed struct {
	mu sync.RWMutex
	at time.Time
}

func NewFixed(at time.Time) *Fixed { return &Fixed{at: at} }

func (f *Fixed) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.at
}

func (f *Fixed) Set(at time.Time) {
	f.mu.Lock()
	f.at = at
	f.mu.Unlock()
}

func (f *Fixed) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.at = f.at.Add(d)
	return f.at
}

// Func adapts a plain function.
type Func func() time.Time

func (fn Func) Now() time.Time { return fn() }

// Or returns c, or Real when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
