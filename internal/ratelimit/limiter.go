// Package ratelimit paces outgoing RPC reads so background refreshes of
// many cached fields cannot flood the node.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter issues permits no faster than a fixed rate. Each permit is
// scheduled one interval after the previous one; there are no bursts.
type Limiter struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
	rate     float64
	now      func() time.Time
}

// New creates a Limiter issuing ratePerSec permits per second. A zero or
// negative rate is raised to one per second.
func New(ratePerSec float64) *Limiter {
	l := &Limiter{now: time.Now}
	l.setRate(ratePerSec)
	l.next = l.now()
	return l
}

// Wait blocks until a permit is available or ctx is done. A cancelled
// wait hands its slot back when no later permit was scheduled after it.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	now := l.now()
	if l.next.Before(now) {
		l.next = now
	}
	slot := l.next
	l.next = slot.Add(l.interval)
	l.mu.Unlock()

	delay := slot.Sub(now)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if l.next.Equal(slot.Add(l.interval)) {
			l.next = slot
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *Limiter) setRate(ratePerSec float64) {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	l.rate = ratePerSec
	l.interval = time.Duration(float64(time.Second) / ratePerSec)
}

// Rate returns the current rate in permits per second.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}
