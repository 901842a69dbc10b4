package freshness

import (
	"sync"
	"time"
)

// Update is a single change published by a Cell.
type Update struct {
	Value   any
	Version uint64
	At      time.Time
}

// Cell is an observable value holder. Readers either poll Value or
// subscribe for change notifications.
//
// Subscriber channels have a buffer of one. A subscriber that falls behind
// only ever sees the most recent update; the writer never blocks.
type Cell struct {
	mu      sync.RWMutex
	value   any
	version uint64
	at      time.Time

	subs    map[uint64]chan Update
	nextSub uint64
}

func newCell(initial any) *Cell {
	return &Cell{
		value: initial,
		subs:  make(map[uint64]chan Update),
	}
}

// Value returns the current value.
func (c *Cell) Value() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Version returns how many times the value has been replaced.
// Zero means the cell still holds its default.
func (c *Cell) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Subscribe registers for updates. The returned cancel func must be called
// to release the subscription; it closes the channel.
func (c *Cell) Subscribe() (<-chan Update, func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Update, 1)
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			close(ch)
			c.mu.Unlock()
		})
	}
	return ch, cancel
}

func (c *Cell) set(value any, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = value
	c.version++
	c.at = at

	u := Update{Value: value, Version: c.version, At: at}
	for _, ch := range c.subs {
		select {
		case ch <- u:
		default:
			// Replace the pending update with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
}
