package metrics

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultMaxTrackedTxs bounds the number of in-flight transactions tracked.
const DefaultMaxTrackedTxs = 4096

// TxTracker remembers when transactions were sent until they are mined.
// When full, the oldest transaction is forgotten; its confirmation is then
// simply not timed.
type TxTracker struct {
	mu    sync.Mutex
	sent  map[common.Hash]time.Time
	order []common.Hash // FIFO of hashes, may hold already taken ones
	max   int
}

// NewTxTracker creates a tracker holding at most max transactions.
func NewTxTracker(max int) *TxTracker {
	if max <= 0 {
		max = DefaultMaxTrackedTxs
	}
	return &TxTracker{
		sent: make(map[common.Hash]time.Time),
		max:  max,
	}
}

// Add records that hash was sent at.
func (t *TxTracker) Add(hash common.Hash, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sent[hash]; !ok {
		t.order = append(t.order, hash)
	}
	t.sent[hash] = at

	for len(t.sent) > t.max {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.sent, oldest)
	}
	t.compact()
}

// Take returns the send time of hash and forgets it.
func (t *TxTracker) Take(hash common.Hash) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	at, ok := t.sent[hash]
	if ok {
		delete(t.sent, hash)
		t.compact()
	}
	return at, ok
}

// compact drops taken hashes from order once they dominate it. Called with
// mu held.
func (t *TxTracker) compact() {
	if len(t.order) <= 2*t.max && len(t.order) <= 2*len(t.sent)+16 {
		return
	}
	kept := t.order[:0]
	for _, h := range t.order {
		if _, ok := t.sent[h]; ok {
			kept = append(kept, h)
		}
	}
	clear(t.order[len(kept):])
	t.order = kept
}

// Len returns the number of transactions awaiting confirmation.
func (t *TxTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}
