package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/dexsync/internal/rpc"
	"github.com/gateway-fm/dexsync/internal/txqueue"
)

// pendingTx polls the node for the receipt of a sent transaction.
type pendingTx struct {
	hash     common.Hash
	client   rpc.Client
	interval time.Duration
	observer TxObserver
}

var (
	_ txqueue.PendingTx = (*pendingTx)(nil)
	_ txqueue.Hasher    = (*pendingTx)(nil)
)

// NewPendingTx returns a handle for an already sent transaction.
func NewPendingTx(client rpc.Client, hash common.Hash, interval time.Duration) txqueue.PendingTx {
	if interval <= 0 {
		interval = time.Second
	}
	return &pendingTx{hash: hash, client: client, interval: interval}
}

func (p *pendingTx) Hash() common.Hash {
	return p.hash
}

// Wait polls eth_getTransactionReceipt until the transaction is mined.
// Lookup errors are retried at the next tick.
func (p *pendingTx) Wait(ctx context.Context) (*txqueue.Receipt, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var lastErr error
	for {
		r, err := p.client.GetTransactionReceipt(ctx, p.hash)
		switch {
		case err != nil:
			lastErr = err
		case r != nil:
			if p.observer != nil {
				p.observer.TxMined(p.hash, r.Status, time.Now())
			}
			receipt := &txqueue.Receipt{
				TxHash:      p.hash,
				Status:      r.Status,
				BlockNumber: r.BlockNumber,
				GasUsed:     r.GasUsed,
			}
			if r.Status == txqueue.ReceiptStatusFailed {
				return receipt, fmt.Errorf("%w: %s in block %d", txqueue.ErrTxReverted, p.hash.Hex(), r.BlockNumber)
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last receipt error: %v)", ctx.Err(), lastErr)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
