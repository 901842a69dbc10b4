package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/dexsync/internal/txqueue"
)

// Submitter sends a transaction. Wallet implements it.
type Submitter interface {
	Submit(ctx context.Context, to common.Address, value *big.Int, data []byte) (txqueue.PendingTx, error)
}

var _ Submitter = (*Wallet)(nil)

// ApproveCall returns a step that approves spender for amount of token.
func ApproveCall(s Submitter, token, spender common.Address, amount *big.Int) (txqueue.MethodCall, error) {
	data, err := EncodeApprove(spender, amount)
	if err != nil {
		return nil, err
	}
	return RawCall(s, token, nil, data), nil
}

// TransferCall returns a step that transfers amount of token to to.
func TransferCall(s Submitter, token, to common.Address, amount *big.Int) (txqueue.MethodCall, error) {
	data, err := EncodeTransfer(to, amount)
	if err != nil {
		return nil, err
	}
	return RawCall(s, token, nil, data), nil
}

// RawCall returns a step that sends value and data to to.
func RawCall(s Submitter, to common.Address, value *big.Int, data []byte) txqueue.MethodCall {
	return func(ctx context.Context) (txqueue.PendingTx, error) {
		return s.Submit(ctx, to, value, data)
	}
}
