package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/dexsync/internal/rpc"
)

const rpcCheckTimeout = 3 * time.Second

// RPCHealthChecker reports the node ready when it answers eth_chainId and
// eth_blockNumber and, if a chain ID is expected, is on that chain.
type RPCHealthChecker struct {
	client  rpc.Client
	chainID uint64 // 0 = any chain
}

// NewRPCHealthChecker creates a health checker for client.
func NewRPCHealthChecker(client rpc.Client, chainID uint64) *RPCHealthChecker {
	return &RPCHealthChecker{client: client, chainID: chainID}
}

// CheckRPC implements HealthChecker. Both calls go out in one batch.
func (h *RPCHealthChecker) CheckRPC(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, rpcCheckTimeout)
	defer cancel()

	resps, err := h.client.BatchCall(ctx, []rpc.BatchRequest{
		{Method: "eth_chainId"},
		{Method: "eth_blockNumber"},
	})
	if err != nil {
		return fmt.Errorf("rpc batch: %w", err)
	}
	if len(resps) != 2 {
		return fmt.Errorf("rpc batch: got %d responses, want 2", len(resps))
	}

	chainID, err := decodeQuantity(resps[0], "eth_chainId")
	if err != nil {
		return err
	}
	if _, err := decodeQuantity(resps[1], "eth_blockNumber"); err != nil {
		return err
	}
	if h.chainID != 0 && chainID != h.chainID {
		return fmt.Errorf("node is on chain %d, want %d", chainID, h.chainID)
	}
	return nil
}

func decodeQuantity(resp rpc.BatchResponse, method string) (uint64, error) {
	if resp.Error != nil {
		return 0, fmt.Errorf("%s: %w", method, resp.Error)
	}
	var v hexutil.Uint64
	if err := json.Unmarshal(resp.Result, &v); err != nil {
		return 0, fmt.Errorf("%s: decode result: %w", method, err)
	}
	return uint64(v), nil
}
