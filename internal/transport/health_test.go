package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/gateway-fm/dexsync/internal/rpc"
)

// batchClient answers BatchCall only.
type batchClient struct {
	rpc.Client
	resps []rpc.BatchResponse
	err   error
	got   []rpc.BatchRequest
}

func (c *batchClient) BatchCall(ctx context.Context, calls []rpc.BatchRequest) ([]rpc.BatchResponse, error) {
	c.got = calls
	return c.resps, c.err
}

func quantity(s string) rpc.BatchResponse {
	return rpc.BatchResponse{Result: json.RawMessage(`"` + s + `"`)}
}

func TestRPCHealthChecker(t *testing.T) {
	tests := []struct {
		name    string
		chainID uint64
		resps   []rpc.BatchResponse
		err     error
		wantErr string // Empty string = no error expected
	}{
		{name: "any chain", resps: []rpc.BatchResponse{quantity("0x7a69"), quantity("0x10")}},
		{name: "expected chain", chainID: 31337, resps: []rpc.BatchResponse{quantity("0x7a69"), quantity("0x10")}},
		{name: "wrong chain", chainID: 1, resps: []rpc.BatchResponse{quantity("0x7a69"), quantity("0x10")}, wantErr: "on chain 31337, want 1"},
		{name: "transport error", err: errors.New("connection refused"), wantErr: "connection refused"},
		{name: "short batch", resps: []rpc.BatchResponse{quantity("0x1")}, wantErr: "got 1 responses"},
		{
			name:    "node error",
			resps:   []rpc.BatchResponse{quantity("0x1"), {Error: &rpc.RPCError{Code: -32000, Message: "syncing"}}},
			wantErr: "eth_blockNumber",
		},
		{name: "bad quantity", resps: []rpc.BatchResponse{{Result: json.RawMessage(`"zz"`)}, quantity("0x1")}, wantErr: "eth_chainId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &batchClient{resps: tt.resps, err: tt.err}
			err := NewRPCHealthChecker(client, tt.chainID).CheckRPC(context.Background())
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("CheckRPC() unexpected error: %v", err)
				}
			} else if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("CheckRPC() error = %v, want containing %q", err, tt.wantErr)
			}
			if len(client.got) != 2 || client.got[0].Method != "eth_chainId" || client.got[1].Method != "eth_blockNumber" {
				t.Errorf("batch = %+v", client.got)
			}
		})
	}
}
