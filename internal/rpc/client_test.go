package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// nodeHandler answers JSON-RPC requests from a method → result table.
func nodeHandler(t *testing.T, results map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req jsonRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %s", body)
			return
		}
		result, ok := results[req.Method]
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":`+result+`}`)
	}
}

func newTestClient(url string) *HTTPClient {
	cfg := DefaultClientConfig(url)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return NewHTTPClient(cfg)
}

func TestRPCError(t *testing.T) {
	err := &RPCError{Code: -32000, Message: "nonce too low"}
	if got := err.Error(); got != "RPC error -32000: nonce too low" {
		t.Errorf("Error() = %q", got)
	}
	if !isRPCError(err) {
		t.Error("isRPCError should return true for *RPCError")
	}

	reverted := &RPCError{Code: 3, Message: "execution reverted", Data: "0x08c379a0"}
	if got := reverted.Error(); got != "RPC error 3: execution reverted (data: 0x08c379a0)" {
		t.Errorf("Error() = %q", got)
	}
}

func TestHTTPStatusError(t *testing.T) {
	tests := []struct {
		name       string
		err        HTTPStatusError
		wantString string
		wantRetry  bool
	}{
		{
			name:       "429 Too Many Requests",
			err:        HTTPStatusError{StatusCode: 429, Body: "rate limited"},
			wantString: "HTTP 429: Too Many Requests (body: rate limited)",
			wantRetry:  true,
		},
		{
			name:       "503 Service Unavailable",
			err:        HTTPStatusError{StatusCode: 503},
			wantString: "HTTP 503: Service Unavailable",
			wantRetry:  true,
		},
		{
			name:       "400 Bad Request not retryable",
			err:        HTTPStatusError{StatusCode: 400, Body: "invalid request"},
			wantString: "HTTP 400: Bad Request (body: invalid request)",
			wantRetry:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantString {
				t.Errorf("Error() = %q, want %q", got, tt.wantString)
			}
			if got := tt.err.IsRetryable(); got != tt.wantRetry {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestRetryDelay(t *testing.T) {
	backoff := 100 * time.Millisecond
	if got := retryDelay(&HTTPStatusError{StatusCode: 429, RetryAfter: 2 * time.Second}, backoff); got != 2*time.Second {
		t.Errorf("with Retry-After = %v, want 2s", got)
	}
	if got := retryDelay(&HTTPStatusError{StatusCode: 503}, backoff); got != backoff {
		t.Errorf("without Retry-After = %v, want %v", got, backoff)
	}
	if got := retryDelay(&RPCError{Code: -32000}, backoff); got != backoff {
		t.Errorf("rpc error = %v, want %v", got, backoff)
	}
}

func TestCallRetriesUnavailable(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":"0x10"}`)
	}))
	defer srv.Close()

	n, err := newTestClient(srv.URL).GetBlockNumber(context.Background())
	if err != nil {
		t.Fatalf("GetBlockNumber: %v", err)
	}
	if n != 16 {
		t.Errorf("block number = %d, want 16", n)
	}
	if hits.Load() != 2 {
		t.Errorf("requests = %d, want 2", hits.Load())
	}
}

func TestCallDoesNotRetryNodeErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"error":{"code":3,"message":"execution reverted","data":"0x"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CallContract(context.Background(), CallMsg{To: common.HexToAddress("0x01")})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != 3 || rpcErr.Data != "0x" {
		t.Fatalf("error = %v, want RPC error 3", err)
	}
	if hits.Load() != 1 {
		t.Errorf("requests = %d, want 1", hits.Load())
	}
}

func TestCallContract(t *testing.T) {
	srv := httptest.NewServer(nodeHandler(t, map[string]string{
		"eth_call": `"0x0000000000000000000000000000000000000000000000000000000000000012"`,
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).CallContract(context.Background(), CallMsg{
		To:   common.HexToAddress("0xaa"),
		Data: []byte{0x31, 0x3c, 0xe5, 0x67},
	})
	if err != nil {
		t.Fatalf("CallContract: %v", err)
	}
	if len(out) != 32 || out[31] != 0x12 {
		t.Errorf("result = %x", out)
	}
}

func TestGetTransactionReceipt(t *testing.T) {
	hash := common.HexToHash("0xabc")
	tests := []struct {
		name       string
		result     string
		wantNil    bool
		wantStatus uint64
		wantBlock  uint64
	}{
		{name: "pending", result: `null`, wantNil: true},
		{
			name:       "mined",
			result:     `{"transactionHash":"` + hash.Hex() + `","status":"0x1","blockNumber":"0x2a","gasUsed":"0x5208","effectiveGasPrice":"0x3b9aca00","contractAddress":null}`,
			wantStatus: 1,
			wantBlock:  42,
		},
		{
			name:       "reverted",
			result:     `{"transactionHash":"` + hash.Hex() + `","status":"0x0","blockNumber":"0x2b","gasUsed":"0x5208"}`,
			wantStatus: 0,
			wantBlock:  43,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(nodeHandler(t, map[string]string{"eth_getTransactionReceipt": tt.result}))
			defer srv.Close()

			r, err := newTestClient(srv.URL).GetTransactionReceipt(context.Background(), hash)
			if err != nil {
				t.Fatalf("GetTransactionReceipt: %v", err)
			}
			if tt.wantNil {
				if r != nil {
					t.Errorf("receipt = %+v, want nil", r)
				}
				return
			}
			if r.Status != tt.wantStatus || r.BlockNumber != tt.wantBlock || r.TxHash != hash {
				t.Errorf("receipt = %+v", r)
			}
			if r.GasUsed != 21000 {
				t.Errorf("gas used = %d, want 21000", r.GasUsed)
			}
		})
	}
}

func TestSendRawTransaction(t *testing.T) {
	want := common.HexToHash("0xdeadbeef")
	srv := httptest.NewServer(nodeHandler(t, map[string]string{
		"eth_sendRawTransaction": `"` + want.Hex() + `"`,
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).SendRawTransaction(context.Background(), []byte{0x02, 0xf8})
	if err != nil {
		t.Fatalf("SendRawTransaction: %v", err)
	}
	if got != want {
		t.Errorf("hash = %s, want %s", got.Hex(), want.Hex())
	}
}

func TestQuantityReads(t *testing.T) {
	srv := httptest.NewServer(nodeHandler(t, map[string]string{
		"eth_getBalance":          `"0xde0b6b3a7640000"`,
		"eth_getTransactionCount": `"0x7"`,
		"eth_chainId":             `"0xa4b1"`,
		"eth_getBlockByNumber":    `{"number":"0x1","baseFeePerGas":"0x64"}`,
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()
	addr := common.HexToAddress("0x01")

	bal, err := c.GetBalance(ctx, addr)
	if err != nil || bal.Cmp(big.NewInt(1e18)) != 0 {
		t.Errorf("GetBalance = %v, %v", bal, err)
	}
	nonce, err := c.GetNonce(ctx, addr)
	if err != nil || nonce != 7 {
		t.Errorf("GetNonce = %d, %v", nonce, err)
	}
	chainID, err := c.ChainID(ctx)
	if err != nil || chainID.Int64() != 42161 {
		t.Errorf("ChainID = %v, %v", chainID, err)
	}
	baseFee, err := c.GetBaseFee(ctx)
	if err != nil || baseFee.Int64() != 100 {
		t.Errorf("GetBaseFee = %v, %v", baseFee, err)
	}
}

func TestBatchCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Out of order, with one per-call error.
		_, _ = io.WriteString(w, `[
			{"jsonrpc":"2.0","id":2,"error":{"code":-32000,"message":"header not found"}},
			{"jsonrpc":"2.0","id":1,"result":"0x1"}
		]`)
	}))
	defer srv.Close()

	resps, err := newTestClient(srv.URL).BatchCall(context.Background(), []BatchRequest{
		{Method: "eth_blockNumber"},
		{Method: "eth_getBlockByNumber", Params: []any{"0xffff", false}},
		{Method: "eth_chainId"},
	})
	if err != nil {
		t.Fatalf("BatchCall: %v", err)
	}
	if len(resps) != 3 {
		t.Fatalf("len = %d, want 3", len(resps))
	}
	if string(resps[0].Result) != `"0x1"` || resps[0].Error != nil {
		t.Errorf("resps[0] = %+v", resps[0])
	}
	if !isRPCError(resps[1].Error) {
		t.Errorf("resps[1].Error = %v, want RPC error", resps[1].Error)
	}
	if resps[2].Error == nil {
		t.Error("missing response should be an error")
	}
}
