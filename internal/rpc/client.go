// Package rpc provides a JSON-RPC client for an Ethereum node with retry
// on transient transport errors.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Client is the node API used for reads, submission and confirmation.
type Client interface {
	// Call makes a single JSON-RPC call.
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)

	// BatchCall makes multiple JSON-RPC calls in one HTTP request.
	BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error)

	// CallContract executes a read-only message call at the latest block.
	CallContract(ctx context.Context, msg CallMsg) ([]byte, error)

	// EstimateGas estimates the gas a message call would use.
	EstimateGas(ctx context.Context, msg CallMsg) (uint64, error)

	// SendRawTransaction submits a signed transaction and returns its hash.
	SendRawTransaction(ctx context.Context, txRLP []byte) (common.Hash, error)

	// GetTransactionReceipt returns the receipt of a mined transaction, or
	// nil while it is pending.
	GetTransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)

	// GetNonce returns the pending nonce of address.
	GetNonce(ctx context.Context, address common.Address) (uint64, error)

	// GetConfirmedNonce returns the nonce of address at the latest block.
	GetConfirmedNonce(ctx context.Context, address common.Address) (uint64, error)

	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)
	GetBlockNumber(ctx context.Context) (uint64, error)
	GetGasPrice(ctx context.Context) (*big.Int, error)
	GetBaseFee(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// CallMsg is the argument of eth_call and eth_estimateGas.
type CallMsg struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Data  []byte
}

func (m CallMsg) toArg() map[string]any {
	arg := map[string]any{
		"to":   m.To.Hex(),
		"data": hexutil.Bytes(m.Data),
	}
	if m.From != (common.Address{}) {
		arg["from"] = m.From.Hex()
	}
	if m.Value != nil && m.Value.Sign() > 0 {
		arg["value"] = (*hexutil.Big)(m.Value)
	}
	return arg
}

// Receipt is the decoded result of eth_getTransactionReceipt.
type Receipt struct {
	TxHash            common.Hash
	Status            uint64 // 1 = success, 0 = failure
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	ContractAddress   common.Address
}

type jsonRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type jsonResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *jsonError      `json:"error,omitempty"`
	ID     int             `json:"id"`
}

type jsonError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *jsonError) toError() error {
	rpcErr := &RPCError{Code: e.Code, Message: e.Message}
	if len(e.Data) > 0 {
		var s string
		if json.Unmarshal(e.Data, &s) == nil {
			rpcErr.Data = s
		} else {
			rpcErr.Data = string(e.Data)
		}
	}
	return rpcErr
}

// BatchRequest is a single call of a batch.
type BatchRequest struct {
	Method string
	Params []any
}

// BatchResponse is the result of a single call of a batch.
type BatchResponse struct {
	Result json.RawMessage
	Error  error
}

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// DefaultClientConfig returns defaults suited to an interactive session.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        5 * time.Second,
		MaxRetries:     2,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger,
	}
}

// Call makes a JSON-RPC call. Retryable HTTP statuses and network errors
// are retried with exponential backoff; node errors are returned as is.
func (c *HTTPClient) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(jsonRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	var result json.RawMessage
	err = c.withRetry(ctx, method, func() error {
		raw, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		var resp jsonResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("unmarshal %s response: %w", method, err)
		}
		if resp.Error != nil {
			return resp.Error.toError()
		}
		result = resp.Result
		return nil
	})
	return result, err
}

// BatchCall makes multiple JSON-RPC calls in a single HTTP request.
// Results are returned in call order; per-call errors are set in
// BatchResponse.Error.
func (c *HTTPClient) BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	reqs := make([]jsonRequest, len(calls))
	for i, call := range calls {
		params := call.Params
		if params == nil {
			params = []any{}
		}
		reqs[i] = jsonRequest{JSONRPC: "2.0", Method: call.Method, Params: params, ID: i + 1}
	}
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}

	var results []BatchResponse
	err = c.withRetry(ctx, "batch", func() error {
		raw, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		var resps []jsonResponse
		if err := json.Unmarshal(raw, &resps); err != nil {
			return fmt.Errorf("unmarshal batch response: %w", err)
		}

		byID := make(map[int]*jsonResponse, len(resps))
		for i := range resps {
			byID[resps[i].ID] = &resps[i]
		}
		results = make([]BatchResponse, len(calls))
		for i := range calls {
			resp, ok := byID[i+1]
			switch {
			case !ok:
				results[i].Error = fmt.Errorf("missing response for request %d", i+1)
			case resp.Error != nil:
				results[i].Error = resp.Error.toError()
			default:
				results[i].Result = resp.Result
			}
		}
		return nil
	})
	return results, err
}

func (c *HTTPClient) withRetry(ctx context.Context, label string, attempt func() error) error {
	var lastErr error
	backoff := c.backoff

	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isRPCError(err) {
			return err
		}
		if isRetryableHTTPError(err) {
			backoff = retryDelay(err, backoff)
		}
		c.logger.Debug("RPC request failed, retrying",
			slog.String("method", label),
			slog.Int("attempt", i+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
	}

	return fmt.Errorf("all retries failed: %w", lastErr)
}

func (c *HTTPClient) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(errBody)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				statusErr.RetryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return nil, statusErr
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}

func decodeQuantity(raw json.RawMessage, what string) (uint64, error) {
	var s hexutil.Uint64
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("decode %s: %w", what, err)
	}
	return uint64(s), nil
}

func decodeBig(raw json.RawMessage, what string) (*big.Int, error) {
	var b hexutil.Big
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode %s: %w", what, err)
	}
	return b.ToInt(), nil
}

// CallContract executes eth_call against the latest block.
func (c *HTTPClient) CallContract(ctx context.Context, msg CallMsg) ([]byte, error) {
	result, err := c.Call(ctx, "eth_call", []any{msg.toArg(), "latest"})
	if err != nil {
		return nil, err
	}
	var out hexutil.Bytes
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("decode call result: %w", err)
	}
	return out, nil
}

// EstimateGas runs eth_estimateGas.
func (c *HTTPClient) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	result, err := c.Call(ctx, "eth_estimateGas", []any{msg.toArg()})
	if err != nil {
		return 0, err
	}
	return decodeQuantity(result, "gas estimate")
}

// SendRawTransaction submits a signed transaction.
func (c *HTTPClient) SendRawTransaction(ctx context.Context, txRLP []byte) (common.Hash, error) {
	result, err := c.Call(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(txRLP)})
	if err != nil {
		return common.Hash{}, err
	}
	var hash common.Hash
	if err := json.Unmarshal(result, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("decode tx hash: %w", err)
	}
	return hash, nil
}

// GetTransactionReceipt returns nil, nil while the transaction is pending.
func (c *HTTPClient) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", []any{hash.Hex()})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}

	var raw struct {
		TransactionHash   common.Hash     `json:"transactionHash"`
		Status            hexutil.Uint64  `json:"status"`
		BlockNumber       hexutil.Uint64  `json:"blockNumber"`
		GasUsed           hexutil.Uint64  `json:"gasUsed"`
		EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
		ContractAddress   *common.Address `json:"contractAddress"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}

	r := &Receipt{
		TxHash:      raw.TransactionHash,
		Status:      uint64(raw.Status),
		BlockNumber: uint64(raw.BlockNumber),
		GasUsed:     uint64(raw.GasUsed),
	}
	if r.TxHash == (common.Hash{}) {
		r.TxHash = hash
	}
	if raw.EffectiveGasPrice != nil {
		r.EffectiveGasPrice = raw.EffectiveGasPrice.ToInt()
	}
	if raw.ContractAddress != nil {
		r.ContractAddress = *raw.ContractAddress
	}
	return r, nil
}

// GetNonce returns the nonce including pending transactions.
func (c *HTTPClient) GetNonce(ctx context.Context, address common.Address) (uint64, error) {
	result, err := c.Call(ctx, "eth_getTransactionCount", []any{address.Hex(), "pending"})
	if err != nil {
		return 0, err
	}
	return decodeQuantity(result, "nonce")
}

// GetConfirmedNonce returns the nonce at the latest block.
func (c *HTTPClient) GetConfirmedNonce(ctx context.Context, address common.Address) (uint64, error) {
	result, err := c.Call(ctx, "eth_getTransactionCount", []any{address.Hex(), "latest"})
	if err != nil {
		return 0, err
	}
	return decodeQuantity(result, "nonce")
}

// GetBalance returns the native balance at the latest block.
func (c *HTTPClient) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_getBalance", []any{address.Hex(), "latest"})
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "balance")
}

// GetBlockNumber returns the latest block number.
func (c *HTTPClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	return decodeQuantity(result, "block number")
}

// GetGasPrice returns the node's suggested legacy gas price.
func (c *HTTPClient) GetGasPrice(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "gas price")
}

// GetBaseFee returns baseFeePerGas of the latest block.
func (c *HTTPClient) GetBaseFee(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_getBlockByNumber", []any{"latest", false})
	if err != nil {
		return nil, err
	}
	var block struct {
		BaseFeePerGas *hexutil.Big `json:"baseFeePerGas"`
	}
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	if block.BaseFeePerGas == nil {
		return nil, fmt.Errorf("baseFeePerGas not found in block")
	}
	return block.BaseFeePerGas.ToInt(), nil
}

// ChainID returns the chain ID reported by the node.
func (c *HTTPClient) ChainID(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "chain id")
}
