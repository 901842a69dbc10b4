package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/dexsync/internal/ratelimit"
	"github.com/gateway-fm/dexsync/internal/rpc"
)

// RPCObserver is notified of every read issued by a Reader.
type RPCObserver interface {
	RPCCall(method string, elapsed time.Duration, err error)
}

// ReaderConfig for creating a Reader.
type ReaderConfig struct {
	Client   rpc.Client
	Limiter  *ratelimit.Limiter // Optional read budget
	Observer RPCObserver
	Logger   *slog.Logger
}

// Reader performs typed on-chain reads.
type Reader struct {
	client   rpc.Client
	limiter  *ratelimit.Limiter
	observer RPCObserver
	logger   *slog.Logger
}

// NewReader creates a new Reader.
func NewReader(cfg ReaderConfig) *Reader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		client:   cfg.Client,
		limiter:  cfg.Limiter,
		observer: cfg.Observer,
		logger:   logger,
	}
}

func (r *Reader) observe(method string, start time.Time, err error) {
	if r.observer != nil {
		r.observer.RPCCall(method, time.Since(start), err)
	}
}

func (r *Reader) wait(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

// callERC20 runs a view method of token and returns its single output.
func (r *Reader) callERC20(ctx context.Context, token common.Address, method string, args ...any) (any, error) {
	data, err := ERC20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if err := r.wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := r.client.CallContract(ctx, rpc.CallMsg{To: token, Data: data})
	r.observe("eth_call", start, err)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", token.Hex(), method, err)
	}

	values, err := ERC20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack %s: got %d outputs", method, len(values))
	}
	return values[0], nil
}

// Decimals reads decimals() of token.
func (r *Reader) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	v, err := r.callERC20(ctx, token, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := v.(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected type %T", v)
	}
	return d, nil
}

// Symbol reads symbol() of token.
func (r *Reader) Symbol(ctx context.Context, token common.Address) (string, error) {
	return r.callString(ctx, token, "symbol")
}

// Name reads name() of token.
func (r *Reader) Name(ctx context.Context, token common.Address) (string, error) {
	return r.callString(ctx, token, "name")
}

func (r *Reader) callString(ctx context.Context, token common.Address, method string) (string, error) {
	v, err := r.callERC20(ctx, token, method)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: unexpected type %T", method, v)
	}
	return s, nil
}

func (r *Reader) callBig(ctx context.Context, token common.Address, method string, args ...any) (*big.Int, error) {
	v, err := r.callERC20(ctx, token, method, args...)
	if err != nil {
		return nil, err
	}
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected type %T", method, v)
	}
	return b, nil
}

// TotalSupply reads totalSupply() of token.
func (r *Reader) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	return r.callBig(ctx, token, "totalSupply")
}

// BalanceOf reads balanceOf(owner) of token.
func (r *Reader) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return r.callBig(ctx, token, "balanceOf", owner)
}

// Allowance reads allowance(owner, spender) of token.
func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return r.callBig(ctx, token, "allowance", owner, spender)
}

// EthBalance reads the native balance of account.
func (r *Reader) EthBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	bal, err := r.client.GetBalance(ctx, account)
	r.observe("eth_getBalance", start, err)
	return bal, err
}

// BlockNumber reads the latest block number.
func (r *Reader) BlockNumber(ctx context.Context) (uint64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	start := time.Now()
	n, err := r.client.GetBlockNumber(ctx)
	r.observe("eth_blockNumber", start, err)
	return n, err
}
