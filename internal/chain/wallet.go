package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/dexsync/internal/account"
	"github.com/gateway-fm/dexsync/internal/rpc"
	"github.com/gateway-fm/dexsync/internal/txqueue"
)

// SignRequest describes a transaction awaiting the signer's approval.
type SignRequest struct {
	From     common.Address `json:"from"`
	To       common.Address `json:"to"`
	Value    *big.Int       `json:"value"`
	Data     []byte         `json:"data"`
	Nonce    uint64         `json:"nonce"`
	GasLimit uint64         `json:"gasLimit"`
}

// Prompt asks the user to approve a transaction. Returning an error
// wrapping txqueue.ErrUserRejected declines it.
type Prompt interface {
	Confirm(ctx context.Context, req SignRequest) error
}

// PromptFunc adapts a function to Prompt.
type PromptFunc func(ctx context.Context, req SignRequest) error

func (f PromptFunc) Confirm(ctx context.Context, req SignRequest) error {
	return f(ctx, req)
}

// TxObserver is notified when transactions are sent and mined.
type TxObserver interface {
	TxSent(hash common.Hash, at time.Time)
	TxMined(hash common.Hash, status uint64, at time.Time)
}

// WalletConfig for creating a Wallet.
type WalletConfig struct {
	Client  rpc.Client
	Account *account.Account
	ChainID *big.Int

	GasLimit  uint64   // Fixed gas limit; 0 estimates per transaction
	GasTipCap *big.Int // Priority fee (default: 1 gwei)
	GasFeeCap *big.Int // Fee cap; nil derives 2*baseFee + tip
	Legacy    bool     // Send legacy transactions priced at eth_gasPrice or GasFeeCap

	ReceiptPollInterval time.Duration // default: 1s
	Prompt              Prompt
	Observer            TxObserver
	Logger              *slog.Logger
}

// Wallet signs and submits transactions from a single account.
type Wallet struct {
	client    rpc.Client
	account   *account.Account
	signer    types.Signer
	chainID   *big.Int
	gasLimit  uint64
	gasTipCap *big.Int
	gasFeeCap *big.Int
	legacy    bool
	interval  time.Duration
	prompt    Prompt
	observer  TxObserver
	logger    *slog.Logger
}

// NewWallet creates a new Wallet.
func NewWallet(cfg WalletConfig) (*Wallet, error) {
	if cfg.Client == nil {
		return nil, errors.New("wallet: client is required")
	}
	if cfg.Account == nil {
		return nil, errors.New("wallet: account is required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("wallet: chain id is required")
	}

	tip := cfg.GasTipCap
	if tip == nil {
		tip = big.NewInt(1_000_000_000)
	}
	interval := cfg.ReceiptPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Wallet{
		client:    cfg.Client,
		account:   cfg.Account,
		signer:    types.LatestSignerForChainID(cfg.ChainID),
		chainID:   cfg.ChainID,
		gasLimit:  cfg.GasLimit,
		gasTipCap: tip,
		gasFeeCap: cfg.GasFeeCap,
		legacy:    cfg.Legacy,
		interval:  interval,
		prompt:    cfg.Prompt,
		observer:  cfg.Observer,
		logger:    logger,
	}, nil
}

// Address returns the sending address.
func (w *Wallet) Address() common.Address {
	return w.account.Address
}

// Submit builds, approves, signs and sends a transaction. The nonce is
// released again when any step before the send fails.
func (w *Wallet) Submit(ctx context.Context, to common.Address, value *big.Int, data []byte) (txqueue.PendingTx, error) {
	if value == nil {
		value = new(big.Int)
	}

	gasLimit, err := w.estimateGas(ctx, to, value, data)
	if err != nil {
		return nil, err
	}
	tipCap, feeCap, err := w.fees(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := w.account.ReserveNonce(ctx, w.client)
	if err != nil {
		return nil, err
	}
	defer nonce.Rollback()

	if w.prompt != nil {
		req := SignRequest{
			From:     w.account.Address,
			To:       to,
			Value:    value,
			Data:     data,
			Nonce:    nonce.Value(),
			GasLimit: gasLimit,
		}
		if err := w.prompt.Confirm(ctx, req); err != nil {
			return nil, err
		}
	}

	tx := newTx(w.chainID, nonce.Value(), to, value, gasLimit, tipCap, feeCap, data, w.legacy)
	signed, err := types.SignTx(tx, w.signer, w.account.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal tx: %w", err)
	}

	hash, err := w.client.SendRawTransaction(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	nonce.Commit()

	if hash == (common.Hash{}) {
		hash = signed.Hash()
	}
	sentAt := time.Now()
	if w.observer != nil {
		w.observer.TxSent(hash, sentAt)
	}
	w.logger.Info("transaction sent",
		slog.String("hash", hash.Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", nonce.Value()),
	)

	return &pendingTx{
		hash:     hash,
		client:   w.client,
		interval: w.interval,
		observer: w.observer,
	}, nil
}

func (w *Wallet) estimateGas(ctx context.Context, to common.Address, value *big.Int, data []byte) (uint64, error) {
	if w.gasLimit > 0 {
		return w.gasLimit, nil
	}
	est, err := w.client.EstimateGas(ctx, rpc.CallMsg{From: w.account.Address, To: to, Value: value, Data: data})
	if err != nil {
		return 0, fmt.Errorf("estimate gas: %w", err)
	}
	// 20% headroom over the estimate.
	return est + est/5, nil
}

func (w *Wallet) fees(ctx context.Context) (tipCap, feeCap *big.Int, err error) {
	if w.gasFeeCap != nil {
		return w.gasTipCap, w.gasFeeCap, nil
	}
	if w.legacy {
		price, err := w.client.GetGasPrice(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gas price: %w", err)
		}
		return w.gasTipCap, price, nil
	}
	baseFee, err := w.client.GetBaseFee(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("base fee: %w", err)
	}
	feeCap = new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, w.gasTipCap)
	return w.gasTipCap, feeCap, nil
}

// newTx creates a DynamicFeeTx, or a LegacyTx priced at feeCap.
func newTx(chainID *big.Int, nonce uint64, to common.Address, value *big.Int, gasLimit uint64, tipCap, feeCap *big.Int, data []byte, legacy bool) *types.Transaction {
	if legacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: feeCap,
			Gas:      gasLimit,
			To:       &to,
			Value:    value,
			Data:     data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
}
