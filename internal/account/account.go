// Package account holds the signing key of the session wallet and tracks
// its nonce locally.
package account

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// NonceSource reads nonces from the chain. rpc.Client satisfies it.
type NonceSource interface {
	GetNonce(ctx context.Context, address common.Address) (uint64, error)
	GetConfirmedNonce(ctx context.Context, address common.Address) (uint64, error)
}

// Account is a signing key plus its next nonce.
type Account struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address

	mu     sync.Mutex
	nonce  uint64
	synced bool
}

// NewAccount creates an account from a private key.
func NewAccount(privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key,
// with or without 0x prefix.
func NewAccountFromHex(hexKey string) (*Account, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewAccount(privateKey), nil
}

// Nonce is a reserved nonce that must be committed or rolled back.
type Nonce struct {
	value   uint64
	account *Account
	done    atomic.Bool
}

// Value returns the nonce value.
func (n *Nonce) Value() uint64 {
	return n.value
}

// Commit marks the nonce as used. Idempotent.
func (n *Nonce) Commit() {
	n.done.Store(true)
}

// Rollback releases the nonce if it was neither committed nor rolled back
// before. Meant to be deferred right after ReserveNonce.
func (n *Nonce) Rollback() {
	if n.done.Swap(true) {
		return
	}
	n.account.release(n.value)
}

// ReserveNonce reserves the next nonce, syncing from src first if the
// account has not been synced yet.
//
//	n, err := acc.ReserveNonce(ctx, client)
//	if err != nil {
//	    return err
//	}
//	defer n.Rollback()
//	...
//	n.Commit()
func (a *Account) ReserveNonce(ctx context.Context, src NonceSource) (*Nonce, error) {
	a.mu.Lock()
	synced := a.synced
	a.mu.Unlock()
	if !synced && src != nil {
		if err := a.Resync(ctx, src); err != nil {
			return nil, fmt.Errorf("sync nonce: %w", err)
		}
	}

	a.mu.Lock()
	nonce := a.nonce
	a.nonce++
	a.mu.Unlock()

	return &Nonce{value: nonce, account: a}, nil
}

// release gives nonce back if it is still the latest one issued. Earlier
// nonces cannot be returned without leaving a gap for later ones.
func (a *Account) release(nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nonce == nonce+1 {
		a.nonce = nonce
	}
}

// Resync raises the local nonce to the chain's pending nonce. It never
// moves the nonce backwards, so reservations made meanwhile stay valid.
func (a *Account) Resync(ctx context.Context, src NonceSource) error {
	nonce, err := src.GetNonce(ctx, a.Address)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if nonce > a.nonce {
		a.nonce = nonce
	}
	a.synced = true
	a.mu.Unlock()
	return nil
}

// Reset sets the local nonce to the confirmed on-chain nonce, dropping any
// local reservations. Used after pending transactions were abandoned.
func (a *Account) Reset(ctx context.Context, src NonceSource) error {
	nonce, err := src.GetConfirmedNonce(ctx, a.Address)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.nonce = nonce
	a.synced = true
	a.mu.Unlock()
	return nil
}

// SetNonce sets the nonce value directly.
func (a *Account) SetNonce(nonce uint64) {
	a.mu.Lock()
	a.nonce = nonce
	a.synced = true
	a.mu.Unlock()
}

// PeekNonce returns the next nonce without reserving it.
func (a *Account) PeekNonce() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonce
}
