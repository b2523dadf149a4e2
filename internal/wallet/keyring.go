package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/offersync/internal/provider"
)

// TxBackend is the part of the ledger client a Keyring needs to submit
// locally signed transactions. *ethclient.Client satisfies it.
type TxBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Approver decides whether the listed accounts may be exposed.
type Approver func(ctx context.Context, accounts []common.Address) error

// Option configures a Keyring
type Option func(*Keyring)

// WithApprover installs an authorization hook run by RequestAccounts.
func WithApprover(a Approver) Option {
	return func(k *Keyring) {
		k.approve = a
	}
}

// WithChainID pins the signing chain ID instead of asking the backend.
func WithChainID(id int64) Option {
	return func(k *Keyring) {
		k.chainID = big.NewInt(id)
	}
}

// Keyring is a provider over in-process private keys.
type Keyring struct {
	backend TxBackend
	approve Approver
	chainID *big.Int

	mu         sync.RWMutex
	keys       []*ecdsa.PrivateKey // active key first
	authorized bool

	changed chan struct{}
}

// Compile-time interface check
var _ provider.Provider = (*Keyring)(nil)

// NewKeyring parses hex-encoded private keys (with or without 0x).
func NewKeyring(hexKeys []string, backend TxBackend, opts ...Option) (*Keyring, error) {
	if len(hexKeys) == 0 {
		return nil, ErrNoKeys
	}

	keys := make([]*ecdsa.PrivateKey, 0, len(hexKeys))
	for i, hk := range hexKeys {
		hk = strings.TrimPrefix(strings.TrimSpace(hk), "0x")
		if len(hk) != 64 {
			return nil, fmt.Errorf("%w: key %d must be 64 hex characters", ErrInvalidPrivateKey, i)
		}
		key, err := crypto.HexToECDSA(hk)
		if err != nil {
			return nil, fmt.Errorf("%w: key %d: %v", ErrInvalidPrivateKey, i, err)
		}
		keys = append(keys, key)
	}

	k := &Keyring{
		backend: backend,
		keys:    keys,
		changed: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

func (k *Keyring) addresses() []common.Address {
	out := make([]common.Address, len(k.keys))
	for i, key := range k.keys {
		out[i] = crypto.PubkeyToAddress(key.PublicKey)
	}
	return out
}

// RequestAccounts runs the approver (if any) and exposes the accounts.
func (k *Keyring) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	k.mu.RLock()
	addrs := k.addresses()
	k.mu.RUnlock()

	if k.approve != nil {
		if err := k.approve(ctx, addrs); err != nil {
			return nil, err
		}
	}

	k.mu.Lock()
	k.authorized = true
	k.mu.Unlock()
	return addrs, nil
}

// Accounts lists authorized accounts. Before authorization the list is
// empty, mirroring eth_accounts.
func (k *Keyring) Accounts(ctx context.Context) ([]common.Address, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.authorized {
		return []common.Address{}, nil
	}
	return k.addresses(), nil
}

// Select makes addr the active account and notifies listeners.
func (k *Keyring) Select(addr common.Address) error {
	k.mu.Lock()
	idx := -1
	for i, key := range k.keys {
		if crypto.PubkeyToAddress(key.PublicKey) == addr {
			idx = i
			break
		}
	}
	if idx < 0 {
		k.mu.Unlock()
		return ErrUnknownAccount
	}
	if idx == 0 {
		k.mu.Unlock()
		return nil
	}
	selected := k.keys[idx]
	copy(k.keys[1:idx+1], k.keys[:idx])
	k.keys[0] = selected
	k.mu.Unlock()

	select {
	case k.changed <- struct{}{}:
	default:
	}
	return nil
}

// AccountsChanged delivers a trigger after Select switches accounts.
func (k *Keyring) AccountsChanged() <-chan struct{} {
	return k.changed
}

func (k *Keyring) keyFor(addr common.Address) (*ecdsa.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.authorized {
		return nil, ErrNotAuthorized
	}
	for _, key := range k.keys {
		if crypto.PubkeyToAddress(key.PublicKey) == addr {
			return key, nil
		}
	}
	return nil, ErrUnknownAccount
}

// SendTransaction signs req with the key for req.From and submits it.
func (k *Keyring) SendTransaction(ctx context.Context, req provider.TxRequest) (common.Hash, error) {
	key, err := k.keyFor(req.From)
	if err != nil {
		return common.Hash{}, &SendError{Op: "sign", Err: err}
	}

	nonce, err := k.backend.PendingNonceAt(ctx, req.From)
	if err != nil {
		return common.Hash{}, &SendError{Op: "nonce", Err: err}
	}

	gasPrice, err := k.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &SendError{Op: "gas_price", Err: err}
	}

	chainID := k.chainID
	if chainID == nil {
		chainID, err = k.backend.ChainID(ctx)
		if err != nil {
			return common.Hash{}, &SendError{Op: "chain_id", Err: err}
		}
	}

	gas := req.Gas
	if gas == 0 {
		gas = DefaultGasLimit
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	tx := types.NewTransaction(nonce, req.To, value, gas, gasPrice, req.Data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(chainID), key)
	if err != nil {
		return common.Hash{}, &SendError{Op: "sign", Err: err}
	}

	if err := k.backend.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, &SendError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}
	return signedTx.Hash(), nil
}

// Close is a no-op; keys live for the process.
func (k *Keyring) Close() error { return nil }
