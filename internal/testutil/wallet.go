package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/offersync/internal/provider"
)

// FakeWallet is a provider whose paid calls are executed by a
// FakeRegistry.
type FakeWallet struct {
	Registry *FakeRegistry

	mu         sync.Mutex
	accounts   []common.Address
	requestErr error
	sendErr    error
	sent       []provider.TxRequest
	changed    chan struct{}
	closed     bool
}

var _ provider.Provider = (*FakeWallet)(nil)

// NewFakeWallet creates a wallet holding accounts, active one first.
func NewFakeWallet(reg *FakeRegistry, accounts ...common.Address) *FakeWallet {
	return &FakeWallet{
		Registry: reg,
		accounts: accounts,
		changed:  make(chan struct{}, 1),
	}
}

// DenyAccess makes RequestAccounts fail with err.
func (w *FakeWallet) DenyAccess(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requestErr = err
}

// RejectSends makes SendTransaction fail with err before execution.
func (w *FakeWallet) RejectSends(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sendErr = err
}

// Switch makes addr the active account and fires the change trigger.
func (w *FakeWallet) Switch(addr common.Address) {
	w.mu.Lock()
	rest := []common.Address{addr}
	for _, a := range w.accounts {
		if a != addr {
			rest = append(rest, a)
		}
	}
	w.accounts = rest
	w.mu.Unlock()

	select {
	case w.changed <- struct{}{}:
	default:
	}
}

// Sent returns the submitted requests.
func (w *FakeWallet) Sent() []provider.TxRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]provider.TxRequest(nil), w.sent...)
}

// Closed reports whether Close was called.
func (w *FakeWallet) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *FakeWallet) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.requestErr != nil {
		return nil, w.requestErr
	}
	return append([]common.Address(nil), w.accounts...), nil
}

func (w *FakeWallet) Accounts(ctx context.Context) ([]common.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]common.Address(nil), w.accounts...), nil
}

func (w *FakeWallet) SendTransaction(ctx context.Context, req provider.TxRequest) (common.Hash, error) {
	w.mu.Lock()
	w.sent = append(w.sent, req)
	err := w.sendErr
	w.mu.Unlock()
	if err != nil {
		return common.Hash{}, err
	}
	if w.Registry == nil {
		return common.Hash{}, errors.New("testutil: wallet has no registry")
	}
	return w.Registry.Execute(ctx, req)
}

func (w *FakeWallet) AccountsChanged() <-chan struct{} { return w.changed }

func (w *FakeWallet) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// Session assembles a session over reg and w, using reg for both handles.
func Session(reg *FakeRegistry, w *FakeWallet) *provider.Session {
	return provider.NewSession(w, reg, reg)
}
