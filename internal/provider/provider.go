// Package provider acquires a ledger session from the hosting environment.
//
// A Provider is the wallet side of the ledger client: it knows which
// accounts the user has authorized, signs and submits paid transactions,
// and reports when the active account set changes. Reads, balances,
// network identity and event subscriptions go through the two transport
// handles held by a Session.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ErrNoProvider means the host environment exposes no ledger provider.
// There is no local fallback.
var ErrNoProvider = errors.New("provider: no ledger provider available")

// AuthorizationDeniedError reports that account access was refused by the
// user or the environment. No session is produced; bootstrap may be retried.
type AuthorizationDeniedError struct {
	Err error
}

func (e *AuthorizationDeniedError) Error() string {
	return fmt.Sprintf("provider: account authorization denied: %v", e.Err)
}

func (e *AuthorizationDeniedError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// TxRequest describes a state-mutating contract call to submit.
type TxRequest struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Gas   uint64
	Data  []byte
}

// Provider is the wallet capability boundary.
type Provider interface {
	// RequestAccounts asks for account access. May block on user approval.
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	// Accounts lists the currently authorized accounts, active one first.
	Accounts(ctx context.Context) ([]common.Address, error)
	// SendTransaction signs and submits req, returning the transaction hash.
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
	// AccountsChanged delivers a trigger whenever the account set changes.
	// Nil when the provider cannot push notifications.
	AccountsChanged() <-chan struct{}
	Close() error
}

// Backend is the request/response transport handle.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// PushBackend is the push-capable transport handle.
type PushBackend interface {
	NetworkID(ctx context.Context) (*big.Int, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

// Session holds the provider and its two live transport handles. The
// handles are independent connections and are never unified.
type Session struct {
	provider Provider
	rr       Backend
	push     PushBackend
}

// NewSession assembles a session from already connected parts.
func NewSession(p Provider, rr Backend, push PushBackend) *Session {
	return &Session{provider: p, rr: rr, push: push}
}

func (s *Session) Provider() Provider { return s.provider }

// RequestResponse returns the request/response handle.
func (s *Session) RequestResponse() Backend { return s.rr }

// Push returns the push handle.
func (s *Session) Push() PushBackend { return s.push }

// Close releases the provider and both handles.
func (s *Session) Close() error {
	if s.push != nil {
		s.push.Close()
	}
	if s.rr != nil {
		s.rr.Close()
	}
	if s.provider != nil {
		return s.provider.Close()
	}
	return nil
}
