// Package account tracks the single active ledger account and its balance.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/offersync/internal/metrics"
	"github.com/mbd888/offersync/internal/traces"
	"github.com/mbd888/offersync/internal/units"
)

var ErrNoAccounts = errors.New("account: provider returned no accounts")

// AccountQueryError reports a failed account or balance query. The
// previously active Account stays in place.
type AccountQueryError struct {
	Op      string // "accounts" or "balance"
	Address common.Address
	Err     error
}

func (e *AccountQueryError) Error() string {
	if e.Op == "balance" {
		return fmt.Sprintf("account: balance query for %s failed: %v", e.Address.Hex(), e.Err)
	}
	return fmt.Sprintf("account: %s query failed: %v", e.Op, e.Err)
}

func (e *AccountQueryError) Unwrap() error { return e.Err }

// Account is the active account snapshot.
type Account struct {
	Address    common.Address `json:"address"`
	BalanceWei *big.Int       `json:"balance_wei"`
	Balance    string         `json:"balance"` // ether
	LoadedAt   time.Time      `json:"loaded_at"`
}

// Lister lists authorized accounts, active one first.
type Lister interface {
	Accounts(ctx context.Context) ([]common.Address, error)
}

// BalanceReader reads an account balance in wei.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Tracker holds the active Account. Each Refresh takes a generation
// ticket; a completion older than the stored generation is discarded, so
// the most recently initiated refresh wins.
type Tracker struct {
	lister   Lister
	balances BalanceReader
	logger   *slog.Logger
	now      func() time.Time

	current atomic.Pointer[Account]
	issued  atomic.Uint64

	mu      sync.Mutex
	applied uint64
}

// NewTracker creates a Tracker with no active account.
func NewTracker(lister Lister, balances BalanceReader, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		lister:   lister,
		balances: balances,
		logger:   logger,
		now:      time.Now,
	}
}

// Current returns the active account, if one has been loaded.
func (t *Tracker) Current() (Account, bool) {
	if a := t.current.Load(); a != nil {
		return *a, true
	}
	return Account{}, false
}

// Refresh re-reads the active account and its balance. When a newer
// refresh has already landed, its account is returned instead.
func (t *Tracker) Refresh(ctx context.Context) (acct Account, err error) {
	ticket := t.issued.Add(1)

	ctx, span := traces.StartSpan(ctx, "account.Refresh")
	defer func() { traces.End(span, err) }()

	addrs, err := t.lister.Accounts(ctx)
	if err != nil {
		return t.fail(&AccountQueryError{Op: "accounts", Err: err})
	}
	if len(addrs) == 0 {
		return t.fail(&AccountQueryError{Op: "accounts", Err: ErrNoAccounts})
	}

	addr := addrs[0]
	span.SetAttributes(traces.Account(addr.Hex()))

	wei, err := t.balances.BalanceAt(ctx, addr, nil)
	if err != nil {
		return t.fail(&AccountQueryError{Op: "balance", Address: addr, Err: err})
	}

	next := &Account{
		Address:    addr,
		BalanceWei: wei,
		Balance:    units.FormatEther(wei),
		LoadedAt:   t.now(),
	}

	t.mu.Lock()
	if ticket < t.applied {
		t.mu.Unlock()
		metrics.AccountRefreshesTotal.WithLabelValues("stale").Inc()
		t.logger.Debug("discarding stale account refresh", "account", addr.Hex(), "ticket", ticket)
		cur, _ := t.Current()
		return cur, nil
	}
	t.applied = ticket
	t.current.Store(next)
	t.mu.Unlock()

	metrics.AccountRefreshesTotal.WithLabelValues("ok").Inc()
	t.logger.Info("active account loaded", "account", addr.Hex(), "balance", next.Balance)
	return *next, nil
}

func (t *Tracker) fail(err *AccountQueryError) (Account, error) {
	metrics.AccountRefreshesTotal.WithLabelValues("error").Inc()
	t.logger.Warn("account refresh failed", "op", err.Op, "error", err.Err)
	return Account{}, err
}
