// Package wallet implements ledger providers.
//
// Keyring holds secp256k1 keys in process and signs locally. NodeAccounts
// delegates account management and signing to a JSON-RPC wallet or node
// (eth_requestAccounts, eth_accounts, eth_sendTransaction).
package wallet

import (
	"errors"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrNoKeys            = errors.New("wallet: no keys configured")
	ErrUnknownAccount    = errors.New("wallet: account not held by this wallet")
	ErrNotAuthorized     = errors.New("wallet: accounts not authorized")
	ErrUserRejected      = errors.New("wallet: user rejected the request")
)

// SendError wraps transaction submission failures with context
type SendError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *SendError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// DefaultGasLimit when the caller supplies no ceiling
	DefaultGasLimit = uint64(10_000_000)

	// DefaultPollInterval for node-managed account polling
	DefaultPollInterval = 2 * time.Second
)

// userRejectedCode is the EIP-1193 "user rejected request" code.
const userRejectedCode = 4001
