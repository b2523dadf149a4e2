package wallet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mbd888/offersync/internal/provider"
	"github.com/mbd888/offersync/internal/watcher"
)

// RPCCaller is the raw JSON-RPC surface. *rpc.Client satisfies it.
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// methodNotFoundCode is the JSON-RPC "method not found" code.
const methodNotFoundCode = -32601

// NodeAccounts is a provider whose accounts and signing live behind a
// JSON-RPC endpoint (a dev node, Clef, or a desktop wallet bridge).
type NodeAccounts struct {
	rpc     RPCCaller
	watcher *watcher.Watcher
	logger  *slog.Logger

	watchOnce sync.Once
	cancel    context.CancelFunc
	ctx       context.Context
}

// Compile-time interface check
var _ provider.Provider = (*NodeAccounts)(nil)

// NewNodeAccounts creates a provider over client. Account changes are
// detected by polling every pollInterval once access is authorized.
func NewNodeAccounts(client RPCCaller, pollInterval time.Duration, logger *slog.Logger) *NodeAccounts {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &NodeAccounts{
		rpc:    client,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	n.watcher = watcher.New(n, watcher.Config{PollInterval: pollInterval}, logger)
	return n
}

// RequestAccounts calls eth_requestAccounts. Endpoints that do not
// implement it (plain nodes) are treated as pre-authorized and answered
// from eth_accounts.
func (n *NodeAccounts) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	err := n.rpc.CallContext(ctx, &accounts, "eth_requestAccounts")

	var rpcErr rpc.Error
	switch {
	case err == nil:
	case errors.As(err, &rpcErr) && rpcErr.ErrorCode() == methodNotFoundCode:
		accounts, err = n.Accounts(ctx)
		if err != nil {
			return nil, err
		}
	case errors.As(err, &rpcErr) && rpcErr.ErrorCode() == userRejectedCode:
		return nil, errors.Join(ErrUserRejected, err)
	default:
		return nil, err
	}

	n.watchOnce.Do(func() {
		if err := n.watcher.Start(n.ctx); err != nil {
			n.logger.Warn("account change polling unavailable", "error", err)
		}
	})
	return accounts, nil
}

// Accounts calls eth_accounts.
func (n *NodeAccounts) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := n.rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

type sendTxArgs struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Gas   hexutil.Uint64  `json:"gas"`
	Value *hexutil.Big    `json:"value"`
	Data  hexutil.Bytes   `json:"data"`
}

// SendTransaction calls eth_sendTransaction; the endpoint signs.
func (n *NodeAccounts) SendTransaction(ctx context.Context, req provider.TxRequest) (common.Hash, error) {
	gas := req.Gas
	if gas == 0 {
		gas = DefaultGasLimit
	}
	args := sendTxArgs{
		From:  req.From,
		To:    &req.To,
		Gas:   hexutil.Uint64(gas),
		Value: (*hexutil.Big)(req.Value),
		Data:  req.Data,
	}
	if args.Value == nil {
		args.Value = new(hexutil.Big)
	}

	var hash common.Hash
	if err := n.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == userRejectedCode {
			err = errors.Join(ErrUserRejected, err)
		}
		return common.Hash{}, &SendError{Op: "send", Err: err}
	}
	return hash, nil
}

// AccountsChanged delivers triggers from the polling watcher.
func (n *NodeAccounts) AccountsChanged() <-chan struct{} {
	return n.watcher.Changes()
}

// Close stops account polling.
func (n *NodeAccounts) Close() error {
	n.cancel()
	n.watcher.Stop()
	return nil
}
