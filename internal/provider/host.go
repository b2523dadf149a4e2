package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	// DefaultReadyPollInterval between readiness probes.
	DefaultReadyPollInterval = time.Second

	// DefaultReadyTimeout bounds the readiness wait.
	DefaultReadyTimeout = 60 * time.Second
)

var ErrPushNotConfigured = errors.New("provider: push transport URL not configured")

// Factory builds the provider once the request/response handle is live.
// Returning (nil, nil) means the environment injects no provider.
type Factory func(ctx context.Context, rr *ethclient.Client) (Provider, error)

// NodeHostConfig configures a NodeHost.
type NodeHostConfig struct {
	RPCURL       string // request/response endpoint (http/https)
	WSURL        string // push endpoint (ws/wss)
	PollInterval time.Duration
	Timeout      time.Duration
	Factory      Factory
}

// NodeHost is a Host backed by a JSON-RPC node. It is ready once the
// request/response endpoint answers eth_chainId.
type NodeHost struct {
	cfg    NodeHostConfig
	logger *slog.Logger

	mu       sync.Mutex
	rr       *ethclient.Client
	push     *ethclient.Client
	provider Provider
}

// NewNodeHost creates a NodeHost. Nothing is dialed until WaitReady.
func NewNodeHost(cfg NodeHostConfig, logger *slog.Logger) *NodeHost {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultReadyPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultReadyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeHost{cfg: cfg, logger: logger}
}

// WaitReady dials the request/response endpoint and polls it until it
// answers, then builds the provider.
func (h *NodeHost) WaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, h.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", h.cfg.RPCURL, err)
	}

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		chainID, err := client.ChainID(ctx)
		if err == nil {
			h.logger.Info("ledger node ready", "rpc", h.cfg.RPCURL, "chain_id", chainID)
			break
		}
		h.logger.Debug("ledger node not ready", "rpc", h.cfg.RPCURL, "error", err)

		select {
		case <-ctx.Done():
			client.Close()
			return fmt.Errorf("waiting for %s: %w", h.cfg.RPCURL, ctx.Err())
		case <-ticker.C:
		}
	}

	var p Provider
	if h.cfg.Factory != nil {
		p, err = h.cfg.Factory(ctx, client)
		if err != nil {
			client.Close()
			return fmt.Errorf("build provider: %w", err)
		}
	}

	h.mu.Lock()
	h.rr = client
	h.provider = p
	h.mu.Unlock()
	return nil
}

// Provider returns the provider built during WaitReady.
func (h *NodeHost) Provider() Provider {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.provider
}

// Transports returns the request/response handle and dials the push
// handle on first use.
func (h *NodeHost) Transports(ctx context.Context) (Backend, PushBackend, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rr == nil {
		return nil, nil, errors.New("provider: host not ready")
	}
	if h.push == nil {
		if h.cfg.WSURL == "" {
			return nil, nil, ErrPushNotConfigured
		}
		push, err := ethclient.DialContext(ctx, h.cfg.WSURL)
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", h.cfg.WSURL, err)
		}
		h.push = push
	}
	return h.rr, h.push, nil
}

// StaticHost is a Host whose parts already exist. It is always ready.
type StaticHost struct {
	P    Provider
	RR   Backend
	Push PushBackend
}

func (h StaticHost) WaitReady(ctx context.Context) error { return nil }

func (h StaticHost) Provider() Provider { return h.P }

func (h StaticHost) Transports(ctx context.Context) (Backend, PushBackend, error) {
	return h.RR, h.Push, nil
}
