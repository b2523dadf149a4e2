// Package watcher turns a pull-only account listing into change triggers.
//
// Node-managed wallets answer eth_accounts but cannot push accountsChanged
// over plain JSON-RPC. The watcher polls the listing and emits a trigger
// whenever the ordered account set differs from the last one it saw. The
// trigger carries no payload; consumers re-query the provider.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AccountLister returns the authorized accounts, active one first.
type AccountLister interface {
	Accounts(ctx context.Context) ([]common.Address, error)
}

// Config for the account watcher
type Config struct {
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
	}
}

var ErrAlreadyStarted = errors.New("watcher: already started")

// Watcher polls an AccountLister for changes.
type Watcher struct {
	lister AccountLister
	config Config
	logger *slog.Logger

	changes chan struct{}

	mu      sync.Mutex
	last    []common.Address
	started bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a watcher. Polling begins with Start.
func New(lister AccountLister, cfg Config, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		lister:  lister,
		config:  cfg,
		logger:  logger,
		changes: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Changes delivers one trigger per detected change. Triggers that arrive
// while one is still pending are coalesced.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Start records the current account set as the baseline and begins polling.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.mu.Unlock()

	baseline, err := w.lister.Accounts(ctx)
	if err != nil {
		close(w.done)
		return fmt.Errorf("watcher: baseline accounts: %w", err)
	}
	w.mu.Lock()
	w.last = baseline
	w.mu.Unlock()

	w.logger.Info("account watcher started",
		"accounts", len(baseline),
		"interval", w.config.PollInterval,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })

	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkForChanges(ctx); err != nil {
				w.logger.Warn("account poll failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkForChanges(ctx context.Context) error {
	current, err := w.lister.Accounts(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	changed := !slices.Equal(current, w.last)
	w.last = current
	w.mu.Unlock()

	if !changed {
		return nil
	}

	w.logger.Info("account set changed", "accounts", len(current))
	select {
	case w.changes <- struct{}{}:
	default:
	}
	return nil
}
