package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Host is the environment a provider is injected into.
type Host interface {
	// WaitReady blocks until the environment is ready to be probed.
	WaitReady(ctx context.Context) error
	// Provider returns the injected provider, or nil when there is none.
	Provider() Provider
	// Transports returns the request/response and push handles.
	Transports(ctx context.Context) (Backend, PushBackend, error)
}

// Bootstrapper turns a Host into a Session. The readiness wait is
// registered once per Bootstrapper; every Acquire observes its outcome.
type Bootstrapper struct {
	host   Host
	logger *slog.Logger

	once     sync.Once
	ready    chan struct{}
	readyErr error
}

// NewBootstrapper creates a bootstrapper for host.
func NewBootstrapper(host Host, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{
		host:   host,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

func (b *Bootstrapper) startReadyWait() {
	b.once.Do(func() {
		go func() {
			defer close(b.ready)
			// Not tied to any caller's context: this is the only wait.
			b.readyErr = b.host.WaitReady(context.Background())
			if b.readyErr != nil {
				b.logger.Error("ledger host never became ready", "error", b.readyErr)
			}
		}()
	})
}

// Acquire waits for readiness, probes for a provider, requests account
// authorization and returns a Session.
func (b *Bootstrapper) Acquire(ctx context.Context) (*Session, error) {
	b.startReadyWait()

	select {
	case <-b.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if b.readyErr != nil {
		return nil, fmt.Errorf("provider: host not ready: %w", b.readyErr)
	}

	p := b.host.Provider()
	if p == nil {
		return nil, ErrNoProvider
	}

	accounts, err := p.RequestAccounts(ctx)
	if err != nil {
		return nil, &AuthorizationDeniedError{Err: err}
	}

	rr, push, err := b.host.Transports(ctx)
	if err != nil {
		return nil, fmt.Errorf("provider: open transports: %w", err)
	}

	b.logger.Info("ledger session acquired", "accounts", len(accounts))
	return NewSession(p, rr, push), nil
}
