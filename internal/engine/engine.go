// Package engine synchronizes local state with an on-chain offer registry
// and drives the subscribe workflow.
//
// Caller-facing operations are sequenced by a context-aware mutex. Reads
// of the catalog run outside it and commit by ticket, so the most recently
// started load wins. Account-change triggers and subscription
// confirmations are consumed by a single loop, Run.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/offersync/internal/account"
	"github.com/mbd888/offersync/internal/artifact"
	"github.com/mbd888/offersync/internal/binding"
	"github.com/mbd888/offersync/internal/catalog"
	"github.com/mbd888/offersync/internal/logging"
	"github.com/mbd888/offersync/internal/metrics"
	"github.com/mbd888/offersync/internal/offerregistry"
	"github.com/mbd888/offersync/internal/provider"
	"github.com/mbd888/offersync/internal/subscription"
	"github.com/mbd888/offersync/internal/syncutil"
	"github.com/mbd888/offersync/internal/traces"
)

var (
	ErrNotBootstrapped = errors.New("engine: not bootstrapped")
	ErrNoOfferSelected = errors.New("engine: no offer selected")
	ErrUnknownOffer    = errors.New("engine: offer not in catalog")
	ErrInvalidDuration = errors.New("engine: duration must be between 1 and 180 minutes")
	ErrInvalidAddress  = errors.New("engine: invalid registry address")
	ErrClosed          = errors.New("engine: closed")
)

// Duration bounds, in minutes.
const (
	MinDurationMinutes     = 1
	MaxDurationMinutes     = 180
	DefaultDurationMinutes = 30
)

// Intent is the offer and duration the next subscription will use.
type Intent struct {
	OfferIndex      *uint64 `json:"offer_index"`
	DurationMinutes uint64  `json:"duration_minutes"`
}

// Config configures an Engine.
type Config struct {
	Artifact           *artifact.Artifact // defaults to the bundled registry artifact
	GasLimit           uint64
	CatalogConcurrency int
	// RegistryAddress, when set, is bound right after bootstrap.
	RegistryAddress string
	Logger          *slog.Logger
}

// Notifier receives an event after every state change.
type Notifier interface {
	Publish(ev Event)
}

// Option configures an Engine
type Option func(*Engine)

// WithNotifier installs a state-change notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// Engine is the synchronization engine.
type Engine struct {
	cfg      Config
	boot     *provider.Bootstrapper
	logger   *slog.Logger
	notifier Notifier
	now      func() time.Time

	op      syncutil.ContextMutex
	catalog *catalog.Store

	bootstrapped  chan struct{}
	bootOnce      sync.Once
	confirmations chan subscription.Confirmation

	mu               sync.RWMutex
	closed           bool
	session          *provider.Session
	binder           *binding.Binder
	tracker          *account.Tracker
	registry         *common.Address
	bound            bool
	rr               *binding.RequestResponse
	orch             *subscription.Orchestrator
	intent           Intent
	lastPending      *subscription.Pending
	lastConfirmation *subscription.Confirmation
}

// New creates an engine that acquires its session through boot.
func New(boot *provider.Bootstrapper, cfg Config, opts ...Option) *Engine {
	if cfg.Artifact == nil {
		cfg.Artifact = artifact.EntityOfferRegistry()
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = subscription.DefaultGasLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Engine{
		cfg:           cfg,
		boot:          boot,
		logger:        cfg.Logger,
		now:           time.Now,
		catalog:       catalog.NewStore(),
		bootstrapped:  make(chan struct{}),
		confirmations: make(chan subscription.Confirmation, 16),
		intent:        Intent{DurationMinutes: DefaultDurationMinutes},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) opContext(ctx context.Context, op string) (context.Context, *slog.Logger) {
	if logging.FromContext(ctx) == slog.Default() {
		ctx = logging.WithLogger(ctx, e.logger)
	}
	ctx = logging.WithOp(ctx, op)
	return ctx, logging.L(ctx)
}

// -----------------------------------------------------------------------------
// Bootstrap & account
// -----------------------------------------------------------------------------

// Bootstrap acquires the ledger session (once) and loads the active
// account. Calling it again only refreshes the account.
func (e *Engine) Bootstrap(ctx context.Context) (acct account.Account, err error) {
	ctx, log := e.opContext(ctx, "bootstrap")
	unlock, err := e.op.LockContext(ctx)
	if err != nil {
		return account.Account{}, err
	}
	defer unlock()

	e.mu.RLock()
	closed, session, tracker := e.closed, e.session, e.tracker
	e.mu.RUnlock()
	if closed {
		return account.Account{}, ErrClosed
	}

	if session == nil {
		ctx, span := traces.StartSpan(ctx, "engine.Bootstrap")
		session, err = e.boot.Acquire(ctx)
		traces.End(span, err)
		metrics.BootstrapsTotal.WithLabelValues(metrics.Result(err)).Inc()
		if err != nil {
			log.Error("bootstrap failed", "error", err)
			return account.Account{}, err
		}

		tracker = account.NewTracker(session.Provider(), session.RequestResponse(), e.logger)
		e.mu.Lock()
		e.session = session
		e.binder = binding.NewBinder(e.cfg.Artifact, session)
		e.tracker = tracker
		e.mu.Unlock()
		e.bootOnce.Do(func() { close(e.bootstrapped) })
	}

	acct, err = tracker.Refresh(ctx)
	if err != nil {
		return account.Account{}, err
	}

	if e.cfg.RegistryAddress != "" && !e.isBound() {
		if err := e.setRegistryLocked(ctx, e.cfg.RegistryAddress); err != nil {
			log.Warn("initial registry address not bound", "registry", e.cfg.RegistryAddress, "error", err)
		}
	}

	e.publish(EventAccount)
	return acct, nil
}

// RefreshAccount re-reads the active account and balance. The catalog is
// left as is until the next explicit load.
func (e *Engine) RefreshAccount(ctx context.Context) (account.Account, error) {
	e.mu.RLock()
	tracker := e.tracker
	e.mu.RUnlock()
	if tracker == nil {
		return account.Account{}, ErrNotBootstrapped
	}

	acct, err := tracker.Refresh(ctx)
	if err != nil {
		return account.Account{}, err
	}
	e.publish(EventAccount)
	return acct, nil
}

func (e *Engine) isBound() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bound
}

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

// SetRegistryAddress binds both transports to addr. An empty addr clears
// the registry. Any change tears down confirmation listeners and empties
// the catalog.
func (e *Engine) SetRegistryAddress(ctx context.Context, addr string) error {
	ctx, _ = e.opContext(ctx, "set_registry")
	unlock, err := e.op.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return e.setRegistryLocked(ctx, addr)
}

func (e *Engine) setRegistryLocked(ctx context.Context, addr string) error {
	var explicit *common.Address
	if addr != "" {
		if !common.IsHexAddress(addr) {
			return ErrInvalidAddress
		}
		a := common.HexToAddress(addr)
		explicit = &a
	}

	e.mu.RLock()
	binder := e.binder
	e.mu.RUnlock()
	if binder == nil {
		return ErrNotBootstrapped
	}

	return e.bind(ctx, binder, explicit, false)
}

// BindDeployed binds to the address the artifact records for the
// connected network, if any.
func (e *Engine) BindDeployed(ctx context.Context) error {
	ctx, _ = e.opContext(ctx, "bind_deployed")
	unlock, err := e.op.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	e.mu.RLock()
	binder := e.binder
	e.mu.RUnlock()
	if binder == nil {
		return ErrNotBootstrapped
	}
	return e.bind(ctx, binder, nil, true)
}

// bind replaces both bindings. With lookup unset and no address, the
// bindings are created without an address and no network query is made.
func (e *Engine) bind(ctx context.Context, binder *binding.Binder, explicit *common.Address, lookup bool) error {
	log := logging.L(ctx)

	var (
		rr   *binding.RequestResponse
		push *binding.Push
		err  error
	)
	if explicit != nil || lookup {
		if rr, err = binder.RequestResponse(ctx, explicit); err != nil {
			log.Error("request/response binding failed", "error", err)
			return err
		}
		if push, err = binder.Push(ctx, explicit); err != nil {
			log.Error("push binding failed", "error", err)
			return err
		}
	} else {
		e.mu.RLock()
		session := e.session
		e.mu.RUnlock()
		target := binding.Target{ABI: e.cfg.Artifact.ABI}
		rr = binding.NewRequestResponse(target, session.RequestResponse())
		push = binding.NewPush(target, session.Push())
	}

	orch := subscription.New(
		offerregistry.NewCaller(rr),
		offerregistry.NewFilterer(push),
		offerregistry.NewTransactor(rr.Target(), e.sessionProvider()),
		subscription.Options{
			GasLimit:      e.cfg.GasLimit,
			Confirmations: e.confirmations,
			Logger:        e.logger,
		},
	)

	e.mu.Lock()
	old := e.orch
	e.registry = rr.Target().Address
	e.bound = true
	e.rr = rr
	e.orch = orch
	e.intent.OfferIndex = nil
	e.lastPending = nil
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}
	e.catalog.Invalidate()

	if addr := rr.Target().Address; addr != nil {
		log.Info("registry bound", "registry", addr.Hex())
	} else {
		log.Info("registry address cleared")
	}
	e.publish(EventRegistry)
	return nil
}

func (e *Engine) sessionProvider() provider.Provider {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session.Provider()
}

// -----------------------------------------------------------------------------
// Catalog
// -----------------------------------------------------------------------------

// LoadOffers rebuilds the catalog for the bound registry and the active
// account. Before any registry is chosen it returns the empty catalog
// without touching the ledger. A load overtaken by a newer one, or by a registry change,
// returns catalog.ErrSuperseded and changes nothing.
func (e *Engine) LoadOffers(ctx context.Context) (catalog.Snapshot, error) {
	ctx, log := e.opContext(ctx, "load_offers")

	e.mu.RLock()
	tracker, bound := e.tracker, e.bound
	e.mu.RUnlock()
	if tracker == nil {
		return catalog.Snapshot{}, ErrNotBootstrapped
	}
	if !bound {
		// No registry chosen yet: nothing to read.
		log.Debug("no registry address, catalog left empty")
		return e.catalog.Snapshot(), nil
	}

	acct, ok := tracker.Current()
	if !ok {
		return catalog.Snapshot{}, ErrNotBootstrapped
	}

	// The ticket is taken together with the binding it reads from, so a
	// registry change after this point supersedes the load.
	unlock, err := e.op.LockContext(ctx)
	if err != nil {
		return catalog.Snapshot{}, err
	}
	ticket := e.catalog.Begin()
	e.mu.RLock()
	rr, registry := e.rr, e.registry
	e.mu.RUnlock()
	unlock()

	records, err := catalog.LoadAll(ctx, offerregistry.NewCaller(rr), acct.Address, catalog.Options{
		Concurrency: e.cfg.CatalogConcurrency,
		Logger:      log,
	})
	if err != nil {
		metrics.CatalogLoadsTotal.WithLabelValues("error").Inc()
		log.Error("catalog load failed", "account", acct.Address.Hex(), "error", err)
		return catalog.Snapshot{}, err
	}

	err = e.catalog.Commit(ticket, catalog.Snapshot{
		Registry: registry,
		Account:  acct.Address,
		Offers:   records,
		LoadedAt: e.now(),
	})
	if err != nil {
		metrics.CatalogLoadsTotal.WithLabelValues("superseded").Inc()
		log.Debug("catalog load superseded", "ticket", ticket)
		return catalog.Snapshot{}, err
	}

	metrics.CatalogLoadsTotal.WithLabelValues("ok").Inc()
	log.Info("catalog loaded", "account", acct.Address.Hex(), "offers", len(records))
	e.publish(EventCatalog)
	return e.catalog.Snapshot(), nil
}

// -----------------------------------------------------------------------------
// Intent
// -----------------------------------------------------------------------------

// SelectOffer sets the offer of the next subscription. The index must be
// in the visible catalog.
func (e *Engine) SelectOffer(ctx context.Context, index uint64) error {
	unlock, err := e.op.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := e.catalog.Offer(index); !ok {
		return ErrUnknownOffer
	}
	e.mu.Lock()
	e.intent.OfferIndex = &index
	e.mu.Unlock()
	e.publish(EventIntent)
	return nil
}

// SetDuration sets the subscription length in minutes (1..180).
func (e *Engine) SetDuration(ctx context.Context, minutes uint64) error {
	if minutes < MinDurationMinutes || minutes > MaxDurationMinutes {
		return ErrInvalidDuration
	}
	unlock, err := e.op.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	e.mu.Lock()
	e.intent.DurationMinutes = minutes
	e.mu.Unlock()
	e.publish(EventIntent)
	return nil
}

// -----------------------------------------------------------------------------
// Subscribe
// -----------------------------------------------------------------------------

// CreateSubscription subscribes the active account to the selected offer
// for the selected duration. The confirmation arrives later through Run.
func (e *Engine) CreateSubscription(ctx context.Context) (subscription.Pending, error) {
	ctx, log := e.opContext(ctx, "create_subscription")
	unlock, err := e.op.LockContext(ctx)
	if err != nil {
		return subscription.Pending{}, err
	}
	defer unlock()

	e.mu.RLock()
	tracker, orch, intent, registry := e.tracker, e.orch, e.intent, e.registry
	e.mu.RUnlock()
	if tracker == nil {
		return subscription.Pending{}, ErrNotBootstrapped
	}
	if registry == nil || orch == nil {
		return subscription.Pending{}, binding.ErrNoAddress
	}
	if intent.OfferIndex == nil {
		return subscription.Pending{}, ErrNoOfferSelected
	}
	acct, ok := tracker.Current()
	if !ok {
		return subscription.Pending{}, ErrNotBootstrapped
	}

	p, err := orch.Subscribe(ctx, subscription.Request{
		Account:         acct.Address,
		OfferIndex:      *intent.OfferIndex,
		DurationMinutes: intent.DurationMinutes,
	})
	if err != nil {
		log.Error("subscription failed", "account", acct.Address.Hex(), "offer", *intent.OfferIndex, "error", err)
		return subscription.Pending{}, err
	}

	e.mu.Lock()
	// The confirmation can overtake the submission's return.
	if e.lastConfirmation == nil || e.lastConfirmation.TxHash != p.TxHash {
		e.lastPending = &p
	}
	e.mu.Unlock()
	e.publish(EventSubmitted)

	// The fee has left the account.
	if _, err := tracker.Refresh(ctx); err != nil {
		log.Warn("balance refresh after submission failed", "error", err)
	} else {
		e.publish(EventAccount)
	}
	return p, nil
}

// Watch registers the confirmation listener for the active account ahead
// of any submission.
func (e *Engine) Watch(ctx context.Context) error {
	e.mu.RLock()
	tracker, orch, registry := e.tracker, e.orch, e.registry
	e.mu.RUnlock()
	if tracker == nil {
		return ErrNotBootstrapped
	}
	if registry == nil || orch == nil {
		return binding.ErrNoAddress
	}
	acct, ok := tracker.Current()
	if !ok {
		return ErrNotBootstrapped
	}
	return orch.Watch(ctx, acct.Address)
}

// -----------------------------------------------------------------------------
// Run loop & teardown
// -----------------------------------------------------------------------------

// Run consumes account-change triggers and confirmations until ctx is
// done. It waits for Bootstrap before registering for account changes.
func (e *Engine) Run(ctx context.Context) error {
	select {
	case <-e.bootstrapped:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.RLock()
	changes := e.session.Provider().AccountsChanged()
	e.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			rctx, log := e.opContext(ctx, "accounts_changed")
			if _, err := e.RefreshAccount(rctx); err != nil {
				log.Warn("account refresh after switch failed", "error", err)
			}
		case c := <-e.confirmations:
			if !e.onConfirmation(c) {
				continue
			}
			// The confirmed offer's expiration changed on chain.
			rctx, log := e.opContext(ctx, "reload_after_confirmation")
			if _, err := e.LoadOffers(rctx); err != nil && !errors.Is(err, catalog.ErrSuperseded) {
				log.Warn("catalog reload after confirmation failed", "error", err)
			}
		}
	}
}

// onConfirmation records c and reports whether it belongs to the bound
// registry. Confirmations still buffered from a replaced registry are
// dropped.
func (e *Engine) onConfirmation(c subscription.Confirmation) bool {
	e.mu.Lock()
	if e.registry == nil || *e.registry != c.Registry {
		e.mu.Unlock()
		e.logger.Debug("dropping confirmation from a previous registry",
			"registry", c.Registry.Hex(), "tx_hash", c.TxHash.Hex())
		return false
	}
	e.lastConfirmation = &c
	if e.lastPending != nil && e.lastPending.TxHash == c.TxHash {
		e.lastPending = nil
	}
	e.mu.Unlock()
	e.publish(EventConfirmed)
	return true
}

// Close tears down listeners and releases the session.
func (e *Engine) Close() error {
	unlock, err := e.op.LockContext(context.Background())
	if err != nil {
		return err
	}
	defer unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	orch, session := e.orch, e.session
	e.orch = nil
	e.mu.Unlock()

	if orch != nil {
		orch.Close()
	}
	if session != nil {
		return session.Close()
	}
	return nil
}
