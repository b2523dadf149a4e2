// Package subscription drives the paid subscribe workflow: fee
// computation, confirmation listener registration, and the paid call.
// Confirmations arrive asynchronously on a channel.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"

	"github.com/mbd888/offersync/internal/metrics"
	"github.com/mbd888/offersync/internal/offerregistry"
	"github.com/mbd888/offersync/internal/traces"
)

// DefaultGasLimit is the gas ceiling for newSubscription.
const DefaultGasLimit = uint64(10_000_000)

var ErrClosed = errors.New("subscription: orchestrator closed")

// seenLimit bounds the set of confirmations that arrived before their
// submission returned.
const seenLimit = 256

// FeeComputationError reports a failed computeFee read. Nothing was sent.
type FeeComputationError struct {
	OfferIndex uint64
	Seconds    uint64
	Err        error
}

func (e *FeeComputationError) Error() string {
	return fmt.Sprintf("subscription: computeFee(%d, %d) failed: %v", e.OfferIndex, e.Seconds, e.Err)
}

func (e *FeeComputationError) Unwrap() error { return e.Err }

// TransactionRejectedError reports that newSubscription was not accepted.
// The confirmation listener stays registered.
type TransactionRejectedError struct {
	OfferIndex uint64
	Fee        *big.Int
	Err        error
}

func (e *TransactionRejectedError) Error() string {
	return fmt.Sprintf("subscription: newSubscription for offer %d (fee %s wei) rejected: %v", e.OfferIndex, e.Fee, e.Err)
}

func (e *TransactionRejectedError) Unwrap() error { return e.Err }

// Request is one subscribe attempt.
type Request struct {
	Account         common.Address
	OfferIndex      uint64
	DurationMinutes uint64
}

// Seconds converts the requested duration; it is the single value passed
// to both computeFee and newSubscription.
func (r Request) Seconds() uint64 { return r.DurationMinutes * 60 }

// Pending is a submitted, unconfirmed subscription transaction.
type Pending struct {
	ID              string         `json:"id"`
	Account         common.Address `json:"account"`
	OfferIndex      uint64         `json:"offer_index"`
	DurationSeconds uint64         `json:"duration_seconds"`
	Fee             *big.Int       `json:"fee"`
	TxHash          common.Hash    `json:"tx_hash"`
	SubmittedAt     time.Time      `json:"submitted_at"`
}

// Confirmation is a SubscriptionAdded event for a watched account.
type Confirmation struct {
	Registry    common.Address `json:"registry"` // contract that emitted the event
	Account     common.Address `json:"account"`
	OfferIndex  uint64         `json:"offer_index"`
	Expiration  time.Time      `json:"expiration"`
	TxHash      common.Hash    `json:"tx_hash"`
	Pending     *Pending       `json:"pending,omitempty"` // the submission it settles, if known
	ConfirmedAt time.Time      `json:"confirmed_at"`
}

// Options configures an Orchestrator.
type Options struct {
	GasLimit uint64
	// Confirmations receives every confirmation. When nil the
	// orchestrator allocates its own buffered channel.
	Confirmations chan Confirmation
	Logger        *slog.Logger
}

type watch struct {
	sub      event.Subscription
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Orchestrator submits subscriptions through one request/response binding
// and listens for their confirmations through one push binding.
type Orchestrator struct {
	caller     *offerregistry.Caller
	filterer   *offerregistry.Filterer
	transactor *offerregistry.Transactor
	gasLimit   uint64
	logger     *slog.Logger
	now        func() time.Time

	confirmations chan Confirmation
	closed        chan struct{}
	closeOnce     sync.Once

	mu      sync.Mutex
	watches map[common.Address]*watch
	pending map[common.Hash]*Pending
	seen    map[common.Hash]struct{}
}

// New creates an Orchestrator.
func New(caller *offerregistry.Caller, filterer *offerregistry.Filterer, transactor *offerregistry.Transactor, opts Options) *Orchestrator {
	if opts.GasLimit == 0 {
		opts.GasLimit = DefaultGasLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Confirmations == nil {
		opts.Confirmations = make(chan Confirmation, 16)
	}
	return &Orchestrator{
		caller:        caller,
		filterer:      filterer,
		transactor:    transactor,
		gasLimit:      opts.GasLimit,
		logger:        opts.Logger,
		now:           time.Now,
		confirmations: opts.Confirmations,
		closed:        make(chan struct{}),
		watches:       make(map[common.Address]*watch),
		pending:       make(map[common.Hash]*Pending),
		seen:          make(map[common.Hash]struct{}),
	}
}

// Confirmations delivers SubscriptionAdded events for watched accounts.
func (o *Orchestrator) Confirmations() <-chan Confirmation {
	return o.confirmations
}

// Subscribe computes the fee, makes sure a confirmation listener exists
// for the account, and submits newSubscription paying that fee.
func (o *Orchestrator) Subscribe(ctx context.Context, req Request) (p Pending, err error) {
	seconds := req.Seconds()
	index := new(big.Int).SetUint64(req.OfferIndex)
	secs := new(big.Int).SetUint64(seconds)

	ctx, span := traces.StartSpan(ctx, "subscription.Subscribe",
		traces.Account(req.Account.Hex()),
		traces.OfferIndex(int64(req.OfferIndex)),
		traces.DurationSeconds(int64(seconds)),
	)
	defer func() { traces.End(span, err) }()

	if _, err := o.caller.Binding().Target().Resolved(); err != nil {
		return Pending{}, err
	}

	fee, err := o.caller.ComputeFee(ctx, index, secs)
	metrics.FeeComputationsTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		o.logger.Warn("fee computation failed", "account", req.Account.Hex(), "offer", req.OfferIndex, "error", err)
		return Pending{}, &FeeComputationError{OfferIndex: req.OfferIndex, Seconds: seconds, Err: err}
	}
	span.SetAttributes(traces.Fee(fee.String()))

	if err := o.Watch(ctx, req.Account); err != nil {
		return Pending{}, err
	}

	hash, err := o.transactor.NewSubscription(ctx, offerregistry.TransactOpts{
		From:     req.Account,
		Value:    fee,
		GasLimit: o.gasLimit,
	}, index, secs)
	if err != nil {
		metrics.SubscriptionsTotal.WithLabelValues("rejected").Inc()
		o.logger.Warn("subscription transaction rejected", "account", req.Account.Hex(), "offer", req.OfferIndex, "fee", fee, "error", err)
		return Pending{}, &TransactionRejectedError{OfferIndex: req.OfferIndex, Fee: fee, Err: err}
	}
	span.SetAttributes(traces.TxHash(hash.Hex()))

	p = Pending{
		ID:              uuid.New().String(),
		Account:         req.Account,
		OfferIndex:      req.OfferIndex,
		DurationSeconds: seconds,
		Fee:             fee,
		TxHash:          hash,
		SubmittedAt:     o.now(),
	}

	o.mu.Lock()
	if _, ok := o.seen[hash]; ok {
		delete(o.seen, hash)
	} else {
		pp := p
		o.pending[hash] = &pp
	}
	o.mu.Unlock()

	metrics.SubscriptionsTotal.WithLabelValues("submitted").Inc()
	o.logger.Info("subscription submitted", "account", req.Account.Hex(), "offer", req.OfferIndex,
		"seconds", seconds, "fee", fee, "tx", hash.Hex())
	return p, nil
}

// Watch registers the SubscriptionAdded listener for account unless one
// is already live. It returns once the listener is registered.
func (o *Orchestrator) Watch(ctx context.Context, account common.Address) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	select {
	case <-o.closed:
		return ErrClosed
	default:
	}
	if _, ok := o.watches[account]; ok {
		return nil
	}

	sink := make(chan *offerregistry.SubscriptionAdded, 16)
	sub, err := o.filterer.WatchSubscriptionAdded(ctx, sink, []common.Address{account})
	if err != nil {
		return fmt.Errorf("subscription: watch SubscriptionAdded: %w", err)
	}
	w := &watch{sub: sub, stop: make(chan struct{}), done: make(chan struct{})}
	o.watches[account] = w
	metrics.ActiveConfirmationListeners.Inc()

	go o.forward(account, w, sink)
	o.logger.Debug("confirmation listener registered", "account", account.Hex())
	return nil
}

// Watching reports whether a listener for account is live.
func (o *Orchestrator) Watching(account common.Address) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.watches[account]
	return ok
}

func (o *Orchestrator) forward(account common.Address, w *watch, sink <-chan *offerregistry.SubscriptionAdded) {
	defer close(w.done)
	defer o.drop(account, w)
	for {
		select {
		case ev := <-sink:
			c := o.confirm(ev)
			select {
			case o.confirmations <- c:
			case <-w.stop:
				return
			case <-o.closed:
				return
			}
		case <-w.stop:
			return
		case err, ok := <-w.sub.Err():
			if ok && err != nil {
				o.logger.Error("confirmation listener failed", "account", account.Hex(), "error", err)
			}
			return
		}
	}
}

func (o *Orchestrator) confirm(ev *offerregistry.SubscriptionAdded) Confirmation {
	c := Confirmation{
		Account:     ev.NewSubscriptionOwner,
		OfferIndex:  ev.OfferIndex.Uint64(),
		Registry:    ev.Raw.Address,
		Expiration:  offerregistry.ExpirationTime(ev.ExpirationTimestamp),
		TxHash:      ev.Raw.TxHash,
		ConfirmedAt: o.now(),
	}

	o.mu.Lock()
	if p, ok := o.pending[c.TxHash]; ok {
		delete(o.pending, c.TxHash)
		c.Pending = p
	} else {
		if len(o.seen) >= seenLimit {
			clear(o.seen)
		}
		o.seen[c.TxHash] = struct{}{}
	}
	o.mu.Unlock()

	metrics.SubscriptionsTotal.WithLabelValues("confirmed").Inc()
	if c.Pending != nil {
		metrics.ConfirmationLatency.Observe(c.ConfirmedAt.Sub(c.Pending.SubmittedAt).Seconds())
	}
	o.logger.Info("subscription valid until "+c.Expiration.Format(time.RFC1123),
		"account", c.Account.Hex(), "offer", c.OfferIndex, "tx", c.TxHash.Hex())
	return c
}

func (o *Orchestrator) drop(account common.Address, w *watch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.watches[account] == w {
		delete(o.watches, account)
		metrics.ActiveConfirmationListeners.Dec()
	}
}

// PendingTxs lists submissions still waiting for confirmation.
func (o *Orchestrator) PendingTxs() []Pending {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Pending, 0, len(o.pending))
	for _, p := range o.pending {
		out = append(out, *p)
	}
	return out
}

// Abandon forgets a pending submission. A later confirmation for it is
// still delivered, unmatched.
func (o *Orchestrator) Abandon(hash common.Hash) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.pending[hash]; !ok {
		return false
	}
	delete(o.pending, hash)
	return true
}

// Unwatch tears down the listener for account.
func (o *Orchestrator) Unwatch(account common.Address) {
	o.mu.Lock()
	w, ok := o.watches[account]
	o.mu.Unlock()
	if !ok {
		return
	}
	w.close()
}

func (w *watch) close() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.sub.Unsubscribe()
	<-w.done
}

// Close tears down every listener. Confirmations already queued stay in
// the channel.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.closed)
		o.mu.Lock()
		watches := make([]*watch, 0, len(o.watches))
		for _, w := range o.watches {
			watches = append(watches, w)
		}
		o.mu.Unlock()
		for _, w := range watches {
			w.close()
		}
	})
}
