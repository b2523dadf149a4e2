// Package offerregistry is the typed surface of the EntityOfferRegistry
// contract, layered over the binding package.
package offerregistry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"github.com/mbd888/offersync/internal/binding"
	"github.com/mbd888/offersync/internal/provider"
)

// EventSubscriptionAdded is the confirmation event name.
const EventSubscriptionAdded = "SubscriptionAdded"

var ErrUnexpectedOutput = errors.New("offerregistry: unexpected call output")

// MaxExpiration is the latest expiration the client represents; larger
// on-chain values are clamped to it. It is also the last instant that
// still encodes as RFC 3339.
var MaxExpiration = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// ExpirationTime converts an expiration timestamp in unix seconds,
// clamping values beyond MaxExpiration.
func ExpirationTime(unix *big.Int) time.Time {
	if !unix.IsInt64() || unix.Int64() > MaxExpiration.Unix() {
		return MaxExpiration
	}
	return time.Unix(unix.Int64(), 0)
}

// Offer mirrors the entityOffers getter.
type Offer struct {
	OfferName               string
	BaseFee                 *big.Int
	MinimumSubscriptionTime *big.Int
	IsRetired               bool
}

// SubscriptionAdded is a decoded confirmation event.
type SubscriptionAdded struct {
	NewSubscriptionOwner common.Address
	OfferIndex           *big.Int
	ExpirationTimestamp  *big.Int
	Raw                  types.Log
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// Caller performs constant calls over a request/response binding.
type Caller struct {
	b *binding.RequestResponse
}

func NewCaller(b *binding.RequestResponse) *Caller {
	return &Caller{b: b}
}

// Binding returns the underlying binding.
func (c *Caller) Binding() *binding.RequestResponse { return c.b }

func (c *Caller) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out, err := c.b.Call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: %s returned %d values", ErrUnexpectedOutput, method, len(out))
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// OfferCount calls offerCount().
func (c *Caller) OfferCount(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, "offerCount")
}

// EntityOffer calls entityOffers(index).
func (c *Caller) EntityOffer(ctx context.Context, index *big.Int) (Offer, error) {
	var out Offer
	if err := c.b.CallInto(ctx, &out, "entityOffers", index); err != nil {
		return Offer{}, err
	}
	return out, nil
}

// Subscription calls subscribers(owner, index): the expiration timestamp
// in unix seconds, zero if none.
func (c *Caller) Subscription(ctx context.Context, owner common.Address, index *big.Int) (*big.Int, error) {
	return c.callUint(ctx, "subscribers", owner, index)
}

// ComputeFee calls computeFee(index, seconds).
func (c *Caller) ComputeFee(ctx context.Context, index, seconds *big.Int) (*big.Int, error) {
	return c.callUint(ctx, "computeFee", index, seconds)
}

// -----------------------------------------------------------------------------
// Paid calls
// -----------------------------------------------------------------------------

// TransactOpts are the sender-side parameters of a paid call.
type TransactOpts struct {
	From     common.Address
	Value    *big.Int
	GasLimit uint64
}

// Transactor submits state-mutating calls through the wallet provider.
type Transactor struct {
	target binding.Target
	wallet provider.Provider
}

func NewTransactor(t binding.Target, wallet provider.Provider) *Transactor {
	return &Transactor{target: t, wallet: wallet}
}

// NewSubscription submits newSubscription(index, seconds) paying opts.Value.
// Nothing is sent when the target has no address.
func (t *Transactor) NewSubscription(ctx context.Context, opts TransactOpts, index, seconds *big.Int) (common.Hash, error) {
	to, err := t.target.Resolved()
	if err != nil {
		return common.Hash{}, err
	}
	data, err := t.target.Pack("newSubscription", index, seconds)
	if err != nil {
		return common.Hash{}, err
	}
	return t.wallet.SendTransaction(ctx, provider.TxRequest{
		From:  opts.From,
		To:    to,
		Value: opts.Value,
		Gas:   opts.GasLimit,
		Data:  data,
	})
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// Filterer watches contract events over a push binding.
type Filterer struct {
	p *binding.Push
}

func NewFilterer(p *binding.Push) *Filterer {
	return &Filterer{p: p}
}

// Binding returns the underlying binding.
func (f *Filterer) Binding() *binding.Push { return f.p }

// ParseSubscriptionAdded decodes a raw log.
func (f *Filterer) ParseSubscriptionAdded(log types.Log) (*SubscriptionAdded, error) {
	ev := new(SubscriptionAdded)
	if err := f.p.UnpackLog(ev, EventSubscriptionAdded, log); err != nil {
		return nil, err
	}
	ev.Raw = log
	return ev, nil
}

// WatchSubscriptionAdded forwards SubscriptionAdded events whose owner is
// one of owners (all owners when empty) to sink until the returned
// subscription is closed or the transport fails.
func (f *Filterer) WatchSubscriptionAdded(ctx context.Context, sink chan<- *SubscriptionAdded, owners []common.Address) (event.Subscription, error) {
	var ownerRule []interface{}
	for _, o := range owners {
		ownerRule = append(ownerRule, o)
	}

	logs, sub, err := f.p.WatchLogs(ctx, EventSubscriptionAdded, ownerRule)
	if err != nil {
		return nil, err
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case log := <-logs:
				ev, err := f.ParseSubscriptionAdded(log)
				if err != nil {
					return err
				}
				select {
				case sink <- ev:
				case err := <-sub.Err():
					return err
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}
