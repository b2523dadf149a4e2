// Package catalog reads the registry's offers together with the active
// account's expiration for each, and holds the visible catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/offersync/internal/binding"
	"github.com/mbd888/offersync/internal/metrics"
	"github.com/mbd888/offersync/internal/offerregistry"
	"github.com/mbd888/offersync/internal/traces"
)

// Load steps reported by CatalogLoadError.
const (
	StepOfferCount   = "offer_count"
	StepEntityOffers = "entity_offers"
	StepSubscribers  = "subscribers"
)

var ErrInvalidCount = errors.New("catalog: offer count out of range")

// CatalogLoadError reports the first failed read. Index is -1 for the
// offer count.
type CatalogLoadError struct {
	Index int64
	Step  string
	Err   error
}

func (e *CatalogLoadError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("catalog: %s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("catalog: %s(%d) failed: %v", e.Step, e.Index, e.Err)
}

func (e *CatalogLoadError) Unwrap() error { return e.Err }

// OfferRecord is one offer as seen by the active account.
type OfferRecord struct {
	Index                   uint64     `json:"index"`
	Name                    string     `json:"name"`
	BaseFee                 *big.Int   `json:"base_fee"`
	MinimumSubscriptionTime *big.Int   `json:"minimum_subscription_time"` // seconds
	IsRetired               bool       `json:"is_retired"`
	Expiration              *time.Time `json:"expiration,omitempty"` // nil = no subscription
}

// Active reports whether the subscription is still running at t.
func (o OfferRecord) Active(t time.Time) bool {
	return o.Expiration != nil && o.Expiration.After(t)
}

// Reader is the read surface of the registry. *offerregistry.Caller
// satisfies it.
type Reader interface {
	OfferCount(ctx context.Context) (*big.Int, error)
	EntityOffer(ctx context.Context, index *big.Int) (offerregistry.Offer, error)
	Subscription(ctx context.Context, owner common.Address, index *big.Int) (*big.Int, error)
}

// Options tunes LoadAll.
type Options struct {
	// Concurrency bounds parallel per-offer reads; <= 1 reads sequentially.
	Concurrency int
	Logger      *slog.Logger
}

// Expiration maps an on-chain expiration to a time. Zero means no
// subscription, never the epoch.
func Expiration(unix *big.Int) *time.Time {
	if unix == nil || unix.Sign() == 0 {
		return nil
	}
	t := offerregistry.ExpirationTime(unix)
	return &t
}

// LoadAll reads every offer in index order along with account's
// expiration for it. A registry without an address yields an empty
// catalog.
func LoadAll(ctx context.Context, r Reader, account common.Address, opts Options) (records []OfferRecord, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, span := traces.StartSpan(ctx, "catalog.LoadAll", traces.Account(account.Hex()))
	defer func() { traces.End(span, err) }()

	start := time.Now()
	defer func() { metrics.CatalogLoadDuration.Observe(time.Since(start).Seconds()) }()

	count, err := r.OfferCount(ctx)
	if errors.Is(err, binding.ErrNoAddress) {
		logger.Debug("registry address not set, catalog is empty")
		return []OfferRecord{}, nil
	}
	if err != nil {
		return nil, &CatalogLoadError{Index: -1, Step: StepOfferCount, Err: err}
	}
	if !count.IsInt64() || count.Int64() > int64(^uint(0)>>1) {
		return nil, &CatalogLoadError{Index: -1, Step: StepOfferCount, Err: fmt.Errorf("%w: %s", ErrInvalidCount, count)}
	}

	n := int(count.Int64())
	records = make([]OfferRecord, n)

	if opts.Concurrency <= 1 {
		for i := 0; i < n; i++ {
			rec, err := loadOne(ctx, r, account, uint64(i))
			if err != nil {
				return nil, err
			}
			records[i] = rec
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Concurrency)
		for i := 0; i < n; i++ {
			g.Go(func() error {
				rec, err := loadOne(gctx, r, account, uint64(i))
				if err != nil {
					return err
				}
				records[i] = rec
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	logger.Debug("catalog read", "account", account.Hex(), "offers", n, "took", time.Since(start))
	return records, nil
}

func loadOne(ctx context.Context, r Reader, account common.Address, index uint64) (OfferRecord, error) {
	idx := new(big.Int).SetUint64(index)

	offer, err := r.EntityOffer(ctx, idx)
	if err != nil {
		return OfferRecord{}, &CatalogLoadError{Index: int64(index), Step: StepEntityOffers, Err: err}
	}
	exp, err := r.Subscription(ctx, account, idx)
	if err != nil {
		return OfferRecord{}, &CatalogLoadError{Index: int64(index), Step: StepSubscribers, Err: err}
	}

	return OfferRecord{
		Index:                   index,
		Name:                    offer.OfferName,
		BaseFee:                 offer.BaseFee,
		MinimumSubscriptionTime: offer.MinimumSubscriptionTime,
		IsRetired:               offer.IsRetired,
		Expiration:              Expiration(exp),
	}, nil
}
