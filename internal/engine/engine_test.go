package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/offersync/internal/artifact"
	"github.com/mbd888/offersync/internal/binding"
	"github.com/mbd888/offersync/internal/catalog"
	"github.com/mbd888/offersync/internal/provider"
	"github.com/mbd888/offersync/internal/subscription"
	"github.com/mbd888/offersync/internal/testutil"
)

var (
	registryAddr = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	otherAddr    = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	alice        = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob          = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	reg    *testutil.FakeRegistry
	wallet *testutil.FakeWallet
	engine *Engine
	events *recorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg := testutil.NewFakeRegistry(registryAddr, testutil.Offer{
		Name:                    "Gold",
		BaseFee:                 big.NewInt(500),
		MinimumSubscriptionTime: big.NewInt(1800),
	})
	reg.SetBalance(alice, new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18)))
	reg.SetBalance(bob, big.NewInt(1e18))
	w := testutil.NewFakeWallet(reg, alice, bob)

	boot := provider.NewBootstrapper(provider.StaticHost{P: w, RR: reg, Push: reg}, nil)
	rec := &recorder{}
	e := New(boot, cfg, WithNotifier(rec))
	t.Cleanup(func() { _ = e.Close() })
	return &harness{reg: reg, wallet: w, engine: e, events: rec}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.engine.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) ready(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := h.engine.Bootstrap(ctx)
	require.NoError(t, err)
	require.NoError(t, h.engine.SetRegistryAddress(ctx, registryAddr.Hex()))
}

func TestEngine_GoldScenario(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(t)
	h.ready(t)
	ctx := context.Background()

	snap, err := h.engine.LoadOffers(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Offers, 1)
	assert.Equal(t, "Gold", snap.Offers[0].Name)
	assert.Nil(t, snap.Offers[0].Expiration)

	require.NoError(t, h.engine.SelectOffer(ctx, 0))
	require.NoError(t, h.engine.SetDuration(ctx, 30))

	submittedAt := time.Now()
	p, err := h.engine.CreateSubscription(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), p.Fee.Int64())
	assert.Equal(t, uint64(1800), p.DurationSeconds)

	fee := h.reg.CallsTo("computeFee")
	require.Len(t, fee, 1)
	assert.Equal(t, int64(1800), fee[0].Args[1].(*big.Int).Int64())
	paid := h.reg.CallsTo("newSubscription")
	require.Len(t, paid, 1)
	assert.Equal(t, int64(1800), paid[0].Args[1].(*big.Int).Int64())
	assert.Equal(t, int64(500), paid[0].Value.Int64())

	require.Eventually(t, func() bool { return h.engine.Snapshot().LastConfirmation != nil }, 2*time.Second, 10*time.Millisecond)
	st := h.engine.Snapshot()
	assert.Equal(t, p.TxHash, st.LastConfirmation.TxHash)
	assert.True(t, st.LastConfirmation.Expiration.After(submittedAt))
	assert.Nil(t, st.Pending)
	assert.True(t, st.Listening)

	// The confirmation reloads the catalog on its own.
	require.Eventually(t, func() bool {
		offers := h.engine.Snapshot().Catalog.Offers
		return len(offers) == 1 && offers[0].Expiration != nil
	}, 2*time.Second, 10*time.Millisecond)
	gold := h.engine.Snapshot().Catalog.Offers[0]
	assert.True(t, gold.Expiration.After(submittedAt))
	assert.True(t, gold.Active(submittedAt))
	assert.Len(t, h.reg.CallsTo("offerCount"), 2)
	assert.Contains(t, h.events.types(), EventConfirmed)
}

func TestEngine_StaleConfirmationDropped(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(t)
	h.ready(t)
	ctx := context.Background()

	_, err := h.engine.LoadOffers(ctx)
	require.NoError(t, err)

	// Still buffered from a registry that has since been replaced.
	h.engine.confirmations <- subscription.Confirmation{Registry: otherAddr, Account: alice, TxHash: common.HexToHash("0x01")}
	h.engine.confirmations <- subscription.Confirmation{Registry: registryAddr, Account: alice, TxHash: common.HexToHash("0x02")}

	require.Eventually(t, func() bool { return len(h.reg.CallsTo("offerCount")) == 2 }, 2*time.Second, 10*time.Millisecond)
	st := h.engine.Snapshot()
	require.NotNil(t, st.LastConfirmation)
	assert.Equal(t, common.HexToHash("0x02"), st.LastConfirmation.TxHash)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.reg.CallsTo("offerCount"), 2, "stale confirmation must not reload the catalog")
}

func TestEngine_OnConfirmation(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.engine.Bootstrap(context.Background())
	require.NoError(t, err)

	assert.False(t, h.engine.onConfirmation(subscription.Confirmation{Registry: registryAddr}), "nothing bound yet")

	require.NoError(t, h.engine.SetRegistryAddress(context.Background(), registryAddr.Hex()))
	assert.False(t, h.engine.onConfirmation(subscription.Confirmation{Registry: otherAddr}))
	assert.Nil(t, h.engine.Snapshot().LastConfirmation)

	assert.True(t, h.engine.onConfirmation(subscription.Confirmation{Registry: registryAddr}))
	assert.NotNil(t, h.engine.Snapshot().LastConfirmation)
}

func TestEngine_AccountSwitchKeepsCatalog(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(t)
	h.ready(t)
	ctx := context.Background()

	before, err := h.engine.LoadOffers(ctx)
	require.NoError(t, err)
	require.Equal(t, alice, before.Account)

	h.wallet.Switch(bob)
	require.Eventually(t, func() bool {
		st := h.engine.Snapshot()
		return st.Account != nil && st.Account.Address == bob
	}, 2*time.Second, 10*time.Millisecond)

	st := h.engine.Snapshot()
	assert.Equal(t, "1", st.Account.Balance)
	assert.Equal(t, alice, st.Catalog.Account, "catalog must stay until an explicit load")
	assert.Equal(t, before.Offers, st.Catalog.Offers)

	after, err := h.engine.LoadOffers(ctx)
	require.NoError(t, err)
	assert.Equal(t, bob, after.Account)
}

func TestEngine_UnsetRegistry(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.engine.Bootstrap(ctx)
	require.NoError(t, err)
	require.NoError(t, h.engine.SetRegistryAddress(ctx, ""))

	snap, err := h.engine.LoadOffers(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Offers)

	_, err = h.engine.CreateSubscription(ctx)
	assert.ErrorIs(t, err, binding.ErrNoAddress)
	assert.Empty(t, h.wallet.Sent())
	assert.Empty(t, h.reg.CallsTo("newSubscription"))
	assert.Empty(t, h.engine.Snapshot().Catalog.Offers)
}

func TestEngine_RejectedSubmission(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	ctx := context.Background()

	_, err := h.engine.LoadOffers(ctx)
	require.NoError(t, err)
	require.NoError(t, h.engine.SelectOffer(ctx, 0))

	h.wallet.RejectSends(errors.New("User denied transaction signature"))
	_, err = h.engine.CreateSubscription(ctx)

	var rejected *subscription.TransactionRejectedError
	require.True(t, errors.As(err, &rejected))

	st := h.engine.Snapshot()
	assert.True(t, st.Listening)
	assert.Len(t, st.Catalog.Offers, 1)
	assert.Nil(t, st.Pending)
	assert.Equal(t, 1, h.reg.Subscriptions())
}

func TestEngine_FeeFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	ctx := context.Background()
	_, err := h.engine.LoadOffers(ctx)
	require.NoError(t, err)
	require.NoError(t, h.engine.SelectOffer(ctx, 0))

	h.reg.Fail("computeFee", errors.New("rpc timeout"))
	_, err = h.engine.CreateSubscription(ctx)
	var feeErr *subscription.FeeComputationError
	assert.True(t, errors.As(err, &feeErr))
	assert.Empty(t, h.wallet.Sent())
}

func TestEngine_RegistryChangeInvalidates(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	ctx := context.Background()

	_, err := h.engine.LoadOffers(ctx)
	require.NoError(t, err)
	require.NoError(t, h.engine.SelectOffer(ctx, 0))
	_, err = h.engine.CreateSubscription(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, h.reg.Subscriptions())

	require.NoError(t, h.engine.SetRegistryAddress(ctx, otherAddr.Hex()))

	st := h.engine.Snapshot()
	assert.Empty(t, st.Catalog.Offers)
	assert.Nil(t, st.Intent.OfferIndex)
	require.NotNil(t, st.Registry)
	assert.Equal(t, otherAddr, *st.Registry)
	assert.Equal(t, 0, h.reg.Subscriptions(), "old confirmation listener must be torn down")
}

func TestEngine_SupersededLoad(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	ctx := context.Background()

	gate := make(chan struct{})
	entered := make(chan struct{})
	var calls atomic.Int32
	h.reg.Hook = func(method string, _ []interface{}) {
		if method == "offerCount" && calls.Add(1) == 1 {
			close(entered)
			<-gate
		}
	}

	firstErr := make(chan error, 1)
	go func() {
		_, err := h.engine.LoadOffers(ctx)
		firstErr <- err
	}()
	<-entered

	h.reg.AddOffer(testutil.Offer{Name: "Silver", BaseFee: big.NewInt(100), MinimumSubscriptionTime: big.NewInt(60)})
	snap, err := h.engine.LoadOffers(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Offers, 2)

	close(gate)
	assert.ErrorIs(t, <-firstErr, catalog.ErrSuperseded)
	assert.Len(t, h.engine.Snapshot().Catalog.Offers, 2)
}

func TestEngine_LoadFailureKeepsCatalog(t *testing.T) {
	h := newHarness(t, Config{CatalogConcurrency: 4})
	h.ready(t)
	ctx := context.Background()

	_, err := h.engine.LoadOffers(ctx)
	require.NoError(t, err)

	h.reg.Fail("subscribers", errors.New("boom"))
	_, err = h.engine.LoadOffers(ctx)
	var loadErr *catalog.CatalogLoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Len(t, h.engine.Snapshot().Catalog.Offers, 1)
}

func TestEngine_LoadWithoutRegistry(t *testing.T) {
	a := artifact.EntityOfferRegistry()
	a.Networks["5777"] = artifact.Deployment{Address: registryAddr.Hex()}
	h := newHarness(t, Config{Artifact: a})
	ctx := context.Background()
	_, err := h.engine.Bootstrap(ctx)
	require.NoError(t, err)

	// No ledger call is made, so a failing network query cannot surface.
	h.reg.Fail("network", errors.New("net_version unavailable"))
	snap, err := h.engine.LoadOffers(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Offers)
	assert.Nil(t, snap.Registry)
	assert.Nil(t, h.engine.Snapshot().Registry, "the deployment table is only used on request")
	assert.Empty(t, h.reg.Calls())
}

func TestEngine_BindDeployed(t *testing.T) {
	a := artifact.EntityOfferRegistry()
	a.Networks["5777"] = artifact.Deployment{Address: registryAddr.Hex()}
	h := newHarness(t, Config{Artifact: a})
	ctx := context.Background()
	_, err := h.engine.Bootstrap(ctx)
	require.NoError(t, err)

	require.NoError(t, h.engine.BindDeployed(ctx))
	snap, err := h.engine.LoadOffers(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Offers, 1)
	require.NotNil(t, snap.Registry)
	assert.Equal(t, registryAddr, *snap.Registry)
}

func TestEngine_InitialRegistryAddress(t *testing.T) {
	h := newHarness(t, Config{RegistryAddress: registryAddr.Hex()})
	_, err := h.engine.Bootstrap(context.Background())
	require.NoError(t, err)

	st := h.engine.Snapshot()
	require.NotNil(t, st.Registry)
	assert.Equal(t, registryAddr, *st.Registry)
}

func TestEngine_Preconditions(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.engine.LoadOffers(ctx)
	assert.ErrorIs(t, err, ErrNotBootstrapped)
	assert.ErrorIs(t, h.engine.SetRegistryAddress(ctx, registryAddr.Hex()), ErrNotBootstrapped)
	_, err = h.engine.CreateSubscription(ctx)
	assert.ErrorIs(t, err, ErrNotBootstrapped)

	h.ready(t)
	assert.ErrorIs(t, h.engine.SetRegistryAddress(ctx, "0x1234"), ErrInvalidAddress)
	assert.ErrorIs(t, h.engine.SelectOffer(ctx, 0), ErrUnknownOffer)

	_, err = h.engine.CreateSubscription(ctx)
	assert.ErrorIs(t, err, ErrNoOfferSelected)
}

func TestEngine_SetDuration(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	assert.Equal(t, uint64(DefaultDurationMinutes), h.engine.Snapshot().Intent.DurationMinutes)

	tests := []struct {
		minutes uint64
		wantErr bool
	}{
		{0, true},
		{1, false},
		{180, false},
		{181, true},
	}
	for _, tt := range tests {
		err := h.engine.SetDuration(ctx, tt.minutes)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidDuration, "minutes=%d", tt.minutes)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.minutes, h.engine.Snapshot().Intent.DurationMinutes)
	}
}

func TestEngine_BootstrapFailures(t *testing.T) {
	t.Run("no provider", func(t *testing.T) {
		reg := testutil.NewFakeRegistry(registryAddr)
		e := New(provider.NewBootstrapper(provider.StaticHost{RR: reg, Push: reg}, nil), Config{})
		_, err := e.Bootstrap(context.Background())
		assert.ErrorIs(t, err, provider.ErrNoProvider)
		assert.False(t, e.Snapshot().Bootstrapped)
	})

	t.Run("authorization denied", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.wallet.DenyAccess(errors.New("user rejected"))
		_, err := h.engine.Bootstrap(context.Background())
		var denied *provider.AuthorizationDeniedError
		assert.True(t, errors.As(err, &denied))

		h.wallet.DenyAccess(nil)
		acct, err := h.engine.Bootstrap(context.Background())
		require.NoError(t, err)
		assert.Equal(t, alice, acct.Address)
	})
}

func TestEngine_Close(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	require.NoError(t, h.engine.Watch(context.Background()))
	require.Equal(t, 1, h.reg.Subscriptions())

	require.NoError(t, h.engine.Close())
	require.NoError(t, h.engine.Close())

	assert.Equal(t, 0, h.reg.Subscriptions())
	assert.True(t, h.wallet.Closed())
	_, err := h.engine.Bootstrap(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.engine.Run(ctx), context.Canceled)
}
