package offerregistry

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/offersync/internal/binding"
	"github.com/mbd888/offersync/internal/testutil"
)

var (
	registryAddr = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	alice        = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob          = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func setup(t *testing.T) (*testutil.FakeRegistry, *testutil.FakeWallet, binding.Target) {
	t.Helper()
	reg := testutil.NewFakeRegistry(registryAddr,
		testutil.Offer{Name: "Gold", BaseFee: big.NewInt(500), MinimumSubscriptionTime: big.NewInt(1800)},
		testutil.Offer{Name: "Legacy", BaseFee: big.NewInt(10), MinimumSubscriptionTime: big.NewInt(60), IsRetired: true},
	)
	reg.Now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return reg, testutil.NewFakeWallet(reg, alice, bob), binding.Target{Address: &registryAddr, ABI: reg.ABI}
}

func TestCaller(t *testing.T) {
	reg, _, target := setup(t)
	reg.SetExpiration(alice, 1, 1_600_000_000)
	c := NewCaller(binding.NewRequestResponse(target, reg))
	ctx := context.Background()

	count, err := c.OfferCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count.Int64())

	offer, err := c.EntityOffer(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, Offer{
		OfferName:               "Legacy",
		BaseFee:                 big.NewInt(10),
		MinimumSubscriptionTime: big.NewInt(60),
		IsRetired:               true,
	}, offer)

	exp, err := c.Subscription(ctx, alice, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1_600_000_000), exp.Int64())

	none, err := c.Subscription(ctx, alice, big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, 0, none.Sign())

	fee, err := c.ComputeFee(ctx, big.NewInt(0), big.NewInt(1800))
	require.NoError(t, err)
	assert.Equal(t, int64(500), fee.Int64())
}

func TestCaller_PropagatesFailures(t *testing.T) {
	reg, _, target := setup(t)
	boom := errors.New("rpc timeout")
	reg.Fail("computeFee", boom)
	c := NewCaller(binding.NewRequestResponse(target, reg))

	_, err := c.ComputeFee(context.Background(), big.NewInt(0), big.NewInt(1800))
	assert.ErrorIs(t, err, boom)

	_, err = c.EntityOffer(context.Background(), big.NewInt(9))
	assert.ErrorIs(t, err, testutil.ErrReverted)
}

func TestTransactor_NewSubscription(t *testing.T) {
	reg, w, target := setup(t)
	tx := NewTransactor(target, w)

	hash, err := tx.NewSubscription(context.Background(), TransactOpts{
		From: alice, Value: big.NewInt(500), GasLimit: 10_000_000,
	}, big.NewInt(0), big.NewInt(1800))
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)

	sent := w.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, registryAddr, sent[0].To)
	assert.Equal(t, uint64(10_000_000), sent[0].Gas)
	assert.Equal(t, int64(1_700_001_800), reg.Expiration(alice, 0).Int64())
}

func TestTransactor_NoAddress(t *testing.T) {
	reg, w, _ := setup(t)
	tx := NewTransactor(binding.Target{ABI: reg.ABI}, w)

	_, err := tx.NewSubscription(context.Background(), TransactOpts{From: alice}, big.NewInt(0), big.NewInt(1800))
	assert.ErrorIs(t, err, binding.ErrNoAddress)
	assert.Empty(t, w.Sent())
}

func TestWatchSubscriptionAdded_FiltersByOwner(t *testing.T) {
	reg, w, target := setup(t)
	f := NewFilterer(binding.NewPush(target, reg))
	tx := NewTransactor(target, w)

	sink := make(chan *SubscriptionAdded, 4)
	sub, err := f.WatchSubscriptionAdded(context.Background(), sink, []common.Address{alice})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// bob's subscription must not reach alice's watch
	_, err = tx.NewSubscription(context.Background(), TransactOpts{From: bob, Value: big.NewInt(500)}, big.NewInt(0), big.NewInt(1800))
	require.NoError(t, err)
	_, err = tx.NewSubscription(context.Background(), TransactOpts{From: alice, Value: big.NewInt(1000)}, big.NewInt(0), big.NewInt(3600))
	require.NoError(t, err)

	select {
	case ev := <-sink:
		assert.Equal(t, alice, ev.NewSubscriptionOwner)
		assert.Equal(t, int64(0), ev.OfferIndex.Int64())
		assert.Equal(t, int64(1_700_003_600), ev.ExpirationTimestamp.Int64())
		assert.NotEqual(t, common.Hash{}, ev.Raw.TxHash)
	case <-time.After(time.Second):
		t.Fatal("confirmation not delivered")
	}

	select {
	case ev := <-sink:
		t.Fatalf("unexpected event for %s", ev.NewSubscriptionOwner.Hex())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchSubscriptionAdded_Unsubscribe(t *testing.T) {
	reg, _, target := setup(t)
	f := NewFilterer(binding.NewPush(target, reg))

	sub, err := f.WatchSubscriptionAdded(context.Background(), make(chan *SubscriptionAdded), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Subscriptions())

	sub.Unsubscribe()
	assert.Eventually(t, func() bool { return reg.Subscriptions() == 0 }, time.Second, 10*time.Millisecond)
}

func TestExpirationTime(t *testing.T) {
	huge, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)

	tests := []struct {
		name string
		unix *big.Int
		want time.Time
	}{
		{"ordinary", big.NewInt(1_900_000_000), time.Unix(1_900_000_000, 0)},
		{"last representable", big.NewInt(MaxExpiration.Unix()), MaxExpiration},
		{"past year 9999", big.NewInt(MaxExpiration.Unix() + 1), MaxExpiration},
		{"beyond int64", new(big.Int).Lsh(big.NewInt(1), 64), MaxExpiration},
		{"uint256 max", huge, MaxExpiration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(ExpirationTime(tt.unix)), "got %s", ExpirationTime(tt.unix))
		})
	}
}
