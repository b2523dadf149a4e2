package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_LatestTicketWins(t *testing.T) {
	s := NewStore()

	first := s.Begin()
	second := s.Begin()

	require.NoError(t, s.Commit(second, Snapshot{Account: alice, Offers: []OfferRecord{{Index: 0, Name: "new"}}}))
	assert.ErrorIs(t, s.Commit(first, Snapshot{Offers: []OfferRecord{{Name: "old"}}}), ErrSuperseded)

	snap := s.Snapshot()
	require.Len(t, snap.Offers, 1)
	assert.Equal(t, "new", snap.Offers[0].Name)
	assert.Equal(t, uint64(second), snap.Generation)
}

func TestStore_InvalidateSupersedesInFlight(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Commit(s.Begin(), Snapshot{Offers: []OfferRecord{{Name: "a"}}}))

	inFlight := s.Begin()
	s.Invalidate()

	assert.Empty(t, s.Snapshot().Offers)
	assert.ErrorIs(t, s.Commit(inFlight, Snapshot{Offers: []OfferRecord{{Name: "b"}}}), ErrSuperseded)
	assert.Empty(t, s.Snapshot().Offers)
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	s := NewStore()
	assert.NotNil(t, s.Snapshot().Offers)

	require.NoError(t, s.Commit(s.Begin(), Snapshot{Offers: []OfferRecord{{Name: "a"}, {Index: 1, Name: "b"}}}))
	snap := s.Snapshot()
	snap.Offers[0].Name = "mutated"

	rec, ok := s.Offer(0)
	require.True(t, ok)
	assert.Equal(t, "a", rec.Name)

	_, ok = s.Offer(2)
	assert.False(t, ok)
}
