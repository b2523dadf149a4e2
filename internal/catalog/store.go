package catalog

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/offersync/internal/metrics"
)

// ErrSuperseded is returned for a load whose results were dropped because
// a newer load or an invalidation came after it.
var ErrSuperseded = errors.New("catalog: load superseded by a newer one")

// Ticket identifies one load attempt.
type Ticket uint64

// Snapshot is the visible catalog and the (registry, account) pair it was
// read for.
type Snapshot struct {
	Registry   *common.Address `json:"registry,omitempty"`
	Account    common.Address  `json:"account"`
	Offers     []OfferRecord   `json:"offers"`
	LoadedAt   time.Time       `json:"loaded_at"`
	Generation uint64          `json:"generation"`
}

// Store holds the visible catalog. Only the most recently begun load may
// commit; an invalidation supersedes every load begun before it.
type Store struct {
	mu   sync.RWMutex
	gen  uint64
	snap Snapshot
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{snap: Snapshot{Offers: []OfferRecord{}}}
}

// Begin starts a load and returns its ticket.
func (s *Store) Begin() Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	return Ticket(s.gen)
}

// Commit replaces the catalog if t is still the latest ticket.
func (s *Store) Commit(t Ticket, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint64(t) != s.gen {
		return ErrSuperseded
	}
	if snap.Offers == nil {
		snap.Offers = []OfferRecord{}
	}
	snap.Generation = s.gen
	s.snap = snap
	metrics.CatalogSize.Set(float64(len(snap.Offers)))
	return nil
}

// Invalidate empties the catalog and supersedes in-flight loads.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.snap = Snapshot{Offers: []OfferRecord{}, Generation: s.gen}
	metrics.CatalogSize.Set(0)
}

// Snapshot returns a copy of the visible catalog.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	out.Offers = make([]OfferRecord, len(s.snap.Offers))
	copy(out.Offers, s.snap.Offers)
	return out
}

// Offer returns the visible record at index.
func (s *Store) Offer(index uint64) (OfferRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index >= uint64(len(s.snap.Offers)) {
		return OfferRecord{}, false
	}
	return s.snap.Offers[index], true
}
