package engine

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/offersync/internal/account"
	"github.com/mbd888/offersync/internal/catalog"
	"github.com/mbd888/offersync/internal/subscription"
)

// Event types
const (
	EventAccount   = "account"
	EventRegistry  = "registry"
	EventCatalog   = "catalog"
	EventIntent    = "intent"
	EventSubmitted = "subscription_submitted"
	EventConfirmed = "subscription_confirmed"
)

// State is a read-only view of the engine.
type State struct {
	Bootstrapped     bool                       `json:"bootstrapped"`
	Account          *account.Account           `json:"account,omitempty"`
	Registry         *common.Address            `json:"registry,omitempty"`
	Catalog          catalog.Snapshot           `json:"catalog"`
	Intent           Intent                     `json:"intent"`
	Pending          *subscription.Pending      `json:"pending,omitempty"`
	LastConfirmation *subscription.Confirmation `json:"last_confirmation,omitempty"`
	Listening        bool                       `json:"listening"` // confirmation listener live for the active account
}

// Event is published after a state change.
type Event struct {
	Type      string    `json:"type"`
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot returns the current state.
func (e *Engine) Snapshot() State {
	e.mu.RLock()
	st := State{
		Bootstrapped: e.session != nil,
		Intent:       e.intent,
	}
	if e.intent.OfferIndex != nil {
		idx := *e.intent.OfferIndex
		st.Intent.OfferIndex = &idx
	}
	if e.registry != nil {
		addr := *e.registry
		st.Registry = &addr
	}
	if e.lastPending != nil {
		p := *e.lastPending
		st.Pending = &p
	}
	if e.lastConfirmation != nil {
		c := *e.lastConfirmation
		st.LastConfirmation = &c
	}
	tracker, orch := e.tracker, e.orch
	e.mu.RUnlock()

	if tracker != nil {
		if acct, ok := tracker.Current(); ok {
			st.Account = &acct
			st.Listening = orch != nil && orch.Watching(acct.Address)
		}
	}
	st.Catalog = e.catalog.Snapshot()
	return st
}

func (e *Engine) publish(kind string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(Event{Type: kind, State: e.Snapshot(), Timestamp: e.now()})
}
