// Package testutil provides an in-memory ledger for tests: a registry
// contract that answers real ABI-encoded calls and emits real logs, and a
// wallet that submits paid calls to it.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/offersync/internal/artifact"
	"github.com/mbd888/offersync/internal/provider"
)

// ErrReverted is returned for calls the fake contract rejects.
var ErrReverted = errors.New("execution reverted")

// Offer is one registry entry.
type Offer struct {
	Name                    string
	BaseFee                 *big.Int
	MinimumSubscriptionTime *big.Int
	IsRetired               bool
}

// Call records one contract invocation.
type Call struct {
	Method string
	Args   []interface{}
	Value  *big.Int
	From   common.Address
}

// FakeRegistry is an EntityOfferRegistry deployed at Address on a fake
// network. It implements both provider.Backend and provider.PushBackend.
type FakeRegistry struct {
	ABI     abi.ABI
	Address common.Address
	Network *big.Int

	// Hook, when set, runs before every read is answered. Tests use it
	// to reorder completions or to block.
	Hook func(method string, args []interface{})
	// Now is the chain clock used for new expirations.
	Now func() time.Time

	mu          sync.Mutex
	offers      []Offer
	expirations map[common.Address]map[uint64]*big.Int
	balances    map[common.Address]*big.Int
	failures    map[string]error
	calls       []Call
	subs        []*logSub
	txCount     uint64
}

var (
	_ provider.Backend     = (*FakeRegistry)(nil)
	_ provider.PushBackend = (*FakeRegistry)(nil)
)

// NewFakeRegistry deploys the bundled registry ABI at addr on network 5777.
func NewFakeRegistry(addr common.Address, offers ...Offer) *FakeRegistry {
	return &FakeRegistry{
		ABI:         artifact.EntityOfferRegistry().ABI,
		Address:     addr,
		Network:     big.NewInt(5777),
		Now:         time.Now,
		offers:      offers,
		expirations: make(map[common.Address]map[uint64]*big.Int),
		balances:    make(map[common.Address]*big.Int),
		failures:    make(map[string]error),
	}
}

// SetBalance sets the wei balance of account.
func (r *FakeRegistry) SetBalance(account common.Address, wei *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[account] = new(big.Int).Set(wei)
}

// SetExpiration records an existing subscription.
func (r *FakeRegistry) SetExpiration(account common.Address, index uint64, unix int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.expirations[account] == nil {
		r.expirations[account] = make(map[uint64]*big.Int)
	}
	r.expirations[account][index] = big.NewInt(unix)
}

// Expiration returns the stored expiration, zero if none.
func (r *FakeRegistry) Expiration(account common.Address, index uint64) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.expirations[account][index]; e != nil {
		return new(big.Int).Set(e)
	}
	return new(big.Int)
}

// AddOffer appends an offer.
func (r *FakeRegistry) AddOffer(o Offer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = append(r.offers, o)
}

// Fail makes every call of method (or "balance", "network", "subscribe")
// return err. A nil err clears the failure.
func (r *FakeRegistry) Fail(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, method)
		return
	}
	r.failures[method] = err
}

// Calls returns the recorded invocations.
func (r *FakeRegistry) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsTo returns the recorded invocations of method.
func (r *FakeRegistry) CallsTo(method string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Subscriptions reports how many log subscriptions are live.
func (r *FakeRegistry) Subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.subs {
		if !s.done() {
			n++
		}
	}
	return n
}

// -----------------------------------------------------------------------------
// provider.Backend
// -----------------------------------------------------------------------------

func (r *FakeRegistry) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if msg.To == nil || *msg.To != r.Address {
		return nil, nil
	}
	method, args, err := r.decode(msg.Data)
	if err != nil {
		return nil, err
	}
	if r.Hook != nil {
		r.Hook(method.Name, args)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: method.Name, Args: args, From: msg.From})
	if err := r.failures[method.Name]; err != nil {
		return nil, err
	}

	switch method.Name {
	case "offerCount":
		return method.Outputs.Pack(big.NewInt(int64(len(r.offers))))
	case "entityOffers":
		o, err := r.offer(args[0].(*big.Int))
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(o.Name, o.BaseFee, o.MinimumSubscriptionTime, o.IsRetired)
	case "subscribers":
		exp := r.expirations[args[0].(common.Address)][args[1].(*big.Int).Uint64()]
		if exp == nil {
			exp = new(big.Int)
		}
		return method.Outputs.Pack(exp)
	case "computeFee":
		fee, err := r.fee(args[0].(*big.Int), args[1].(*big.Int))
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(fee)
	default:
		return nil, fmt.Errorf("%w: %s is not a constant method", ErrReverted, method.Name)
	}
}

func (r *FakeRegistry) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["balance"]; err != nil {
		return nil, err
	}
	if b := r.balances[account]; b != nil {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (r *FakeRegistry) NetworkID(ctx context.Context) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["network"]; err != nil {
		return nil, err
	}
	return new(big.Int).Set(r.Network), nil
}

func (r *FakeRegistry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// -----------------------------------------------------------------------------
// provider.PushBackend
// -----------------------------------------------------------------------------

func (r *FakeRegistry) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures["subscribe"]; err != nil {
		return nil, err
	}
	s := &logSub{query: q, ch: ch, quit: make(chan struct{}), errc: make(chan error, 1)}
	r.subs = append(r.subs, s)
	return s, nil
}

// -----------------------------------------------------------------------------
// Paid calls
// -----------------------------------------------------------------------------

// Execute applies a state-mutating call and emits its logs. It is what a
// mined transaction does.
func (r *FakeRegistry) Execute(ctx context.Context, req provider.TxRequest) (common.Hash, error) {
	if req.To != r.Address {
		return common.Hash{}, fmt.Errorf("%w: no contract at %s", ErrReverted, req.To.Hex())
	}
	method, args, err := r.decode(req.Data)
	if err != nil {
		return common.Hash{}, err
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	r.mu.Lock()
	r.calls = append(r.calls, Call{Method: method.Name, Args: args, Value: new(big.Int).Set(value), From: req.From})
	if err := r.failures[method.Name]; err != nil {
		r.mu.Unlock()
		return common.Hash{}, err
	}
	if method.Name != "newSubscription" {
		r.mu.Unlock()
		return common.Hash{}, fmt.Errorf("%w: %s is not payable", ErrReverted, method.Name)
	}

	index, seconds := args[0].(*big.Int), args[1].(*big.Int)
	fee, err := r.fee(index, seconds)
	if err != nil {
		r.mu.Unlock()
		return common.Hash{}, err
	}
	if value.Cmp(fee) < 0 {
		r.mu.Unlock()
		return common.Hash{}, fmt.Errorf("%w: fee %s required, %s sent", ErrReverted, fee, value)
	}

	start := big.NewInt(r.Now().Unix())
	if cur := r.expirations[req.From][index.Uint64()]; cur != nil && cur.Cmp(start) > 0 {
		start = cur
	}
	expiration := new(big.Int).Add(start, seconds)
	if r.expirations[req.From] == nil {
		r.expirations[req.From] = make(map[uint64]*big.Int)
	}
	r.expirations[req.From][index.Uint64()] = expiration

	r.txCount++
	hash := crypto.Keccak256Hash(r.Address.Bytes(), new(big.Int).SetUint64(r.txCount).Bytes())

	ev := r.ABI.Events["SubscriptionAdded"]
	data, err := ev.Inputs.NonIndexed().Pack(index, expiration)
	if err != nil {
		r.mu.Unlock()
		return common.Hash{}, err
	}
	log := types.Log{
		Address: r.Address,
		Topics:  []common.Hash{ev.ID, common.BytesToHash(req.From.Bytes())},
		Data:    data,
		TxHash:  hash,
	}
	subs := append([]*logSub(nil), r.subs...)
	r.mu.Unlock()

	for _, s := range subs {
		s.deliver(log)
	}
	return hash, nil
}

func (r *FakeRegistry) decode(data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("%w: short calldata", ErrReverted)
	}
	method, err := r.ABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrReverted, err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrReverted, err)
	}
	return method, args, nil
}

func (r *FakeRegistry) offer(index *big.Int) (Offer, error) {
	if !index.IsUint64() || index.Uint64() >= uint64(len(r.offers)) {
		return Offer{}, fmt.Errorf("%w: offer %s out of range", ErrReverted, index)
	}
	return r.offers[index.Uint64()], nil
}

// fee is BaseFee per MinimumSubscriptionTime period, pro rata.
func (r *FakeRegistry) fee(index, seconds *big.Int) (*big.Int, error) {
	o, err := r.offer(index)
	if err != nil {
		return nil, err
	}
	if o.IsRetired {
		return nil, fmt.Errorf("%w: offer %s is retired", ErrReverted, index)
	}
	if o.MinimumSubscriptionTime == nil || o.MinimumSubscriptionTime.Sign() == 0 {
		return new(big.Int).Set(o.BaseFee), nil
	}
	if seconds.Cmp(o.MinimumSubscriptionTime) < 0 {
		return nil, fmt.Errorf("%w: subscription shorter than minimum", ErrReverted)
	}
	fee := new(big.Int).Mul(o.BaseFee, seconds)
	return fee.Div(fee, o.MinimumSubscriptionTime), nil
}

// -----------------------------------------------------------------------------
// Log subscriptions
// -----------------------------------------------------------------------------

type logSub struct {
	query ethereum.FilterQuery
	ch    chan<- types.Log
	quit  chan struct{}
	errc  chan error
	once  sync.Once
}

func (s *logSub) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		close(s.errc)
	})
}

func (s *logSub) Err() <-chan error { return s.errc }

func (s *logSub) done() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *logSub) matches(log types.Log) bool {
	if len(s.query.Addresses) > 0 {
		found := false
		for _, a := range s.query.Addresses {
			if a == log.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, want := range s.query.Topics {
		if len(want) == 0 {
			continue
		}
		if i >= len(log.Topics) {
			return false
		}
		found := false
		for _, t := range want {
			if t == log.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *logSub) deliver(log types.Log) {
	if s.done() || !s.matches(log) {
		return
	}
	select {
	case s.ch <- log:
	case <-s.quit:
	}
}
