// Package binding attaches the registry ABI to a deployed address over one
// of the session's two transports.
//
// A RequestResponse binding performs reads and encodes calldata for paid
// calls. A Push binding owns event subscriptions. Both carry the same
// Target but never share a connection or a subscription.
package binding

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/offersync/internal/provider"
)

var (
	// ErrNoAddress means the binding has no registry address. Encoding
	// still works; every invocation fails.
	ErrNoAddress = errors.New("binding: registry address is not set")

	ErrNoCode              = errors.New("binding: no contract code at registry address")
	ErrUnknownEvent        = errors.New("binding: unknown event")
	ErrNoEventSignature    = errors.New("binding: log has no event signature")
	ErrEventSignatureMatch = errors.New("binding: event signature mismatch")
)

// Kind names the transport a binding runs over.
type Kind int

const (
	KindRequestResponse Kind = iota
	KindPush
)

func (k Kind) String() string {
	switch k {
	case KindRequestResponse:
		return "request_response"
	case KindPush:
		return "push"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// BindError reports a failed network identity query during Bind.
type BindError struct {
	Kind Kind
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("binding: %s network query failed: %v", e.Kind, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Target is an ABI plus an optional address.
type Target struct {
	Address *common.Address
	ABI     abi.ABI
}

// Resolved returns the bound address or ErrNoAddress.
func (t Target) Resolved() (common.Address, error) {
	if t.Address == nil {
		return common.Address{}, ErrNoAddress
	}
	return *t.Address, nil
}

// Pack encodes a method call. It does not need an address.
func (t Target) Pack(method string, args ...interface{}) ([]byte, error) {
	return t.ABI.Pack(method, args...)
}

// Binding is either a *RequestResponse or a *Push.
type Binding interface {
	Kind() Kind
	Target() Target
}

// -----------------------------------------------------------------------------
// Request/response
// -----------------------------------------------------------------------------

// RequestResponse is a binding over the request/response handle.
type RequestResponse struct {
	target  Target
	backend provider.Backend
}

// NewRequestResponse binds t to backend directly.
func NewRequestResponse(t Target, backend provider.Backend) *RequestResponse {
	return &RequestResponse{target: t, backend: backend}
}

func (b *RequestResponse) Kind() Kind     { return KindRequestResponse }
func (b *RequestResponse) Target() Target { return b.target }

// Backend returns the handle the binding reads through.
func (b *RequestResponse) Backend() provider.Backend { return b.backend }

// Call invokes a constant method and returns its decoded outputs.
func (b *RequestResponse) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	addr, err := b.target.Resolved()
	if err != nil {
		return nil, err
	}
	input, err := b.target.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	output, err := b.backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: input}, nil)
	if err != nil {
		return nil, err
	}
	if len(output) == 0 && len(b.target.ABI.Methods[method].Outputs) > 0 {
		return nil, ErrNoCode
	}
	return b.target.ABI.Unpack(method, output)
}

// CallInto invokes a constant method and decodes its outputs into out.
func (b *RequestResponse) CallInto(ctx context.Context, out interface{}, method string, args ...interface{}) error {
	addr, err := b.target.Resolved()
	if err != nil {
		return err
	}
	input, err := b.target.Pack(method, args...)
	if err != nil {
		return err
	}

	output, err := b.backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: input}, nil)
	if err != nil {
		return err
	}
	if len(output) == 0 {
		return ErrNoCode
	}
	return b.target.ABI.UnpackIntoInterface(out, method, output)
}

// -----------------------------------------------------------------------------
// Push
// -----------------------------------------------------------------------------

// Push is a binding over the push handle.
type Push struct {
	target  Target
	backend provider.PushBackend
}

// NewPush binds t to backend directly.
func NewPush(t Target, backend provider.PushBackend) *Push {
	return &Push{target: t, backend: backend}
}

func (p *Push) Kind() Kind     { return KindPush }
func (p *Push) Target() Target { return p.target }

// WatchLogs subscribes to an event, filtered by the indexed arguments in
// query (one slice per indexed argument, nil matches anything).
func (p *Push) WatchLogs(ctx context.Context, name string, query ...[]interface{}) (<-chan types.Log, ethereum.Subscription, error) {
	addr, err := p.target.Resolved()
	if err != nil {
		return nil, nil, err
	}
	ev, ok := p.target.ABI.Events[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}

	query = append([][]interface{}{{ev.ID}}, query...)
	topics, err := abi.MakeTopics(query...)
	if err != nil {
		return nil, nil, err
	}

	logs := make(chan types.Log, 128)
	sub, err := p.backend.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{addr},
		Topics:    topics,
	}, logs)
	if err != nil {
		return nil, nil, err
	}
	return logs, sub, nil
}

// UnpackLog decodes a log of the named event into out, indexed fields
// included.
func (p *Push) UnpackLog(out interface{}, name string, log types.Log) error {
	ev, ok := p.target.ABI.Events[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	if len(log.Topics) == 0 {
		return ErrNoEventSignature
	}
	if log.Topics[0] != ev.ID {
		return ErrEventSignatureMatch
	}
	if len(log.Data) > 0 {
		if err := p.target.ABI.UnpackIntoInterface(out, name, log.Data); err != nil {
			return err
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return abi.ParseTopics(out, indexed, log.Topics[1:])
}
