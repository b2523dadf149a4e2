package binding

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/offersync/internal/artifact"
	"github.com/mbd888/offersync/internal/provider"
)

// Binder creates bindings against a session's transports.
type Binder struct {
	artifact *artifact.Artifact
	session  *provider.Session
}

// NewBinder creates a Binder for the contract described by a.
func NewBinder(a *artifact.Artifact, s *provider.Session) *Binder {
	return &Binder{artifact: a, session: s}
}

// Bind produces a binding of the given kind. An explicit address is used
// as-is with no network lookup. Otherwise the handle's network ID selects
// an entry of the artifact's deployment table; no entry leaves the
// binding without an address, which is not an error.
func (b *Binder) Bind(ctx context.Context, kind Kind, explicit *common.Address) (Binding, error) {
	switch kind {
	case KindPush:
		return b.Push(ctx, explicit)
	default:
		return b.RequestResponse(ctx, explicit)
	}
}

// RequestResponse binds over the request/response handle.
func (b *Binder) RequestResponse(ctx context.Context, explicit *common.Address) (*RequestResponse, error) {
	rr := b.session.RequestResponse()
	addr, err := b.resolve(ctx, KindRequestResponse, explicit, rr.NetworkID)
	if err != nil {
		return nil, err
	}
	return NewRequestResponse(Target{Address: addr, ABI: b.artifact.ABI}, rr), nil
}

// Push binds over the push handle.
func (b *Binder) Push(ctx context.Context, explicit *common.Address) (*Push, error) {
	push := b.session.Push()
	addr, err := b.resolve(ctx, KindPush, explicit, push.NetworkID)
	if err != nil {
		return nil, err
	}
	return NewPush(Target{Address: addr, ABI: b.artifact.ABI}, push), nil
}

func (b *Binder) resolve(ctx context.Context, kind Kind, explicit *common.Address, networkID func(context.Context) (*big.Int, error)) (*common.Address, error) {
	if explicit != nil {
		addr := *explicit
		return &addr, nil
	}
	id, err := networkID(ctx)
	if err != nil {
		return nil, &BindError{Kind: kind, Err: err}
	}
	addr, ok := b.artifact.DeployedAddress(id)
	if !ok {
		return nil, nil
	}
	return &addr, nil
}
