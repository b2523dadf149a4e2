package artifact

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityOfferRegistry_Surface(t *testing.T) {
	a := EntityOfferRegistry()
	assert.Equal(t, "EntityOfferRegistry", a.Name)

	for _, m := range []string{"offerCount", "entityOffers", "subscribers", "computeFee", "newSubscription"} {
		_, ok := a.ABI.Methods[m]
		assert.True(t, ok, "missing method %s", m)
	}
	assert.True(t, a.ABI.Methods["newSubscription"].IsPayable())

	ev, ok := a.ABI.Events["SubscriptionAdded"]
	require.True(t, ok)
	require.Len(t, ev.Inputs, 3)
	assert.True(t, ev.Inputs[0].Indexed)
	assert.Equal(t, "newSubscriptionOwner", ev.Inputs[0].Name)
}

func TestLoad_Networks(t *testing.T) {
	doc := `{"contractName":"R","abi":[],"networks":{"5777":{"address":"0x00000000000000000000000000000000000000aa"}}}`
	a, err := Load(strings.NewReader(doc))
	require.NoError(t, err)

	addr, ok := a.DeployedAddress(big.NewInt(5777))
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0xaa"), addr)

	_, ok = a.DeployedAddress(big.NewInt(1))
	assert.False(t, ok)

	_, ok = a.DeployedAddress(nil)
	assert.False(t, ok)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"missing abi", `{"contractName":"R"}`, ErrMissingABI},
		{"bad address", `{"abi":[],"networks":{"1":{"address":"nope"}}}`, ErrInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.doc))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Load(strings.NewReader("{"))
	assert.Error(t, err)
}
