// Package artifact loads compiled contract artifacts: the ABI plus the
// per-network table of deployed addresses written by the deploy tooling.
package artifact

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

//go:embed EntityOfferRegistry.json
var entityOfferRegistryJSON []byte

var (
	ErrMissingABI     = errors.New("artifact: abi is missing")
	ErrInvalidAddress = errors.New("artifact: invalid deployment address")
)

// Deployment is one entry of the networks table.
type Deployment struct {
	Address         string `json:"address"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// Artifact is a parsed contract artifact.
type Artifact struct {
	Name     string
	ABI      abi.ABI
	Networks map[string]Deployment
}

type rawArtifact struct {
	ContractName string                `json:"contractName"`
	ABI          json.RawMessage       `json:"abi"`
	Networks     map[string]Deployment `json:"networks"`
}

// Load parses an artifact from r.
func Load(r io.Reader) (*Artifact, error) {
	var raw rawArtifact
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("artifact: decode: %w", err)
	}
	if len(raw.ABI) == 0 || string(raw.ABI) == "null" {
		return nil, ErrMissingABI
	}

	parsed, err := abi.JSON(bytes.NewReader(raw.ABI))
	if err != nil {
		return nil, fmt.Errorf("artifact: parse abi: %w", err)
	}

	for id, d := range raw.Networks {
		if !common.IsHexAddress(d.Address) {
			return nil, fmt.Errorf("%w: network %s: %q", ErrInvalidAddress, id, d.Address)
		}
	}
	if raw.Networks == nil {
		raw.Networks = map[string]Deployment{}
	}

	return &Artifact{
		Name:     raw.ContractName,
		ABI:      parsed,
		Networks: raw.Networks,
	}, nil
}

// LoadFile parses the artifact stored at path.
func LoadFile(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("artifact: open: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// EntityOfferRegistry returns the bundled registry artifact.
func EntityOfferRegistry() *Artifact {
	a, err := Load(bytes.NewReader(entityOfferRegistryJSON))
	if err != nil {
		panic("artifact: bundled EntityOfferRegistry is invalid: " + err.Error())
	}
	return a
}

// DeployedAddress looks up the address recorded for networkID. The second
// return value is false when nothing was deployed on that network.
func (a *Artifact) DeployedAddress(networkID *big.Int) (common.Address, bool) {
	if networkID == nil {
		return common.Address{}, false
	}
	d, ok := a.Networks[networkID.String()]
	if !ok {
		return common.Address{}, false
	}
	return common.HexToAddress(d.Address), true
}
