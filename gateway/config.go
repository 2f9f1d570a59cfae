// Copyright 2024 The serverless-gateway Authors
// This file is part of the serverless-gateway library.
//
// The serverless-gateway library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The serverless-gateway library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the serverless-gateway library. If not, see <http://www.gnu.org/licenses/>.

package gateway

import (
	"errors"
	"fmt"

	"github.com/brawncode/serverless-gateway/epochstate"
	"github.com/ethereum/go-ethereum/common"
)

// RequestChainConfig describes one user-facing chain the gateway serves.
type RequestChainConfig struct {
	ChainID  uint64
	Contract common.Address
	HTTPRPC  string
	WSRPC    string
}

// Config carries everything the agent needs. It is loaded from a TOML file
// by the command, with flag overrides.
type Config struct {
	// Common chain connection and contracts.
	CommonChainID uint64
	HTTPRPC       string
	WSRPC         string
	Registry      common.Address
	Jobs          common.Address

	// EnclaveKeyHex is the enclave's secp256k1 signing key and
	// EnclavePubKeyHex the matching uncompressed public key under which the
	// gateway is registered; left empty, the public key is derived from the
	// signing key. GasKeyHex is the operator's transaction key; it may be
	// left empty and injected later through the operator API.
	EnclaveKeyHex    string
	EnclavePubKeyHex string
	GasKeyHex        string

	// Epoch state timing, in UNIX seconds.
	Epoch            uint64
	Interval         uint64
	OffsetForEpoch   uint64
	StatesToMaintain uint64

	RequestChains []RequestChainConfig

	// APIListenAddr is the operator HTTP API endpoint.
	APIListenAddr string

	// SlashResponses enables response-path slash entries; the request
	// transactor reports them as unsupported and sends no transaction.
	SlashResponses bool
}

// DefaultConfig holds the agent defaults.
var DefaultConfig = Config{
	OffsetForEpoch:   20,
	StatesToMaintain: epochstate.DefaultStatesToMaintain,
	APIListenAddr:    "127.0.0.1:6001",
}

// Validate checks the invariants the agent cannot start without.
func (c *Config) Validate() error {
	if c.CommonChainID == 0 {
		return errors.New("common chain id not set")
	}
	if c.HTTPRPC == "" || c.WSRPC == "" {
		return errors.New("common chain rpc endpoints not set")
	}
	if c.Registry == (common.Address{}) {
		return errors.New("gateway registry contract address not set")
	}
	if c.Jobs == (common.Address{}) {
		return errors.New("jobs contract address not set")
	}
	if c.EnclaveKeyHex == "" {
		return errors.New("enclave signing key not set")
	}
	if c.Interval == 0 {
		return errors.New("cycle interval not set")
	}
	for _, rc := range c.RequestChains {
		if rc.ChainID == 0 || rc.Contract == (common.Address{}) || rc.HTTPRPC == "" || rc.WSRPC == "" {
			return fmt.Errorf("incomplete request chain config for chain %d", rc.ChainID)
		}
	}
	return nil
}
