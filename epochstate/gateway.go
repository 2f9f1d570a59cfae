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

// Package epochstate maintains, per time cycle, a reconstructable snapshot of
// the registered gateways and their attributes by replaying gateway registry
// events. Snapshots are built off-store and inserted atomically, so readers
// observe a cycle either fully folded or not at all.
package epochstate

import (
	"math/big"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
)

// Gateway is one registry entry as of the end of a cycle. The enclave public
// key identifies the gateway; the operator address is what on-chain calls
// use.
type Gateway struct {
	EnclavePubKey []byte
	Operator      common.Address
	Stake         *big.Int
	Active        bool
	Chains        mapset.Set[uint64]
	LastBlock     uint64
}

// Copy returns a deep copy of the entry.
func (g *Gateway) Copy() *Gateway {
	cpy := &Gateway{
		EnclavePubKey: append([]byte(nil), g.EnclavePubKey...),
		Operator:      g.Operator,
		Active:        g.Active,
		Chains:        g.Chains.Clone(),
		LastBlock:     g.LastBlock,
	}
	if g.Stake != nil {
		cpy.Stake = new(big.Int).Set(g.Stake)
	}
	return cpy
}

// ServesChain reports whether the gateway serves the given request chain.
func (g *Gateway) ServesChain(chainID uint64) bool {
	return g.Chains != nil && g.Chains.Contains(chainID)
}

// Snapshot is the set of gateway entries valid at the end of one cycle,
// keyed by enclave public key. All entries share the same high-water block.
type Snapshot struct {
	lastBlock uint64
	gateways  map[string]*Gateway
}

// NewSnapshot returns an empty snapshot bounded by the given block.
func NewSnapshot(lastBlock uint64) *Snapshot {
	return &Snapshot{lastBlock: lastBlock, gateways: make(map[string]*Gateway)}
}

// LastBlock is the highest block whose events are folded into the snapshot.
func (s *Snapshot) LastBlock() uint64 { return s.lastBlock }

// Len returns the number of gateway entries.
func (s *Snapshot) Len() int { return len(s.gateways) }

// Gateway looks up an entry by enclave public key.
func (s *Snapshot) Gateway(pubKey []byte) (*Gateway, bool) {
	g, ok := s.gateways[string(pubKey)]
	return g, ok
}

// Put inserts or overwrites an entry.
func (s *Snapshot) Put(g *Gateway) {
	s.gateways[string(g.EnclavePubKey)] = g
}

// Delete removes the entry with the given enclave public key, if present.
func (s *Snapshot) Delete(pubKey []byte) {
	delete(s.gateways, string(pubKey))
}

// SortedKeys returns the enclave public keys in byte order. Selection
// determinism depends on this order, so it is the only iteration order the
// package exposes.
func (s *Snapshot) SortedKeys() []string {
	keys := make([]string, 0, len(s.gateways))
	for k := range s.gateways {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// All returns the entries in enclave key order.
func (s *Snapshot) All() []*Gateway {
	out := make([]*Gateway, 0, len(s.gateways))
	for _, k := range s.SortedKeys() {
		out = append(out, s.gateways[k])
	}
	return out
}

// ServingChain returns the active entries serving the given request chain,
// in enclave key order.
func (s *Snapshot) ServingChain(chainID uint64) []*Gateway {
	out := make([]*Gateway, 0, len(s.gateways))
	for _, k := range s.SortedKeys() {
		g := s.gateways[k]
		if g.Active && g.ServesChain(chainID) {
			out = append(out, g)
		}
	}
	return out
}

func mapsetFromChainIds(ids []*big.Int) mapset.Set[uint64] {
	set := mapset.NewSet[uint64]()
	for _, id := range ids {
		set.Add(id.Uint64())
	}
	return set
}

// Copy clones the snapshot with every entry advanced to the given high-water
// block. This is how a cycle is seeded from its predecessor before folding
// the new block range.
func (s *Snapshot) Copy(lastBlock uint64) *Snapshot {
	cpy := NewSnapshot(lastBlock)
	for k, g := range s.gateways {
		ng := g.Copy()
		ng.LastBlock = lastBlock
		cpy.gateways[k] = ng
	}
	return cpy
}
