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

// Package election implements the deterministic stake-weighted gateway
// selection. Every gateway replays the same rule over the same cycle
// snapshot, so all replicas agree on the winner without coordination.
package election

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sort"
	"time"

	"github.com/brawncode/serverless-gateway/epochstate"
	"github.com/ethereum/go-ethereum/common"
)

const (
	// DefaultStatePollInterval is how often the elector re-checks the store
	// for a cycle snapshot that has not been built yet. This is the sole
	// blocking wait inside election.
	DefaultStatePollInterval = 60 * time.Second

	// defaultStateWait bounds the total poll time before the election fails.
	defaultStateWait = 5 * time.Minute
)

var (
	// ErrNoEligibleGateway is returned when no registered gateway serves the
	// request chain, or the stake distribution is empty.
	ErrNoEligibleGateway = errors.New("no eligible gateway")

	// ErrStateMissing is returned when the cycle snapshot never appeared
	// within the poll budget.
	ErrStateMissing = errors.New("epoch state missing")
)

// Elector selects gateways from stabilised cycle snapshots. The offset keeps
// elections away from the cycle currently being built.
type Elector struct {
	store    *epochstate.Store
	epoch    uint64
	interval uint64
	offset   uint64

	pollInterval time.Duration
	maxWait      time.Duration
	now          func() time.Time
}

// New creates an elector over the given store. Epoch, interval and offset
// must match the builder feeding the store.
func New(store *epochstate.Store, epoch, interval, offset uint64) *Elector {
	return &Elector{
		store:        store,
		epoch:        epoch,
		interval:     interval,
		offset:       offset,
		pollInterval: DefaultStatePollInterval,
		maxWait:      defaultStateWait,
		now:          time.Now,
	}
}

// Select picks the gateway responsible for a job on the given request chain.
// Seed and skips come from the job (start time and retry number), so every
// replica resolves the same winner.
func (e *Elector) Select(ctx context.Context, seed uint64, skips uint8, chainID uint64) (common.Address, error) {
	cycle := e.currentCycle()
	deadline := time.Now().Add(e.maxWait)
	for {
		if snap, ok := e.store.Get(cycle); ok {
			eligible := snap.ServingChain(chainID)
			if len(eligible) == 0 {
				return common.Address{}, fmt.Errorf("%w: chain %d, cycle %d", ErrNoEligibleGateway, chainID, cycle)
			}
			return Pick(eligible, seed, skips)
		}
		if time.Now().After(deadline) {
			return common.Address{}, fmt.Errorf("%w: cycle %d: %w", ErrNoEligibleGateway, cycle, ErrStateMissing)
		}
		select {
		case <-ctx.Done():
			return common.Address{}, ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

func (e *Elector) currentCycle() uint64 {
	now := uint64(e.now().Unix())
	if now <= e.epoch+e.offset {
		return 0
	}
	return (now - e.epoch - e.offset) / e.interval
}

// Pick runs the deterministic stake-weighted draw over the eligible set. The
// set must already be in the snapshot's enclave key order. The PRNG is keyed
// purely by the caller's seed; the first `skips` draws are discarded without
// re-seeding, so retry n selects the (n+1)-th gateway of the seed's draw
// sequence.
func Pick(gateways []*epochstate.Gateway, seed uint64, skips uint8) (common.Address, error) {
	var (
		total = new(big.Int)
		cum   = make([]*big.Int, len(gateways))
	)
	for i, g := range gateways {
		if g.Stake != nil && g.Stake.Sign() > 0 {
			total.Add(total, g.Stake)
		}
		cum[i] = new(big.Int).Set(total)
	}
	if total.Sign() == 0 {
		return common.Address{}, ErrNoEligibleGateway
	}
	rng := rand.New(rand.NewSource(int64(seed)))
	var r *big.Int
	for i := uint8(0); ; i++ {
		// uniform draw in [1, total]
		r = new(big.Int).Add(new(big.Int).Rand(rng, total), common.Big1)
		if i == skips {
			break
		}
	}
	idx := sort.Search(len(cum), func(i int) bool { return cum[i].Cmp(r) >= 0 })
	return gateways[idx].Operator, nil
}
