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

package epochstate

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"time"

	"github.com/brawncode/serverless-gateway/contracts"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

// errCycleBehind marks a cycle whose block bound lies below the previous
// cycle's. The cycle is skipped without insert and retried on the next tick.
var errCycleBehind = errors.New("cycle block bound behind previous cycle")

var (
	cyclesBuiltMeter  = metrics.NewRegisteredMeter("epochstate/cycles/built", nil)
	cyclesFailedMeter = metrics.NewRegisteredMeter("epochstate/cycles/failed", nil)
	foldErrorsMeter   = metrics.NewRegisteredMeter("epochstate/fold/errors", nil)
)

// Backend is the chain access the builder needs: headers for timestamp
// resolution and historic logs of the registry contract.
type Backend interface {
	HeaderReader
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Builder backfills historic cycles on startup and advances the store one
// cycle per tick, aligned to epoch + k*interval.
type Builder struct {
	store    *Store
	backend  Backend
	resolver *BlockResolver
	registry common.Address

	epoch    uint64
	interval uint64

	now func() time.Time
	log log.Logger
}

// NewBuilder wires a builder over the given store and chain backend. The
// registry address is the gateway registry contract on the common chain.
func NewBuilder(store *Store, backend Backend, registry common.Address, epoch, interval uint64) *Builder {
	return &Builder{
		store:    store,
		backend:  backend,
		resolver: NewBlockResolver(backend),
		registry: registry,
		epoch:    epoch,
		interval: interval,
		now:      time.Now,
		log:      log.New("service", "epochstate"),
	}
}

// CurrentCycle returns the cycle index for the current wall clock.
func (b *Builder) CurrentCycle() uint64 {
	now := uint64(b.now().Unix())
	if now <= b.epoch {
		return 0
	}
	return (now - b.epoch) / b.interval
}

// Run backfills the retention window and then builds one cycle per interval
// until the context is cancelled. Build failures defer a single cycle and
// never halt the loop.
func (b *Builder) Run(ctx context.Context) error {
	current := b.CurrentCycle()
	start := uint64(1)
	if current >= b.store.Width() {
		start = current - b.store.Width() + 1
	}
	b.log.Info("Backfilling gateway epoch state", "from", start, "to", current)
	for cycle := start; cycle <= current; cycle++ {
		if err := b.buildWithRetry(ctx, cycle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Error("Cycle backfill failed", "cycle", cycle, "err", err)
		}
	}
	b.store.Prune(current)

	for cycle := current + 1; ; cycle++ {
		if err := b.sleepUntilCycle(ctx, cycle); err != nil {
			return err
		}
		// A cycle deferred on the previous tick is retried before this one.
		if prev := cycle - 1; prev >= 1 && !b.store.Has(prev) {
			if err := b.buildWithRetry(ctx, prev); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.log.Error("Deferred cycle build failed", "cycle", prev, "err", err)
			}
		}
		if err := b.buildWithRetry(ctx, cycle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Error("Cycle build failed, deferring", "cycle", cycle, "err", err)
		}
		b.store.Prune(cycle)
	}
}

// sleepUntilCycle blocks until the wall clock passes the cycle's end stamp,
// keeping ticks aligned to epoch + k*interval.
func (b *Builder) sleepUntilCycle(ctx context.Context, cycle uint64) error {
	due := time.Unix(int64(b.epoch+cycle*b.interval), 0)
	wait := due.Sub(b.now())
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// buildWithRetry runs BuildCycle under capped exponential backoff. A cycle
// bound behind its predecessor is not retried here; the next tick will.
func (b *Builder) buildWithRetry(ctx context.Context, cycle uint64) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = time.Duration(b.interval) * time.Second / 2
	err := backoff.Retry(func() error {
		err := b.BuildCycle(ctx, cycle)
		if errors.Is(err, errCycleBehind) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		cyclesFailedMeter.Mark(1)
		if errors.Is(err, errCycleBehind) {
			b.log.Warn("Cycle bound behind predecessor, skipping", "cycle", cycle)
			return nil
		}
	}
	return err
}

// BuildCycle constructs and inserts the snapshot for one cycle. It is a
// no-op when the cycle is already present, making repeated builds safe.
func (b *Builder) BuildCycle(ctx context.Context, cycle uint64) error {
	if b.store.Has(cycle) {
		return nil
	}
	var (
		fromBlock uint64
		prior     *Snapshot
	)
	if _, snap, ok := b.store.LatestBefore(cycle); ok {
		prior = snap
		fromBlock = snap.LastBlock() + 1
	}

	target := b.epoch + cycle*b.interval
	toBlock, err := b.resolver.Resolve(ctx, target, fromBlock)
	if err != nil {
		return err
	}
	if toBlock < fromBlock {
		return errCycleBehind
	}

	snap := NewSnapshot(toBlock)
	if prior != nil {
		snap = prior.Copy(toBlock)
	}

	logs, err := b.backend.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{b.registry},
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Topics:    [][]common.Hash{contracts.RegistryTopics()},
	})
	if err != nil {
		return err
	}
	b.Fold(snap, logs)

	b.store.Insert(cycle, snap)
	cyclesBuiltMeter.Mark(1)
	b.log.Debug("Built gateway epoch state", "cycle", cycle, "fromBlock", fromBlock, "toBlock", toBlock, "gateways", snap.Len())
	return nil
}

// Fold applies registry logs to the snapshot in chain order. Malformed logs
// are dropped; the result is independent of how the range was batched.
func (b *Builder) Fold(snap *Snapshot, logs []types.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	for _, l := range logs {
		ev, err := contracts.ParseRegistryLog(l)
		if err != nil {
			foldErrorsMeter.Mark(1)
			b.log.Warn("Dropping undecodable registry log", "block", l.BlockNumber, "index", l.Index, "err", err)
			continue
		}
		b.apply(snap, ev)
	}
}

func (b *Builder) apply(snap *Snapshot, ev interface{}) {
	switch ev := ev.(type) {
	case *contracts.GatewayRegistered:
		chains := mapsetFromChainIds(ev.ChainIds)
		snap.Put(&Gateway{
			EnclavePubKey: ev.EnclavePubKey,
			Operator:      ev.Operator,
			Stake:         ev.StakeAmount,
			Active:        true,
			Chains:        chains,
			LastBlock:     snap.LastBlock(),
		})
	case *contracts.GatewayDeregistered:
		snap.Delete(ev.EnclavePubKey)
	case *contracts.GatewayStakeAdded:
		if g, ok := snap.Gateway(ev.EnclavePubKey); ok {
			g.Stake = ev.TotalStake
		}
	case *contracts.GatewayStakeRemoved:
		if g, ok := snap.Gateway(ev.EnclavePubKey); ok {
			g.Stake = ev.TotalStake
		}
	case *contracts.ChainAdded:
		if g, ok := snap.Gateway(ev.EnclavePubKey); ok {
			g.Chains.Add(ev.ChainId.Uint64())
		}
	case *contracts.ChainRemoved:
		if g, ok := snap.Gateway(ev.EnclavePubKey); ok {
			g.Chains.Remove(ev.ChainId.Uint64())
		}
	}
}
