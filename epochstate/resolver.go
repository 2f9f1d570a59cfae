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
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	// WaitBeforeCheckingBlock is the poll interval while the chain head has
	// not yet reached the requested timestamp.
	WaitBeforeCheckingBlock = 5 * time.Second

	// defaultResolveWait bounds how long Resolve waits for the head to catch
	// up before reporting the timestamp as unreached.
	defaultResolveWait = 2 * time.Minute

	// timestampCacheSize bounds the header timestamp cache. Headers are
	// immutable, so cached timestamps never go stale.
	timestampCacheSize = 4096
)

// ErrTimestampNotReached is returned when the chain head's timestamp stayed
// below the requested one for the whole wait budget. The builder defers the
// cycle and retries on the next tick.
var ErrTimestampNotReached = errors.New("chain head has not reached timestamp")

// HeaderReader is the narrow client surface the resolver needs. It is
// satisfied by ethclient.Client.
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// BlockResolver maps a UNIX timestamp to the smallest block at or above a
// lower bound whose timestamp reaches it. It brackets the answer by
// exponential probing above the lower bound, then binary searches the
// bracket. This is the sole place where wall-clock drift is tolerated.
type BlockResolver struct {
	client HeaderReader
	cache  *lru.Cache[uint64, uint64]

	waitStep time.Duration
	maxWait  time.Duration
}

// NewBlockResolver creates a resolver over the given header source.
func NewBlockResolver(client HeaderReader) *BlockResolver {
	return &BlockResolver{
		client:   client,
		cache:    lru.NewCache[uint64, uint64](timestampCacheSize),
		waitStep: WaitBeforeCheckingBlock,
		maxWait:  defaultResolveWait,
	}
}

// Resolve returns the smallest block number >= lowerBound whose timestamp is
// >= target. If the head has not reached target yet, it polls for a bounded
// interval before giving up with ErrTimestampNotReached.
func (r *BlockResolver) Resolve(ctx context.Context, target, lowerBound uint64) (uint64, error) {
	head, err := r.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	deadline := time.Now().Add(r.maxWait)
	for head.Time < target {
		if time.Now().After(deadline) {
			return 0, ErrTimestampNotReached
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(r.waitStep):
		}
		if head, err = r.client.HeaderByNumber(ctx, nil); err != nil {
			return 0, err
		}
	}
	headNum := head.Number.Uint64()
	r.cache.Add(headNum, head.Time)
	if lowerBound >= headNum {
		if lowerBound > headNum {
			return 0, ErrTimestampNotReached
		}
		return headNum, nil
	}

	ts, err := r.timestamp(ctx, lowerBound)
	if err != nil {
		return 0, err
	}
	if ts >= target {
		return lowerBound, nil
	}

	// Bracket: double the span above lowerBound until the probe reaches the
	// target timestamp. lo always holds a block below the target.
	var (
		lo   = lowerBound
		span = uint64(1)
		hi   = lowerBound + span
	)
	for {
		if hi > headNum {
			hi = headNum
		}
		if ts, err = r.timestamp(ctx, hi); err != nil {
			return 0, err
		}
		if ts >= target || hi == headNum {
			break
		}
		lo = hi
		span *= 2
		hi = lowerBound + span
	}

	// Binary search the smallest block in (lo, hi] reaching the target.
	for lo+1 < hi {
		mid := lo + (hi-lo)/2
		if ts, err = r.timestamp(ctx, mid); err != nil {
			return 0, err
		}
		if ts >= target {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi, nil
}

func (r *BlockResolver) timestamp(ctx context.Context, number uint64) (uint64, error) {
	if ts, ok := r.cache.Get(number); ok {
		return ts, nil
	}
	header, err := r.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, err
	}
	r.cache.Add(number, header.Time)
	return header.Time, nil
}
