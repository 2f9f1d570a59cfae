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

package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/brawncode/serverless-gateway/contracts"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

const (
	// resubscribeBackoffMax caps the wait between reconnect attempts.
	resubscribeBackoffMax = 30 * time.Second

	// maxConsecutiveSubFailures bounds reconnect attempts before the
	// listener gives up and surfaces the failure.
	maxConsecutiveSubFailures = 5
)

var decodeErrorsMeter = metrics.NewRegisteredMeter("relay/listener/decodeerrors", nil)

// ErrSubscriptionLost is returned when a listener exhausted its reconnect
// budget.
var ErrSubscriptionLost = errors.New("log subscription lost")

// ChainEvent is one parsed contract event together with the chain it came
// from. Event is one of the typed structs of the contracts package.
type ChainEvent struct {
	ChainID uint64
	Event   interface{}
}

// ChainListener subscribes to the contract logs of one chain, parses them
// into typed events and forwards them to the coordinator without taking any
// business decisions. Subscriptions reconnect with capped backoff; events
// missed while disconnected are tolerated, the slash timers re-verify state
// on chain anyway.
type ChainListener struct {
	chainID uint64
	address common.Address
	topics  []common.Hash
	backend ethereum.LogFilterer
	parse   func(types.Log) (interface{}, error)
	out     chan<- ChainEvent
	log     log.Logger
}

// NewRequestChainListener listens for JobRelayed, JobCancelled and
// GatewayReassigned on a request chain's relay contract.
func NewRequestChainListener(chainID uint64, address common.Address, backend ethereum.LogFilterer, out chan<- ChainEvent) *ChainListener {
	return &ChainListener{
		chainID: chainID,
		address: address,
		topics:  contracts.RequestChainTopics(),
		backend: backend,
		parse:   contracts.ParseRequestChainLog,
		out:     out,
		log:     log.New("listener", "reqchain", "chain", chainID),
	}
}

// NewCommonChainListener listens for JobResponded and JobResourceUnavailable
// on the common chain's jobs contract.
func NewCommonChainListener(chainID uint64, address common.Address, backend ethereum.LogFilterer, out chan<- ChainEvent) *ChainListener {
	return &ChainListener{
		chainID: chainID,
		address: address,
		topics:  contracts.CommonChainTopics(),
		backend: backend,
		parse:   contracts.ParseCommonChainLog,
		out:     out,
		log:     log.New("listener", "comchain", "chain", chainID),
	}
}

// Run subscribes and forwards events until the context is cancelled or the
// reconnect budget is exhausted. Decode failures are dropped, never fatal.
func (l *ChainListener) Run(ctx context.Context) error {
	var (
		logsCh   = make(chan types.Log, QueueCap)
		failures atomic.Uint32
		lost     = make(chan struct{})
		lostOnce atomic.Bool
	)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{l.address},
		Topics:    [][]common.Hash{l.topics},
	}
	sub := event.ResubscribeErr(resubscribeBackoffMax, func(ctx context.Context, lastErr error) (event.Subscription, error) {
		if lastErr != nil {
			n := failures.Add(1)
			l.log.Warn("Log subscription dropped, reconnecting", "attempt", n, "err", lastErr)
			if n > maxConsecutiveSubFailures && lostOnce.CompareAndSwap(false, true) {
				close(lost)
			}
		}
		s, err := l.backend.SubscribeFilterLogs(ctx, query, logsCh)
		if err == nil {
			failures.Store(0)
		}
		return s, err
	})
	defer sub.Unsubscribe()

	l.log.Info("Subscribed to contract logs", "contract", l.address)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			return ErrSubscriptionLost
		case lg := <-logsCh:
			if lg.Removed {
				continue
			}
			ev, err := l.parse(lg)
			if err != nil {
				decodeErrorsMeter.Mark(1)
				l.log.Warn("Dropping undecodable log", "block", lg.BlockNumber, "index", lg.Index, "err", err)
				continue
			}
			select {
			case l.out <- ChainEvent{ChainID: l.chainID, Event: ev}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
