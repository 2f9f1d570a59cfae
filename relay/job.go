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

// Package relay implements the two relay state machines of the gateway: job
// relay from request chains onto the common chain, and response relay back.
// Listeners feed the coordinator over bounded queues; the coordinator elects
// a gateway per event, runs slash timers against elected peers, and hands
// outbound transactions to the chain transactors.
package relay

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// RequestRelayTimeout is how long an elected peer gets to land relayJob
	// on the common chain before it is slashed.
	RequestRelayTimeout = 40 * time.Second

	// ResponseRelayTimeout is the response-side counterpart.
	ResponseRelayTimeout = 40 * time.Second

	// MaxGatewayRetries caps elections (and therefore slash transactions)
	// per job: retry numbers run from 0 to MaxGatewayRetries-1.
	MaxGatewayRetries = 2

	// MaxRetryOnProviderError caps transaction resubmissions on retryable
	// provider failures.
	MaxRetryOnProviderError = 5

	// QueueCap bounds every queue between listeners, coordinator and
	// transactors. Producers block when a queue is full.
	QueueCap = 100
)

// MinGatewayStake is the registry's minimum stake; the operator API refuses
// to sign registration messages below it.
var MinGatewayStake, _ = new(big.Int).SetString("111111111111111110000", 10)

// GatewayStakeAdjustmentFactor scales whole-token stake amounts to raw
// on-chain units.
var GatewayStakeAdjustmentFactor = new(big.Int).SetUint64(1e18)

// JobKind tags the transaction a Job asks the common chain transactor for.
type JobKind int

const (
	// JobRelay relays the placed job onto the common chain.
	JobRelay JobKind = iota
	// JobSlash slashes the elected gateway that failed to relay and asks
	// for reassignment.
	JobSlash
)

func (k JobKind) String() string {
	switch k {
	case JobRelay:
		return "relay"
	case JobSlash:
		return "slash"
	default:
		return "unknown"
	}
}

// Job is one active job-relay entry, created from a request chain JobRelayed
// event. RetryNumber is the election skip count; it only ever grows.
type Job struct {
	JobID       *big.Int
	ReqChainID  uint64
	TxHash      [32]byte
	CodeInput   []byte
	UserTimeout *big.Int
	Starttime   *big.Int
	JobOwner    common.Address
	RetryNumber uint8
	Gateway     *common.Address
	Kind        JobKind
}

// Copy returns a shallow-safe copy; big values are never mutated in place.
func (j *Job) Copy() *Job {
	cpy := *j
	if j.Gateway != nil {
		gw := *j.Gateway
		cpy.Gateway = &gw
	}
	return &cpy
}

// Seed is the deterministic election seed for the job: its start time.
func (j *Job) Seed() uint64 {
	return j.Starttime.Uint64()
}

// ResponseKind tags the transaction a JobResponse asks for.
type ResponseKind int

const (
	// ResponseDeliver delivers the output back onto the request chain.
	ResponseDeliver ResponseKind = iota
	// ResponseSlash marks a gateway that failed to deliver. Only issued
	// when response slashing is enabled; the request transactor reports
	// such entries as ErrResponseSlashUnsupported and sends no transaction.
	ResponseSlash
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseDeliver:
		return "deliver"
	case ResponseSlash:
		return "slash"
	default:
		return "unknown"
	}
}

// JobResponse is one response-relay entry, created from a common chain
// JobResponded event.
type JobResponse struct {
	JobID       *big.Int
	ReqChainID  uint64
	Output      []byte
	TotalTime   *big.Int
	ErrorCode   uint8
	OutputCount uint8
	RetryNumber uint8
	Gateway     *common.Address
	Kind        ResponseKind
}

// Copy returns a shallow-safe copy.
func (r *JobResponse) Copy() *JobResponse {
	cpy := *r
	if r.Gateway != nil {
		gw := *r.Gateway
		cpy.Gateway = &gw
	}
	return &cpy
}

// Seed is the deterministic election seed for the response:
// |job_id - req_chain_id| + total_time, truncated to 64 bits.
func (r *JobResponse) Seed() uint64 {
	diff := new(big.Int).Sub(r.JobID, new(big.Int).SetUint64(r.ReqChainID))
	return diff.Abs(diff).Uint64() + r.TotalTime.Uint64()
}
