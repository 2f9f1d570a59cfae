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

package contracts

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrUnknownEvent is returned when a log's topic0 matches none of the events
// a parser handles. Listeners log and drop such events.
var ErrUnknownEvent = errors.New("unknown event topic")

// GatewayRegistered is emitted by the registry when a new gateway enclave
// registers with its stake and the request chains it serves.
type GatewayRegistered struct {
	EnclavePubKey []byte
	Operator      common.Address
	Owner         common.Address
	StakeAmount   *big.Int
	ChainIds      []*big.Int
	Raw           types.Log
}

// GatewayDeregistered is emitted when a gateway leaves the registry.
type GatewayDeregistered struct {
	EnclavePubKey []byte
	Raw           types.Log
}

// GatewayStakeAdded carries the new total stake after a top-up.
type GatewayStakeAdded struct {
	EnclavePubKey []byte
	AddedAmount   *big.Int
	TotalStake    *big.Int
	Raw           types.Log
}

// GatewayStakeRemoved carries the new total stake after a withdrawal.
type GatewayStakeRemoved struct {
	EnclavePubKey []byte
	RemovedAmount *big.Int
	TotalStake    *big.Int
	Raw           types.Log
}

// ChainAdded is emitted when a gateway starts serving a request chain.
type ChainAdded struct {
	EnclavePubKey []byte
	ChainId       *big.Int
	Raw           types.Log
}

// ChainRemoved is emitted when a gateway stops serving a request chain.
type ChainRemoved struct {
	EnclavePubKey []byte
	ChainId       *big.Int
	Raw           types.Log
}

// JobRelayed is the job placement event on a request chain.
type JobRelayed struct {
	JobId           *big.Int
	TxHash          [32]byte
	CodeInput       []byte
	UserTimeout     *big.Int
	StartTime       *big.Int
	MaxGasPrice     *big.Int
	Deposit         *big.Int
	CallbackDeposit *big.Int
	Raw             types.Log
}

// JobCancelled is emitted on a request chain when the owner cancels a job.
type JobCancelled struct {
	JobId *big.Int
	Raw   types.Log
}

// GatewayReassigned is emitted on a request chain after a slashing
// transaction moved a job to a new gateway.
type GatewayReassigned struct {
	JobId          *big.Int
	ReqChainId     *big.Int
	OldGateway     common.Address
	NewGateway     common.Address
	SequenceNumber uint8
	Raw            types.Log
}

// JobResponded is the computed-response event on the common chain.
type JobResponded struct {
	JobId       *big.Int
	ReqChainId  *big.Int
	Gateway     common.Address
	Output      []byte
	TotalTime   *big.Int
	ErrorCode   *big.Int
	OutputCount uint8
	Raw         types.Log
}

// JobResourceUnavailable signals that the executor network could not serve
// the job; the originating gateway drops it.
type JobResourceUnavailable struct {
	JobId      *big.Int
	ReqChainId *big.Int
	Gateway    common.Address
	Raw        types.Log
}

// ParseRegistryLog decodes a gateway registry log into its typed event.
func ParseRegistryLog(log types.Log) (interface{}, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	switch log.Topics[0] {
	case GatewayRegisteredTopic:
		ev := new(GatewayRegistered)
		if err := RegistryABI.UnpackIntoInterface(ev, "GatewayRegistered", log.Data); err != nil {
			return nil, err
		}
		ev.Raw = log
		return ev, nil
	case GatewayDeregisteredTopic:
		ev := new(GatewayDeregistered)
		if err := RegistryABI.UnpackIntoInterface(ev, "GatewayDeregistered", log.Data); err != nil {
			return nil, err
		}
		ev.Raw = log
		return ev, nil
	case GatewayStakeAddedTopic:
		ev := new(GatewayStakeAdded)
		if err := RegistryABI.UnpackIntoInterface(ev, "GatewayStakeAdded", log.Data); err != nil {
			return nil, err
		}
		ev.Raw = log
		return ev, nil
	case GatewayStakeRemovedTopic:
		ev := new(GatewayStakeRemoved)
		if err := RegistryABI.UnpackIntoInterface(ev, "GatewayStakeRemoved", log.Data); err != nil {
			return nil, err
		}
		ev.Raw = log
		return ev, nil
	case ChainAddedTopic:
		ev := new(ChainAdded)
		if err := RegistryABI.UnpackIntoInterface(ev, "ChainAdded", log.Data); err != nil {
			return nil, err
		}
		ev.Raw = log
		return ev, nil
	case ChainRemovedTopic:
		ev := new(ChainRemoved)
		if err := RegistryABI.UnpackIntoInterface(ev, "ChainRemoved", log.Data); err != nil {
			return nil, err
		}
		ev.Raw = log
		return ev, nil
	}
	return nil, ErrUnknownEvent
}

// ParseRequestChainLog decodes a relay contract log into its typed event.
func ParseRequestChainLog(log types.Log) (interface{}, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	switch log.Topics[0] {
	case JobRelayedTopic:
		ev := new(JobRelayed)
		if err := RelayABI.UnpackIntoInterface(ev, "JobRelayed", log.Data); err != nil {
			return nil, err
		}
		ev.Raw = log
		return ev, nil
	case JobCancelledTopic:
		ev := new(JobCancelled)
		if err := RelayABI.UnpackIntoInterface(ev, "JobCancelled", log.Data); err != nil {
			return nil, err
		}
		ev.Raw = log
		return ev, nil
	case GatewayReassignedTopic:
		ev := new(GatewayReassigned)
		if err := RelayABI.UnpackIntoInterface(ev, "GatewayReassigned", log.Data); err != nil {
			return nil, err
		}
		ev.Raw = log
		return ev, nil
	}
	return nil, ErrUnknownEvent
}

// ParseCommonChainLog decodes a jobs contract log into its typed event.
func ParseCommonChainLog(log types.Log) (interface{}, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	switch log.Topics[0] {
	case JobRespondedTopic:
		ev := new(JobResponded)
		if err := JobsABI.UnpackIntoInterface(ev, "JobResponded", log.Data); err != nil {
			return nil, err
		}
		ev.Raw = log
		return ev, nil
	case JobResourceUnavailableTopic:
		ev := new(JobResourceUnavailable)
		if err := JobsABI.UnpackIntoInterface(ev, "JobResourceUnavailable", log.Data); err != nil {
			return nil, err
		}
		ev.Raw = log
		return ev, nil
	}
	return nil, ErrUnknownEvent
}
