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

// Package contracts carries hand-written bindings for the three contracts the
// gateway talks to: the gateway registry and the jobs contract on the common
// chain, and the relay contract on every request chain. The ABI fragments
// below cover only the events and methods the agent consumes.
package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const registryABIJSON = `[
	{"type":"event","name":"GatewayRegistered","anonymous":false,"inputs":[
		{"name":"enclavePubKey","type":"bytes","indexed":false},
		{"name":"operator","type":"address","indexed":false},
		{"name":"owner","type":"address","indexed":false},
		{"name":"stakeAmount","type":"uint256","indexed":false},
		{"name":"chainIds","type":"uint256[]","indexed":false}]},
	{"type":"event","name":"GatewayDeregistered","anonymous":false,"inputs":[
		{"name":"enclavePubKey","type":"bytes","indexed":false}]},
	{"type":"event","name":"GatewayStakeAdded","anonymous":false,"inputs":[
		{"name":"enclavePubKey","type":"bytes","indexed":false},
		{"name":"addedAmount","type":"uint256","indexed":false},
		{"name":"totalStake","type":"uint256","indexed":false}]},
	{"type":"event","name":"GatewayStakeRemoved","anonymous":false,"inputs":[
		{"name":"enclavePubKey","type":"bytes","indexed":false},
		{"name":"removedAmount","type":"uint256","indexed":false},
		{"name":"totalStake","type":"uint256","indexed":false}]},
	{"type":"event","name":"ChainAdded","anonymous":false,"inputs":[
		{"name":"enclavePubKey","type":"bytes","indexed":false},
		{"name":"chainId","type":"uint256","indexed":false}]},
	{"type":"event","name":"ChainRemoved","anonymous":false,"inputs":[
		{"name":"enclavePubKey","type":"bytes","indexed":false},
		{"name":"chainId","type":"uint256","indexed":false}]}
]`

const jobsABIJSON = `[
	{"type":"event","name":"JobResponded","anonymous":false,"inputs":[
		{"name":"jobId","type":"uint256","indexed":false},
		{"name":"reqChainId","type":"uint256","indexed":false},
		{"name":"gateway","type":"address","indexed":false},
		{"name":"output","type":"bytes","indexed":false},
		{"name":"totalTime","type":"uint256","indexed":false},
		{"name":"errorCode","type":"uint256","indexed":false},
		{"name":"outputCount","type":"uint8","indexed":false}]},
	{"type":"event","name":"JobResourceUnavailable","anonymous":false,"inputs":[
		{"name":"jobId","type":"uint256","indexed":false},
		{"name":"reqChainId","type":"uint256","indexed":false},
		{"name":"gateway","type":"address","indexed":false}]},
	{"type":"function","name":"relayJob","stateMutability":"nonpayable","inputs":[
		{"name":"signature","type":"bytes"},
		{"name":"jobId","type":"uint256"},
		{"name":"reqChainId","type":"uint256"},
		{"name":"txHash","type":"bytes32"},
		{"name":"codeInput","type":"bytes"},
		{"name":"userTimeout","type":"uint256"},
		{"name":"startTime","type":"uint256"},
		{"name":"sequenceNumber","type":"uint8"},
		{"name":"jobOwner","type":"address"}],"outputs":[]},
	{"type":"function","name":"reassignGatewayRelay","stateMutability":"nonpayable","inputs":[
		{"name":"gatewayOld","type":"address"},
		{"name":"jobId","type":"uint256"},
		{"name":"reqChainId","type":"uint256"},
		{"name":"signature","type":"bytes"},
		{"name":"sequenceNumber","type":"uint8"}],"outputs":[]},
	{"type":"function","name":"jobs","stateMutability":"view","inputs":[
		{"name":"jobKey","type":"uint256"}],"outputs":[
		{"name":"reqChainId","type":"uint256"},
		{"name":"txHash","type":"bytes32"},
		{"name":"userTimeout","type":"uint256"},
		{"name":"startTime","type":"uint256"},
		{"name":"jobOwner","type":"address"},
		{"name":"gateway","type":"address"},
		{"name":"sequenceNumber","type":"uint8"}]}
]`

const relayABIJSON = `[
	{"type":"event","name":"JobRelayed","anonymous":false,"inputs":[
		{"name":"jobId","type":"uint256","indexed":false},
		{"name":"txHash","type":"bytes32","indexed":false},
		{"name":"codeInput","type":"bytes","indexed":false},
		{"name":"userTimeout","type":"uint256","indexed":false},
		{"name":"startTime","type":"uint256","indexed":false},
		{"name":"maxGasPrice","type":"uint256","indexed":false},
		{"name":"deposit","type":"uint256","indexed":false},
		{"name":"callbackDeposit","type":"uint256","indexed":false}]},
	{"type":"event","name":"JobCancelled","anonymous":false,"inputs":[
		{"name":"jobId","type":"uint256","indexed":false}]},
	{"type":"event","name":"GatewayReassigned","anonymous":false,"inputs":[
		{"name":"jobId","type":"uint256","indexed":false},
		{"name":"reqChainId","type":"uint256","indexed":false},
		{"name":"oldGateway","type":"address","indexed":false},
		{"name":"newGateway","type":"address","indexed":false},
		{"name":"sequenceNumber","type":"uint8","indexed":false}]},
	{"type":"function","name":"jobResponse","stateMutability":"nonpayable","inputs":[
		{"name":"signature","type":"bytes"},
		{"name":"jobId","type":"uint256"},
		{"name":"output","type":"bytes"},
		{"name":"totalTime","type":"uint256"},
		{"name":"errorCode","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"jobs","stateMutability":"view","inputs":[
		{"name":"jobId","type":"uint256"}],"outputs":[
		{"name":"startTime","type":"uint256"},
		{"name":"maxGasPrice","type":"uint256"},
		{"name":"userTimeout","type":"uint256"},
		{"name":"jobOwner","type":"address"},
		{"name":"gateway","type":"address"},
		{"name":"outputReceived","type":"bool"},
		{"name":"sequenceNumber","type":"uint8"}]}
]`

var (
	// RegistryABI describes the gateway registry contract on the common chain.
	RegistryABI = mustParseABI(registryABIJSON)
	// JobsABI describes the jobs contract on the common chain.
	JobsABI = mustParseABI(jobsABIJSON)
	// RelayABI describes the relay contract deployed on every request chain.
	RelayABI = mustParseABI(relayABIJSON)
)

// Event topic0 hashes, derived from the canonical signatures.
var (
	GatewayRegisteredTopic   = RegistryABI.Events["GatewayRegistered"].ID
	GatewayDeregisteredTopic = RegistryABI.Events["GatewayDeregistered"].ID
	GatewayStakeAddedTopic   = RegistryABI.Events["GatewayStakeAdded"].ID
	GatewayStakeRemovedTopic = RegistryABI.Events["GatewayStakeRemoved"].ID
	ChainAddedTopic          = RegistryABI.Events["ChainAdded"].ID
	ChainRemovedTopic        = RegistryABI.Events["ChainRemoved"].ID

	JobRespondedTopic           = JobsABI.Events["JobResponded"].ID
	JobResourceUnavailableTopic = JobsABI.Events["JobResourceUnavailable"].ID

	JobRelayedTopic        = RelayABI.Events["JobRelayed"].ID
	JobCancelledTopic      = RelayABI.Events["JobCancelled"].ID
	GatewayReassignedTopic = RelayABI.Events["GatewayReassigned"].ID
)

// RegistryTopics is the topic0 filter set the epoch state builder subscribes to.
func RegistryTopics() []common.Hash {
	return []common.Hash{
		GatewayRegisteredTopic,
		GatewayDeregisteredTopic,
		GatewayStakeAddedTopic,
		GatewayStakeRemovedTopic,
		ChainAddedTopic,
		ChainRemovedTopic,
	}
}

// RequestChainTopics is the topic0 filter set for request chain listeners.
func RequestChainTopics() []common.Hash {
	return []common.Hash{JobRelayedTopic, JobCancelledTopic, GatewayReassignedTopic}
}

// CommonChainTopics is the topic0 filter set for the common chain listener.
func CommonChainTopics() []common.Hash {
	return []common.Hash{JobRespondedTopic, JobResourceUnavailableTopic}
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
