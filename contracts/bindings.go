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
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// JobKey derives the uint256 key under which the jobs contract stores a
// relayed job: keccak256("<job_id>-<req_chain_id>").
func JobKey(jobID *big.Int, reqChainID uint64) *big.Int {
	h := crypto.Keccak256([]byte(fmt.Sprintf("%s-%d", jobID.String(), reqChainID)))
	return new(big.Int).SetBytes(h)
}

// JobRecord is the on-chain job entry of the common chain jobs contract.
// A record is populated once some gateway's relayJob landed.
type JobRecord struct {
	ReqChainId     *big.Int
	TxHash         [32]byte
	UserTimeout    *big.Int
	StartTime      *big.Int
	JobOwner       common.Address
	Gateway        common.Address
	SequenceNumber uint8
}

// Populated reports whether the record's mandatory fields are all non-zero,
// i.e. whether some gateway already relayed the job.
func (r *JobRecord) Populated() bool {
	return r.TxHash != [32]byte{} &&
		r.UserTimeout != nil && r.UserTimeout.Sign() != 0 &&
		r.StartTime != nil && r.StartTime.Sign() != 0 &&
		r.ReqChainId != nil && r.ReqChainId.Sign() != 0 &&
		r.JobOwner != (common.Address{}) &&
		r.Gateway != (common.Address{})
}

// RelayJobRecord is the on-chain job entry of a request chain relay contract.
type RelayJobRecord struct {
	StartTime      *big.Int
	MaxGasPrice    *big.Int
	UserTimeout    *big.Int
	JobOwner       common.Address
	Gateway        common.Address
	OutputReceived bool
	SequenceNumber uint8
}

// Jobs wraps the jobs contract on the common chain.
type Jobs struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewJobs binds the jobs contract at the given address.
func NewJobs(address common.Address, backend bind.ContractBackend) *Jobs {
	return &Jobs{
		address:  address,
		contract: bind.NewBoundContract(address, JobsABI, backend, backend, backend),
	}
}

// Address returns the bound contract address.
func (j *Jobs) Address() common.Address { return j.address }

// RelayJob submits the enclave-signed job relay to the common chain.
func (j *Jobs) RelayJob(opts *bind.TransactOpts, signature []byte, jobID, reqChainID *big.Int, txHash [32]byte, codeInput []byte, userTimeout, startTime *big.Int, sequenceNumber uint8, jobOwner common.Address) (*types.Transaction, error) {
	return j.contract.Transact(opts, "relayJob", signature, jobID, reqChainID, txHash, codeInput, userTimeout, startTime, sequenceNumber, jobOwner)
}

// ReassignGatewayRelay slashes a gateway that failed to relay and asks the
// contract to reassign the job.
func (j *Jobs) ReassignGatewayRelay(opts *bind.TransactOpts, gatewayOld common.Address, jobID, reqChainID *big.Int, signature []byte, sequenceNumber uint8) (*types.Transaction, error) {
	return j.contract.Transact(opts, "reassignGatewayRelay", gatewayOld, jobID, reqChainID, signature, sequenceNumber)
}

// Job reads the on-chain record stored under the given job key.
func (j *Jobs) Job(opts *bind.CallOpts, jobKey *big.Int) (*JobRecord, error) {
	var out []interface{}
	if err := j.contract.Call(opts, &out, "jobs", jobKey); err != nil {
		return nil, err
	}
	return &JobRecord{
		ReqChainId:     out[0].(*big.Int),
		TxHash:         out[1].([32]byte),
		UserTimeout:    out[2].(*big.Int),
		StartTime:      out[3].(*big.Int),
		JobOwner:       out[4].(common.Address),
		Gateway:        out[5].(common.Address),
		SequenceNumber: out[6].(uint8),
	}, nil
}

// Relay wraps the relay contract on a request chain.
type Relay struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewRelay binds the relay contract at the given address.
func NewRelay(address common.Address, backend bind.ContractBackend) *Relay {
	return &Relay{
		address:  address,
		contract: bind.NewBoundContract(address, RelayABI, backend, backend, backend),
	}
}

// Address returns the bound contract address.
func (r *Relay) Address() common.Address { return r.address }

// JobResponse delivers the computed output back onto the request chain.
func (r *Relay) JobResponse(opts *bind.TransactOpts, signature []byte, jobID *big.Int, output []byte, totalTime, errorCode *big.Int) (*types.Transaction, error) {
	return r.contract.Transact(opts, "jobResponse", signature, jobID, output, totalTime, errorCode)
}

// Job reads the request chain's record for the given job id.
func (r *Relay) Job(opts *bind.CallOpts, jobID *big.Int) (*RelayJobRecord, error) {
	var out []interface{}
	if err := r.contract.Call(opts, &out, "jobs", jobID); err != nil {
		return nil, err
	}
	return &RelayJobRecord{
		StartTime:      out[0].(*big.Int),
		MaxGasPrice:    out[1].(*big.Int),
		UserTimeout:    out[2].(*big.Int),
		JobOwner:       out[3].(common.Address),
		Gateway:        out[4].(common.Address),
		OutputReceived: out[5].(bool),
		SequenceNumber: out[6].(uint8),
	}, nil
}
