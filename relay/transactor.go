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
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/brawncode/serverless-gateway/contracts"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

var (
	// ErrExecutionReverted marks a transaction the contract rejected; it is
	// never retried.
	ErrExecutionReverted = errors.New("execution reverted")

	// ErrResponseSlashUnsupported is reported for ResponseSlash entries
	// while the jobs contract lacks the matching entry point.
	ErrResponseSlashUnsupported = errors.New("response slashing not supported by contract")
)

// OptsFunc yields fresh transact opts bound to the operator's gas key for
// one chain. It fails while no key has been injected yet.
type OptsFunc func(ctx context.Context) (*bind.TransactOpts, error)

// JobsTxContract is the transaction surface of the common chain jobs
// contract, satisfied by contracts.Jobs.
type JobsTxContract interface {
	RelayJob(opts *bind.TransactOpts, signature []byte, jobID, reqChainID *big.Int, txHash [32]byte, codeInput []byte, userTimeout, startTime *big.Int, sequenceNumber uint8, jobOwner common.Address) (*types.Transaction, error)
	ReassignGatewayRelay(opts *bind.TransactOpts, gatewayOld common.Address, jobID, reqChainID *big.Int, signature []byte, sequenceNumber uint8) (*types.Transaction, error)
}

// RelayTxContract is the transaction surface of a request chain relay
// contract, satisfied by contracts.Relay.
type RelayTxContract interface {
	JobResponse(opts *bind.TransactOpts, signature []byte, jobID *big.Int, output []byte, totalTime, errorCode *big.Int) (*types.Transaction, error)
}

// RequestChain bundles the per-request-chain pieces the response transactor
// and the coordinator need. The set is fixed at startup.
type RequestChain struct {
	ChainID  uint64
	Contract RelayTxContract
	Backend  bind.DeployBackend
	Opts     OptsFunc
}

// CommonTransactor drains the job queue onto the common chain, one
// transaction at a time, awaiting a single confirmation each.
type CommonTransactor struct {
	enclaveKey *ecdsa.PrivateKey
	contract   JobsTxContract
	backend    bind.DeployBackend
	opts       OptsFunc
	queue      <-chan *Job
	results    chan<- TxResult
	log        log.Logger
}

// NewCommonTransactor wires the common chain transactor.
func NewCommonTransactor(enclaveKey *ecdsa.PrivateKey, contract JobsTxContract, backend bind.DeployBackend, opts OptsFunc, queue <-chan *Job, results chan<- TxResult) *CommonTransactor {
	return &CommonTransactor{
		enclaveKey: enclaveKey,
		contract:   contract,
		backend:    backend,
		opts:       opts,
		queue:      queue,
		results:    results,
		log:        log.New("transactor", "comchain"),
	}
}

// Run consumes the queue until the context is cancelled.
func (t *CommonTransactor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-t.queue:
			err := t.submit(ctx, job)
			select {
			case t.results <- TxResult{Job: job, Err: err}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (t *CommonTransactor) submit(ctx context.Context, job *Job) error {
	reqChainID := new(big.Int).SetUint64(job.ReqChainID)
	switch job.Kind {
	case JobRelay:
		sig, err := contracts.SignRelayJob(t.enclaveKey, job.JobID, job.ReqChainID, job.TxHash, job.CodeInput, job.UserTimeout, job.Starttime, job.RetryNumber, job.JobOwner)
		if err != nil {
			return err
		}
		return sendTx(ctx, t.log, t.backend, "relayJob", t.opts, func(opts *bind.TransactOpts) (*types.Transaction, error) {
			return t.contract.RelayJob(opts, sig, job.JobID, reqChainID, job.TxHash, job.CodeInput, job.UserTimeout, job.Starttime, job.RetryNumber, job.JobOwner)
		})
	case JobSlash:
		old := gatewayOrZero(job.Gateway)
		sig, err := contracts.SignReassignGateway(t.enclaveKey, old, job.JobID, job.ReqChainID, job.RetryNumber)
		if err != nil {
			return err
		}
		return sendTx(ctx, t.log, t.backend, "reassignGatewayRelay", t.opts, func(opts *bind.TransactOpts) (*types.Transaction, error) {
			return t.contract.ReassignGatewayRelay(opts, old, job.JobID, reqChainID, sig, job.RetryNumber)
		})
	default:
		return fmt.Errorf("unknown job kind %d", job.Kind)
	}
}

// RequestTransactor drains the response queue onto the originating request
// chains.
type RequestTransactor struct {
	enclaveKey *ecdsa.PrivateKey
	chains     map[uint64]*RequestChain
	queue      <-chan *JobResponse
	results    chan<- TxResult
	log        log.Logger
}

// NewRequestTransactor wires the request chain transactor over the fixed
// chain registry.
func NewRequestTransactor(enclaveKey *ecdsa.PrivateKey, chains map[uint64]*RequestChain, queue <-chan *JobResponse, results chan<- TxResult) *RequestTransactor {
	return &RequestTransactor{
		enclaveKey: enclaveKey,
		chains:     chains,
		queue:      queue,
		results:    results,
		log:        log.New("transactor", "reqchain"),
	}
}

// Run consumes the queue until the context is cancelled.
func (t *RequestTransactor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp := <-t.queue:
			err := t.submit(ctx, resp)
			select {
			case t.results <- TxResult{Response: resp, Err: err}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (t *RequestTransactor) submit(ctx context.Context, resp *JobResponse) error {
	chain, ok := t.chains[resp.ReqChainID]
	if !ok {
		return fmt.Errorf("no client for request chain %d", resp.ReqChainID)
	}
	switch resp.Kind {
	case ResponseDeliver:
		sig, err := contracts.SignJobResponse(t.enclaveKey, resp.JobID, resp.Output, resp.TotalTime, resp.ErrorCode)
		if err != nil {
			return err
		}
		errorCode := new(big.Int).SetUint64(uint64(resp.ErrorCode))
		return sendTx(ctx, t.log, chain.Backend, "jobResponse", chain.Opts, func(opts *bind.TransactOpts) (*types.Transaction, error) {
			return chain.Contract.JobResponse(opts, sig, resp.JobID, resp.Output, resp.TotalTime, errorCode)
		})
	case ResponseSlash:
		return ErrResponseSlashUnsupported
	default:
		return fmt.Errorf("unknown response kind %d", resp.Kind)
	}
}

// sendTx submits a transaction and waits for one confirmation, retrying
// retryable provider failures with backoff and surfacing reverts as fatal.
func sendTx(ctx context.Context, logger log.Logger, backend bind.DeployBackend, call string, optsFn OptsFunc, submit func(*bind.TransactOpts) (*types.Transaction, error)) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), MaxRetryOnProviderError)
	return backoff.Retry(func() error {
		opts, err := optsFn(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		tx, err := submit(opts)
		if err != nil {
			if isRevert(err) {
				return backoff.Permanent(fmt.Errorf("%w: %s: %v", ErrExecutionReverted, call, err))
			}
			logger.Warn("Transaction submission failed, retrying", "call", call, "err", err)
			return err
		}
		receipt, err := bind.WaitMined(ctx, backend, tx)
		if err != nil {
			logger.Warn("Confirmation wait failed, retrying", "call", call, "tx", tx.Hash(), "err", err)
			return err
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return backoff.Permanent(fmt.Errorf("%w: %s: tx %s", ErrExecutionReverted, call, tx.Hash()))
		}
		logger.Debug("Transaction confirmed", "call", call, "tx", tx.Hash(), "block", receipt.BlockNumber)
		return nil
	}, backoff.WithContext(bo, ctx))
}

func isRevert(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}
