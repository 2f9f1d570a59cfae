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
	"math/big"
	"sync"
	"time"

	"github.com/brawncode/serverless-gateway/contracts"
	"github.com/brawncode/serverless-gateway/election"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds the on-chain readback a slash timer performs.
const probeTimeout = 15 * time.Second

var (
	jobsRelayedMeter        = metrics.NewRegisteredMeter("relay/jobs/relayed", nil)
	jobsSlashedMeter        = metrics.NewRegisteredMeter("relay/jobs/slashed", nil)
	responsesDeliveredMeter = metrics.NewRegisteredMeter("relay/responses/delivered", nil)
	activeJobsGauge         = metrics.NewRegisteredGauge("relay/jobs/active", nil)
)

// Elector resolves the gateway responsible for a (seed, skips, chain) tuple.
type Elector interface {
	Select(ctx context.Context, seed uint64, skips uint8, chainID uint64) (common.Address, error)
}

// JobsReader reads back relayed-job records from the common chain. A slash
// timer uses it to tell a slow peer from a failed one.
type JobsReader interface {
	Job(opts *bind.CallOpts, jobKey *big.Int) (*contracts.JobRecord, error)
}

// RelayReader reads back job records from a request chain.
type RelayReader interface {
	Job(opts *bind.CallOpts, jobID *big.Int) (*contracts.RelayJobRecord, error)
}

// TxResult reports the outcome of one outbound transaction back to the
// coordinator. Exactly one of Job and Response is set.
type TxResult struct {
	Job      *Job
	Response *JobResponse
	Err      error
}

// Config carries the coordinator knobs.
type Config struct {
	// Self is this gateway's operator address; elections resolving to it
	// make the agent act, any other winner starts a slash timer.
	Self common.Address

	// SlashResponses makes a failed response peer produce a ResponseSlash
	// entry before re-election. Off by default: the request transactor
	// reports such entries as ErrResponseSlashUnsupported, since the relay
	// contract has no slashing entry point.
	SlashResponses bool

	RelayTimeout    time.Duration
	ResponseTimeout time.Duration
	MaxRetries      uint8
}

func (cfg Config) withDefaults() Config {
	if cfg.RelayTimeout == 0 {
		cfg.RelayTimeout = RequestRelayTimeout
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = ResponseRelayTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = MaxGatewayRetries
	}
	return cfg
}

// Coordinator owns the two relay state machines. It is the only writer of
// the active-job table; timer goroutines go through its guarded mutators.
type Coordinator struct {
	cfg     Config
	elector Elector
	jobs    JobsReader
	relays  map[uint64]RelayReader

	reqEvents chan ChainEvent
	comEvents chan ChainEvent
	results   chan TxResult
	jobsOut   chan *Job
	respOut   chan *JobResponse

	mu     sync.RWMutex
	active map[string]*Job

	timerMu sync.Mutex
	timers  map[string]*timerHandle

	runCtx context.Context
	log    log.Logger
}

// NewCoordinator wires a coordinator. The relays map carries one reader per
// request chain and is never mutated after startup.
func NewCoordinator(cfg Config, elector Elector, jobs JobsReader, relays map[uint64]RelayReader) *Coordinator {
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		elector:   elector,
		jobs:      jobs,
		relays:    relays,
		reqEvents: make(chan ChainEvent, QueueCap),
		comEvents: make(chan ChainEvent, QueueCap),
		results:   make(chan TxResult, QueueCap),
		jobsOut:   make(chan *Job, QueueCap),
		respOut:   make(chan *JobResponse, QueueCap),
		active:    make(map[string]*Job),
		timers:    make(map[string]*timerHandle),
		runCtx:    context.Background(),
		log:       log.New("service", "relay"),
	}
}

// RequestEvents is the inbound queue for request chain listeners.
func (c *Coordinator) RequestEvents() chan<- ChainEvent { return c.reqEvents }

// CommonEvents is the inbound queue for the common chain listener.
func (c *Coordinator) CommonEvents() chan<- ChainEvent { return c.comEvents }

// Results is where transactors report transaction outcomes.
func (c *Coordinator) Results() chan<- TxResult { return c.results }

// JobQueue is the outbound queue consumed by the common chain transactor.
func (c *Coordinator) JobQueue() <-chan *Job { return c.jobsOut }

// ResponseQueue is the outbound queue consumed by the request chain
// transactor.
func (c *Coordinator) ResponseQueue() <-chan *JobResponse { return c.respOut }

// Run consumes the inbound queues until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-c.reqEvents:
				c.handleRequestChainEvent(ev)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-c.comEvents:
				c.handleCommonChainEvent(ev)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case res := <-c.results:
				c.handleTxResult(res)
			}
		}
	})
	return g.Wait()
}

func (c *Coordinator) handleRequestChainEvent(ev ChainEvent) {
	switch e := ev.Event.(type) {
	case *contracts.JobRelayed:
		job := &Job{
			JobID:       e.JobId,
			ReqChainID:  ev.ChainID,
			TxHash:      e.TxHash,
			CodeInput:   e.CodeInput,
			UserTimeout: e.UserTimeout,
			Starttime:   e.StartTime,
			JobOwner:    e.Raw.Address,
			RetryNumber: 0,
			Kind:        JobRelay,
		}
		c.log.Info("Job relayed on request chain", "job", e.JobId, "chain", ev.ChainID)
		c.processJob(job)
	case *contracts.JobCancelled:
		c.log.Info("Job cancelled", "job", e.JobId, "chain", ev.ChainID)
		c.cancelTimer(relayTimerKey(e.JobId))
		c.cancelTimer(responseTimerKey(e.JobId))
		c.deleteActiveJob(e.JobId)
	case *contracts.GatewayReassigned:
		c.handleReassigned(e)
	default:
		c.log.Warn("Unexpected request chain event", "chain", ev.ChainID)
	}
}

func (c *Coordinator) handleCommonChainEvent(ev ChainEvent) {
	switch e := ev.Event.(type) {
	case *contracts.JobResponded:
		// The job provably reached the common chain; a pending slash timer
		// against the relaying peer is obsolete.
		c.cancelTimer(relayTimerKey(e.JobId))
		resp := &JobResponse{
			JobID:       e.JobId,
			ReqChainID:  e.ReqChainId.Uint64(),
			Output:      e.Output,
			TotalTime:   e.TotalTime,
			ErrorCode:   uint8(e.ErrorCode.Uint64()),
			OutputCount: e.OutputCount,
			RetryNumber: 0,
			Kind:        ResponseDeliver,
		}
		c.log.Info("Job responded on common chain", "job", e.JobId, "chain", resp.ReqChainID)
		c.processResponse(resp)
	case *contracts.JobResourceUnavailable:
		c.log.Warn("Job resource unavailable, dropping job", "job", e.JobId)
		c.cancelTimer(relayTimerKey(e.JobId))
		c.cancelTimer(responseTimerKey(e.JobId))
		c.deleteActiveJob(e.JobId)
	default:
		c.log.Warn("Unexpected common chain event", "chain", ev.ChainID)
	}
}

// processJob runs the Proposed -> Elected transition of the job-relay state
// machine, for fresh jobs and re-elected retries alike.
func (c *Coordinator) processJob(job *Job) {
	gateway, err := c.elector.Select(c.runCtx, job.Seed(), job.RetryNumber, job.ReqChainID)
	if err != nil {
		if errors.Is(err, election.ErrNoEligibleGateway) {
			// Nobody to relay: arm the slash timer as if an absent peer had
			// been elected, so the job still gets re-checked and retried.
			c.log.Warn("No eligible gateway for job", "job", job.JobID, "chain", job.ReqChainID, "retry", job.RetryNumber)
			job.Gateway = nil
			c.startRelayTimer(job)
			return
		}
		c.log.Error("Gateway election failed, dropping job", "job", job.JobID, "err", err)
		return
	}
	job.Gateway = &gateway
	if gateway == c.cfg.Self {
		c.log.Info("Elected self for job relay", "job", job.JobID, "retry", job.RetryNumber)
		c.storeActiveJob(job)
		c.enqueueJob(job)
		return
	}
	c.log.Debug("Elected peer for job relay", "job", job.JobID, "gateway", gateway, "retry", job.RetryNumber)
	c.startRelayTimer(job)
}

// startRelayTimer arms the peer slash timer for the job.
func (c *Coordinator) startRelayTimer(job *Job) {
	c.startTimer(relayTimerKey(job.JobID), c.cfg.RelayTimeout, func() {
		c.relayTimerFired(job)
	})
}

// relayTimerFired checks whether the elected peer relayed the job in time
// and otherwise slashes it and re-enters election.
func (c *Coordinator) relayTimerFired(job *Job) {
	ctx, cancel := context.WithTimeout(c.runCtx, probeTimeout)
	defer cancel()
	record, err := c.jobs.Job(&bind.CallOpts{Context: ctx}, contracts.JobKey(job.JobID, job.ReqChainID))
	if err == nil && record.Populated() && record.SequenceNumber == job.RetryNumber {
		c.log.Debug("Peer relayed job in time", "job", job.JobID, "gateway", record.Gateway)
		return
	}
	if err != nil {
		c.log.Warn("Job record readback failed, assuming peer failed", "job", job.JobID, "err", err)
	}

	slash := job.Copy()
	slash.Kind = JobSlash
	c.log.Info("Slashing gateway for missed relay", "job", job.JobID, "gateway", gatewayOrZero(job.Gateway), "retry", job.RetryNumber)
	c.enqueueJob(slash)
	jobsSlashedMeter.Mark(1)

	if next := job.RetryNumber + 1; next < c.cfg.MaxRetries {
		retry := job.Copy()
		retry.RetryNumber = next
		retry.Kind = JobRelay
		retry.Gateway = nil
		c.processJob(retry)
	} else {
		c.log.Warn("Job exhausted relay retries", "job", job.JobID, "retries", job.RetryNumber+1)
	}
}

// handleReassigned processes a GatewayReassigned event: if this gateway was
// the old assignee for that exact retry, the job has moved on and the local
// entry is dropped.
func (c *Coordinator) handleReassigned(ev *contracts.GatewayReassigned) {
	if ev.OldGateway != c.cfg.Self {
		return
	}
	if c.removeActiveJob(ev.JobId, ev.SequenceNumber) {
		c.log.Info("Job reassigned away, dropped local entry", "job", ev.JobId, "newGateway", ev.NewGateway, "retry", ev.SequenceNumber)
	} else {
		c.log.Debug("Ignoring stale reassignment", "job", ev.JobId, "retry", ev.SequenceNumber)
	}
}

// processResponse runs the Responded -> Elected transition of the
// response-relay state machine.
func (c *Coordinator) processResponse(resp *JobResponse) {
	gateway, err := c.elector.Select(c.runCtx, resp.Seed(), resp.RetryNumber, resp.ReqChainID)
	if err != nil {
		if errors.Is(err, election.ErrNoEligibleGateway) {
			c.log.Warn("No eligible gateway for response", "job", resp.JobID, "chain", resp.ReqChainID, "retry", resp.RetryNumber)
			resp.Gateway = nil
			c.startResponseTimer(resp)
			return
		}
		c.log.Error("Gateway election failed, dropping response", "job", resp.JobID, "err", err)
		return
	}
	resp.Gateway = &gateway
	if gateway == c.cfg.Self {
		c.log.Info("Elected self for response relay", "job", resp.JobID, "retry", resp.RetryNumber)
		c.enqueueResponse(resp)
		return
	}
	c.log.Debug("Elected peer for response relay", "job", resp.JobID, "gateway", gateway, "retry", resp.RetryNumber)
	c.startResponseTimer(resp)
}

func (c *Coordinator) startResponseTimer(resp *JobResponse) {
	c.startTimer(responseTimerKey(resp.JobID), c.cfg.ResponseTimeout, func() {
		c.responseTimerFired(resp)
	})
}

// responseTimerFired checks the request chain for the delivered output and
// otherwise re-enters election, slashing first when enabled.
func (c *Coordinator) responseTimerFired(resp *JobResponse) {
	reader, ok := c.relays[resp.ReqChainID]
	if !ok {
		c.log.Error("No relay client for chain, dropping response", "job", resp.JobID, "chain", resp.ReqChainID)
		return
	}
	ctx, cancel := context.WithTimeout(c.runCtx, probeTimeout)
	defer cancel()
	record, err := reader.Job(&bind.CallOpts{Context: ctx}, resp.JobID)
	if err == nil && record.OutputReceived && record.Gateway != (common.Address{}) {
		c.log.Debug("Peer delivered response in time", "job", resp.JobID, "gateway", record.Gateway)
		c.removeActiveJob(resp.JobID, resp.RetryNumber)
		return
	}
	if err != nil {
		c.log.Warn("Response record readback failed, assuming peer failed", "job", resp.JobID, "err", err)
	}

	if c.cfg.SlashResponses {
		slash := resp.Copy()
		slash.Kind = ResponseSlash
		c.enqueueResponse(slash)
	} else {
		c.log.Debug("Response slashing disabled, re-electing only", "job", resp.JobID)
	}

	if next := resp.RetryNumber + 1; next < c.cfg.MaxRetries {
		retry := resp.Copy()
		retry.RetryNumber = next
		retry.Kind = ResponseDeliver
		retry.Gateway = nil
		c.processResponse(retry)
	} else {
		c.log.Warn("Response exhausted relay retries", "job", resp.JobID, "retries", resp.RetryNumber+1)
	}
}

func (c *Coordinator) handleTxResult(res TxResult) {
	switch {
	case res.Job != nil && res.Err != nil:
		c.log.Error("Job transaction failed", "job", res.Job.JobID, "kind", res.Job.Kind, "err", res.Err)
	case res.Job != nil:
		if res.Job.Kind == JobRelay {
			jobsRelayedMeter.Mark(1)
			c.log.Info("Job relay confirmed", "job", res.Job.JobID, "retry", res.Job.RetryNumber)
		}
	case res.Response != nil && res.Err != nil:
		c.log.Error("Response transaction failed", "job", res.Response.JobID, "kind", res.Response.Kind, "err", res.Err)
	case res.Response != nil:
		if res.Response.Kind == ResponseDeliver {
			responsesDeliveredMeter.Mark(1)
			c.cancelTimer(responseTimerKey(res.Response.JobID))
			c.removeActiveJob(res.Response.JobID, res.Response.RetryNumber)
			c.log.Info("Response delivery confirmed", "job", res.Response.JobID, "retry", res.Response.RetryNumber)
		}
	}
}

func (c *Coordinator) enqueueJob(job *Job) {
	select {
	case c.jobsOut <- job:
	case <-c.runCtx.Done():
	}
}

func (c *Coordinator) enqueueResponse(resp *JobResponse) {
	select {
	case c.respOut <- resp:
	case <-c.runCtx.Done():
	}
}

// ActiveJob returns the tracked entry for a job id, if any.
func (c *Coordinator) ActiveJob(jobID *big.Int) (*Job, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	job, ok := c.active[jobID.String()]
	return job, ok
}

// storeActiveJob tracks a job this gateway is relaying. A stored entry with a
// higher retry number is never overwritten by a stale insert: retry numbers
// only grow.
func (c *Coordinator) storeActiveJob(job *Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := job.JobID.String()
	if old, ok := c.active[key]; ok && old.RetryNumber > job.RetryNumber {
		c.log.Debug("Ignoring stale active job insert", "job", job.JobID, "retry", job.RetryNumber, "stored", old.RetryNumber)
		return
	}
	c.active[key] = job
	activeJobsGauge.Update(int64(len(c.active)))
}

// removeActiveJob drops the entry only when the stored retry number matches
// the terminating event's; otherwise a later retry is in flight and the
// removal is dropped.
func (c *Coordinator) removeActiveJob(jobID *big.Int, retry uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := jobID.String()
	job, ok := c.active[key]
	if !ok || job.RetryNumber != retry {
		return false
	}
	delete(c.active, key)
	activeJobsGauge.Update(int64(len(c.active)))
	return true
}

// deleteActiveJob drops the entry regardless of retry number. Used for the
// explicit termination events (cancel, resource unavailable).
func (c *Coordinator) deleteActiveJob(jobID *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, jobID.String())
	activeJobsGauge.Update(int64(len(c.active)))
}

type timerHandle struct {
	cancel context.CancelFunc
}

// startTimer arms a cancellable timer under the given key, replacing any
// previous one.
func (c *Coordinator) startTimer(key string, d time.Duration, fire func()) {
	ctx, cancel := context.WithCancel(c.runCtx)
	handle := &timerHandle{cancel: cancel}
	c.timerMu.Lock()
	if old, ok := c.timers[key]; ok {
		old.cancel()
	}
	c.timers[key] = handle
	c.timerMu.Unlock()

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		c.timerMu.Lock()
		// Only clear our own registration; a replacement stays.
		if c.timers[key] == handle {
			delete(c.timers, key)
		}
		c.timerMu.Unlock()
		fire()
	}()
}

// cancelTimer stops the timer under the given key, if armed.
func (c *Coordinator) cancelTimer(key string) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if handle, ok := c.timers[key]; ok {
		handle.cancel()
		delete(c.timers, key)
	}
}

func relayTimerKey(jobID *big.Int) string    { return "relay/" + jobID.String() }
func responseTimerKey(jobID *big.Int) string { return "resp/" + jobID.String() }

func gatewayOrZero(gw *common.Address) common.Address {
	if gw == nil {
		return common.Address{}
	}
	return *gw
}
