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
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/brawncode/serverless-gateway/contracts"
	"github.com/brawncode/serverless-gateway/election"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	selfAddr = common.HexToAddress("0x1000000000000000000000000000000000000001")
	peerAddr = common.HexToAddress("0x2000000000000000000000000000000000000002")
	peerTwo  = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

// stubElector returns a fixed winner per retry number.
type stubElector struct {
	mu      sync.Mutex
	winners map[uint8]common.Address
	err     error
}

func (s *stubElector) Select(_ context.Context, _ uint64, skips uint8, _ uint64) (common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return common.Address{}, s.err
	}
	if gw, ok := s.winners[skips]; ok {
		return gw, nil
	}
	return peerAddr, nil
}

// stubJobs serves on-chain job records keyed by job key.
type stubJobs struct {
	mu      sync.Mutex
	records map[string]*contracts.JobRecord
}

func newStubJobs() *stubJobs {
	return &stubJobs{records: make(map[string]*contracts.JobRecord)}
}

func (s *stubJobs) Job(_ *bind.CallOpts, jobKey *big.Int) (*contracts.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[jobKey.String()]; ok {
		return rec, nil
	}
	return &contracts.JobRecord{ReqChainId: new(big.Int), UserTimeout: new(big.Int), StartTime: new(big.Int)}, nil
}

func (s *stubJobs) put(jobID *big.Int, chainID uint64, seq uint8, gateway common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[contracts.JobKey(jobID, chainID).String()] = &contracts.JobRecord{
		ReqChainId:     new(big.Int).SetUint64(chainID),
		TxHash:         [32]byte{0xff},
		UserTimeout:    big.NewInt(100),
		StartTime:      big.NewInt(1700000000),
		JobOwner:       common.HexToAddress("0x4000000000000000000000000000000000000004"),
		Gateway:        gateway,
		SequenceNumber: seq,
	}
}

// stubRelayReader serves the request chain job record.
type stubRelayReader struct {
	mu     sync.Mutex
	record *contracts.RelayJobRecord
}

func (s *stubRelayReader) Job(_ *bind.CallOpts, _ *big.Int) (*contracts.RelayJobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record != nil {
		return s.record, nil
	}
	return &contracts.RelayJobRecord{StartTime: new(big.Int), MaxGasPrice: new(big.Int), UserTimeout: new(big.Int)}, nil
}

func (s *stubRelayReader) setDelivered(gateway common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = &contracts.RelayJobRecord{
		StartTime:      big.NewInt(1700000000),
		MaxGasPrice:    new(big.Int),
		UserTimeout:    big.NewInt(100),
		Gateway:        gateway,
		OutputReceived: true,
	}
}

type coordinatorHarness struct {
	coord   *Coordinator
	elector *stubElector
	jobs    *stubJobs
	reader  *stubRelayReader
}

func newHarness(winners map[uint8]common.Address) *coordinatorHarness {
	elector := &stubElector{winners: winners}
	jobs := newStubJobs()
	reader := &stubRelayReader{}
	coord := NewCoordinator(Config{
		Self:            selfAddr,
		RelayTimeout:    30 * time.Millisecond,
		ResponseTimeout: 30 * time.Millisecond,
		MaxRetries:      MaxGatewayRetries,
	}, elector, jobs, map[uint64]RelayReader{1: reader})
	return &coordinatorHarness{coord: coord, elector: elector, jobs: jobs, reader: reader}
}

func relayedEvent(jobID int64, starttime int64) ChainEvent {
	return ChainEvent{
		ChainID: 1,
		Event: &contracts.JobRelayed{
			JobId:       big.NewInt(jobID),
			TxHash:      [32]byte{0xaa},
			CodeInput:   []byte{0x01, 0x02},
			UserTimeout: big.NewInt(100),
			StartTime:   big.NewInt(starttime),
			Raw:         types.Log{Address: common.HexToAddress("0x5000000000000000000000000000000000000005")},
		},
	}
}

func respondedEvent(jobID int64) ChainEvent {
	return ChainEvent{
		ChainID: 9000,
		Event: &contracts.JobResponded{
			JobId:       big.NewInt(jobID),
			ReqChainId:  big.NewInt(1),
			Gateway:     peerAddr,
			Output:      []byte{0xca, 0xfe},
			TotalTime:   big.NewInt(250),
			ErrorCode:   new(big.Int),
			OutputCount: 1,
		},
	}
}

func recvJob(t *testing.T, ch <-chan *Job, timeout time.Duration) *Job {
	t.Helper()
	select {
	case job := <-ch:
		return job
	case <-time.After(timeout):
		t.Fatal("timed out waiting for job")
		return nil
	}
}

func recvResponse(t *testing.T, ch <-chan *JobResponse, timeout time.Duration) *JobResponse {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(timeout):
		t.Fatal("timed out waiting for response")
		return nil
	}
}

func expectQuietJobs(t *testing.T, ch <-chan *Job, d time.Duration) {
	t.Helper()
	select {
	case job := <-ch:
		t.Fatalf("unexpected job %v (%s) on queue", job.JobID, job.Kind)
	case <-time.After(d):
	}
}

// TestSelfElectionRelaysJob is S2: elected self, the job goes onto the
// common chain queue and is tracked as active.
func TestSelfElectionRelaysJob(t *testing.T) {
	h := newHarness(map[uint8]common.Address{0: selfAddr})
	h.coord.handleRequestChainEvent(relayedEvent(7, 1700000000))

	job := recvJob(t, h.coord.JobQueue(), time.Second)
	if job.Kind != JobRelay || job.JobID.Int64() != 7 || job.RetryNumber != 0 {
		t.Fatalf("wrong job on queue: %+v", job)
	}
	if job.Gateway == nil || *job.Gateway != selfAddr {
		t.Fatal("job not assigned to self")
	}
	active, ok := h.coord.ActiveJob(big.NewInt(7))
	if !ok || active.RetryNumber != 0 {
		t.Fatal("job not tracked as active")
	}
}

// TestPeerRelaysInTime: the slash timer finds a populated on-chain record
// with the matching retry number and stands down.
func TestPeerRelaysInTime(t *testing.T) {
	h := newHarness(map[uint8]common.Address{0: peerAddr})
	h.coord.handleRequestChainEvent(relayedEvent(8, 1700000000))
	h.jobs.put(big.NewInt(8), 1, 0, peerAddr)

	expectQuietJobs(t, h.coord.JobQueue(), 150*time.Millisecond)
	if _, ok := h.coord.ActiveJob(big.NewInt(8)); ok {
		t.Fatal("peer job tracked as active")
	}
}

// TestPeerSlashAndRetry is S3: the first peer misses its window and is
// slashed; the second peer relays before the second window expires, so only
// one slash goes out.
func TestPeerSlashAndRetry(t *testing.T) {
	h := newHarness(map[uint8]common.Address{0: peerAddr, 1: peerTwo})
	h.coord.handleRequestChainEvent(relayedEvent(8, 1700000000))

	slash := recvJob(t, h.coord.JobQueue(), time.Second)
	if slash.Kind != JobSlash || slash.RetryNumber != 0 {
		t.Fatalf("expected retry-0 slash, got %+v", slash)
	}
	if slash.Gateway == nil || *slash.Gateway != peerAddr {
		t.Fatal("slash not aimed at the first peer")
	}

	// Second peer lands the relay with the bumped retry number before its
	// own window expires.
	h.jobs.put(big.NewInt(8), 1, 1, peerTwo)
	expectQuietJobs(t, h.coord.JobQueue(), 150*time.Millisecond)
}

// TestRetryBound is P7: a job never produces more than MaxGatewayRetries
// slash transactions.
func TestRetryBound(t *testing.T) {
	h := newHarness(map[uint8]common.Address{0: peerAddr, 1: peerTwo})
	h.coord.handleRequestChainEvent(relayedEvent(9, 1700000000))

	var slashes []*Job
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case job := <-h.coord.JobQueue():
			if job.Kind != JobSlash {
				t.Fatalf("unexpected %s job on queue", job.Kind)
			}
			slashes = append(slashes, job)
		case <-deadline:
			if len(slashes) != MaxGatewayRetries {
				t.Fatalf("%d slash transactions, want %d", len(slashes), MaxGatewayRetries)
			}
			if slashes[0].RetryNumber != 0 || slashes[1].RetryNumber != 1 {
				t.Fatalf("wrong retry numbers: %d, %d", slashes[0].RetryNumber, slashes[1].RetryNumber)
			}
			return
		}
	}
}

// TestNoEligibleGateway: election failure degrades to the slash-timer path
// as if an absent peer had been elected.
func TestNoEligibleGateway(t *testing.T) {
	h := newHarness(nil)
	h.elector.err = election.ErrNoEligibleGateway
	h.coord.handleRequestChainEvent(relayedEvent(10, 1700000000))

	slash := recvJob(t, h.coord.JobQueue(), time.Second)
	if slash.Kind != JobSlash {
		t.Fatalf("expected slash, got %s", slash.Kind)
	}
	if slash.Gateway != nil {
		t.Fatal("slash for absent peer carries a gateway")
	}
}

// TestReassignedRetryCheck is S6: a reassignment drops the local entry only
// when its retry number matches the stored one.
func TestReassignedRetryCheck(t *testing.T) {
	h := newHarness(nil)
	job := &Job{JobID: big.NewInt(9), ReqChainID: 1, Starttime: big.NewInt(1), RetryNumber: 1}
	h.coord.storeActiveJob(job)

	// Stale retry number: entry retained.
	h.coord.handleReassigned(&contracts.GatewayReassigned{
		JobId: big.NewInt(9), ReqChainId: big.NewInt(1),
		OldGateway: selfAddr, NewGateway: peerAddr, SequenceNumber: 0,
	})
	if _, ok := h.coord.ActiveJob(big.NewInt(9)); !ok {
		t.Fatal("entry removed on stale reassignment")
	}

	// Matching retry number: entry removed.
	h.coord.handleReassigned(&contracts.GatewayReassigned{
		JobId: big.NewInt(9), ReqChainId: big.NewInt(1),
		OldGateway: selfAddr, NewGateway: peerAddr, SequenceNumber: 1,
	})
	if _, ok := h.coord.ActiveJob(big.NewInt(9)); ok {
		t.Fatal("entry retained on matching reassignment")
	}

	// Reassignments of other gateways never touch the table.
	h.coord.storeActiveJob(job)
	h.coord.handleReassigned(&contracts.GatewayReassigned{
		JobId: big.NewInt(9), ReqChainId: big.NewInt(1),
		OldGateway: peerAddr, NewGateway: peerTwo, SequenceNumber: 1,
	})
	if _, ok := h.coord.ActiveJob(big.NewInt(9)); !ok {
		t.Fatal("entry removed for foreign reassignment")
	}
}

// TestActiveJobRetrySafety is P8 and I4: removals with stale retry numbers
// are dropped and retry numbers never decrease.
func TestActiveJobRetrySafety(t *testing.T) {
	h := newHarness(nil)
	jobID := big.NewInt(11)

	h.coord.storeActiveJob(&Job{JobID: jobID, RetryNumber: 1})
	if h.coord.removeActiveJob(jobID, 0) {
		t.Fatal("stale removal succeeded")
	}
	if _, ok := h.coord.ActiveJob(jobID); !ok {
		t.Fatal("entry lost after stale removal")
	}

	// A lower-retry insert never overwrites a newer entry.
	h.coord.storeActiveJob(&Job{JobID: jobID, RetryNumber: 0})
	if got, _ := h.coord.ActiveJob(jobID); got.RetryNumber != 1 {
		t.Fatalf("retry number regressed to %d", got.RetryNumber)
	}

	if !h.coord.removeActiveJob(jobID, 1) {
		t.Fatal("matching removal dropped")
	}
}

// TestJobCancelledDropsJob: a cancellation removes the entry regardless of
// retry number and cancels the timers.
func TestJobCancelledDropsJob(t *testing.T) {
	h := newHarness(map[uint8]common.Address{0: selfAddr})
	h.coord.handleRequestChainEvent(relayedEvent(12, 1700000000))
	recvJob(t, h.coord.JobQueue(), time.Second)

	h.coord.handleRequestChainEvent(ChainEvent{ChainID: 1, Event: &contracts.JobCancelled{JobId: big.NewInt(12)}})
	if _, ok := h.coord.ActiveJob(big.NewInt(12)); ok {
		t.Fatal("cancelled job still active")
	}
}

// TestResponseSelfDelivery: elected self for the response, the delivery goes
// onto the request chain queue, and the confirmed result clears the entry.
func TestResponseSelfDelivery(t *testing.T) {
	h := newHarness(map[uint8]common.Address{0: selfAddr})
	h.coord.storeActiveJob(&Job{JobID: big.NewInt(13), ReqChainID: 1, RetryNumber: 0})

	h.coord.handleCommonChainEvent(respondedEvent(13))
	resp := recvResponse(t, h.coord.ResponseQueue(), time.Second)
	if resp.Kind != ResponseDeliver || resp.JobID.Int64() != 13 || resp.ReqChainID != 1 {
		t.Fatalf("wrong response on queue: %+v", resp)
	}

	h.coord.handleTxResult(TxResult{Response: resp})
	if _, ok := h.coord.ActiveJob(big.NewInt(13)); ok {
		t.Fatal("active entry survived confirmed delivery")
	}
}

// TestResponsePeerDelivers: the response slash timer sees the delivered
// output on chain and stands down.
func TestResponsePeerDelivers(t *testing.T) {
	h := newHarness(map[uint8]common.Address{0: peerAddr})
	h.coord.storeActiveJob(&Job{JobID: big.NewInt(14), ReqChainID: 1, RetryNumber: 0})
	h.reader.setDelivered(peerAddr)

	h.coord.handleCommonChainEvent(respondedEvent(14))
	time.Sleep(150 * time.Millisecond)

	select {
	case resp := <-h.coord.ResponseQueue():
		t.Fatalf("unexpected response %v on queue", resp.JobID)
	default:
	}
	if _, ok := h.coord.ActiveJob(big.NewInt(14)); ok {
		t.Fatal("entry survived peer delivery")
	}
}

// TestResponsePeerFailsReelects: with slashing disabled the failed peer just
// triggers a re-election with the next retry number.
func TestResponsePeerFailsReelects(t *testing.T) {
	h := newHarness(map[uint8]common.Address{0: peerAddr, 1: selfAddr})
	h.coord.handleCommonChainEvent(respondedEvent(15))

	resp := recvResponse(t, h.coord.ResponseQueue(), time.Second)
	if resp.Kind != ResponseDeliver || resp.RetryNumber != 1 {
		t.Fatalf("expected retry-1 delivery, got kind %s retry %d", resp.Kind, resp.RetryNumber)
	}
}

// TestResponseSlashingFlag: when enabled, a failed peer produces a slash
// entry before the re-election.
func TestResponseSlashingFlag(t *testing.T) {
	elector := &stubElector{winners: map[uint8]common.Address{0: peerAddr, 1: selfAddr}}
	coord := NewCoordinator(Config{
		Self:            selfAddr,
		SlashResponses:  true,
		RelayTimeout:    30 * time.Millisecond,
		ResponseTimeout: 30 * time.Millisecond,
	}, elector, newStubJobs(), map[uint64]RelayReader{1: &stubRelayReader{}})

	coord.handleCommonChainEvent(respondedEvent(16))
	first := recvResponse(t, coord.ResponseQueue(), time.Second)
	if first.Kind != ResponseSlash || first.RetryNumber != 0 {
		t.Fatalf("expected retry-0 slash, got kind %s retry %d", first.Kind, first.RetryNumber)
	}
	second := recvResponse(t, coord.ResponseQueue(), time.Second)
	if second.Kind != ResponseDeliver || second.RetryNumber != 1 {
		t.Fatalf("expected retry-1 delivery, got kind %s retry %d", second.Kind, second.RetryNumber)
	}
}

// TestJobRespondedCancelsRelayTimer: the response event proves the relay
// happened, so the pending peer slash timer is cancelled.
func TestJobRespondedCancelsRelayTimer(t *testing.T) {
	h := newHarness(map[uint8]common.Address{0: peerAddr})
	h.coord.handleRequestChainEvent(relayedEvent(17, 1700000000))

	// The response arrives before the 30ms slash window expires; also let
	// the peer win the response election so nothing is enqueued.
	h.reader.setDelivered(peerAddr)
	h.coord.handleCommonChainEvent(respondedEvent(17))

	expectQuietJobs(t, h.coord.JobQueue(), 150*time.Millisecond)
}
