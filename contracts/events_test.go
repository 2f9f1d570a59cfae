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
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func packEvent(t *testing.T, contractABI abi.ABI, name string, args ...interface{}) types.Log {
	t.Helper()
	ev, ok := contractABI.Events[name]
	if !ok {
		t.Fatalf("unknown event %s", name)
	}
	data, err := ev.Inputs.Pack(args...)
	if err != nil {
		t.Fatalf("packing %s: %v", name, err)
	}
	return types.Log{Topics: []common.Hash{ev.ID}, Data: data, BlockNumber: 42}
}

func TestEventTopicsMatchSignatures(t *testing.T) {
	tests := []struct {
		topic     common.Hash
		signature string
	}{
		{GatewayRegisteredTopic, "GatewayRegistered(bytes,address,address,uint256,uint256[])"},
		{GatewayDeregisteredTopic, "GatewayDeregistered(bytes)"},
		{GatewayStakeAddedTopic, "GatewayStakeAdded(bytes,uint256,uint256)"},
		{GatewayStakeRemovedTopic, "GatewayStakeRemoved(bytes,uint256,uint256)"},
		{ChainAddedTopic, "ChainAdded(bytes,uint256)"},
		{ChainRemovedTopic, "ChainRemoved(bytes,uint256)"},
		{JobRespondedTopic, "JobResponded(uint256,uint256,address,bytes,uint256,uint256,uint8)"},
		{JobResourceUnavailableTopic, "JobResourceUnavailable(uint256,uint256,address)"},
		{JobRelayedTopic, "JobRelayed(uint256,bytes32,bytes,uint256,uint256,uint256,uint256,uint256)"},
		{JobCancelledTopic, "JobCancelled(uint256)"},
		{GatewayReassignedTopic, "GatewayReassigned(uint256,uint256,address,address,uint8)"},
	}
	for _, tt := range tests {
		if want := crypto.Keccak256Hash([]byte(tt.signature)); tt.topic != want {
			t.Fatalf("topic for %s = %s, want %s", tt.signature, tt.topic, want)
		}
	}
}

func TestParseRegistryLog(t *testing.T) {
	pubKey := []byte{0xde, 0xad}
	operator := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	owner := common.HexToAddress("0x00000000000000000000000000000000000000ee")

	lg := packEvent(t, RegistryABI, "GatewayRegistered", pubKey, operator, owner, big.NewInt(100), []*big.Int{big.NewInt(1), big.NewInt(5)})
	parsed, err := ParseRegistryLog(lg)
	if err != nil {
		t.Fatalf("ParseRegistryLog: %v", err)
	}
	registered, ok := parsed.(*GatewayRegistered)
	if !ok {
		t.Fatalf("parsed type %T", parsed)
	}
	if !bytes.Equal(registered.EnclavePubKey, pubKey) || registered.Operator != operator {
		t.Fatal("wrong registered payload")
	}
	if registered.StakeAmount.Int64() != 100 || len(registered.ChainIds) != 2 {
		t.Fatal("wrong stake or chain list")
	}
	if registered.Raw.BlockNumber != 42 {
		t.Fatal("raw log not attached")
	}

	lg = packEvent(t, RegistryABI, "GatewayStakeRemoved", pubKey, big.NewInt(25), big.NewInt(75))
	parsed, err = ParseRegistryLog(lg)
	if err != nil {
		t.Fatalf("ParseRegistryLog: %v", err)
	}
	if removed := parsed.(*GatewayStakeRemoved); removed.TotalStake.Int64() != 75 {
		t.Fatalf("total stake = %v, want 75", removed.TotalStake)
	}
}

func TestParseRequestChainLog(t *testing.T) {
	lg := packEvent(t, RelayABI, "GatewayReassigned", big.NewInt(9), big.NewInt(1),
		common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		common.HexToAddress("0x00000000000000000000000000000000000000b2"), uint8(1))
	parsed, err := ParseRequestChainLog(lg)
	if err != nil {
		t.Fatalf("ParseRequestChainLog: %v", err)
	}
	reassigned := parsed.(*GatewayReassigned)
	if reassigned.JobId.Int64() != 9 || reassigned.SequenceNumber != 1 {
		t.Fatalf("wrong reassigned payload: %+v", reassigned)
	}

	lg = packEvent(t, RelayABI, "JobCancelled", big.NewInt(3))
	parsed, err = ParseRequestChainLog(lg)
	if err != nil {
		t.Fatalf("ParseRequestChainLog: %v", err)
	}
	if cancelled := parsed.(*JobCancelled); cancelled.JobId.Int64() != 3 {
		t.Fatalf("wrong cancelled payload: %+v", cancelled)
	}
}

func TestParseCommonChainLog(t *testing.T) {
	gateway := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	lg := packEvent(t, JobsABI, "JobResponded", big.NewInt(7), big.NewInt(1), gateway,
		[]byte{0xca, 0xfe}, big.NewInt(250), big.NewInt(0), uint8(1))
	parsed, err := ParseCommonChainLog(lg)
	if err != nil {
		t.Fatalf("ParseCommonChainLog: %v", err)
	}
	responded := parsed.(*JobResponded)
	if responded.JobId.Int64() != 7 || responded.Gateway != gateway || responded.TotalTime.Int64() != 250 {
		t.Fatalf("wrong responded payload: %+v", responded)
	}
}

func TestParseUnknownEvent(t *testing.T) {
	tests := []types.Log{
		{},
		{Topics: []common.Hash{{0x01}}},
	}
	for _, lg := range tests {
		if _, err := ParseRegistryLog(lg); !errors.Is(err, ErrUnknownEvent) {
			t.Fatalf("registry err = %v, want ErrUnknownEvent", err)
		}
		if _, err := ParseRequestChainLog(lg); !errors.Is(err, ErrUnknownEvent) {
			t.Fatalf("request err = %v, want ErrUnknownEvent", err)
		}
		if _, err := ParseCommonChainLog(lg); !errors.Is(err, ErrUnknownEvent) {
			t.Fatalf("common err = %v, want ErrUnknownEvent", err)
		}
	}
}

func TestJobKey(t *testing.T) {
	want := new(big.Int).SetBytes(crypto.Keccak256([]byte("7-1")))
	if got := JobKey(big.NewInt(7), 1); got.Cmp(want) != 0 {
		t.Fatalf("JobKey(7,1) = %v, want %v", got, want)
	}
	if JobKey(big.NewInt(7), 1).Cmp(JobKey(big.NewInt(7), 2)) == 0 {
		t.Fatal("job keys collide across chains")
	}
	if JobKey(big.NewInt(7), 1).Cmp(JobKey(big.NewInt(71), 1)) == 0 {
		t.Fatal("job keys collide across ids")
	}
}

func TestJobRecordPopulated(t *testing.T) {
	full := &JobRecord{
		ReqChainId:     big.NewInt(1),
		TxHash:         [32]byte{0xff},
		UserTimeout:    big.NewInt(100),
		StartTime:      big.NewInt(1700000000),
		JobOwner:       common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Gateway:        common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		SequenceNumber: 1,
	}
	if !full.Populated() {
		t.Fatal("complete record reported unpopulated")
	}

	clearers := []func(*JobRecord){
		func(r *JobRecord) { r.TxHash = [32]byte{} },
		func(r *JobRecord) { r.UserTimeout = new(big.Int) },
		func(r *JobRecord) { r.StartTime = new(big.Int) },
		func(r *JobRecord) { r.ReqChainId = new(big.Int) },
		func(r *JobRecord) { r.JobOwner = common.Address{} },
		func(r *JobRecord) { r.Gateway = common.Address{} },
	}
	for i, clear := range clearers {
		record := *full
		clear(&record)
		if record.Populated() {
			t.Fatalf("record %d with cleared field reported populated", i)
		}
	}
}

// callMock answers eth_call with pre-packed return data.
type callMock struct {
	ret []byte
}

func (m *callMock) CodeAt(_ context.Context, _ common.Address, _ *big.Int) ([]byte, error) {
	return []byte{0x01}, nil
}

func (m *callMock) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return m.ret, nil
}

// callBackend pads callMock up to the full bind.ContractBackend surface; the
// readback tests never transact or filter.
type callBackend struct {
	callMock
}

func (b *callBackend) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1)}, nil
}

func (b *callBackend) PendingCodeAt(_ context.Context, _ common.Address) ([]byte, error) {
	return []byte{0x01}, nil
}

func (b *callBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return 0, nil
}

func (b *callBackend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *callBackend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *callBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (b *callBackend) SendTransaction(_ context.Context, _ *types.Transaction) error {
	return nil
}

func (b *callBackend) FilterLogs(_ context.Context, _ ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (b *callBackend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, _ chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}

func TestJobsReadback(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	gateway := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	ret, err := JobsABI.Methods["jobs"].Outputs.Pack(
		big.NewInt(1), [32]byte{0xff}, big.NewInt(100), big.NewInt(1700000000), owner, gateway, uint8(2),
	)
	if err != nil {
		t.Fatalf("packing outputs: %v", err)
	}
	jobs := NewJobs(common.HexToAddress("0x00000000000000000000000000000000000000cc"), &callBackend{callMock{ret: ret}})

	record, err := jobs.Job(nil, JobKey(big.NewInt(7), 1))
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if !record.Populated() || record.SequenceNumber != 2 || record.Gateway != gateway {
		t.Fatalf("wrong record: %+v", record)
	}
}

func TestRelayReadback(t *testing.T) {
	gateway := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	ret, err := RelayABI.Methods["jobs"].Outputs.Pack(
		big.NewInt(1700000000), big.NewInt(0), big.NewInt(100),
		common.HexToAddress("0x00000000000000000000000000000000000000a1"), gateway, true, uint8(1),
	)
	if err != nil {
		t.Fatalf("packing outputs: %v", err)
	}
	relay := NewRelay(common.HexToAddress("0x00000000000000000000000000000000000000dd"), &callBackend{callMock{ret: ret}})

	record, err := relay.Job(nil, big.NewInt(7))
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if !record.OutputReceived || record.Gateway != gateway || record.SequenceNumber != 1 {
		t.Fatalf("wrong record: %+v", record)
	}
}
