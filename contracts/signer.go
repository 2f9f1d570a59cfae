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
	"crypto/ecdsa"
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Enclave signatures cover the keccak256 digest of the canonical
// concatenation of the call arguments: uint256 values left-padded to 32
// bytes, addresses as 20 bytes, uint8 as a single byte, dynamic bytes
// verbatim. The recovery id is shifted to 27/28 as the contracts expect.

// SignRelayJob signs the relayJob argument tuple with the enclave key.
func SignRelayJob(key *ecdsa.PrivateKey, jobID *big.Int, reqChainID uint64, txHash [32]byte, codeInput []byte, userTimeout, startTime *big.Int, sequenceNumber uint8, jobOwner common.Address) ([]byte, error) {
	msg := packUint256(jobID)
	msg = append(msg, packUint64(reqChainID)...)
	msg = append(msg, txHash[:]...)
	msg = append(msg, codeInput...)
	msg = append(msg, packUint256(userTimeout)...)
	msg = append(msg, packUint256(startTime)...)
	msg = append(msg, sequenceNumber)
	msg = append(msg, jobOwner.Bytes()...)
	return signDigest(key, msg)
}

// SignReassignGateway signs the reassignGatewayRelay argument tuple.
func SignReassignGateway(key *ecdsa.PrivateKey, gatewayOld common.Address, jobID *big.Int, reqChainID uint64, sequenceNumber uint8) ([]byte, error) {
	msg := gatewayOld.Bytes()
	msg = append(msg, packUint256(jobID)...)
	msg = append(msg, packUint64(reqChainID)...)
	msg = append(msg, sequenceNumber)
	return signDigest(key, msg)
}

// SignJobResponse signs the jobResponse argument tuple.
func SignJobResponse(key *ecdsa.PrivateKey, jobID *big.Int, output []byte, totalTime *big.Int, errorCode uint8) ([]byte, error) {
	msg := packUint256(jobID)
	msg = append(msg, output...)
	msg = append(msg, packUint256(totalTime)...)
	msg = append(msg, errorCode)
	return signDigest(key, msg)
}

// SignRegistration signs the registration payload the operator submits to
// the registry: owner address, served chain ids and the attestation time.
func SignRegistration(key *ecdsa.PrivateKey, owner common.Address, chainIDs []uint64, timestamp uint64) ([]byte, error) {
	msg := owner.Bytes()
	for _, id := range chainIDs {
		msg = append(msg, packUint64(id)...)
	}
	msg = append(msg, packUint64(timestamp)...)
	return signDigest(key, msg)
}

func signDigest(key *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(crypto.Keccak256(msg), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func packUint256(v *big.Int) []byte {
	if v == nil {
		v = common.Big0
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}

func packUint64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return common.LeftPadBytes(buf[:], 32)
}
