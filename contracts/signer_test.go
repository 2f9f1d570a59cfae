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
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// recoverSigner returns the signer address of a 27/28-shifted signature over the
// canonical message.
func recoverSigner(t *testing.T, msg, sig []byte) common.Address {
	t.Helper()
	if len(sig) != crypto.SignatureLength {
		t.Fatalf("signature length %d, want %d", len(sig), crypto.SignatureLength)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("recovery id %d, want 27 or 28", sig[64])
	}
	raw := append(append([]byte(nil), sig...)[:64], sig[64]-27)
	pub, err := crypto.SigToPub(crypto.Keccak256(msg), raw)
	if err != nil {
		t.Fatalf("recovering signer: %v", err)
	}
	return crypto.PubkeyToAddress(*pub)
}

func TestSignRelayJob(t *testing.T) {
	key, _ := crypto.GenerateKey()
	enclave := crypto.PubkeyToAddress(key.PublicKey)
	owner := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	txHash := [32]byte{0xaa, 0xbb}
	codeInput := []byte{0x01, 0x02, 0x03}

	sig, err := SignRelayJob(key, big.NewInt(7), 1, txHash, codeInput, big.NewInt(100), big.NewInt(1700000000), 1, owner)
	if err != nil {
		t.Fatalf("SignRelayJob: %v", err)
	}

	msg := packUint256(big.NewInt(7))
	msg = append(msg, packUint64(1)...)
	msg = append(msg, txHash[:]...)
	msg = append(msg, codeInput...)
	msg = append(msg, packUint256(big.NewInt(100))...)
	msg = append(msg, packUint256(big.NewInt(1700000000))...)
	msg = append(msg, 1)
	msg = append(msg, owner.Bytes()...)

	if got := recoverSigner(t, msg, sig); got != enclave {
		t.Fatalf("recovered %s, want %s", got, enclave)
	}

	// A different sequence number yields a different signature.
	other, err := SignRelayJob(key, big.NewInt(7), 1, txHash, codeInput, big.NewInt(100), big.NewInt(1700000000), 2, owner)
	if err != nil {
		t.Fatalf("SignRelayJob: %v", err)
	}
	if bytes.Equal(sig, other) {
		t.Fatal("signatures identical across sequence numbers")
	}
}

func TestSignJobResponse(t *testing.T) {
	key, _ := crypto.GenerateKey()
	enclave := crypto.PubkeyToAddress(key.PublicKey)
	output := []byte{0xca, 0xfe}

	sig, err := SignJobResponse(key, big.NewInt(13), output, big.NewInt(250), 0)
	if err != nil {
		t.Fatalf("SignJobResponse: %v", err)
	}

	msg := packUint256(big.NewInt(13))
	msg = append(msg, output...)
	msg = append(msg, packUint256(big.NewInt(250))...)
	msg = append(msg, 0)

	if got := recoverSigner(t, msg, sig); got != enclave {
		t.Fatalf("recovered %s, want %s", got, enclave)
	}
}

func TestSignRegistration(t *testing.T) {
	key, _ := crypto.GenerateKey()
	enclave := crypto.PubkeyToAddress(key.PublicKey)
	owner := common.HexToAddress("0x00000000000000000000000000000000000000ee")

	sig, err := SignRegistration(key, owner, []uint64{1, 5}, 1700000000)
	if err != nil {
		t.Fatalf("SignRegistration: %v", err)
	}

	msg := owner.Bytes()
	msg = append(msg, packUint64(1)...)
	msg = append(msg, packUint64(5)...)
	msg = append(msg, packUint64(1700000000)...)

	if got := recoverSigner(t, msg, sig); got != enclave {
		t.Fatalf("recovered %s, want %s", got, enclave)
	}
}

func TestPackUint64Width(t *testing.T) {
	packed := packUint64(1)
	if len(packed) != 32 {
		t.Fatalf("packed length %d, want 32", len(packed))
	}
	if new(big.Int).SetBytes(packed).Uint64() != 1 {
		t.Fatal("packed value mangled")
	}
}
