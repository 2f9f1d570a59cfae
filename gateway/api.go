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

package gateway

import (
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/brawncode/serverless-gateway/contracts"
	"github.com/brawncode/serverless-gateway/relay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
)

// api is the operator-facing HTTP surface: key injection and registration
// message export. It runs inside the enclave's private network only.
type api struct {
	agent *Agent
	now   func() time.Time
	log   log.Logger
}

func newAPI(agent *Agent) *api {
	return &api{agent: agent, now: time.Now, log: log.New("service", "operator-api")}
}

func (s *api) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.index).Methods(http.MethodGet)
	r.HandleFunc("/immutable-config", s.injectImmutableConfig).Methods(http.MethodPost)
	r.HandleFunc("/mutable-config", s.injectMutableConfig).Methods(http.MethodPost)
	r.HandleFunc("/gateway-details", s.gatewayDetails).Methods(http.MethodGet)
	r.HandleFunc("/signed-registration-message", s.signedRegistrationMessage).Methods(http.MethodGet)
	return r
}

func (s *api) index(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type immutableConfigRequest struct {
	OwnerAddressHex string `json:"owner_address_hex"`
}

func (s *api) injectImmutableConfig(w http.ResponseWriter, r *http.Request) {
	var req immutableConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if !common.IsHexAddress(req.OwnerAddressHex) {
		httpError(w, http.StatusBadRequest, "invalid owner address")
		return
	}
	if err := s.agent.setOwner(common.HexToAddress(req.OwnerAddressHex)); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

type mutableConfigRequest struct {
	GasKeyHex string `json:"gas_key_hex"`
}

func (s *api) injectMutableConfig(w http.ResponseWriter, r *http.Request) {
	var req mutableConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	key, err := crypto.HexToECDSA(req.GasKeyHex)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid secp256k1 gas key")
		return
	}
	s.agent.setGasKey(key)
	w.WriteHeader(http.StatusOK)
}

type gatewayDetailsResponse struct {
	EnclaveAddress string   `json:"enclave_address"`
	EnclavePubKey  string   `json:"enclave_pub_key"`
	OwnerAddress   string   `json:"owner_address,omitempty"`
	ChainIDs       []uint64 `json:"chain_ids"`
	GasKeySet      bool     `json:"gas_key_set"`
}

func (s *api) gatewayDetails(w http.ResponseWriter, _ *http.Request) {
	resp := gatewayDetailsResponse{
		EnclaveAddress: s.agent.EnclaveAddress().Hex(),
		EnclavePubKey:  hexutil.Encode(s.agent.EnclavePubKey()),
		ChainIDs:       s.agent.ChainIDs(),
		GasKeySet:      s.agent.gasKey.Load() != nil,
	}
	if owner, ok := s.agent.Owner(); ok {
		resp.OwnerAddress = owner.Hex()
	}
	writeJSON(w, resp)
}

type registrationRequest struct {
	ChainIDs    []uint64 `json:"chain_ids"`
	StakeAmount string   `json:"stake_amount"`
}

type registrationResponse struct {
	Owner     string   `json:"owner"`
	ChainIDs  []uint64 `json:"chain_ids"`
	Timestamp uint64   `json:"timestamp"`
	Signature string   `json:"signature"`
}

// signedRegistrationMessage signs the registration payload the operator
// submits to the gateway registry. The stake amount is given in whole
// tokens and must scale to at least the registry minimum.
func (s *api) signedRegistrationMessage(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	owner, ok := s.agent.Owner()
	if !ok {
		httpError(w, http.StatusBadRequest, "owner not configured yet")
		return
	}
	if len(req.ChainIDs) == 0 {
		httpError(w, http.StatusBadRequest, "no chain ids")
		return
	}
	stake, ok := new(big.Int).SetString(req.StakeAmount, 10)
	if !ok {
		httpError(w, http.StatusBadRequest, "invalid stake amount")
		return
	}
	stake.Mul(stake, relay.GatewayStakeAdjustmentFactor)
	if stake.Cmp(relay.MinGatewayStake) < 0 {
		httpError(w, http.StatusBadRequest, "stake below registry minimum")
		return
	}
	timestamp := uint64(s.now().Unix())
	sig, err := contracts.SignRegistration(s.agent.enclaveKey, owner, req.ChainIDs, timestamp)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "signing failed")
		return
	}
	s.agent.setChainIDs(req.ChainIDs)
	writeJSON(w, registrationResponse{
		Owner:     owner.Hex(),
		ChainIDs:  req.ChainIDs,
		Timestamp: timestamp,
		Signature: hexutil.Encode(sig),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
