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

// Package gateway assembles the relay agent: epoch state service, elector,
// listeners, coordinator, transactors and the operator HTTP API.
package gateway

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brawncode/serverless-gateway/contracts"
	"github.com/brawncode/serverless-gateway/election"
	"github.com/brawncode/serverless-gateway/epochstate"
	"github.com/brawncode/serverless-gateway/relay"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

// ErrNoGasKey is returned by transact-opts producers while the operator has
// not injected a gas key yet.
var ErrNoGasKey = errors.New("operator gas key not injected")

// Agent is the gateway relay agent. It owns no on-chain state; everything it
// tracks is rebuilt from chain events after a restart.
type Agent struct {
	cfg *Config

	enclaveKey  *ecdsa.PrivateKey
	enclavePub  []byte
	enclaveAddr common.Address

	ownerMu sync.Mutex
	owner   *common.Address
	gasKey  atomic.Pointer[ecdsa.PrivateKey]

	chainMu  sync.Mutex
	chainIDs []uint64

	log log.Logger
}

// New validates the config and prepares the agent. Chain connections are
// established in Run.
func New(cfg *Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	enclaveKey, err := crypto.HexToECDSA(cfg.EnclaveKeyHex)
	if err != nil {
		return nil, errors.New("invalid enclave signing key")
	}
	enclavePub := common.FromHex(cfg.EnclavePubKeyHex)
	if len(enclavePub) == 0 {
		// Uncompressed public key without the 0x04 prefix, as the registry
		// stores it.
		enclavePub = crypto.FromECDSAPub(&enclaveKey.PublicKey)[1:]
	}
	a := &Agent{
		cfg:         cfg,
		enclaveKey:  enclaveKey,
		enclavePub:  enclavePub,
		enclaveAddr: crypto.PubkeyToAddress(enclaveKey.PublicKey),
		log:         log.New("service", "gateway"),
	}
	for _, rc := range cfg.RequestChains {
		a.chainIDs = append(a.chainIDs, rc.ChainID)
	}
	if cfg.GasKeyHex != "" {
		gasKey, err := crypto.HexToECDSA(cfg.GasKeyHex)
		if err != nil {
			return nil, errors.New("invalid gas key")
		}
		a.gasKey.Store(gasKey)
	}
	return a, nil
}

// EnclaveAddress is the address derived from the enclave public key; it is
// the identity elections resolve this gateway under.
func (a *Agent) EnclaveAddress() common.Address { return a.enclaveAddr }

// EnclavePubKey is the public key the gateway is registered under.
func (a *Agent) EnclavePubKey() []byte { return a.enclavePub }

// Run connects to all chains and drives every long-running task until the
// context is cancelled or one of them fails terminally.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("Starting gateway agent", "enclave", a.enclaveAddr, "chains", len(a.cfg.RequestChains))

	commonHTTP, err := ethclient.DialContext(ctx, a.cfg.HTTPRPC)
	if err != nil {
		return err
	}
	defer commonHTTP.Close()
	commonWS, err := ethclient.DialContext(ctx, a.cfg.WSRPC)
	if err != nil {
		return err
	}
	defer commonWS.Close()

	store := epochstate.NewStore(a.cfg.StatesToMaintain)
	builder := epochstate.NewBuilder(store, commonHTTP, a.cfg.Registry, a.cfg.Epoch, a.cfg.Interval)
	elector := election.New(store, a.cfg.Epoch, a.cfg.Interval, a.cfg.OffsetForEpoch)

	jobs := contracts.NewJobs(a.cfg.Jobs, commonHTTP)

	// Request chain registry: populated once here, read-only afterwards.
	var (
		reqChains = make(map[uint64]*relay.RequestChain, len(a.cfg.RequestChains))
		readers   = make(map[uint64]relay.RelayReader, len(a.cfg.RequestChains))
		wsClients = make(map[uint64]*ethclient.Client, len(a.cfg.RequestChains))
	)
	for _, rc := range a.cfg.RequestChains {
		httpClient, err := ethclient.DialContext(ctx, rc.HTTPRPC)
		if err != nil {
			return err
		}
		defer httpClient.Close()
		wsClient, err := ethclient.DialContext(ctx, rc.WSRPC)
		if err != nil {
			return err
		}
		defer wsClient.Close()
		contract := contracts.NewRelay(rc.Contract, httpClient)
		reqChains[rc.ChainID] = &relay.RequestChain{
			ChainID:  rc.ChainID,
			Contract: contract,
			Backend:  httpClient,
			Opts:     a.transactOpts(rc.ChainID),
		}
		readers[rc.ChainID] = contract
		wsClients[rc.ChainID] = wsClient
		a.log.Info("Connected to request chain", "chain", rc.ChainID, "contract", rc.Contract)
	}

	coordinator := relay.NewCoordinator(relay.Config{
		Self:           a.enclaveAddr,
		SlashResponses: a.cfg.SlashResponses,
	}, elector, jobs, readers)

	commonTransactor := relay.NewCommonTransactor(a.enclaveKey, jobs, commonHTTP, a.transactOpts(a.cfg.CommonChainID), coordinator.JobQueue(), coordinator.Results())
	requestTransactor := relay.NewRequestTransactor(a.enclaveKey, reqChains, coordinator.ResponseQueue(), coordinator.Results())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return builder.Run(ctx) })
	g.Go(func() error { return coordinator.Run(ctx) })
	g.Go(func() error { return commonTransactor.Run(ctx) })
	g.Go(func() error { return requestTransactor.Run(ctx) })

	commonListener := relay.NewCommonChainListener(a.cfg.CommonChainID, a.cfg.Jobs, commonWS, coordinator.CommonEvents())
	g.Go(func() error { return commonListener.Run(ctx) })
	for _, rc := range a.cfg.RequestChains {
		listener := relay.NewRequestChainListener(rc.ChainID, rc.Contract, wsClients[rc.ChainID], coordinator.RequestEvents())
		g.Go(func() error { return listener.Run(ctx) })
	}

	if a.cfg.APIListenAddr != "" {
		server := &http.Server{
			Addr:              a.cfg.APIListenAddr,
			Handler:           newAPI(a).router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
			return ctx.Err()
		})
		a.log.Info("Operator API listening", "addr", a.cfg.APIListenAddr)
	}

	return g.Wait()
}

// transactOpts yields per-chain transact opts bound to the injected gas key.
func (a *Agent) transactOpts(chainID uint64) relay.OptsFunc {
	id := new(big.Int).SetUint64(chainID)
	return func(ctx context.Context) (*bind.TransactOpts, error) {
		key := a.gasKey.Load()
		if key == nil {
			return nil, ErrNoGasKey
		}
		opts, err := bind.NewKeyedTransactorWithChainID(key, id)
		if err != nil {
			return nil, err
		}
		opts.Context = ctx
		return opts, nil
	}
}

// setOwner records the enclave owner; it can be set exactly once.
func (a *Agent) setOwner(owner common.Address) error {
	a.ownerMu.Lock()
	defer a.ownerMu.Unlock()
	if a.owner != nil {
		return errors.New("owner already set")
	}
	a.owner = &owner
	a.log.Info("Enclave owner configured", "owner", owner)
	return nil
}

// Owner returns the configured enclave owner, if any.
func (a *Agent) Owner() (common.Address, bool) {
	a.ownerMu.Lock()
	defer a.ownerMu.Unlock()
	if a.owner == nil {
		return common.Address{}, false
	}
	return *a.owner, true
}

// setGasKey injects or rotates the operator's transaction key.
func (a *Agent) setGasKey(key *ecdsa.PrivateKey) {
	a.gasKey.Store(key)
	a.log.Info("Operator gas key injected", "address", crypto.PubkeyToAddress(key.PublicKey))
}

// setChainIDs records the request chains covered by the latest signed
// registration message.
func (a *Agent) setChainIDs(ids []uint64) {
	a.chainMu.Lock()
	defer a.chainMu.Unlock()
	a.chainIDs = append([]uint64(nil), ids...)
}

// ChainIDs returns the request chains this gateway registers for.
func (a *Agent) ChainIDs() []uint64 {
	a.chainMu.Lock()
	defer a.chainMu.Unlock()
	return append([]uint64(nil), a.chainIDs...)
}
