package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"multichain-funding/internal/config"
	"multichain-funding/internal/models"
)

// Registry holds one client per configured EVM chain
type Registry struct {
	clients map[string]*Client
	router  *Router
	logger  *zap.Logger
}

// NewRegistry dials every EVM chain in chains
func NewRegistry(ctx context.Context, chains map[string]config.ChainConfig, logger *zap.Logger) (*Registry, error) {
	router, err := NewRouter()
	if err != nil {
		return nil, err
	}

	r := &Registry{
		clients: make(map[string]*Client),
		router:  router,
		logger:  logger.Named("evm"),
	}

	for id, chain := range chains {
		if chain.Type != models.ChainTypeEVM {
			continue
		}
		chainCfg := chain
		client, err := NewClient(ctx, &chainCfg, r.logger)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to create client for chain %s: %w", id, err)
		}
		r.clients[id] = client
	}

	return r, nil
}

// Close closes all clients
func (r *Registry) Close() {
	for _, c := range r.clients {
		c.Close()
	}
}

// Router returns the shared router codec
func (r *Registry) Router() *Router {
	return r.router
}

// Client returns the client for chainID
func (r *Registry) Client(chainID string) (*Client, error) {
	c, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("no EVM client configured for chain %s", chainID)
	}
	return c, nil
}

// Balance returns the owner's balance of token, using the native path for the zero address
func (r *Registry) Balance(ctx context.Context, chainID, token string, owner common.Address) (*big.Int, error) {
	c, err := r.Client(chainID)
	if err != nil {
		return nil, err
	}
	if models.NormalizeTokenKey(token) == models.NativeTokenAddress {
		return c.GetNativeBalance(ctx, owner)
	}
	return c.GetTokenBalance(ctx, common.HexToAddress(token), owner)
}

// EstimateGas estimates gas on chainID
func (r *Registry) EstimateGas(ctx context.Context, chainID string, msg ethereum.CallMsg, overrides StateOverride) (uint64, error) {
	c, err := r.Client(chainID)
	if err != nil {
		return 0, err
	}
	return c.EstimateGas(ctx, msg, overrides)
}

// Simulate dry-runs msg on chainID
func (r *Registry) Simulate(ctx context.Context, chainID string, msg ethereum.CallMsg, overrides StateOverride) (*SimulationResult, error) {
	c, err := r.Client(chainID)
	if err != nil {
		return nil, err
	}
	return c.Simulate(ctx, msg, overrides)
}

// RouterNonce reads the router's replay nonce for account on chainID
func (r *Registry) RouterNonce(ctx context.Context, chainID string, router, account common.Address) (*big.Int, error) {
	c, err := r.Client(chainID)
	if err != nil {
		return nil, err
	}
	return r.router.Nonce(ctx, c, router, account)
}
