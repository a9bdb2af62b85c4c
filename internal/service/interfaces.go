package service

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"multichain-funding/internal/blockchain/evm"
	"multichain-funding/internal/models"
)

// Bridge quotes cross-chain transfers
type Bridge interface {
	QuoteLimitsAndFee(ctx context.Context, params models.SendParams) (models.BridgeLimits, error)
	QuoteNetworkFee(ctx context.Context, params models.SendParams) (models.FeeComponent, error)
}

// Relay sponsors and broadcasts signed payloads
type Relay interface {
	EstimateSponsorFee(ctx context.Context, chainID, feeToken string, gas uint64) (*big.Int, error)
	Submit(ctx context.Context, chainID, target string, payload []byte, gasLimit uint64) (models.RelayReceipt, error)
	TaskStatus(ctx context.Context, taskID string) (models.RelayReceipt, error)
}

// PriceOracle returns token -> {min, max} prices for a chain
type PriceOracle interface {
	GetPrices(ctx context.Context, chainID string) (map[string]models.PriceRange, error)
}

// Ledger is the eventually-consistent record of funding transfers
type Ledger interface {
	Query(ctx context.Context, account string) ([]models.FundingTransfer, error)
}

// ChainRPC is the EVM access the relay builder needs
type ChainRPC interface {
	Balance(ctx context.Context, chainID, token string, owner common.Address) (*big.Int, error)
	EstimateGas(ctx context.Context, chainID string, msg ethereum.CallMsg, overrides evm.StateOverride) (uint64, error)
	Simulate(ctx context.Context, chainID string, msg ethereum.CallMsg, overrides evm.StateOverride) (*evm.SimulationResult, error)
	RouterNonce(ctx context.Context, chainID string, router, account common.Address) (*big.Int, error)
}
