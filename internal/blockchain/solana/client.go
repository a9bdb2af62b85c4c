package solana

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"multichain-funding/internal/config"
	"multichain-funding/internal/models"
)

// RPC is the subset of the solana-go RPC client used for balance queries
type RPC interface {
	GetBalance(ctx context.Context, account solanago.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solanago.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
}

// Client fetches SOL and SPL token balances from one Solana cluster
type Client struct {
	rpc         RPC
	chainConfig *config.ChainConfig
	logger      *zap.Logger
}

// NewClient creates a Solana client for the configured RPC endpoint
func NewClient(chainCfg *config.ChainConfig, logger *zap.Logger) *Client {
	logger.Info("Solana client initialized",
		zap.String("chain_id", chainCfg.ChainID),
		zap.String("rpc_endpoint", chainCfg.RPCEndpoint))

	return NewClientWithRPC(rpc.New(chainCfg.RPCEndpoint), chainCfg, logger)
}

// NewClientWithRPC creates a client over an existing RPC implementation
func NewClientWithRPC(r RPC, chainCfg *config.ChainConfig, logger *zap.Logger) *Client {
	return &Client{rpc: r, chainConfig: chainCfg, logger: logger}
}

// ChainID returns the chain ID
func (c *Client) ChainID() string {
	return c.chainConfig.ChainID
}

// GetBalance returns the lamport balance of owner
func (c *Client) GetBalance(ctx context.Context, owner solanago.PublicKey) (*big.Int, error) {
	result, err := c.rpc.GetBalance(ctx, owner, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("failed to get SOL balance: %w", err)
	}
	return new(big.Int).SetUint64(result.Value), nil
}

// GetTokenBalance returns the owner's balance of mint held in its associated token
// account. A missing token account is a zero balance.
func (c *Client) GetTokenBalance(ctx context.Context, owner, mint solanago.PublicKey) (*big.Int, error) {
	ata, _, err := solanago.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive associated token account: %w", err)
	}

	result, err := c.rpc.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		if isAccountNotFound(err) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("failed to get token account balance for mint %s: %w", mint, err)
	}
	if result == nil || result.Value == nil {
		return new(big.Int), nil
	}

	amount, ok := new(big.Int).SetString(result.Value.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token amount %q for mint %s", result.Value.Amount, mint)
	}
	return amount, nil
}

func isAccountNotFound(err error) bool {
	if errors.Is(err, rpc.ErrNotFound) {
		return true
	}
	return strings.Contains(err.Error(), "could not find account")
}

// FetchBalances returns SOL and every configured SPL balance. Solana needs an explicit
// account alias; the primary EVM key has no Solana form.
func (c *Client) FetchBalances(ctx context.Context, account models.Account) ([]models.TokenChainBalance, error) {
	addr, isAlias := account.On(c.chainConfig.ChainID)
	if !isAlias {
		return nil, fmt.Errorf("account %s has no address on chain %s", account.Address, c.chainConfig.ChainID)
	}
	owner, err := solanago.PublicKeyFromBase58(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid solana address %q: %w", addr, err)
	}

	balances := make([]models.TokenChainBalance, 0, len(c.chainConfig.Tokens)+1)

	lamports, err := c.GetBalance(ctx, owner)
	if err != nil {
		return nil, err
	}
	balances = append(balances, models.TokenChainBalance{
		ChainID:      c.chainConfig.ChainID,
		TokenAddress: models.NativeTokenAddress,
		Symbol:       c.chainConfig.NativeSymbol,
		Decimals:     c.chainConfig.NativeDecimals,
		RawBalance:   lamports,
		IsNative:     true,
	})

	for _, tok := range c.chainConfig.Tokens {
		mint, err := solanago.PublicKeyFromBase58(tok.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid mint %q: %w", tok.Address, err)
		}
		amount, err := c.GetTokenBalance(ctx, owner, mint)
		if err != nil {
			return nil, err
		}
		balances = append(balances, models.TokenChainBalance{
			ChainID:      c.chainConfig.ChainID,
			TokenAddress: tok.Address,
			Symbol:       tok.Symbol,
			Decimals:     tok.Decimals,
			RawBalance:   amount,
		})
	}

	c.logger.Debug("Fetched Solana balances",
		zap.String("chain_id", c.chainConfig.ChainID),
		zap.String("account", owner.String()),
		zap.Int("tokens", len(balances)))

	return balances, nil
}
