package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"multichain-funding/internal/config"
	"multichain-funding/internal/models"
)

// Client wraps Ethereum client functionality for interacting with one EVM chain
type Client struct {
	ethClient   *ethclient.Client
	rpcClient   *rpc.Client
	chainConfig *config.ChainConfig
	logger      *zap.Logger
}

// NewClient creates a new EVM client for the specified chain
func NewClient(ctx context.Context, chainCfg *config.ChainConfig, logger *zap.Logger) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, chainCfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", chainCfg.RPCEndpoint, err)
	}

	logger.Info("EVM client initialized",
		zap.String("chain_id", chainCfg.ChainID),
		zap.String("chain_name", chainCfg.Name))

	return &Client{
		ethClient:   ethclient.NewClient(rpcClient),
		rpcClient:   rpcClient,
		chainConfig: chainCfg,
		logger:      logger,
	}, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	c.ethClient.Close()
}

// ChainID returns the chain ID
func (c *Client) ChainID() string {
	return c.chainConfig.ChainID
}

// GetTokenBalance returns the ERC-20 balance of an address
func (c *Client) GetTokenBalance(ctx context.Context, token, address common.Address) (*big.Int, error) {
	// ERC20 balanceOf(address) selector: 0x70a08231
	data := append(
		common.Hex2Bytes("70a08231"),
		common.LeftPadBytes(address.Bytes(), 32)...,
	)

	result, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf on %s: %w", token.Hex(), err)
	}

	if len(result) < 32 {
		return nil, fmt.Errorf("invalid balance response length: %d", len(result))
	}

	return new(big.Int).SetBytes(result[:32]), nil
}

// GetNativeBalance returns the native asset balance of an address
func (c *Client) GetNativeBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	return c.ethClient.BalanceAt(ctx, address, nil)
}

// FetchBalances returns the native balance and every configured token balance of the
// account. Any failing call fails the whole chain.
func (c *Client) FetchBalances(ctx context.Context, account models.Account) ([]models.TokenChainBalance, error) {
	addrStr, _ := account.On(c.chainConfig.ChainID)
	if !common.IsHexAddress(addrStr) {
		return nil, fmt.Errorf("account %q is not an EVM address", addrStr)
	}
	owner := common.HexToAddress(addrStr)

	balances := make([]models.TokenChainBalance, 0, len(c.chainConfig.Tokens)+1)

	native, err := c.GetNativeBalance(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to get native balance: %w", err)
	}
	balances = append(balances, models.TokenChainBalance{
		ChainID:      c.chainConfig.ChainID,
		TokenAddress: models.NativeTokenAddress,
		Symbol:       c.chainConfig.NativeSymbol,
		Decimals:     c.chainConfig.NativeDecimals,
		RawBalance:   native,
		IsNative:     true,
	})

	for _, tok := range c.chainConfig.Tokens {
		bal, err := c.GetTokenBalance(ctx, common.HexToAddress(tok.Address), owner)
		if err != nil {
			return nil, err
		}
		balances = append(balances, models.TokenChainBalance{
			ChainID:      c.chainConfig.ChainID,
			TokenAddress: models.NormalizeTokenKey(tok.Address),
			Symbol:       tok.Symbol,
			Decimals:     tok.Decimals,
			RawBalance:   bal,
		})
	}

	c.logger.Debug("Fetched EVM balances",
		zap.String("chain_id", c.chainConfig.ChainID),
		zap.String("account", owner.Hex()),
		zap.Int("tokens", len(balances)))

	return balances, nil
}

// GetGasPrice returns the suggested gas price
func (c *Client) GetGasPrice(ctx context.Context) (*big.Int, error) {
	return c.ethClient.SuggestGasPrice(ctx)
}

// AccountOverride replaces parts of an account's state for a single call
type AccountOverride struct {
	Balance   *hexutil.Big                `json:"balance,omitempty"`
	Nonce     *hexutil.Uint64             `json:"nonce,omitempty"`
	Code      hexutil.Bytes               `json:"code,omitempty"`
	StateDiff map[common.Hash]common.Hash `json:"stateDiff,omitempty"`
}

// StateOverride maps accounts to their overridden state
type StateOverride map[common.Address]AccountOverride

func toCallArg(msg ethereum.CallMsg) map[string]interface{} {
	arg := map[string]interface{}{
		"from": msg.From,
		"to":   msg.To,
	}
	if len(msg.Data) > 0 {
		arg["input"] = hexutil.Bytes(msg.Data)
	}
	if msg.Value != nil {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}
	if msg.Gas != 0 {
		arg["gas"] = hexutil.Uint64(msg.Gas)
	}
	if msg.GasPrice != nil {
		arg["gasPrice"] = (*hexutil.Big)(msg.GasPrice)
	}
	return arg
}

// EstimateGas estimates gas for a call, optionally against overridden state
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg, overrides StateOverride) (uint64, error) {
	if len(overrides) == 0 {
		return c.ethClient.EstimateGas(ctx, msg)
	}

	var gas hexutil.Uint64
	if err := c.rpcClient.CallContext(ctx, &gas, "eth_estimateGas", toCallArg(msg), "latest", overrides); err != nil {
		return 0, err
	}
	return uint64(gas), nil
}

// SimulationResult is the outcome of an eth_call dry run
type SimulationResult struct {
	ReturnData []byte
	Reverted   bool
	RevertData []byte
	Message    string
}

// Simulate dry-runs a call against latest state, with optional overrides. A revert is
// reported in the result; only transport failures return an error.
func (c *Client) Simulate(ctx context.Context, msg ethereum.CallMsg, overrides StateOverride) (*SimulationResult, error) {
	var out hexutil.Bytes
	var err error
	if len(overrides) == 0 {
		err = c.rpcClient.CallContext(ctx, &out, "eth_call", toCallArg(msg), "latest")
	} else {
		err = c.rpcClient.CallContext(ctx, &out, "eth_call", toCallArg(msg), "latest", overrides)
	}
	if err == nil {
		return &SimulationResult{ReturnData: out}, nil
	}

	if data, ok := RevertData(err); ok {
		return &SimulationResult{Reverted: true, RevertData: data, Message: err.Error()}, nil
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return &SimulationResult{Reverted: true, Message: err.Error()}, nil
	}
	return nil, err
}

// RevertData extracts revert bytes carried by a JSON-RPC error
func RevertData(err error) ([]byte, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}
	raw, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil, false
	}
	data, decodeErr := hexutil.Decode(raw)
	if decodeErr != nil {
		return nil, false
	}
	return data, true
}

// CallContract executes a read-only call at latest state
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return c.ethClient.CallContract(ctx, msg, nil)
}
