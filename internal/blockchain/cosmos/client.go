package cosmos

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cosmossdk.io/math"
	sdk "github.com/cosmos/cosmos-sdk/types"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"
	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	wasmtypes "github.com/CosmWasm/wasmd/x/wasm/types"

	"multichain-funding/internal/config"
	"multichain-funding/internal/models"
)

const (
	allBalancesPath = "/cosmos.bank.v1beta1.Query/AllBalances"
	smartQueryPath  = "/cosmwasm.wasm.v1.Query/SmartContractState"
)

// Client fetches bank and CW20 balances from one Cosmos chain. ABCI queries over the
// CometBFT RPC are used when an RPC endpoint is configured, the REST API otherwise.
type Client struct {
	rpcClient    *rpchttp.HTTP
	restEndpoint string
	httpClient   *http.Client
	chainConfig  *config.ChainConfig
	logger       *zap.Logger
}

// NewClient creates a new Cosmos balance client for the specified chain
func NewClient(chainCfg *config.ChainConfig, logger *zap.Logger) (*Client, error) {
	c := &Client{
		restEndpoint: strings.TrimRight(chainCfg.RESTEndpoint, "/"),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		chainConfig:  chainCfg,
		logger:       logger,
	}

	if chainCfg.RPCEndpoint != "" {
		rpcClient, err := rpchttp.New(chainCfg.RPCEndpoint, "/websocket")
		if err != nil {
			return nil, fmt.Errorf("failed to create RPC client: %w", err)
		}
		c.rpcClient = rpcClient
		if c.restEndpoint == "" {
			// Standard Cosmos port layout
			c.restEndpoint = strings.Replace(chainCfg.RPCEndpoint, ":26657", ":1317", 1)
		}
	}

	if c.rpcClient == nil && c.restEndpoint == "" {
		return nil, fmt.Errorf("chain %s has neither RPC nor REST endpoint", chainCfg.ChainID)
	}

	logger.Info("Cosmos client initialized",
		zap.String("chain_id", chainCfg.ChainID),
		zap.Bool("abci", c.rpcClient != nil),
		zap.String("rest_endpoint", c.restEndpoint))

	return c, nil
}

// ChainID returns the chain ID
func (c *Client) ChainID() string {
	return c.chainConfig.ChainID
}

// FetchBalances returns the native denom and every configured token balance of the
// account. Tokens whose address is a contract on this chain are queried as CW20.
func (c *Client) FetchBalances(ctx context.Context, account models.Account) ([]models.TokenChainBalance, error) {
	owner, err := AccountAddress(account, c.chainConfig)
	if err != nil {
		return nil, err
	}

	coins, err := c.GetAllBalances(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to get bank balances: %w", err)
	}

	balances := make([]models.TokenChainBalance, 0, len(c.chainConfig.Tokens)+1)
	if c.chainConfig.NativeDenom != "" {
		balances = append(balances, models.TokenChainBalance{
			ChainID:      c.chainConfig.ChainID,
			TokenAddress: c.chainConfig.NativeDenom,
			Symbol:       c.chainConfig.NativeSymbol,
			Decimals:     c.chainConfig.NativeDecimals,
			RawBalance:   amountOf(coins, c.chainConfig.NativeDenom),
			IsNative:     true,
		})
	}

	for _, tok := range c.chainConfig.Tokens {
		var amount *big.Int
		if c.isContract(tok.Address) {
			amount, err = c.GetCW20Balance(ctx, tok.Address, owner)
			if err != nil {
				return nil, err
			}
		} else {
			amount = amountOf(coins, tok.Address)
		}
		balances = append(balances, models.TokenChainBalance{
			ChainID:      c.chainConfig.ChainID,
			TokenAddress: tok.Address,
			Symbol:       tok.Symbol,
			Decimals:     tok.Decimals,
			RawBalance:   amount,
		})
	}

	c.logger.Debug("Fetched Cosmos balances",
		zap.String("chain_id", c.chainConfig.ChainID),
		zap.String("account", owner),
		zap.Int("tokens", len(balances)))

	return balances, nil
}

// amountOf scans coins linearly; REST responses are not guaranteed to be sorted
func amountOf(coins sdk.Coins, denom string) *big.Int {
	for _, coin := range coins {
		if coin.Denom == denom {
			return coin.Amount.BigInt()
		}
	}
	return new(big.Int)
}

func (c *Client) isContract(addr string) bool {
	return strings.HasPrefix(addr, c.chainConfig.Bech32Prefix+"1") && ValidateAddress(c.chainConfig.Bech32Prefix, addr) == nil
}

// GetAllBalances returns every bank balance of address
func (c *Client) GetAllBalances(ctx context.Context, address string) (sdk.Coins, error) {
	if c.rpcClient != nil {
		return c.allBalancesABCI(ctx, address)
	}
	return c.allBalancesREST(ctx, address)
}

func (c *Client) allBalancesABCI(ctx context.Context, address string) (sdk.Coins, error) {
	req := &banktypes.QueryAllBalancesRequest{Address: address}
	reqBytes, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal balances request: %w", err)
	}

	result, err := c.rpcClient.ABCIQuery(ctx, allBalancesPath, reqBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	if result.Response.Code != 0 {
		return nil, fmt.Errorf("balances query failed with code %d: %s", result.Response.Code, result.Response.Log)
	}

	var resp banktypes.QueryAllBalancesResponse
	if err := resp.Unmarshal(result.Response.Value); err != nil {
		return nil, fmt.Errorf("failed to decode balances response: %w", err)
	}
	return resp.Balances, nil
}

func (c *Client) allBalancesREST(ctx context.Context, address string) (sdk.Coins, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/cosmos/bank/v1beta1/balances/%s", c.restEndpoint, url.PathEscape(address)))
	if err != nil {
		return nil, err
	}

	var coins sdk.Coins
	for _, entry := range gjson.GetBytes(body, "balances").Array() {
		amount, ok := math.NewIntFromString(entry.Get("amount").String())
		if !ok {
			return nil, fmt.Errorf("invalid amount %q for denom %s", entry.Get("amount").String(), entry.Get("denom").String())
		}
		coins = append(coins, sdk.Coin{Denom: entry.Get("denom").String(), Amount: amount})
	}
	return coins, nil
}

// GetCW20Balance returns the CW20 balance of address on the token contract
func (c *Client) GetCW20Balance(ctx context.Context, contractAddr, address string) (*big.Int, error) {
	queryMsg, err := json.Marshal(map[string]interface{}{
		"balance": map[string]string{"address": address},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query message: %w", err)
	}

	data, err := c.QueryContract(ctx, contractAddr, queryMsg)
	if err != nil {
		return nil, err
	}

	amount, ok := math.NewIntFromString(gjson.GetBytes(data, "balance").String())
	if !ok {
		return nil, fmt.Errorf("invalid CW20 balance response from %s", contractAddr)
	}
	return amount.BigInt(), nil
}

// QueryContract runs a CosmWasm smart query and returns the raw JSON result
func (c *Client) QueryContract(ctx context.Context, contractAddr string, queryMsg []byte) ([]byte, error) {
	if c.rpcClient != nil {
		req := &wasmtypes.QuerySmartContractStateRequest{
			Address:   contractAddr,
			QueryData: queryMsg,
		}
		reqBytes, err := req.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal smart query: %w", err)
		}

		result, err := c.rpcClient.ABCIQuery(ctx, smartQueryPath, reqBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to query contract: %w", err)
		}
		if result.Response.Code != 0 {
			return nil, fmt.Errorf("contract query failed with code %d: %s", result.Response.Code, result.Response.Log)
		}

		var resp wasmtypes.QuerySmartContractStateResponse
		if err := resp.Unmarshal(result.Response.Value); err != nil {
			return nil, fmt.Errorf("failed to decode contract response: %w", err)
		}
		return resp.Data, nil
	}

	queryBase64 := base64.StdEncoding.EncodeToString(queryMsg)
	body, err := c.get(ctx, fmt.Sprintf("%s/cosmwasm/wasm/v1/contract/%s/smart/%s",
		c.restEndpoint, contractAddr, url.PathEscape(queryBase64)))
	if err != nil {
		return nil, err
	}

	data := gjson.GetBytes(body, "data")
	if !data.Exists() {
		return nil, fmt.Errorf("contract response from %s has no data", contractAddr)
	}
	return []byte(data.Raw), nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c.chainConfig.ChainID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("REST query returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// Close stops the RPC client if one is running
func (c *Client) Close() error {
	if c.rpcClient == nil || !c.rpcClient.IsRunning() {
		return nil
	}
	return c.rpcClient.Stop()
}
