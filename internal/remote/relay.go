package remote

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tidwall/gjson"

	"multichain-funding/internal/models"
)

// RelayClient talks to the fee-sponsoring relay
type RelayClient struct {
	*baseClient
}

// NewRelayClient creates a relay client
func NewRelayClient(baseURL, apiKey string, timeout time.Duration) (*RelayClient, error) {
	base, err := newBaseClient("relay", baseURL, apiKey, timeout)
	if err != nil {
		return nil, err
	}
	return &RelayClient{baseClient: base}, nil
}

// EstimateSponsorFee returns the relay's fee, in feeToken base units, for a call using gas
func (c *RelayClient) EstimateSponsorFee(ctx context.Context, chainID, feeToken string, gas uint64) (*big.Int, error) {
	body, err := c.do(ctx, http.MethodPost, "/v1/relay/estimate", map[string]interface{}{
		"chain_id":  chainID,
		"fee_token": feeToken,
		"gas_limit": gas,
	})
	if err != nil {
		return nil, err
	}

	fee, err := parseBig(gjson.GetBytes(body, "fee_amount"), "fee_amount")
	if err != nil {
		return nil, fmt.Errorf("relay estimate: %w", err)
	}
	return fee, nil
}

// Submit hands a signed payload to the relay for broadcasting
func (c *RelayClient) Submit(ctx context.Context, chainID, target string, payload []byte, gasLimit uint64) (models.RelayReceipt, error) {
	body, err := c.do(ctx, http.MethodPost, "/v1/relay/submit", map[string]interface{}{
		"chain_id":  chainID,
		"target":    target,
		"data":      hexutil.Encode(payload),
		"gas_limit": gasLimit,
	})
	if err != nil {
		return models.RelayReceipt{}, err
	}

	receipt := parseReceipt(body)
	if receipt.TaskID == "" {
		return models.RelayReceipt{}, fmt.Errorf("relay submit: empty task id in response")
	}
	return receipt, nil
}

// TaskStatus looks up a submitted task. TxHash stays empty until the relay has broadcast it.
func (c *RelayClient) TaskStatus(ctx context.Context, taskID string) (models.RelayReceipt, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/relay/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return models.RelayReceipt{}, err
	}

	receipt := parseReceipt(body)
	if receipt.TaskID == "" {
		receipt.TaskID = taskID
	}
	return receipt, nil
}

func parseReceipt(body []byte) models.RelayReceipt {
	return models.RelayReceipt{
		TaskID: gjson.GetBytes(body, "task_id").String(),
		TxHash: gjson.GetBytes(body, "tx_hash").String(),
	}
}
