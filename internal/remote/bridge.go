package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"multichain-funding/internal/models"
)

// BridgeClient queries the bridge for limits, fees and network costs
type BridgeClient struct {
	*baseClient
}

// NewBridgeClient creates a bridge client
func NewBridgeClient(baseURL, apiKey string, timeout time.Duration) (*BridgeClient, error) {
	base, err := newBaseClient("bridge", baseURL, apiKey, timeout)
	if err != nil {
		return nil, err
	}
	return &BridgeClient{baseClient: base}, nil
}

type sendParamsRequest struct {
	Account             string `json:"account"`
	FromChainID         string `json:"from_chain_id"`
	ToChainID           string `json:"to_chain_id"`
	Token               string `json:"token"`
	Amount              string `json:"amount"`
	MinAmountReceivable string `json:"min_amount_receivable"`
}

func toSendParamsRequest(p models.SendParams) sendParamsRequest {
	minRecv := "0"
	if p.MinAmountReceivable != nil {
		minRecv = p.MinAmountReceivable.String()
	}
	amount := "0"
	if p.Amount != nil {
		amount = p.Amount.String()
	}
	return sendParamsRequest{
		Account:             p.Account,
		FromChainID:         p.FromChainID,
		ToChainID:           p.ToChainID,
		Token:               p.Token,
		Amount:              amount,
		MinAmountReceivable: minRecv,
	}
}

// QuoteLimitsAndFee returns the bridge's min and max amounts, fee breakdown and receipt
func (c *BridgeClient) QuoteLimitsAndFee(ctx context.Context, params models.SendParams) (models.BridgeLimits, error) {
	body, err := c.do(ctx, http.MethodPost, "/v1/quote/limits", toSendParamsRequest(params))
	if err != nil {
		return models.BridgeLimits{}, err
	}

	parsed := gjson.ParseBytes(body)
	var limits models.BridgeLimits
	if limits.MinAmount, err = parseBig(parsed.Get("min_amount"), "min_amount"); err != nil {
		return models.BridgeLimits{}, err
	}
	if limits.MaxAmount, err = parseBig(parsed.Get("max_amount"), "max_amount"); err != nil {
		return models.BridgeLimits{}, err
	}
	if limits.SentAmount, err = parseBig(parsed.Get("sent_amount"), "sent_amount"); err != nil {
		return models.BridgeLimits{}, err
	}
	if limits.ReceivedAmount, err = parseBig(parsed.Get("received_amount"), "received_amount"); err != nil {
		return models.BridgeLimits{}, err
	}

	for i, fee := range parsed.Get("fees").Array() {
		component, err := parseFeeComponent(fee)
		if err != nil {
			return models.BridgeLimits{}, fmt.Errorf("fee %d: %w", i, err)
		}
		limits.Fees = append(limits.Fees, component)
	}

	return limits, nil
}

// QuoteNetworkFee returns the source-chain network cost for params
func (c *BridgeClient) QuoteNetworkFee(ctx context.Context, params models.SendParams) (models.FeeComponent, error) {
	body, err := c.do(ctx, http.MethodPost, "/v1/quote/network-fee", toSendParamsRequest(params))
	if err != nil {
		return models.FeeComponent{}, err
	}

	component, err := parseFeeComponent(gjson.ParseBytes(body))
	if err != nil {
		return models.FeeComponent{}, fmt.Errorf("network fee: %w", err)
	}
	if component.Kind == "" {
		component.Kind = "network"
	}
	return component, nil
}

func parseFeeComponent(r gjson.Result) (models.FeeComponent, error) {
	amount, err := parseBig(r.Get("amount"), "amount")
	if err != nil {
		return models.FeeComponent{}, err
	}
	decimals := r.Get("decimals")
	if !decimals.Exists() {
		return models.FeeComponent{}, fmt.Errorf("missing field decimals")
	}
	if decimals.Uint() > 255 {
		return models.FeeComponent{}, fmt.Errorf("invalid decimals %d", decimals.Uint())
	}
	return models.FeeComponent{
		Kind:     r.Get("kind").String(),
		ChainID:  r.Get("chain_id").String(),
		Token:    models.NormalizeTokenKey(r.Get("token").String()),
		Decimals: uint8(decimals.Uint()),
		Amount:   amount,
	}, nil
}
