package api

import (
	"multichain-funding/internal/models"
)

// ==================== Balances ====================

// SubscribeRequest starts balance aggregation for an account
type SubscribeRequest struct {
	Account string            `json:"account"`
	Aliases map[string]string `json:"aliases,omitempty"` // chain_id -> chain-native address
}

// SubscribeResponse acknowledges a subscription
type SubscribeResponse struct {
	Account           string `json:"account"`
	SettlementChainID string `json:"settlement_chain_id"`
}

// BalancesResponse holds the latest merged balance map
type BalancesResponse struct {
	Account  string            `json:"account"`
	Balances models.BalanceMap `json:"balances"`
}

// ==================== Quotes ====================

// QuoteRequest asks for the fees of a bridge transfer
type QuoteRequest struct {
	Account     string  `json:"account"`
	Amount      string  `json:"amount"` // token base units
	FromChainID string  `json:"from_chain_id"`
	ToChainID   string  `json:"to_chain_id"`
	Token       string  `json:"token"`
	SlippageBps *uint32 `json:"slippage_bps,omitempty"`
}

// QuoteResponse is a fee quote with amounts in base units and fees in USD
type QuoteResponse struct {
	MinAmountReceivable string `json:"min_amount_receivable"`
	MaxAmountReceivable string `json:"max_amount_receivable"`
	MinAmount           string `json:"min_amount"`
	MaxAmount           string `json:"max_amount"`
	BridgeFeeUSD        string `json:"bridge_fee_usd"`
	NetworkFeeUSD       string `json:"network_fee_usd"`
	TotalFeeUSD         string `json:"total_fee_usd"`
	SlippageBps         uint32 `json:"slippage_bps"`
}

// ==================== Relay ====================

// RelayBuildRequest describes the call to sponsor
type RelayBuildRequest struct {
	Account        string           `json:"account"`
	ChainID        string           `json:"chain_id"`
	Operation      models.Operation `json:"operation"`
	Target         string           `json:"target"`
	CallData       string           `json:"call_data"` // 0x-prefixed hex
	Value          string           `json:"value,omitempty"`
	TransferToken  string           `json:"transfer_token"`
	TransferAmount string           `json:"transfer_amount"`
	PaymentToken   string           `json:"payment_token"`
	ToChainID      string           `json:"to_chain_id"`
}

// RelayRefreshRequest carries a previously built relay
type RelayRefreshRequest struct {
	Built models.BuiltRelay `json:"built"`
}

// RelaySubmitRequest carries a built relay and the user's signature over its digest
type RelaySubmitRequest struct {
	Built     models.BuiltRelay `json:"built"`
	Signature string            `json:"signature"` // 0x-prefixed hex
}

// RelayBuildResponse wraps a built relay with its hex-encoded digest for signing
type RelayBuildResponse struct {
	Built     *models.BuiltRelay `json:"built"`
	DigestHex string             `json:"digest_hex"`
}

// ==================== Transfers ====================

// TransfersResponse holds the reconciled funding history of an account
type TransfersResponse struct {
	Account   string                   `json:"account"`
	Transfers []models.FundingTransfer `json:"transfers"`
}

// ==================== Streaming ====================

// Stream message types
const (
	StreamPartial   = "partial"
	StreamBalances  = "balances"
	StreamTransfers = "transfers"
)

// StreamMessage is one WebSocket frame
type StreamMessage struct {
	Type    string      `json:"type"`
	Account string      `json:"account"`
	ChainID string      `json:"chain_id,omitempty"`
	Data    interface{} `json:"data"`
}

// ==================== Common ====================

// HealthResponse represents health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
}

// ErrorResponse represents error response
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}
