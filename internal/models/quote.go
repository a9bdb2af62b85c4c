package models

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// SendParams describes a bridge transfer to be quoted
type SendParams struct {
	Account             string   `json:"account"`
	FromChainID         string   `json:"from_chain_id"`
	ToChainID           string   `json:"to_chain_id"`
	Token               string   `json:"token"`
	Amount              *big.Int `json:"amount"`
	MinAmountReceivable *big.Int `json:"min_amount_receivable"` // zero means no slippage tolerance
}

// FeeComponent is a fee amount denominated in a specific token
type FeeComponent struct {
	Kind     string   `json:"kind"`
	ChainID  string   `json:"chain_id"`
	Token    string   `json:"token"`
	Decimals uint8    `json:"decimals"`
	Amount   *big.Int `json:"amount"`
}

// BridgeLimits is the bridge's answer for a set of send params
type BridgeLimits struct {
	MinAmount      *big.Int       `json:"min_amount"`
	MaxAmount      *big.Int       `json:"max_amount"`
	SentAmount     *big.Int       `json:"sent_amount"`
	ReceivedAmount *big.Int       `json:"received_amount"`
	Fees           []FeeComponent `json:"fees"`
}

// FeeQuote is the derived cost of a transfer
type FeeQuote struct {
	MinAmountReceivable *big.Int        `json:"min_amount_receivable"`
	MaxAmountReceivable *big.Int        `json:"max_amount_receivable"`
	BridgeFeeUSD        decimal.Decimal `json:"bridge_fee_usd"`
	NetworkFeeUSD       decimal.Decimal `json:"network_fee_usd"`
	TotalFeeUSD         decimal.Decimal `json:"total_fee_usd"`
	Limits              BridgeLimits    `json:"limits"`
	NetworkFee          FeeComponent    `json:"network_fee"`
	SlippageBps         uint32          `json:"slippage_bps"`
}

// RelayParams is the fee-bearing part of a sponsored call
type RelayParams struct {
	FeeToken  string    `json:"fee_token"`
	FeeAmount *big.Int  `json:"fee_amount"`
	Payload   []byte    `json:"payload"`
	Nonce     *big.Int  `json:"nonce"`
	Deadline  time.Time `json:"deadline"`
}

// Expired reports whether the deadline has passed at now
func (p RelayParams) Expired(now time.Time) bool {
	return !now.Before(p.Deadline)
}

// TransferIntent describes what the user wants relayed
type TransferIntent struct {
	Account        string    `json:"account"`
	ChainID        string    `json:"chain_id"`
	Operation      Operation `json:"operation"`
	Target         string    `json:"target"`
	CallData       []byte    `json:"call_data"`
	Value          *big.Int  `json:"value"`
	TransferToken  string    `json:"transfer_token"`
	TransferAmount *big.Int  `json:"transfer_amount"`
	PaymentToken   string    `json:"payment_token"`
	ToChainID      string    `json:"to_chain_id"`
}

// BuiltRelay is a simulated sponsored call ready for the user's signature
type BuiltRelay struct {
	Intent        TransferIntent `json:"intent"`
	Params        RelayParams    `json:"params"`
	Router        string         `json:"router"`
	GasLimit      uint64         `json:"gas_limit"`
	PaymentAmount *big.Int       `json:"payment_amount"`
	Digest        []byte         `json:"digest"`
	BuiltAt       time.Time      `json:"built_at"`
}

// SignedRelay is a built relay with the user's signature attached
type SignedRelay struct {
	Built     BuiltRelay `json:"built"`
	Signature []byte     `json:"signature"`
}

// RelayReceipt is the relay service's handle for a submitted payload
type RelayReceipt struct {
	TaskID string `json:"task_id"`
	TxHash string `json:"tx_hash,omitempty"`
}
