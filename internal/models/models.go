package models

import (
	"math/big"
	"strings"
	"time"
)

// Step represents the lifecycle position of a funding transfer
type Step string

const (
	StepSubmitted Step = "submitted"
	StepSent      Step = "sent"
	StepReceived  Step = "received"
	StepExecuted  Step = "executed"
)

// Rank returns the position of the step in the lifecycle. Unknown steps rank below submitted.
func (s Step) Rank() int {
	switch s {
	case StepSubmitted:
		return 0
	case StepSent:
		return 1
	case StepReceived:
		return 2
	case StepExecuted:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is one of the known lifecycle steps
func (s Step) Valid() bool {
	return s.Rank() >= 0
}

// Before reports whether s is strictly earlier in the lifecycle than other
func (s Step) Before(other Step) bool {
	return s.Rank() < other.Rank()
}

// Operation represents the direction of a funding transfer
type Operation string

const (
	OperationDeposit    Operation = "deposit"
	OperationWithdrawal Operation = "withdrawal"
)

// ChainType represents the RPC family of a source chain
type ChainType string

const (
	ChainTypeEVM    ChainType = "evm"
	ChainTypeCosmos ChainType = "cosmos"
	ChainTypeSolana ChainType = "solana"
)

// NativeTokenAddress is the keyspace entry for a chain's native asset
const NativeTokenAddress = "0x0000000000000000000000000000000000000000"

// PriceRange holds an oracle price as min/max bounds
type PriceRange struct {
	Min *big.Int `json:"min"`
	Max *big.Int `json:"max"`
}

// Mid returns (min+max)/2, truncating
func (p PriceRange) Mid() *big.Int {
	if p.Min == nil || p.Max == nil {
		return nil
	}
	sum := new(big.Int).Add(p.Min, p.Max)
	return sum.Quo(sum, big.NewInt(2))
}

// TokenChainBalance is an immutable balance snapshot for one token on one chain
type TokenChainBalance struct {
	ChainID      string      `json:"chain_id"`
	TokenAddress string      `json:"token_address"`
	Symbol       string      `json:"symbol"`
	Decimals     uint8       `json:"decimals"`
	RawBalance   *big.Int    `json:"raw_balance"`
	IsNative     bool        `json:"is_native"`
	Price        *PriceRange `json:"price,omitempty"`
}

// ChainBalances maps a token address to its balance on one chain
type ChainBalances map[string]TokenChainBalance

// BalanceMap maps chainId -> tokenAddress -> balance
type BalanceMap map[string]ChainBalances

// Clone returns a copy of the map structure. Balance values are immutable and shared.
func (m BalanceMap) Clone() BalanceMap {
	out := make(BalanceMap, len(m))
	for chainID, tokens := range m {
		cp := make(ChainBalances, len(tokens))
		for addr, bal := range tokens {
			cp[addr] = bal
		}
		out[chainID] = cp
	}
	return out
}

// NormalizeTokenKey lowercases hex addresses so EVM checksummed and plain forms share a key
func NormalizeTokenKey(addr string) string {
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		return strings.ToLower(addr)
	}
	return addr
}

// Account identifies a user across chains
type Account struct {
	Address string            `json:"address"`           // primary EVM hex address
	Aliases map[string]string `json:"aliases,omitempty"` // chainID -> chain-native address
}

// On returns the address to use on the given chain, and whether it is an explicit alias
func (a Account) On(chainID string) (string, bool) {
	if alias, ok := a.Aliases[chainID]; ok && alias != "" {
		return alias, true
	}
	return a.Address, false
}

// Key returns the canonical key for per-account state
func (a Account) Key() string {
	return strings.ToLower(a.Address)
}

// StepTimestamps holds the time each step was reached
type StepTimestamps struct {
	Submitted *time.Time `json:"submitted,omitempty"`
	Sent      *time.Time `json:"sent,omitempty"`
	Received  *time.Time `json:"received,omitempty"`
	Executed  *time.Time `json:"executed,omitempty"`
}

// StepTxHashes holds the transaction hash observed for each step
type StepTxHashes struct {
	Submitted string `json:"submitted,omitempty"`
	Sent      string `json:"sent,omitempty"`
	Received  string `json:"received,omitempty"`
	Executed  string `json:"executed,omitempty"`
}

// All returns the non-empty hashes
func (h StepTxHashes) All() []string {
	out := make([]string, 0, 4)
	for _, v := range []string{h.Submitted, h.Sent, h.Received, h.Executed} {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// FundingTransfer represents one deposit or withdrawal
type FundingTransfer struct {
	ID                string         `json:"id"`
	Operation         Operation      `json:"operation"`
	Step              Step           `json:"step"`
	IsExecutionError  bool           `json:"is_execution_error"`
	Account           string         `json:"account"`
	SourceChainID     string         `json:"source_chain_id"`
	SettlementChainID string         `json:"settlement_chain_id"`
	Token             string         `json:"token"`
	SentAmount        *big.Int       `json:"sent_amount"`
	ReceivedAmount    *big.Int       `json:"received_amount,omitempty"`
	Timestamps        StepTimestamps `json:"timestamps"`
	TxHashes          StepTxHashes   `json:"tx_hashes"`
}

// SortTime returns the sent timestamp, falling back to the submitted timestamp
func (t FundingTransfer) SortTime() time.Time {
	if t.Timestamps.Sent != nil {
		return *t.Timestamps.Sent
	}
	if t.Timestamps.Submitted != nil {
		return *t.Timestamps.Submitted
	}
	return time.Time{}
}

// Clone returns a deep copy
func (t FundingTransfer) Clone() FundingTransfer {
	cp := t
	if t.SentAmount != nil {
		cp.SentAmount = new(big.Int).Set(t.SentAmount)
	}
	if t.ReceivedAmount != nil {
		cp.ReceivedAmount = new(big.Int).Set(t.ReceivedAmount)
	}
	cp.Timestamps = StepTimestamps{
		Submitted: cloneTime(t.Timestamps.Submitted),
		Sent:      cloneTime(t.Timestamps.Sent),
		Received:  cloneTime(t.Timestamps.Received),
		Executed:  cloneTime(t.Timestamps.Executed),
	}
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// OptimisticBuckets groups optimistic transfers by step, then by id
type OptimisticBuckets map[Step]map[string]FundingTransfer
