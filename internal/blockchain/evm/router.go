package evm

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"multichain-funding/internal/domainerr"
)

// RouterABI is the ABI for the sponsored-call router contract
const RouterABI = `[
	{
		"inputs": [
			{
				"components": [
					{"internalType": "address", "name": "from", "type": "address"},
					{"internalType": "address", "name": "target", "type": "address"},
					{"internalType": "bytes", "name": "data", "type": "bytes"},
					{"internalType": "uint256", "name": "value", "type": "uint256"},
					{"internalType": "address", "name": "feeToken", "type": "address"},
					{"internalType": "uint256", "name": "feeAmount", "type": "uint256"},
					{"internalType": "uint256", "name": "nonce", "type": "uint256"},
					{"internalType": "uint256", "name": "deadline", "type": "uint256"}
				],
				"internalType": "struct SponsoredCall",
				"name": "call",
				"type": "tuple"
			},
			{"internalType": "bytes", "name": "signature", "type": "bytes"}
		],
		"name": "executeSponsored",
		"outputs": [{"internalType": "bytes", "name": "", "type": "bytes"}],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "account", "type": "address"}],
		"name": "nonces",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "deadline", "type": "uint256"}],
		"name": "DeadlineExpired",
		"type": "error"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "expected", "type": "uint256"},
			{"internalType": "uint256", "name": "provided", "type": "uint256"}
		],
		"name": "InvalidNonce",
		"type": "error"
	},
	{
		"inputs": [],
		"name": "InvalidSignature",
		"type": "error"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "required", "type": "uint256"},
			{"internalType": "uint256", "name": "provided", "type": "uint256"}
		],
		"name": "FeeTooLow",
		"type": "error"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "sender", "type": "address"},
			{"internalType": "uint256", "name": "balance", "type": "uint256"},
			{"internalType": "uint256", "name": "needed", "type": "uint256"}
		],
		"name": "ERC20InsufficientBalance",
		"type": "error"
	},
	{
		"inputs": [{"internalType": "bytes", "name": "reason", "type": "bytes"}],
		"name": "CallFailed",
		"type": "error"
	}
]`

// panic(uint256) selector
var panicSelector = crypto.Keccak256([]byte("Panic(uint256)"))[:4]

// SponsoredCall mirrors the router's SponsoredCall tuple
type SponsoredCall struct {
	From      common.Address
	Target    common.Address
	Data      []byte
	Value     *big.Int
	FeeToken  common.Address
	FeeAmount *big.Int
	Nonce     *big.Int
	Deadline  *big.Int
}

// PlaceholderSignature has the length of a real ECDSA signature and no meaning
var PlaceholderSignature = make([]byte, 65)

// Router encodes calls to the sponsored-call router and decodes its reverts
type Router struct {
	abi abi.ABI
}

// NewRouter parses the router ABI
func NewRouter() (*Router, error) {
	parsedABI, err := abi.JSON(strings.NewReader(RouterABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse router ABI: %w", err)
	}
	return &Router{abi: parsedABI}, nil
}

// PackExecute encodes executeSponsored(call, signature)
func (r *Router) PackExecute(call SponsoredCall, signature []byte) ([]byte, error) {
	data, err := r.abi.Pack("executeSponsored", call, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to pack executeSponsored call: %w", err)
	}
	return data, nil
}

// Nonce reads the router's replay nonce for account
func (r *Router) Nonce(ctx context.Context, client *Client, router, account common.Address) (*big.Int, error) {
	data, err := r.abi.Pack("nonces", account)
	if err != nil {
		return nil, fmt.Errorf("failed to pack nonces call: %w", err)
	}

	result, err := client.CallContract(ctx, ethereum.CallMsg{To: &router, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to call nonces: %w", err)
	}

	var nonce *big.Int
	if err := r.abi.UnpackIntoInterface(&nonce, "nonces", result); err != nil {
		return nil, fmt.Errorf("failed to unpack nonces result: %w", err)
	}
	return nonce, nil
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

var digestArgs = func() abi.Arguments {
	return abi.Arguments{
		{Type: mustType("uint256")}, // chain id
		{Type: mustType("address")}, // router
		{Type: mustType("address")}, // from
		{Type: mustType("address")}, // target
		{Type: mustType("bytes32")}, // keccak(data)
		{Type: mustType("uint256")}, // value
		{Type: mustType("address")}, // fee token
		{Type: mustType("uint256")}, // fee amount
		{Type: mustType("uint256")}, // nonce
		{Type: mustType("uint256")}, // deadline
	}
}()

// Digest returns the hash the user signs for call on the given chain and router
func (r *Router) Digest(chainID *big.Int, router common.Address, call SponsoredCall) ([]byte, error) {
	encoded, err := digestArgs.Pack(
		chainID,
		router,
		call.From,
		call.Target,
		crypto.Keccak256Hash(call.Data),
		orZero(call.Value),
		call.FeeToken,
		orZero(call.FeeAmount),
		orZero(call.Nonce),
		orZero(call.Deadline),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode digest: %w", err)
	}
	return crypto.Keccak256(encoded), nil
}

// DecodeRevert turns revert bytes into a structured simulation error. Unknown data
// yields an error with an empty name ("simulation failed").
func (r *Router) DecodeRevert(data []byte) *domainerr.SimulationFailedError {
	out := &domainerr.SimulationFailedError{Data: data}
	if len(data) < 4 {
		return out
	}

	if bytes.Equal(data[:4], panicSelector) {
		args, err := abi.Arguments{{Type: mustUint256}}.Unpack(data[4:])
		if err == nil && len(args) == 1 {
			out.Name = "Panic"
			out.Args = args
			out.Reason = fmt.Sprintf("panic code %v", args[0])
		}
		return out
	}

	if reason, err := abi.UnpackRevert(data); err == nil {
		out.Name = "Error"
		out.Reason = reason
		return out
	}

	for name, abiErr := range r.abi.Errors {
		if !bytes.Equal(abiErr.ID[:4], data[:4]) {
			continue
		}
		args, err := abiErr.Inputs.Unpack(data[4:])
		if err != nil {
			return out
		}
		out.Name = name
		out.Args = args
		return out
	}

	return out
}

var mustUint256 = mustType("uint256")

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// SimulationOverride replaces the router's code with simCode, a build of the same contract
// whose signature check accepts any signature. Storage is untouched, so nonces, allowances
// and balances are read live.
func SimulationOverride(router common.Address, simCode []byte) StateOverride {
	return StateOverride{router: {Code: hexutil.Bytes(simCode)}}
}

// DeadlineFrom converts a deadline time to the router's uint256 seconds
func DeadlineFrom(t time.Time) *big.Int {
	return big.NewInt(t.Unix())
}
