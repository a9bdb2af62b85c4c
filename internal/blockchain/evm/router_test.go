package evm

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func mustArgs(t *testing.T, types ...string) abi.Arguments {
	t.Helper()
	args := make(abi.Arguments, 0, len(types))
	for _, typ := range types {
		parsed, err := abi.NewType(typ, "", nil)
		if err != nil {
			t.Fatalf("NewType(%s) error = %v", typ, err)
		}
		args = append(args, abi.Argument{Type: parsed})
	}
	return args
}

func revertData(t *testing.T, signature string, types []string, values ...interface{}) []byte {
	t.Helper()
	packed, err := mustArgs(t, types...).Pack(values...)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	return append(crypto.Keccak256([]byte(signature))[:4], packed...)
}

func TestDecodeRevert(t *testing.T) {
	router, err := NewRouter()
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	tests := []struct {
		name       string
		data       []byte
		wantName   string
		wantReason string
		wantArgs   int
	}{
		{
			name:       "error string",
			data:       revertData(t, "Error(string)", []string{"string"}, "transfer amount exceeds balance"),
			wantName:   "Error",
			wantReason: "transfer amount exceeds balance",
		},
		{
			name:     "panic code",
			data:     revertData(t, "Panic(uint256)", []string{"uint256"}, big.NewInt(0x11)),
			wantName: "Panic",
			wantArgs: 1,
		},
		{
			name:     "custom fee error",
			data:     revertData(t, "FeeTooLow(uint256,uint256)", []string{"uint256", "uint256"}, big.NewInt(500), big.NewInt(100)),
			wantName: "FeeTooLow",
			wantArgs: 2,
		},
		{
			name: "custom insufficient balance error",
			data: revertData(t, "ERC20InsufficientBalance(address,uint256,uint256)",
				[]string{"address", "uint256", "uint256"},
				common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb"), big.NewInt(1), big.NewInt(2)),
			wantName: "ERC20InsufficientBalance",
			wantArgs: 3,
		},
		{
			name:     "no arguments",
			data:     crypto.Keccak256([]byte("InvalidSignature()"))[:4],
			wantName: "InvalidSignature",
		},
		{
			name:     "unknown selector",
			data:     []byte{0xde, 0xad, 0xbe, 0xef, 0x00},
			wantName: "",
		},
		{
			name:     "too short",
			data:     []byte{0x01},
			wantName: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := router.DecodeRevert(tt.data)
			if got.Name != tt.wantName {
				t.Errorf("DecodeRevert() name = %q, want %q", got.Name, tt.wantName)
			}
			if tt.wantReason != "" && got.Reason != tt.wantReason {
				t.Errorf("DecodeRevert() reason = %q, want %q", got.Reason, tt.wantReason)
			}
			if len(got.Args) != tt.wantArgs {
				t.Errorf("DecodeRevert() args = %d, want %d", len(got.Args), tt.wantArgs)
			}
			if tt.wantName == "" && got.Error() != "simulation failed" {
				t.Errorf("DecodeRevert() error = %q, want generic message", got.Error())
			}
		})
	}
}

func TestPackExecuteSelector(t *testing.T) {
	router, err := NewRouter()
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	call := SponsoredCall{
		From:      common.HexToAddress("0x1000000000000000000000000000000000000001"),
		Target:    common.HexToAddress("0x2000000000000000000000000000000000000002"),
		Data:      []byte{0xaa, 0xbb},
		Value:     big.NewInt(0),
		FeeToken:  common.HexToAddress("0x3000000000000000000000000000000000000003"),
		FeeAmount: big.NewInt(1000),
		Nonce:     big.NewInt(7),
		Deadline:  big.NewInt(1_700_000_000),
	}

	data, err := router.PackExecute(call, PlaceholderSignature)
	if err != nil {
		t.Fatalf("PackExecute() error = %v", err)
	}

	want := router.abi.Methods["executeSponsored"].ID
	if !bytes.Equal(data[:4], want) {
		t.Errorf("PackExecute() selector = %x, want %x", data[:4], want)
	}
}

func TestDigest(t *testing.T) {
	router, err := NewRouter()
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	routerAddr := common.HexToAddress("0x4000000000000000000000000000000000000004")
	call := SponsoredCall{
		From:      common.HexToAddress("0x1000000000000000000000000000000000000001"),
		Target:    common.HexToAddress("0x2000000000000000000000000000000000000002"),
		Data:      []byte{0x01},
		FeeToken:  common.HexToAddress("0x3000000000000000000000000000000000000003"),
		FeeAmount: big.NewInt(1000),
		Nonce:     big.NewInt(1),
		Deadline:  big.NewInt(1_700_000_000),
	}

	first, err := router.Digest(big.NewInt(42161), routerAddr, call)
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	again, _ := router.Digest(big.NewInt(42161), routerAddr, call)
	if !bytes.Equal(first, again) {
		t.Error("Digest() is not deterministic")
	}
	if len(first) != 32 {
		t.Errorf("Digest() length = %d, want 32", len(first))
	}

	call.Nonce = big.NewInt(2)
	bumped, _ := router.Digest(big.NewInt(42161), routerAddr, call)
	if bytes.Equal(first, bumped) {
		t.Error("Digest() did not change with the nonce")
	}

	otherChain, _ := router.Digest(big.NewInt(10), routerAddr, call)
	if bytes.Equal(bumped, otherChain) {
		t.Error("Digest() did not change with the chain id")
	}
}

func TestMustTypePanicsOnUnknownType(t *testing.T) {
	if got := mustUint256.String(); got != "uint256" {
		t.Errorf("mustUint256 = %s, want uint256", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("mustType() did not panic on an invalid type")
		}
	}()
	mustType("notatype")
}

func TestSimulationOverride(t *testing.T) {
	routerAddr := common.HexToAddress("0x4000000000000000000000000000000000000004")
	code := []byte{0x60, 0x80, 0x60, 0x40}

	overrides := SimulationOverride(routerAddr, code)
	if len(overrides) != 1 {
		t.Fatalf("SimulationOverride() accounts = %d, want 1", len(overrides))
	}
	got, ok := overrides[routerAddr]
	if !ok {
		t.Fatal("SimulationOverride() did not patch the router")
	}
	if !bytes.Equal(got.Code, code) {
		t.Errorf("SimulationOverride() code = %x, want %x", []byte(got.Code), code)
	}
	if got.Balance != nil || got.Nonce != nil || len(got.StateDiff) != 0 {
		t.Errorf("SimulationOverride() touched more than code: %+v", got)
	}
}
