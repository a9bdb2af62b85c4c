package cosmos

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"

	"multichain-funding/internal/config"
	"multichain-funding/internal/models"
)

// DeriveAddress encodes the 20 bytes of an EVM hex address under a bech32 prefix
//
// Steps:
// 1. Hex decode the address (0x prefix optional)
// 2. Convert from 8-bit to 5-bit encoding
// 3. Encode with the chain prefix
func DeriveAddress(prefix, hexAddr string) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("bech32 prefix cannot be empty")
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(hexAddr, "0x"), "0X"))
	if err != nil {
		return "", fmt.Errorf("failed to decode hex address: %w", err)
	}
	if len(raw) != 20 {
		return "", fmt.Errorf("address must be 20 bytes, got %d", len(raw))
	}

	conv, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("failed to convert bits for bech32: %w", err)
	}

	address, err := bech32.Encode(prefix, conv)
	if err != nil {
		return "", fmt.Errorf("failed to encode bech32 address: %w", err)
	}

	return address, nil
}

// DecodeAddress returns the raw bytes of a bech32 address with the expected prefix
func DecodeAddress(prefix, addr string) ([]byte, error) {
	if addr == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}

	hrp, data5bit, err := bech32.Decode(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode bech32 address: %w", err)
	}
	if hrp != prefix {
		return nil, fmt.Errorf("address prefix %q does not match %q", hrp, prefix)
	}

	data8bit, err := bech32.ConvertBits(data5bit, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("failed to convert address bits: %w", err)
	}
	return data8bit, nil
}

// ValidateAddress checks that addr is a well-formed bech32 address under prefix
func ValidateAddress(prefix, addr string) error {
	_, err := DecodeAddress(prefix, addr)
	return err
}

// AccountAddress resolves the account's address on a Cosmos chain: an explicit alias
// wins, otherwise the primary key is re-encoded with the chain prefix.
func AccountAddress(account models.Account, chainCfg *config.ChainConfig) (string, error) {
	addr, isAlias := account.On(chainCfg.ChainID)
	if isAlias {
		if err := ValidateAddress(chainCfg.Bech32Prefix, addr); err != nil {
			return "", fmt.Errorf("invalid alias for chain %s: %w", chainCfg.ChainID, err)
		}
		return addr, nil
	}
	return DeriveAddress(chainCfg.Bech32Prefix, addr)
}
