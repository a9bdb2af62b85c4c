package cosmos

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"multichain-funding/internal/config"
	"multichain-funding/internal/models"
)

func TestDeriveAddress(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		hexAddr string
		wantErr bool
	}{
		{
			name:    "valid address",
			prefix:  "cosmos",
			hexAddr: "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
		},
		{
			name:    "no 0x prefix",
			prefix:  "osmo",
			hexAddr: "742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
		},
		{
			name:    "empty prefix",
			prefix:  "",
			hexAddr: "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
			wantErr: true,
		},
		{
			name:    "short address",
			prefix:  "cosmos",
			hexAddr: "0x742d35",
			wantErr: true,
		},
		{
			name:    "not hex",
			prefix:  "cosmos",
			hexAddr: "0xZZ2d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveAddress(tt.prefix, tt.hexAddr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DeriveAddress() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			if !strings.HasPrefix(got, tt.prefix+"1") {
				t.Errorf("DeriveAddress() = %s, want prefix %s1", got, tt.prefix)
			}

			raw, err := DecodeAddress(tt.prefix, got)
			if err != nil {
				t.Fatalf("DecodeAddress() error = %v", err)
			}
			want, _ := hex.DecodeString(strings.TrimPrefix(tt.hexAddr, "0x"))
			if !bytes.Equal(raw, want) {
				t.Errorf("DecodeAddress() = %x, want %x", raw, want)
			}
		})
	}
}

func TestDecodeAddressWrongPrefix(t *testing.T) {
	addr, err := DeriveAddress("cosmos", "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0")
	if err != nil {
		t.Fatalf("DeriveAddress() error = %v", err)
	}
	if _, err := DecodeAddress("osmo", addr); err == nil {
		t.Error("DecodeAddress() expected prefix mismatch error")
	}
}

func TestAccountAddress(t *testing.T) {
	chain := &config.ChainConfig{ChainID: "cosmoshub-4", Bech32Prefix: "cosmos"}
	derived, _ := DeriveAddress("cosmos", "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0")
	alias, _ := DeriveAddress("cosmos", "0x1000000000000000000000000000000000000001")

	tests := []struct {
		name    string
		account models.Account
		want    string
		wantErr bool
	}{
		{
			name:    "derived from primary key",
			account: models.Account{Address: "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"},
			want:    derived,
		},
		{
			name: "explicit alias",
			account: models.Account{
				Address: "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
				Aliases: map[string]string{"cosmoshub-4": alias},
			},
			want: alias,
		},
		{
			name: "alias with wrong prefix",
			account: models.Account{
				Address: "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
				Aliases: map[string]string{"cosmoshub-4": "osmo1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AccountAddress(tt.account, chain)
			if (err != nil) != tt.wantErr {
				t.Fatalf("AccountAddress() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("AccountAddress() = %s, want %s", got, tt.want)
			}
		})
	}
}
