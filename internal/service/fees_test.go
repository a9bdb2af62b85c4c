package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"multichain-funding/internal/cache"
	"multichain-funding/internal/config"
	"multichain-funding/internal/domainerr"
	"multichain-funding/internal/models"
)

const (
	usdcArb           = "0xaf88d065e77c8cc2239327c5edb3a432268e5831"
	testPriceDecimals = 30
)

type fakeBridge struct {
	mu          sync.Mutex
	limitsFn    func(ctx context.Context, p models.SendParams) (models.BridgeLimits, error)
	networkFee  models.FeeComponent
	networkErr  error
	limitCalls  []models.SendParams
	networkCall []models.SendParams
}

func (f *fakeBridge) QuoteLimitsAndFee(ctx context.Context, p models.SendParams) (models.BridgeLimits, error) {
	f.mu.Lock()
	f.limitCalls = append(f.limitCalls, p)
	f.mu.Unlock()
	return f.limitsFn(ctx, p)
}

func (f *fakeBridge) QuoteNetworkFee(_ context.Context, p models.SendParams) (models.FeeComponent, error) {
	f.mu.Lock()
	f.networkCall = append(f.networkCall, p)
	f.mu.Unlock()
	return f.networkFee, f.networkErr
}

type fakeOracle struct {
	prices map[string]map[string]models.PriceRange
	err    error
}

func (f *fakeOracle) GetPrices(_ context.Context, chainID string) (map[string]models.PriceRange, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.prices[chainID], nil
}

// usd returns a flat price of v dollars in oracle scale
func usd(v int64) models.PriceRange {
	p := new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(testPriceDecimals), nil))
	return models.PriceRange{Min: p, Max: new(big.Int).Set(p)}
}

func testOracle() *fakeOracle {
	return &fakeOracle{prices: map[string]map[string]models.PriceRange{
		"42161": {
			usdcArb:                   usd(1),
			models.NativeTokenAddress: usd(3000),
		},
		"1": {
			models.NativeTokenAddress: usd(3000),
		},
	}}
}

func newTestPrices(oracle PriceOracle) *PriceService {
	return NewPriceService(oracle, cache.NewTTL[string, map[string]models.PriceRange](time.Minute), testPriceDecimals, zap.NewNop())
}

func newTestFeeService(bridge Bridge, oracle PriceOracle) *FeeService {
	return NewFeeService(bridge, newTestPrices(oracle), config.QuoteConfig{
		SlippageBps: 50,
		CallTimeout: time.Second,
	}, nil, zap.NewNop())
}

func staticLimits(limits models.BridgeLimits) func(context.Context, models.SendParams) (models.BridgeLimits, error) {
	return func(context.Context, models.SendParams) (models.BridgeLimits, error) { return limits, nil }
}

func defaultLimits() models.BridgeLimits {
	return models.BridgeLimits{
		MinAmount:      big.NewInt(10_000),
		MaxAmount:      big.NewInt(10_000_000_000),
		SentAmount:     big.NewInt(1_000_000),
		ReceivedAmount: big.NewInt(1_000_000),
		Fees: []models.FeeComponent{
			{Kind: "bridge", ChainID: "42161", Token: usdcArb, Decimals: 6, Amount: big.NewInt(2_000)},
			{Kind: "lp", ChainID: "42161", Token: models.NativeTokenAddress, Decimals: 18, Amount: big.NewInt(100_000_000_000_000)},
		},
	}
}

func TestApplySlippage(t *testing.T) {
	tests := []struct {
		name     string
		received int64
		bps      uint32
		want     int64
	}{
		{name: "50 bps", received: 1_000_000, bps: 50, want: 995_000},
		{name: "zero tolerance", received: 1_000_000, bps: 0, want: 1_000_000},
		{name: "rounds down", received: 999, bps: 50, want: 994},
		{name: "near total", received: 1_000_000, bps: 9_999, want: 100},
		{name: "full tolerance", received: 1_000_000, bps: 10_000, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplySlippage(big.NewInt(tt.received), tt.bps)
			if got.Int64() != tt.want {
				t.Errorf("ApplySlippage(%d, %d) = %s, want %d", tt.received, tt.bps, got, tt.want)
			}
		})
	}
}

func TestFeeService_Quote(t *testing.T) {
	bridge := &fakeBridge{
		limitsFn: staticLimits(defaultLimits()),
		networkFee: models.FeeComponent{
			Kind: "network", ChainID: "42161", Token: models.NativeTokenAddress, Decimals: 18,
			Amount: big.NewInt(10_000_000_000_000),
		},
	}
	svc := newTestFeeService(bridge, testOracle())

	quote, err := svc.Quote(context.Background(), QuoteRequest{
		Amount:      big.NewInt(1_000_000),
		FromChainID: "42161",
		ToChainID:   "1",
		Token:       usdcArb,
	})
	if err != nil {
		t.Fatalf("Quote() error = %v", err)
	}

	if quote.MinAmountReceivable.Int64() != 995_000 {
		t.Errorf("MinAmountReceivable = %s, want 995000", quote.MinAmountReceivable)
	}
	if quote.MaxAmountReceivable.Int64() != 1_000_000 {
		t.Errorf("MaxAmountReceivable = %s, want 1000000", quote.MaxAmountReceivable)
	}

	if len(bridge.limitCalls) != 1 || bridge.limitCalls[0].MinAmountReceivable.Sign() != 0 {
		t.Errorf("limits must be quoted once with zero slippage tolerance, got %+v", bridge.limitCalls)
	}
	if len(bridge.networkCall) != 1 || bridge.networkCall[0].MinAmountReceivable.Int64() != 995_000 {
		t.Errorf("network fee must be quoted with the adjusted params, got %+v", bridge.networkCall)
	}

	// 0.002 USDC at $1 + 0.0001 ETH at $3000
	if want := decimal.RequireFromString("0.302"); !quote.BridgeFeeUSD.Equal(want) {
		t.Errorf("BridgeFeeUSD = %s, want %s", quote.BridgeFeeUSD, want)
	}
	// 0.00001 ETH at $3000
	if want := decimal.RequireFromString("0.03"); !quote.NetworkFeeUSD.Equal(want) {
		t.Errorf("NetworkFeeUSD = %s, want %s", quote.NetworkFeeUSD, want)
	}
	if want := decimal.RequireFromString("0.332"); !quote.TotalFeeUSD.Equal(want) {
		t.Errorf("TotalFeeUSD = %s, want %s", quote.TotalFeeUSD, want)
	}
}

func TestFeeService_QuoteSumsInUSDAcrossDecimals(t *testing.T) {
	// Same raw amount in tokens of different decimals must not be summed raw
	limits := defaultLimits()
	limits.Fees = []models.FeeComponent{
		{ChainID: "42161", Token: usdcArb, Decimals: 6, Amount: big.NewInt(1_000_000)},
		{ChainID: "42161", Token: models.NativeTokenAddress, Decimals: 18, Amount: big.NewInt(1_000_000)},
	}
	bridge := &fakeBridge{
		limitsFn:   staticLimits(limits),
		networkFee: models.FeeComponent{ChainID: "42161", Token: usdcArb, Decimals: 6, Amount: big.NewInt(0)},
	}
	svc := newTestFeeService(bridge, testOracle())

	quote, err := svc.Quote(context.Background(), QuoteRequest{
		Amount: big.NewInt(1_000_000), FromChainID: "42161", ToChainID: "1", Token: usdcArb,
	})
	if err != nil {
		t.Fatalf("Quote() error = %v", err)
	}

	// 1 USDC + 1e-12 ETH * 3000
	want := decimal.RequireFromString("1.000000003")
	if !quote.BridgeFeeUSD.Equal(want) {
		t.Errorf("BridgeFeeUSD = %s, want %s", quote.BridgeFeeUSD, want)
	}
	if !quote.NetworkFeeUSD.IsZero() {
		t.Errorf("NetworkFeeUSD = %s, want 0", quote.NetworkFeeUSD)
	}
}

func TestFeeService_QuoteSumsBridgeAndNetworkFeeInUSD(t *testing.T) {
	const (
		tokenX = "0x000000000000000000000000000000000000000a" // $1
		tokenY = "0x000000000000000000000000000000000000000b" // $2
	)
	oracle := &fakeOracle{prices: map[string]map[string]models.PriceRange{
		"42161": {tokenX: usd(1), tokenY: usd(2)},
	}}
	prices := newTestPrices(oracle)
	midX, err := prices.Mid(context.Background(), "42161", tokenX)
	if err != nil {
		t.Fatalf("Mid(X) error = %v", err)
	}
	midY, err := prices.Mid(context.Background(), "42161", tokenY)
	if err != nil {
		t.Fatalf("Mid(Y) error = %v", err)
	}

	tests := []struct {
		decX, decY uint8
	}{
		{decX: 6, decY: 18},
		{decX: 18, decY: 6},
		{decX: 6, decY: 6},
		{decX: 8, decY: 18},
		{decX: 0, decY: 12},
		{decX: 18, decY: 18},
	}

	for _, tt := range tests {
		// 2 units of X as the bridge fee, 1 unit of Y as the network fee
		bridgeFee := models.FeeComponent{ChainID: "42161", Token: tokenX, Decimals: tt.decX, Amount: pow10(int64(tt.decX))}
		bridgeFee.Amount.Mul(bridgeFee.Amount, big.NewInt(2))
		networkFee := models.FeeComponent{ChainID: "42161", Token: tokenY, Decimals: tt.decY, Amount: pow10(int64(tt.decY))}

		limits := defaultLimits()
		limits.Fees = []models.FeeComponent{bridgeFee}
		svc := newTestFeeService(&fakeBridge{limitsFn: staticLimits(limits), networkFee: networkFee}, oracle)

		quote, err := svc.Quote(context.Background(), QuoteRequest{
			Amount: big.NewInt(1_000_000), FromChainID: "42161", ToChainID: "1", Token: usdcArb,
		})
		if err != nil {
			t.Fatalf("decimals %d/%d: Quote() error = %v", tt.decX, tt.decY, err)
		}

		want := ToUSD(bridgeFee.Amount, tt.decX, midX, testPriceDecimals).
			Add(ToUSD(networkFee.Amount, tt.decY, midY, testPriceDecimals))
		if !want.Equal(decimal.NewFromInt(4)) {
			t.Fatalf("decimals %d/%d: expected $4 of fees, got %s", tt.decX, tt.decY, want)
		}
		if !quote.TotalFeeUSD.Equal(want) {
			t.Errorf("decimals %d/%d: TotalFeeUSD = %s, want %s", tt.decX, tt.decY, quote.TotalFeeUSD, want)
		}
		if !quote.BridgeFeeUSD.Equal(decimal.NewFromInt(2)) || !quote.NetworkFeeUSD.Equal(decimal.NewFromInt(2)) {
			t.Errorf("decimals %d/%d: components = %s + %s, want 2 + 2",
				tt.decX, tt.decY, quote.BridgeFeeUSD, quote.NetworkFeeUSD)
		}

		if tt.decX != tt.decY {
			raw := new(big.Int).Add(bridgeFee.Amount, networkFee.Amount)
			if ToUSD(raw, tt.decX, midX, testPriceDecimals).Equal(quote.TotalFeeUSD) {
				t.Errorf("decimals %d/%d: total matches a raw-unit sum", tt.decX, tt.decY)
			}
		}
	}
}

func TestFeeService_QuoteOutOfBounds(t *testing.T) {
	tests := []struct {
		name      string
		amount    int64
		wantBound domainerr.Bound
		wantLimit int64
	}{
		{name: "below minimum", amount: 9_999, wantBound: domainerr.BoundMin, wantLimit: 10_000},
		{name: "above maximum", amount: 10_000_000_001, wantBound: domainerr.BoundMax, wantLimit: 10_000_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := &fakeBridge{limitsFn: staticLimits(defaultLimits())}
			svc := newTestFeeService(bridge, testOracle())

			_, err := svc.Quote(context.Background(), QuoteRequest{
				Amount: big.NewInt(tt.amount), FromChainID: "42161", ToChainID: "1", Token: usdcArb,
			})
			if !errors.Is(err, domainerr.ErrBoundaryViolation) {
				t.Fatalf("Quote() error = %v, want boundary violation", err)
			}

			var bv *domainerr.BoundaryViolationError
			if !errors.As(err, &bv) {
				t.Fatalf("Quote() error type = %T", err)
			}
			if bv.Bound != tt.wantBound || bv.Limit.Int64() != tt.wantLimit {
				t.Errorf("violation = %s/%s, want %s/%d", bv.Bound, bv.Limit, tt.wantBound, tt.wantLimit)
			}
			if len(bridge.networkCall) != 0 {
				t.Error("network fee must not be quoted for an out-of-bounds amount")
			}
		})
	}
}

func TestFeeService_QuoteBridgeTimeoutIsRetryable(t *testing.T) {
	bridge := &fakeBridge{limitsFn: func(ctx context.Context, _ models.SendParams) (models.BridgeLimits, error) {
		<-ctx.Done()
		return models.BridgeLimits{}, ctx.Err()
	}}
	svc := NewFeeService(bridge, newTestPrices(testOracle()), config.QuoteConfig{
		SlippageBps: 50,
		CallTimeout: 20 * time.Millisecond,
	}, nil, zap.NewNop())

	_, err := svc.Quote(context.Background(), QuoteRequest{
		Amount: big.NewInt(1_000_000), FromChainID: "42161", ToChainID: "1", Token: usdcArb,
	})

	var remote *domainerr.RemoteUnavailableError
	if !errors.As(err, &remote) {
		t.Fatalf("Quote() error = %v, want RemoteUnavailable", err)
	}
	if !remote.Timeout || !domainerr.IsRetryable(err) {
		t.Errorf("timeout = %v, retryable = %v, want both true", remote.Timeout, domainerr.IsRetryable(err))
	}
}

func TestFeeService_QuoteMissingPrice(t *testing.T) {
	limits := defaultLimits()
	limits.Fees = []models.FeeComponent{{ChainID: "42161", Token: "0xunknown", Decimals: 18, Amount: big.NewInt(1)}}
	bridge := &fakeBridge{limitsFn: staticLimits(limits)}
	svc := newTestFeeService(bridge, testOracle())

	_, err := svc.Quote(context.Background(), QuoteRequest{
		Amount: big.NewInt(1_000_000), FromChainID: "42161", ToChainID: "1", Token: usdcArb,
	})
	if err == nil {
		t.Fatal("Quote() expected error for unpriced fee token")
	}
}

func TestFeeService_QuoteLatestSupersedes(t *testing.T) {
	started := make(chan struct{})
	var calls int
	var mu sync.Mutex

	bridge := &fakeBridge{
		limitsFn: func(ctx context.Context, _ models.SendParams) (models.BridgeLimits, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				close(started)
				<-ctx.Done()
				return models.BridgeLimits{}, ctx.Err()
			}
			return defaultLimits(), nil
		},
		networkFee: models.FeeComponent{ChainID: "42161", Token: usdcArb, Decimals: 6, Amount: big.NewInt(0)},
	}
	svc := newTestFeeService(bridge, testOracle())
	req := QuoteRequest{Amount: big.NewInt(1_000_000), FromChainID: "42161", ToChainID: "1", Token: usdcArb}

	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.QuoteLatest(context.Background(), "0xabc", req)
		firstErr <- err
	}()
	<-started

	quote, err := svc.QuoteLatest(context.Background(), "0xabc", req)
	if err != nil {
		t.Fatalf("second QuoteLatest() error = %v", err)
	}
	if quote == nil {
		t.Fatal("second QuoteLatest() returned nil quote")
	}

	select {
	case err := <-firstErr:
		if !errors.Is(err, domainerr.ErrSuperseded) {
			t.Errorf("first QuoteLatest() error = %v, want ErrSuperseded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first QuoteLatest() did not return after being superseded")
	}
}
