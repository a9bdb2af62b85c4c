package service

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"multichain-funding/internal/cache"
	"multichain-funding/internal/domainerr"
	"multichain-funding/internal/models"
)

// PriceService serves oracle prices through a per-chain TTL cache
type PriceService struct {
	oracle        PriceOracle
	cache         *cache.TTL[string, map[string]models.PriceRange]
	priceDecimals int32
	logger        *zap.Logger
}

// NewPriceService creates a price service. priceDecimals is the number of fractional
// digits carried by oracle prices.
func NewPriceService(oracle PriceOracle, ttlCache *cache.TTL[string, map[string]models.PriceRange], priceDecimals int32, logger *zap.Logger) *PriceService {
	return &PriceService{
		oracle:        oracle,
		cache:         ttlCache,
		priceDecimals: priceDecimals,
		logger:        logger.Named("prices"),
	}
}

// Run drops expired price snapshots once per cache ttl until ctx is done
func (s *PriceService) Run(ctx context.Context) {
	s.cache.RunJanitor(ctx, 0)
}

// PriceDecimals returns the fixed-point scale of prices
func (s *PriceService) PriceDecimals() int32 {
	return s.priceDecimals
}

// Prices returns every known price on chainID
func (s *PriceService) Prices(ctx context.Context, chainID string) (map[string]models.PriceRange, error) {
	return s.cache.GetOrLoad(chainID, func() (map[string]models.PriceRange, error) {
		prices, err := s.oracle.GetPrices(ctx, chainID)
		if err != nil {
			return nil, domainerr.Remote("oracle", err)
		}
		s.logger.Debug("Loaded prices", zap.String("chain_id", chainID), zap.Int("tokens", len(prices)))
		return prices, nil
	})
}

// Mid returns the mid price of token on chainID
func (s *PriceService) Mid(ctx context.Context, chainID, token string) (*big.Int, error) {
	prices, err := s.Prices(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return midOf(prices, chainID, token)
}

func midOf(prices map[string]models.PriceRange, chainID, token string) (*big.Int, error) {
	p, ok := prices[models.NormalizeTokenKey(token)]
	if !ok {
		return nil, fmt.Errorf("no price for token %s on chain %s", token, chainID)
	}
	mid := p.Mid()
	if mid == nil {
		return nil, fmt.Errorf("incomplete price for token %s on chain %s", token, chainID)
	}
	return mid, nil
}

// ToUSD converts a raw token amount with the given decimals at price mid:
// amount * mid / 10^decimals, expressed with the price scale removed. The result is exact.
func ToUSD(amount *big.Int, decimals uint8, mid *big.Int, priceDecimals int32) decimal.Decimal {
	if amount == nil || mid == nil {
		return decimal.Zero
	}
	product := new(big.Int).Mul(amount, mid)
	return decimal.NewFromBigInt(product, -(int32(decimals) + priceDecimals))
}

// AdjustPrice rescales a price quoted for settlement-token decimals to a source token's
// decimals: price * 10^(sourceDecimals - settlementDecimals), truncating.
func AdjustPrice(price *big.Int, sourceDecimals, settlementDecimals uint8) *big.Int {
	if price == nil {
		return nil
	}
	exp := int64(sourceDecimals) - int64(settlementDecimals)
	switch {
	case exp > 0:
		return new(big.Int).Mul(price, pow10(exp))
	case exp < 0:
		return new(big.Int).Quo(price, pow10(-exp))
	default:
		return new(big.Int).Set(price)
	}
}

// AdjustRange applies AdjustPrice to both bounds
func AdjustRange(p models.PriceRange, sourceDecimals, settlementDecimals uint8) models.PriceRange {
	return models.PriceRange{
		Min: AdjustPrice(p.Min, sourceDecimals, settlementDecimals),
		Max: AdjustPrice(p.Max, sourceDecimals, settlementDecimals),
	}
}

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}
