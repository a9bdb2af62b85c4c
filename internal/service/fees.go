package service

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"multichain-funding/internal/config"
	"multichain-funding/internal/domainerr"
	"multichain-funding/internal/metrics"
	"multichain-funding/internal/models"
)

const bpsDenominator = 10000

// QuoteRequest asks for the cost of moving Amount of Token between chains
type QuoteRequest struct {
	Account     string
	Amount      *big.Int
	FromChainID string
	ToChainID   string
	Token       string
	SlippageBps *uint32 // overrides the configured tolerance
}

// FeeService runs the fee quotation pipeline
type FeeService struct {
	bridge     Bridge
	prices     *PriceService
	cfg        config.QuoteConfig
	superseder *Superseder
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewFeeService creates a new fee service
func NewFeeService(bridge Bridge, prices *PriceService, cfg config.QuoteConfig, collector *metrics.Collector, logger *zap.Logger) *FeeService {
	return &FeeService{
		bridge:     bridge,
		prices:     prices,
		cfg:        cfg,
		superseder: NewSuperseder(),
		metrics:    collector,
		logger:     logger.Named("fees"),
	}
}

// ApplySlippage returns received * (10000 - bps) / 10000, rounded down
func ApplySlippage(received *big.Int, bps uint32) *big.Int {
	if bps >= bpsDenominator {
		return new(big.Int)
	}
	out := new(big.Int).Mul(received, big.NewInt(int64(bpsDenominator-bps)))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

// Quote produces a fee quote for req
//
// The pipeline:
//  1. Ask the bridge for limits and fees with no slippage tolerance
//  2. Reject amounts outside [min, max]
//  3. Derive the minimum receivable under slippage and re-quote the network fee with it
//  4. Convert every fee to USD at its token's mid price and sum in USD
func (s *FeeService) Quote(ctx context.Context, req QuoteRequest) (*models.FeeQuote, error) {
	start := time.Now()
	quote, err := s.quote(ctx, req)
	if s.metrics != nil {
		s.metrics.RecordQuote(time.Since(start), err)
	}
	return quote, err
}

// QuoteLatest is Quote with last-request-wins semantics per key
func (s *FeeService) QuoteLatest(ctx context.Context, key string, req QuoteRequest) (*models.FeeQuote, error) {
	return Latest(s.superseder, ctx, "quote:"+key, func(ctx context.Context) (*models.FeeQuote, error) {
		return s.Quote(ctx, req)
	})
}

func (s *FeeService) quote(ctx context.Context, req QuoteRequest) (*models.FeeQuote, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}

	slippage := s.cfg.SlippageBps
	if req.SlippageBps != nil {
		slippage = *req.SlippageBps
	}
	if slippage >= bpsDenominator {
		return nil, fmt.Errorf("slippage %d bps is not below %d", slippage, bpsDenominator)
	}

	params := models.SendParams{
		Account:             req.Account,
		FromChainID:         req.FromChainID,
		ToChainID:           req.ToChainID,
		Token:               models.NormalizeTokenKey(req.Token),
		Amount:              new(big.Int).Set(req.Amount),
		MinAmountReceivable: new(big.Int),
	}

	limits, err := callBridge(s, ctx, func(ctx context.Context) (models.BridgeLimits, error) {
		return s.bridge.QuoteLimitsAndFee(ctx, params)
	})
	if err != nil {
		return nil, err
	}

	if limits.MinAmount != nil && req.Amount.Cmp(limits.MinAmount) < 0 {
		return nil, &domainerr.BoundaryViolationError{
			Bound: domainerr.BoundMin, Limit: limits.MinAmount, Amount: req.Amount, Token: params.Token,
		}
	}
	if limits.MaxAmount != nil && req.Amount.Cmp(limits.MaxAmount) > 0 {
		return nil, &domainerr.BoundaryViolationError{
			Bound: domainerr.BoundMax, Limit: limits.MaxAmount, Amount: req.Amount, Token: params.Token,
		}
	}
	if limits.ReceivedAmount == nil {
		return nil, fmt.Errorf("bridge quote has no received amount")
	}

	adjusted := params
	adjusted.MinAmountReceivable = ApplySlippage(limits.ReceivedAmount, slippage)

	networkFee, err := callBridge(s, ctx, func(ctx context.Context) (models.FeeComponent, error) {
		return s.bridge.QuoteNetworkFee(ctx, adjusted)
	})
	if err != nil {
		return nil, err
	}

	bridgeUSD, networkUSD, err := s.feesInUSD(ctx, limits.Fees, networkFee)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Quoted transfer",
		zap.String("from_chain_id", req.FromChainID),
		zap.String("to_chain_id", req.ToChainID),
		zap.String("amount", req.Amount.String()),
		zap.Uint32("slippage_bps", slippage),
		zap.String("total_fee_usd", bridgeUSD.Add(networkUSD).String()))

	return &models.FeeQuote{
		MinAmountReceivable: adjusted.MinAmountReceivable,
		MaxAmountReceivable: new(big.Int).Set(limits.ReceivedAmount),
		BridgeFeeUSD:        bridgeUSD,
		NetworkFeeUSD:       networkUSD,
		TotalFeeUSD:         bridgeUSD.Add(networkUSD),
		Limits:              limits,
		NetworkFee:          networkFee,
		SlippageBps:         slippage,
	}, nil
}

// callBridge bounds a bridge call by the configured timeout
func callBridge[T any](s *FeeService, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	v, err := fn(callCtx)
	if err != nil {
		var zero T
		return zero, domainerr.Remote("bridge", err)
	}
	return v, nil
}

// feesInUSD prices every fee component concurrently, one oracle lookup per chain
func (s *FeeService) feesInUSD(ctx context.Context, bridgeFees []models.FeeComponent, networkFee models.FeeComponent) (decimal.Decimal, decimal.Decimal, error) {
	chains := make(map[string]map[string]models.PriceRange)
	for _, fee := range append([]models.FeeComponent{networkFee}, bridgeFees...) {
		if fee.Amount != nil && fee.Amount.Sign() > 0 {
			chains[fee.ChainID] = nil
		}
	}

	type chainPrices struct {
		chainID string
		prices  map[string]models.PriceRange
	}
	results := make(chan chainPrices, len(chains))

	g, gctx := errgroup.WithContext(ctx)
	for chainID := range chains {
		chainID := chainID
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, s.cfg.CallTimeout)
			defer cancel()
			prices, err := s.prices.Prices(callCtx, chainID)
			if err != nil {
				return err
			}
			results <- chainPrices{chainID: chainID, prices: prices}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	close(results)
	for r := range results {
		chains[r.chainID] = r.prices
	}

	usd := func(fee models.FeeComponent) (decimal.Decimal, error) {
		if fee.Amount == nil || fee.Amount.Sign() == 0 {
			return decimal.Zero, nil
		}
		mid, err := midOf(chains[fee.ChainID], fee.ChainID, fee.Token)
		if err != nil {
			return decimal.Zero, err
		}
		return ToUSD(fee.Amount, fee.Decimals, mid, s.prices.PriceDecimals()), nil
	}

	bridgeUSD := decimal.Zero
	for _, fee := range bridgeFees {
		v, err := usd(fee)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		bridgeUSD = bridgeUSD.Add(v)
	}

	networkUSD, err := usd(networkFee)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	return bridgeUSD, networkUSD, nil
}
