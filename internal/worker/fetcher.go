package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"multichain-funding/internal/config"
	"multichain-funding/internal/metrics"
	"multichain-funding/internal/models"
	"multichain-funding/internal/service"
)

// BalanceSource reads an account's balances on one chain
type BalanceSource interface {
	FetchBalances(ctx context.Context, account models.Account) ([]models.TokenChainBalance, error)
}

// Fetcher wraps a chain's BalanceSource with rate limiting, retries and price attachment
type Fetcher struct {
	chainID string
	source  BalanceSource
	limiter *rate.Limiter
	prices  *service.PriceService
	cfg     config.AggregatorConfig
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewFetcher creates a fetcher for chainCfg. A zero rate limit disables limiting.
func NewFetcher(chainCfg config.ChainConfig, source BalanceSource, prices *service.PriceService, cfg config.AggregatorConfig, collector *metrics.Collector, logger *zap.Logger) *Fetcher {
	limit := rate.Inf
	if chainCfg.RateLimitRPS > 0 {
		limit = rate.Limit(chainCfg.RateLimitRPS)
	}
	burst := chainCfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	return &Fetcher{
		chainID: chainCfg.ChainID,
		source:  source,
		limiter: rate.NewLimiter(limit, burst),
		prices:  prices,
		cfg:     cfg,
		metrics: collector,
		logger:  logger.Named("fetcher").With(zap.String("chain_id", chainCfg.ChainID)),
	}
}

// ChainID returns the chain this fetcher reads
func (f *Fetcher) ChainID() string {
	return f.chainID
}

// Fetch returns account's balances keyed by token address. Prices are adjusted to the
// decimals settlementDecimals reports for each token's symbol. A fetch that does not
// finish within the fetch timeout fails.
func (f *Fetcher) Fetch(ctx context.Context, account models.Account, settlementDecimals func(symbol string) uint8) (models.ChainBalances, error) {
	timeout := f.cfg.FetchTimeout
	if timeout <= 0 {
		timeout = config.DefaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	balances, err := f.fetchWithRetry(ctx, account, timeout)
	if f.metrics != nil {
		f.metrics.RecordFetch(f.chainID, time.Since(start), err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balances on chain %s: %w", f.chainID, err)
	}

	prices := f.loadPrices(ctx)

	out := make(models.ChainBalances, len(balances))
	for _, b := range balances {
		key := models.NormalizeTokenKey(b.TokenAddress)
		b.TokenAddress = key
		if p, ok := prices[key]; ok {
			adjusted := service.AdjustRange(p, b.Decimals, settlementDecimals(b.Symbol))
			b.Price = &adjusted
		}
		out[key] = b
	}
	return out, nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, account models.Account, timeout time.Duration) ([]models.TokenChainBalance, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = timeout / 20
	policy.MaxInterval = timeout / 4

	operation := func() ([]models.TokenChainBalance, error) {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		balances, err := f.source.FetchBalances(ctx, account)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return balances, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(f.cfg.MaxRetries+1),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, d time.Duration) {
			f.logger.Debug("Retrying balance fetch", zap.Duration("backoff", d), zap.Error(err))
		}))
}

// loadPrices returns the chain's prices, or nil when the oracle cannot answer
func (f *Fetcher) loadPrices(ctx context.Context) map[string]models.PriceRange {
	if f.prices == nil {
		return nil
	}
	prices, err := f.prices.Prices(ctx, f.chainID)
	if err != nil {
		f.logger.Debug("Balances returned without prices", zap.Error(err))
		return nil
	}
	return prices
}
