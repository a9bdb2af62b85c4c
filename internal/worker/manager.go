package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"multichain-funding/internal/blockchain/cosmos"
	"multichain-funding/internal/blockchain/evm"
	"multichain-funding/internal/blockchain/solana"
	"multichain-funding/internal/config"
	"multichain-funding/internal/metrics"
	"multichain-funding/internal/models"
	"multichain-funding/internal/service"
)

// WorkerManager owns the background work: balance aggregation sessions, the funding
// history poller and price cache eviction
type WorkerManager struct {
	cfg    *config.Config
	logger *zap.Logger

	cosmosClients map[string]*cosmos.Client // chainID -> client

	aggregator *Aggregator
	history    *service.HistoryService
	prices     *service.PriceService

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerManager creates a balance source per configured chain and the aggregator over them.
// EVM sources come from registry, which the caller keeps ownership of.
func NewWorkerManager(
	cfg *config.Config,
	registry *evm.Registry,
	prices *service.PriceService,
	history *service.HistoryService,
	collector *metrics.Collector,
	logger *zap.Logger,
) (*WorkerManager, error) {
	logger = logger.Named("worker")

	cosmosClients := make(map[string]*cosmos.Client)
	closeAll := func() {
		for _, c := range cosmosClients {
			_ = c.Close()
		}
	}

	fetchers := make([]*Fetcher, 0, len(cfg.Chains))
	for chainID, chainCfg := range cfg.Chains {
		chainCfgCopy := chainCfg // Create copy for pointer

		var source BalanceSource
		switch chainCfg.Type {
		case models.ChainTypeEVM:
			client, err := registry.Client(chainID)
			if err != nil {
				closeAll()
				return nil, err
			}
			source = client
		case models.ChainTypeCosmos:
			client, err := cosmos.NewClient(&chainCfgCopy, logger)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("failed to create Cosmos client for chain %s: %w", chainID, err)
			}
			cosmosClients[chainID] = client
			source = client
		case models.ChainTypeSolana:
			source = solana.NewClient(&chainCfgCopy, logger)
		default:
			closeAll()
			return nil, fmt.Errorf("chain %s has unsupported type %q", chainID, chainCfg.Type)
		}

		fetchers = append(fetchers, NewFetcher(chainCfgCopy, source, prices, cfg.Aggregator, collector, logger))

		logger.Info("Chain initialized",
			zap.String("chain_id", chainID),
			zap.String("chain_name", chainCfg.Name),
			zap.String("type", string(chainCfg.Type)))
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerManager{
		cfg:           cfg,
		logger:        logger,
		cosmosClients: cosmosClients,
		aggregator:    NewAggregator(fetchers, cfg.Aggregator, cfg.Settlement, collector, logger),
		history:       history,
		prices:        prices,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Aggregator returns the balance aggregator
func (wm *WorkerManager) Aggregator() *Aggregator {
	return wm.aggregator
}

// Start starts the history poller and the price cache janitor
func (wm *WorkerManager) Start() {
	wm.logger.Info("Starting worker manager",
		zap.Int("num_chains", len(wm.cfg.Chains)),
		zap.Duration("balance_interval", wm.aggregator.interval),
		zap.Duration("history_interval", wm.cfg.History.PollInterval))

	wm.wg.Add(1)
	go func() {
		defer wm.wg.Done()
		wm.history.Run(wm.ctx)
	}()

	wm.wg.Add(1)
	go func() {
		defer wm.wg.Done()
		wm.prices.Run(wm.ctx)
	}()

	wm.logger.Info("Worker manager started")
}

// Subscribe starts aggregating balances for account and tracks its funding history
func (wm *WorkerManager) Subscribe(account models.Account) error {
	if _, err := wm.aggregator.Start(account, wm.cfg.Settlement.ChainID); err != nil {
		return fmt.Errorf("failed to start aggregation: %w", err)
	}
	wm.history.Track(account.Address)
	return nil
}

// Unsubscribe stops everything Subscribe started for account
func (wm *WorkerManager) Unsubscribe(account string) {
	wm.aggregator.Stop(account)
	wm.history.Untrack(account)
}

// Shutdown gracefully stops all workers
func (wm *WorkerManager) Shutdown(timeout time.Duration) error {
	wm.logger.Info("Shutting down worker manager")

	// Signal workers to stop
	wm.cancel()

	done := make(chan struct{})
	go func() {
		wm.aggregator.StopAll()
		wm.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		wm.logger.Info("Workers stopped gracefully")
	case <-time.After(timeout):
		wm.logger.Warn("Worker shutdown timed out")
		err = fmt.Errorf("worker shutdown timed out after %s", timeout)
	}

	for chainID, client := range wm.cosmosClients {
		if closeErr := client.Close(); closeErr != nil {
			wm.logger.Error("Error closing Cosmos client", zap.String("chain_id", chainID), zap.Error(closeErr))
		}
	}

	wm.logger.Info("Worker manager shutdown complete")
	return err
}
