package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"multichain-funding/internal/config"
	"multichain-funding/internal/domainerr"
	"multichain-funding/internal/metrics"
	"multichain-funding/internal/models"
)

// HistoryListener receives the reconciled transfer list whenever it changes
type HistoryListener interface {
	OnTransfers(account string, transfers []models.FundingTransfer)
}

type accountHistory struct {
	address  string
	snapshot []models.FundingTransfer // last authoritative answer, nil until the first success
	polled   bool
	view     []models.FundingTransfer
}

// HistoryService keeps a reconciled funding history per tracked account
type HistoryService struct {
	ledger  Ledger
	store   *OptimisticStore
	cfg     config.HistoryConfig
	metrics *metrics.Collector
	logger  *zap.Logger

	mu        sync.RWMutex
	accounts  map[string]*accountHistory
	listeners []HistoryListener
}

// NewHistoryService creates a new history service
func NewHistoryService(ledger Ledger, store *OptimisticStore, cfg config.HistoryConfig, collector *metrics.Collector, logger *zap.Logger) *HistoryService {
	return &HistoryService{
		ledger:   ledger,
		store:    store,
		cfg:      cfg,
		metrics:  collector,
		logger:   logger.Named("history"),
		accounts: make(map[string]*accountHistory),
	}
}

// AddListener registers l for every subsequent update
func (s *HistoryService) AddListener(l HistoryListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Track adds account to the polling set
func (s *HistoryService) Track(account string) {
	key := strings.ToLower(account)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[key]; !ok {
		s.accounts[key] = &accountHistory{address: account}
	}
}

// Untrack removes account from the polling set and forgets its snapshot
func (s *HistoryService) Untrack(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, strings.ToLower(account))
}

// Tracked returns the number of tracked accounts
func (s *HistoryService) Tracked() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// Run polls every tracked account until ctx is done
func (s *HistoryService) Run(ctx context.Context) {
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("History poller started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("History poller stopped")
			return
		case <-ticker.C:
			s.pollAll(ctx)
		}
	}
}

func (s *HistoryService) pollAll(ctx context.Context) {
	s.mu.RLock()
	addrs := make([]string, 0, len(s.accounts))
	for _, h := range s.accounts {
		addrs = append(addrs, h.address)
	}
	s.mu.RUnlock()

	for _, addr := range addrs {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Refresh(ctx, addr); err != nil {
			s.logger.Warn("History refresh failed", zap.String("account", addr), zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.SetPendingEntries(s.store.Len())
	}
}

// Refresh queries the ledger for account, reconciles and publishes the result.
// When the ledger is unavailable the last snapshot is reused; an error is returned only
// if there has never been a successful answer.
func (s *HistoryService) Refresh(ctx context.Context, account string) ([]models.FundingTransfer, error) {
	authoritative, queryErr := s.query(ctx, account)

	key := strings.ToLower(account)

	s.mu.Lock()
	h, ok := s.accounts[key]
	if !ok {
		h = &accountHistory{address: account}
		s.accounts[key] = h
	}
	stale := queryErr != nil
	if !stale {
		h.snapshot = authoritative
		h.polled = true
	}
	snapshot, polled := h.snapshot, h.polled
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordLedgerPoll(stale)
	}
	if stale {
		s.logger.Warn("Ledger unavailable, reusing last snapshot",
			zap.String("account", account),
			zap.Bool("have_snapshot", polled),
			zap.Error(queryErr))
	} else {
		s.store.Prune(account, snapshot)
	}

	view := s.publish(key, account, snapshot)
	if stale && !polled {
		return view, fmt.Errorf("failed to load history for %s: %w", account, queryErr)
	}
	return view, nil
}

// Transfers returns the reconciled history for account, querying the ledger on first use
func (s *HistoryService) Transfers(ctx context.Context, account string) ([]models.FundingTransfer, error) {
	s.mu.RLock()
	h, ok := s.accounts[strings.ToLower(account)]
	var view []models.FundingTransfer
	if ok && h.polled {
		view = cloneTransfers(h.view)
	}
	s.mu.RUnlock()

	if view != nil {
		return view, nil
	}
	return s.Refresh(ctx, account)
}

// RecordOptimistic stores a locally observed transfer and republishes the account's view
// without waiting for the ledger
func (s *HistoryService) RecordOptimistic(t models.FundingTransfer) (models.FundingTransfer, error) {
	recorded, err := s.store.Record(t)
	if err != nil {
		return models.FundingTransfer{}, fmt.Errorf("failed to record optimistic transfer: %w", err)
	}

	key := strings.ToLower(recorded.Account)
	s.mu.RLock()
	var snapshot []models.FundingTransfer
	if h, ok := s.accounts[key]; ok {
		snapshot = h.snapshot
	}
	s.mu.RUnlock()

	s.publish(key, recorded.Account, snapshot)
	if s.metrics != nil {
		s.metrics.SetPendingEntries(s.store.Len())
	}

	s.logger.Debug("Recorded optimistic transfer",
		zap.String("id", recorded.ID),
		zap.String("account", recorded.Account),
		zap.String("step", string(recorded.Step)))
	return recorded, nil
}

func (s *HistoryService) publish(key, account string, snapshot []models.FundingTransfer) []models.FundingTransfer {
	view := Reconcile(snapshot, s.store.Buckets(account))

	s.mu.Lock()
	if h, ok := s.accounts[key]; ok {
		h.view = view
	}
	listeners := append([]HistoryListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.OnTransfers(account, cloneTransfers(view))
	}
	return cloneTransfers(view)
}

// query asks the ledger under the configured timeout, retrying transient failures
func (s *HistoryService) query(ctx context.Context, account string) ([]models.FundingTransfer, error) {
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = timeout / 10
	policy.MaxInterval = timeout / 2

	operation := func() ([]models.FundingTransfer, error) {
		transfers, err := s.ledger.Query(ctx, account)
		if err != nil && !domainerr.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return transfers, err
	}

	transfers, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.logger.Debug("Retrying ledger query", zap.String("account", account), zap.Duration("backoff", d), zap.Error(err))
		}))
	if err != nil {
		return nil, domainerr.Remote("ledger", err)
	}
	if transfers == nil {
		transfers = []models.FundingTransfer{}
	}
	return transfers, nil
}

func cloneTransfers(ts []models.FundingTransfer) []models.FundingTransfer {
	out := make([]models.FundingTransfer, len(ts))
	for i, t := range ts {
		out[i] = t.Clone()
	}
	return out
}
