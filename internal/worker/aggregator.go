package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"multichain-funding/internal/config"
	"multichain-funding/internal/metrics"
	"multichain-funding/internal/models"
)

// BalanceListener receives balance snapshots as an aggregation session progresses
type BalanceListener interface {
	// OnPartial is called after every chain result with that chain's balances
	OnPartial(account, chainID string, balances models.ChainBalances)
	// OnCycle is called once every chain of a cycle has resolved, with the merged map
	OnCycle(account string, balances models.BalanceMap)
}

// Aggregator polls balances of subscribed accounts across every configured chain
type Aggregator struct {
	fetchers   []*Fetcher
	interval   time.Duration
	settlement config.SettlementConfig
	metrics    *metrics.Collector
	logger     *zap.Logger

	mu        sync.RWMutex
	sessions  map[string]*session
	listeners []BalanceListener
}

// NewAggregator creates an aggregator over fetchers
func NewAggregator(fetchers []*Fetcher, cfg config.AggregatorConfig, settlement config.SettlementConfig, collector *metrics.Collector, logger *zap.Logger) *Aggregator {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	sorted := append([]*Fetcher(nil), fetchers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChainID() < sorted[j].ChainID() })

	return &Aggregator{
		fetchers:   sorted,
		interval:   interval,
		settlement: settlement,
		metrics:    collector,
		logger:     logger.Named("aggregator"),
		sessions:   make(map[string]*session),
	}
}

// AddListener registers l for every session
func (a *Aggregator) AddListener(l BalanceListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, l)
}

// Start begins polling account's balances and returns a function that stops it.
// Starting an account that already has a session replaces that session.
func (a *Aggregator) Start(account models.Account, settlementChainID string) (func(), error) {
	if account.Address == "" {
		return nil, fmt.Errorf("account address is required")
	}
	if settlementChainID != a.settlement.ChainID {
		return nil, fmt.Errorf("unknown settlement chain %s", settlementChainID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		agg:      a,
		account:  account,
		cancel:   cancel,
		done:     make(chan struct{}),
		balances: make(models.BalanceMap),
		applied:  make(map[string]uint64),
		pending:  make(map[uint64]int),
	}

	key := account.Key()
	a.mu.Lock()
	prev := a.sessions[key]
	a.sessions[key] = s
	n := len(a.sessions)
	a.mu.Unlock()

	if prev != nil {
		prev.stop()
	}
	if a.metrics != nil {
		a.metrics.SetSessions(n)
	}

	go s.run(ctx)

	a.logger.Info("Aggregation session started",
		zap.String("account", account.Address),
		zap.Int("chains", len(a.fetchers)),
		zap.Duration("interval", a.interval))

	return func() { a.stopSession(account.Address, s) }, nil
}

// Stop ends account's session, if any
func (a *Aggregator) Stop(account string) {
	a.stopSession(account, nil)
}

// stopSession ends account's session. When s is non-nil only that session is stopped.
func (a *Aggregator) stopSession(account string, s *session) {
	key := models.Account{Address: account}.Key()

	a.mu.Lock()
	cur, ok := a.sessions[key]
	if !ok || (s != nil && cur != s) {
		a.mu.Unlock()
		if s != nil {
			s.stop()
		}
		return
	}
	delete(a.sessions, key)
	n := len(a.sessions)
	a.mu.Unlock()

	cur.stop()
	if a.metrics != nil {
		a.metrics.SetSessions(n)
	}
	a.logger.Info("Aggregation session stopped", zap.String("account", account))
}

// StopAll ends every session and waits for them to exit
func (a *Aggregator) StopAll() {
	a.mu.Lock()
	sessions := a.sessions
	a.sessions = make(map[string]*session)
	a.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	if a.metrics != nil {
		a.metrics.SetSessions(0)
	}
}

// Latest returns a copy of the most recent merged balances for account
func (a *Aggregator) Latest(account string) (models.BalanceMap, bool) {
	a.mu.RLock()
	s, ok := a.sessions[models.Account{Address: account}.Key()]
	a.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.snapshot(), true
}

// Sessions returns the number of active sessions
func (a *Aggregator) Sessions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

func (a *Aggregator) currentListeners() []BalanceListener {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]BalanceListener(nil), a.listeners...)
}

// settlementDecimals returns the decimals prices for symbol are quoted in: the settlement
// token with the same symbol, else the first settlement token
func (a *Aggregator) settlementDecimals(symbol string) uint8 {
	if t, ok := a.settlement.TokenBySymbol(symbol); ok {
		return t.Decimals
	}
	if len(a.settlement.Tokens) > 0 {
		return a.settlement.Tokens[0].Decimals
	}
	return 0
}

type chainResult struct {
	cycle    uint64
	chainID  string
	balances models.ChainBalances
	err      error
}

type session struct {
	agg     *Aggregator
	account models.Account
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once

	mu       sync.RWMutex
	balances models.BalanceMap
	applied  map[string]uint64 // chainID -> cycle of the result currently held
	pending  map[uint64]int    // cycle -> results still outstanding
	emitted  uint64
}

func (s *session) stop() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *session) snapshot() models.BalanceMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances.Clone()
}

// run is the session loop: one fetch per chain per tick, results merged as they arrive
func (s *session) run(ctx context.Context) {
	defer close(s.done)

	log := s.agg.logger.With(zap.String("account", s.account.Address))
	results := make(chan chainResult, len(s.agg.fetchers))

	var wg sync.WaitGroup
	var cycle uint64
	startCycle := func() {
		cycle++
		if len(s.agg.fetchers) == 0 {
			return
		}
		s.mu.Lock()
		s.pending[cycle] = len(s.agg.fetchers)
		s.mu.Unlock()

		for _, f := range s.agg.fetchers {
			wg.Add(1)
			go func(f *Fetcher, cycle uint64) {
				defer wg.Done()
				balances, err := f.Fetch(ctx, s.account, s.agg.settlementDecimals)
				select {
				case results <- chainResult{cycle: cycle, chainID: f.ChainID(), balances: balances, err: err}:
				case <-ctx.Done():
				}
			}(f, cycle)
		}
	}

	ticker := time.NewTicker(s.agg.interval)
	defer ticker.Stop()

	// Initial poll
	startCycle()

	for {
		select {
		case <-ctx.Done():
			// in-flight fetches are discarded
			go func() {
				wg.Wait()
				close(results)
			}()
			for range results {
			}
			log.Debug("Session loop exited", zap.Uint64("cycles", cycle))
			return
		case <-ticker.C:
			startCycle()
		case r := <-results:
			if ctx.Err() != nil {
				continue
			}
			if r.err != nil {
				log.Warn("Chain fetch failed, contributing empty result",
					zap.String("chain_id", r.chainID),
					zap.Uint64("cycle", r.cycle),
					zap.Error(r.err))
			}
			s.apply(r)
		}
	}
}

// apply merges one chain result unless a newer cycle's result for that chain is held
func (s *session) apply(r chainResult) {
	balances := r.balances
	if r.err != nil || balances == nil {
		balances = models.ChainBalances{}
	}

	s.mu.Lock()
	fresh := r.cycle >= s.applied[r.chainID]
	if fresh {
		s.applied[r.chainID] = r.cycle
		s.balances[r.chainID] = balances
	}
	s.pending[r.cycle]--
	complete := s.pending[r.cycle] <= 0
	if complete {
		delete(s.pending, r.cycle)
	}
	emitCycle := complete && r.cycle > s.emitted
	if emitCycle {
		s.emitted = r.cycle
	}
	var merged models.BalanceMap
	if emitCycle {
		merged = s.balances.Clone()
	}
	s.mu.Unlock()

	listeners := s.agg.currentListeners()
	if fresh {
		for _, l := range listeners {
			l.OnPartial(s.account.Address, r.chainID, balances)
		}
	}
	if emitCycle {
		if s.agg.metrics != nil {
			s.agg.metrics.RecordCycle()
		}
		for _, l := range listeners {
			l.OnCycle(s.account.Address, merged)
		}
	}
}
