package service

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"multichain-funding/internal/models"
)

// OptimisticStore holds locally observed transfers the ledger has not caught up with yet.
// Entries only ever advance: recording an earlier step for a known id is a no-op.
type OptimisticStore struct {
	mu       sync.RWMutex
	accounts map[string]map[string]models.FundingTransfer // account -> id -> transfer
	now      func() time.Time
}

// NewOptimisticStore creates an empty store
func NewOptimisticStore() *OptimisticStore {
	return &OptimisticStore{
		accounts: make(map[string]map[string]models.FundingTransfer),
		now:      time.Now,
	}
}

// Record stores t, assigning a local id when it has none, and returns the stored entry
func (s *OptimisticStore) Record(t models.FundingTransfer) (models.FundingTransfer, error) {
	if t.Account == "" {
		return models.FundingTransfer{}, fmt.Errorf("optimistic transfer has no account")
	}
	if !t.Step.Valid() {
		return models.FundingTransfer{}, fmt.Errorf("optimistic transfer has invalid step %q", t.Step)
	}

	t = t.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Step == models.StepSubmitted && t.Timestamps.Submitted == nil {
		now := s.now()
		t.Timestamps.Submitted = &now
	}

	key := strings.ToLower(t.Account)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.accounts[key]
	if !ok {
		entries = make(map[string]models.FundingTransfer)
		s.accounts[key] = entries
	}

	if prev, ok := entries[t.ID]; ok {
		if t.Step.Before(prev.Step) {
			return prev.Clone(), nil
		}
		t = mergeProgress(prev, t)
	}
	entries[t.ID] = t
	return t.Clone(), nil
}

// mergeProgress keeps timestamps and hashes of earlier steps that next does not repeat
func mergeProgress(prev, next models.FundingTransfer) models.FundingTransfer {
	ts, ps := &next.Timestamps, prev.Timestamps
	if ts.Submitted == nil {
		ts.Submitted = ps.Submitted
	}
	if ts.Sent == nil {
		ts.Sent = ps.Sent
	}
	if ts.Received == nil {
		ts.Received = ps.Received
	}
	if ts.Executed == nil {
		ts.Executed = ps.Executed
	}

	hs, ph := &next.TxHashes, prev.TxHashes
	if hs.Submitted == "" {
		hs.Submitted = ph.Submitted
	}
	if hs.Sent == "" {
		hs.Sent = ph.Sent
	}
	if hs.Received == "" {
		hs.Received = ph.Received
	}
	if hs.Executed == "" {
		hs.Executed = ph.Executed
	}

	if next.SentAmount == nil {
		next.SentAmount = prev.SentAmount
	}
	return next
}

// Prune drops entries for account that the authoritative snapshot has caught up with,
// returning how many were removed
func (s *OptimisticStore) Prune(account string, authoritative []models.FundingTransfer) int {
	byID := make(map[string]models.Step, len(authoritative))
	hashes := make(map[string]struct{})
	for _, t := range authoritative {
		byID[t.ID] = t.Step
		for _, h := range t.TxHashes.All() {
			hashes[strings.ToLower(h)] = struct{}{}
		}
	}

	key := strings.ToLower(account)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.accounts[key]
	removed := 0
	for id, t := range entries {
		step, known := byID[id]
		caughtUp := known && !step.Before(t.Step)
		matched := t.Step == models.StepSubmitted && seenHash(hashes, t.TxHashes)
		if !caughtUp && !matched {
			continue
		}
		delete(entries, id)
		removed++
	}
	if len(entries) == 0 {
		delete(s.accounts, key)
	}
	return removed
}

// Buckets returns a deep copy of account's entries grouped by step
func (s *OptimisticStore) Buckets(account string) models.OptimisticBuckets {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(models.OptimisticBuckets)
	for id, t := range s.accounts[strings.ToLower(account)] {
		bucket, ok := out[t.Step]
		if !ok {
			bucket = make(map[string]models.FundingTransfer)
			out[t.Step] = bucket
		}
		bucket[id] = t.Clone()
	}
	return out
}

// Len returns the number of pending entries across all accounts
func (s *OptimisticStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, entries := range s.accounts {
		n += len(entries)
	}
	return n
}
