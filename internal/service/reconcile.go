package service

import (
	"sort"
	"strings"

	"multichain-funding/internal/models"
)

// reconcileOrder is the order optimistic buckets are merged in, most advanced first
var reconcileOrder = []models.Step{models.StepExecuted, models.StepReceived, models.StepSent}

// Reconcile merges the authoritative ledger snapshot with optimistic entries
//
// Entries reached a later step optimistically replace their authoritative record, and
// unknown ids are added. Submitted entries are dropped once any authoritative record
// carries one of their tx hashes. The result is sorted newest first and is the same for
// the same inputs; neither input is modified.
func Reconcile(authoritative []models.FundingTransfer, optimistic models.OptimisticBuckets) []models.FundingTransfer {
	byID := make(map[string]models.FundingTransfer, len(authoritative))
	hashes := make(map[string]struct{})
	for _, t := range authoritative {
		byID[t.ID] = t.Clone()
		for _, h := range t.TxHashes.All() {
			hashes[strings.ToLower(h)] = struct{}{}
		}
	}

	for _, step := range reconcileOrder {
		bucket := optimistic[step]
		for _, id := range sortedIDs(bucket) {
			opt := bucket[id]
			cur, ok := byID[id]
			if !ok || cur.Step.Before(opt.Step) {
				byID[id] = opt.Clone()
			}
		}
	}

	submitted := optimistic[models.StepSubmitted]
	for _, id := range sortedIDs(submitted) {
		opt := submitted[id]
		if seenHash(hashes, opt.TxHashes) {
			continue
		}
		if _, ok := byID[id]; !ok {
			byID[id] = opt.Clone()
		}
	}

	out := make([]models.FundingTransfer, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sortTransfers(out)
	return out
}

// sortTransfers orders newest first by SortTime, breaking ties by id
func sortTransfers(ts []models.FundingTransfer) {
	sort.Slice(ts, func(i, j int) bool {
		ti, tj := ts[i].SortTime(), ts[j].SortTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return ts[i].ID < ts[j].ID
	})
}

func sortedIDs(bucket map[string]models.FundingTransfer) []string {
	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func seenHash(hashes map[string]struct{}, tx models.StepTxHashes) bool {
	for _, h := range tx.All() {
		if _, ok := hashes[strings.ToLower(h)]; ok {
			return true
		}
	}
	return false
}
