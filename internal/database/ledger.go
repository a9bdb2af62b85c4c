package database

import (
	"context"

	"multichain-funding/internal/domainerr"
	"multichain-funding/internal/models"
)

// Ledger serves the remote funding ledger from the indexer's Postgres read replica
type Ledger struct {
	db *DB
}

// NewLedger creates a ledger over db
func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db}
}

// Query returns every funding transfer recorded for account
func (l *Ledger) Query(ctx context.Context, account string) ([]models.FundingTransfer, error) {
	transfers, err := l.db.GetTransfersByAccount(ctx, account)
	if err != nil {
		return nil, domainerr.Remote("ledger", err)
	}
	return transfers, nil
}

// QueryTransfer returns one transfer, or nil when unknown
func (l *Ledger) QueryTransfer(ctx context.Context, id string) (*models.FundingTransfer, error) {
	t, err := l.db.GetTransfer(ctx, id)
	if err != nil {
		return nil, domainerr.Remote("ledger", err)
	}
	return t, nil
}
