package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"multichain-funding/internal/models"
)

// transferRow is one row of the indexer's funding_transfers table
type transferRow struct {
	ID                string         `db:"id"`
	Operation         string         `db:"operation"`
	Step              string         `db:"step"`
	IsExecutionError  bool           `db:"is_execution_error"`
	Account           string         `db:"account"`
	SourceChainID     string         `db:"source_chain_id"`
	SettlementChainID string         `db:"settlement_chain_id"`
	Token             string         `db:"token"`
	SentAmount        string         `db:"sent_amount"`
	ReceivedAmount    sql.NullString `db:"received_amount"`
	SubmittedAt       sql.NullTime   `db:"submitted_at"`
	SentAt            sql.NullTime   `db:"sent_at"`
	ReceivedAt        sql.NullTime   `db:"received_at"`
	ExecutedAt        sql.NullTime   `db:"executed_at"`
	SubmittedTxHash   sql.NullString `db:"submitted_tx_hash"`
	SentTxHash        sql.NullString `db:"sent_tx_hash"`
	ReceivedTxHash    sql.NullString `db:"received_tx_hash"`
	ExecutedTxHash    sql.NullString `db:"executed_tx_hash"`
}

const transferColumns = `
	id, operation, step, is_execution_error, account, source_chain_id,
	settlement_chain_id, token, sent_amount::text AS sent_amount,
	received_amount::text AS received_amount,
	submitted_at, sent_at, received_at, executed_at,
	submitted_tx_hash, sent_tx_hash, received_tx_hash, executed_tx_hash
`

// ==================== Transfer Queries ====================

// GetTransfersByAccount retrieves every funding transfer of an account, newest first
func (db *DB) GetTransfersByAccount(ctx context.Context, account string) ([]models.FundingTransfer, error) {
	var rows []transferRow
	query := `SELECT ` + transferColumns + `
		FROM funding_transfers
		WHERE lower(account) = lower($1)
		ORDER BY COALESCE(sent_at, submitted_at) DESC, id
	`
	if err := db.SelectContext(ctx, &rows, query, account); err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}

	transfers := make([]models.FundingTransfer, 0, len(rows))
	for _, row := range rows {
		t, err := row.toModel()
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, nil
}

// GetTransfer retrieves a transfer by id
func (db *DB) GetTransfer(ctx context.Context, id string) (*models.FundingTransfer, error) {
	var row transferRow
	query := `SELECT ` + transferColumns + ` FROM funding_transfers WHERE id = $1`
	err := db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer %s: %w", id, err)
	}

	t, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r transferRow) toModel() (models.FundingTransfer, error) {
	step := models.Step(r.Step)
	if !step.Valid() {
		return models.FundingTransfer{}, fmt.Errorf("transfer %s has unknown step %q", r.ID, r.Step)
	}

	sent, ok := new(big.Int).SetString(r.SentAmount, 10)
	if !ok {
		return models.FundingTransfer{}, fmt.Errorf("transfer %s has invalid sent amount %q", r.ID, r.SentAmount)
	}

	var received *big.Int
	if r.ReceivedAmount.Valid {
		received, ok = new(big.Int).SetString(r.ReceivedAmount.String, 10)
		if !ok {
			return models.FundingTransfer{}, fmt.Errorf("transfer %s has invalid received amount %q", r.ID, r.ReceivedAmount.String)
		}
	}

	return models.FundingTransfer{
		ID:                r.ID,
		Operation:         models.Operation(r.Operation),
		Step:              step,
		IsExecutionError:  r.IsExecutionError,
		Account:           r.Account,
		SourceChainID:     r.SourceChainID,
		SettlementChainID: r.SettlementChainID,
		Token:             models.NormalizeTokenKey(r.Token),
		SentAmount:        sent,
		ReceivedAmount:    received,
		Timestamps: models.StepTimestamps{
			Submitted: nullTime(r.SubmittedAt),
			Sent:      nullTime(r.SentAt),
			Received:  nullTime(r.ReceivedAt),
			Executed:  nullTime(r.ExecutedAt),
		},
		TxHashes: models.StepTxHashes{
			Submitted: r.SubmittedTxHash.String,
			Sent:      r.SentTxHash.String,
			Received:  r.ReceivedTxHash.String,
			Executed:  r.ExecutedTxHash.String,
		},
	}, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
