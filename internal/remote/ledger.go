package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"multichain-funding/internal/models"
)

// LedgerClient reads the remote funding ledger over HTTP
type LedgerClient struct {
	*baseClient
}

// NewLedgerClient creates a ledger client
func NewLedgerClient(baseURL, apiKey string, timeout time.Duration) (*LedgerClient, error) {
	base, err := newBaseClient("ledger", baseURL, apiKey, timeout)
	if err != nil {
		return nil, err
	}
	return &LedgerClient{baseClient: base}, nil
}

// Query returns every funding transfer recorded for account
func (c *LedgerClient) Query(ctx context.Context, account string) ([]models.FundingTransfer, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/transfers?account="+url.QueryEscape(account), nil)
	if err != nil {
		return nil, err
	}

	entries := gjson.GetBytes(body, "transfers").Array()
	transfers := make([]models.FundingTransfer, 0, len(entries))
	for i, entry := range entries {
		t, err := parseTransfer(entry)
		if err != nil {
			return nil, fmt.Errorf("ledger transfer %d: %w", i, err)
		}
		transfers = append(transfers, t)
	}
	return transfers, nil
}

// QueryTransfer returns one transfer by id, or nil when the ledger has no record of it
func (c *LedgerClient) QueryTransfer(ctx context.Context, id string) (*models.FundingTransfer, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(id), nil)
	if err != nil {
		var status *statusError
		if errors.As(err, &status) && status.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	t, err := parseTransfer(gjson.ParseBytes(body))
	if err != nil {
		return nil, fmt.Errorf("ledger transfer %s: %w", id, err)
	}
	return &t, nil
}

func parseTransfer(r gjson.Result) (models.FundingTransfer, error) {
	t := models.FundingTransfer{
		ID:                r.Get("id").String(),
		Operation:         models.Operation(r.Get("operation").String()),
		Step:              models.Step(r.Get("step").String()),
		IsExecutionError:  r.Get("is_execution_error").Bool(),
		Account:           r.Get("account").String(),
		SourceChainID:     r.Get("source_chain_id").String(),
		SettlementChainID: r.Get("settlement_chain_id").String(),
		Token:             models.NormalizeTokenKey(r.Get("token").String()),
		TxHashes: models.StepTxHashes{
			Submitted: r.Get("tx_hashes.submitted").String(),
			Sent:      r.Get("tx_hashes.sent").String(),
			Received:  r.Get("tx_hashes.received").String(),
			Executed:  r.Get("tx_hashes.executed").String(),
		},
	}

	if t.ID == "" {
		return t, fmt.Errorf("missing id")
	}
	if !t.Step.Valid() {
		return t, fmt.Errorf("unknown step %q", t.Step)
	}

	var err error
	if t.SentAmount, err = parseBig(r.Get("sent_amount"), "sent_amount"); err != nil {
		return t, err
	}
	if t.ReceivedAmount, err = parseOptionalBig(r.Get("received_amount"), "received_amount"); err != nil {
		return t, err
	}

	t.Timestamps = models.StepTimestamps{
		Submitted: parseTime(r.Get("timestamps.submitted")),
		Sent:      parseTime(r.Get("timestamps.sent")),
		Received:  parseTime(r.Get("timestamps.received")),
		Executed:  parseTime(r.Get("timestamps.executed")),
	}
	return t, nil
}

func parseTime(r gjson.Result) *time.Time {
	if !r.Exists() || r.Type == gjson.Null || r.String() == "" {
		return nil
	}
	var ts time.Time
	if r.Type == gjson.Number {
		ts = time.Unix(r.Int(), 0).UTC()
	} else {
		ts = r.Time()
		if ts.IsZero() {
			return nil
		}
	}
	return &ts
}
