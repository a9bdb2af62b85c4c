// Package remote holds HTTP adapters for the opaque bridge, relay, price oracle and
// funding ledger services.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"multichain-funding/internal/domainerr"
)

const defaultTimeout = 10 * time.Second

// statusError is a non-2xx answer from a remote service
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("returned status %d: %s", e.Status, e.Body)
}

// baseClient is shared by every remote adapter
type baseClient struct {
	service    string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newBaseClient(service, baseURL, apiKey string, timeout time.Duration) (*baseClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%s endpoint cannot be empty", service)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &baseClient{
		service:    service,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// do sends the request and returns the body of a 2xx answer. Transport failures and 5xx
// answers are RemoteUnavailable; 4xx answers are returned as plain errors.
func (c *baseClient) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", c.service, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, domainerr.Remote(c.service, ctxErr)
		}
		return nil, domainerr.Remote(c.service, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domainerr.Remote(c.service, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, domainerr.Remote(c.service, &statusError{Status: resp.StatusCode, Body: string(respBody)})
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %w", c.service, &statusError{Status: resp.StatusCode, Body: string(respBody)})
	}

	if !gjson.ValidBytes(respBody) {
		return nil, fmt.Errorf("%s returned invalid JSON", c.service)
	}
	return respBody, nil
}

// parseBig reads an integer encoded as a JSON string or number
func parseBig(r gjson.Result, field string) (*big.Int, error) {
	if !r.Exists() {
		return nil, fmt.Errorf("missing field %s", field)
	}
	raw := r.String()
	if r.Type == gjson.Number {
		raw = r.Raw
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q in field %s", raw, field)
	}
	return v, nil
}

// parseOptionalBig is parseBig for nullable fields
func parseOptionalBig(r gjson.Result, field string) (*big.Int, error) {
	if !r.Exists() || r.Type == gjson.Null {
		return nil, nil
	}
	return parseBig(r, field)
}
