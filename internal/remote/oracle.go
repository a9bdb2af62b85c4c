package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"multichain-funding/internal/models"
)

// OracleClient reads token prices for a chain. Prices are integers scaled by the
// configured price decimals.
type OracleClient struct {
	*baseClient
}

// NewOracleClient creates a price oracle client
func NewOracleClient(baseURL, apiKey string, timeout time.Duration) (*OracleClient, error) {
	base, err := newBaseClient("oracle", baseURL, apiKey, timeout)
	if err != nil {
		return nil, err
	}
	return &OracleClient{baseClient: base}, nil
}

// GetPrices returns token -> {min, max} for chainID
func (c *OracleClient) GetPrices(ctx context.Context, chainID string) (map[string]models.PriceRange, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/prices/"+url.PathEscape(chainID), nil)
	if err != nil {
		return nil, err
	}

	prices := make(map[string]models.PriceRange)
	var parseErr error
	gjson.GetBytes(body, "prices").ForEach(func(key, value gjson.Result) bool {
		token := models.NormalizeTokenKey(key.String())
		minPrice, err := parseBig(value.Get("min"), "min")
		if err != nil {
			parseErr = fmt.Errorf("price of %s: %w", token, err)
			return false
		}
		maxPrice, err := parseBig(value.Get("max"), "max")
		if err != nil {
			parseErr = fmt.Errorf("price of %s: %w", token, err)
			return false
		}
		prices[token] = models.PriceRange{Min: minPrice, Max: maxPrice}
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	return prices, nil
}
