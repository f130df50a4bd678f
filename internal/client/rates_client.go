package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultCoinGeckoURL is the public CoinGecko API
const DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// CoinGeckoClient reads BTC prices from the CoinGecko simple price API
type CoinGeckoClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewCoinGeckoClient creates a new rate client. An empty baseURL uses the
// public API.
func NewCoinGeckoClient(baseURL string) *CoinGeckoClient {
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	return &CoinGeckoClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *CoinGeckoClient) Name() string {
	return "coingecko"
}

// FetchBTC returns the price of one bitcoin in cents for each fiat
// currency, keyed by the upper case currency code
func (c *CoinGeckoClient) FetchBTC(ctx context.Context, fiats []string) (map[string]int64, error) {
	if len(fiats) == 0 {
		return map[string]int64{}, nil
	}
	q := url.Values{}
	q.Set("ids", "bitcoin")
	q.Set("vs_currencies", strings.ToLower(strings.Join(fiats, ",")))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coingecko returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result map[string]map[string]float64
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w (body: %s)", err, string(respBody))
	}

	prices := make(map[string]int64, len(fiats))
	for code, price := range result["bitcoin"] {
		prices[strings.ToUpper(code)] = int64(math.Round(price * 100))
	}
	log.Debug().Str("component", "rates").Interface("prices", prices).Msg("fetched btc prices")
	return prices, nil
}
