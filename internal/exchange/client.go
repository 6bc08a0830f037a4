package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Candle is one closed OHLCV bar as returned by the exchange. TS is the bar
// open time in UTC.
type Candle struct {
	TS     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Config holds exchange client configuration.
type Config struct {
	BaseURL        string
	RequestsPerSec float64
	MaxRetries     int
}

// Client fetches public market data over REST. Requests are throttled to the
// exchange rate limit and retried with exponential backoff on transient
// failures. Only public endpoints are used; no keys, no order routing.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

// NewClient creates an exchange client.
func NewClient(cfg Config) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		maxRetries: cfg.MaxRetries,
	}
}

// FetchOHLCV fetches the most recent limit bars.
func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))
	return c.fetchKlines(ctx, params)
}

// FetchOHLCVSince fetches bars opening at or after since.
func (c *Client) FetchOHLCVSince(ctx context.Context, symbol, timeframe string, since time.Time) ([]Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	params.Set("limit", "1000")
	return c.fetchKlines(ctx, params)
}

func (c *Client) fetchKlines(ctx context.Context, params url.Values) ([]Candle, error) {
	endpoint := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, params.Encode())

	var body []byte
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("error fetching klines: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("error reading response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("API error %d: %s", resp.StatusCode, string(data))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		body = data
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	return parseKlines(body)
}

// parseKlines decodes the exchange's positional kline arrays.
func parseKlines(body []byte) ([]Candle, error) {
	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	candles := make([]Candle, 0, len(rawKlines))
	for _, raw := range rawKlines {
		if len(raw) < 6 {
			return nil, fmt.Errorf("malformed kline row with %d fields", len(raw))
		}
		openTime, ok := raw[0].(float64)
		if !ok {
			return nil, fmt.Errorf("malformed kline open time %v", raw[0])
		}
		candles = append(candles, Candle{
			TS:     time.UnixMilli(int64(openTime)).UTC(),
			Open:   parseFloat(raw[1]),
			High:   parseFloat(raw[2]),
			Low:    parseFloat(raw[3]),
			Close:  parseFloat(raw[4]),
			Volume: parseFloat(raw[5]),
		})
	}
	return candles, nil
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
