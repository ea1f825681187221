package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SpasticPalate/market-charts-sub001/internal/market"
)

const finQuoteName = "finquote"

// FinQuoteClient is the backup market data provider. Daily series come back
// as a flat array of quote objects with numeric fields, plus an optional
// error object.
type FinQuoteClient struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	limiter    *rate.Limiter
	quota      *callQuota
	logger     *zap.Logger
	now        func() time.Time
}

// FinQuoteOptions configures a FinQuoteClient.
type FinQuoteOptions struct {
	BaseURL        string
	APIToken       string
	DailyCallLimit int
	RequestTimeout time.Duration
	RatePerSecond  float64
}

// NewFinQuoteClient creates the backup provider client.
func NewFinQuoteClient(opts FinQuoteOptions, logger *zap.Logger) *FinQuoteClient {
	return &FinQuoteClient{
		baseURL:  opts.BaseURL,
		apiToken: opts.APIToken,
		httpClient: &http.Client{
			Timeout: opts.RequestTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		quota:   newCallQuota(opts.DailyCallLimit),
		logger:  logger,
		now:     time.Now,
	}
}

// Name implements MarketDataProvider.
func (c *FinQuoteClient) Name() string { return finQuoteName }

// RemainingCalls implements MarketDataProvider.
func (c *FinQuoteClient) RemainingCalls() int { return c.quota.Remaining() }

// finQuoteResponse is the provider's end-of-day envelope.
type finQuoteResponse struct {
	Data  []finQuoteBar  `json:"data"`
	Error *finQuoteError `json:"error"`
}

type finQuoteBar struct {
	Symbol        string  `json:"symbol"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        int64   `json:"volume"`
	Date          string  `json:"date"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
}

type finQuoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GetHistoricalData implements MarketDataProvider.
func (c *FinQuoteClient) GetHistoricalData(ctx context.Context, symbol string, start, end time.Time) ([]market.IndexRecord, error) {
	if err := c.quota.check(); err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &market.UpstreamError{Provider: finQuoteName, StatusCode: 0, Message: err.Error()}
	}

	params := url.Values{}
	params.Add("symbols", symbol)
	params.Add("date_from", start.Format("2006-01-02"))
	params.Add("date_to", end.Format("2006-01-02"))
	params.Add("api_token", c.apiToken)

	reqURL := fmt.Sprintf("%s/eod?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Failed to fetch EOD series from backup provider",
			zap.Error(err),
			zap.String("symbol", symbol))
		return nil, &market.UpstreamError{Provider: finQuoteName, StatusCode: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &market.UpstreamError{Provider: finQuoteName, StatusCode: resp.StatusCode, Message: err.Error()}
	}

	var payload finQuoteResponse
	decodeErr := json.Unmarshal(body, &payload)

	if decodeErr == nil && payload.Error != nil {
		if payload.Error.Code == "rate_limit" || payload.Error.Code == "rate_limit_reached" {
			c.logger.Warn("Backup provider rate limit",
				zap.String("symbol", symbol),
				zap.String("message", payload.Error.Message))
			return nil, market.ErrRateLimited
		}
		return nil, &market.UpstreamError{
			Provider:   finQuoteName,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("%s: %s", payload.Error.Code, payload.Error.Message),
		}
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Backup provider error response",
			zap.Int("statusCode", resp.StatusCode),
			zap.String("response", string(body)))
		return nil, &market.UpstreamError{Provider: finQuoteName, StatusCode: resp.StatusCode, Message: string(body)}
	}

	if decodeErr != nil {
		c.logger.Error("Failed to decode backup provider response", zap.Error(decodeErr))
		return nil, &market.ParseError{Provider: finQuoteName, Err: decodeErr}
	}

	fetchedAt := c.now()

	records := make([]market.IndexRecord, 0, len(payload.Data))
	for _, bar := range payload.Data {
		date, err := parseFinQuoteDate(bar.Date)
		if err != nil {
			c.logger.Warn("Skipping malformed quote date",
				zap.String("date", bar.Date),
				zap.String("symbol", symbol))
			continue
		}

		records = append(records, market.IndexRecord{
			Index:     market.IndexNameForSymbol(bar.Symbol),
			Date:      market.Day(date),
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
			FetchedAt: fetchedAt,
		})
	}

	c.quota.consume()

	return clampAndSort(records, market.Day(start), market.Day(end)), nil
}

// GetLatestData implements MarketDataProvider.
func (c *FinQuoteClient) GetLatestData(ctx context.Context, symbol string) (market.IndexRecord, error) {
	return latestFromWindow(ctx, c, symbol, c.now())
}

// IsAvailable implements MarketDataProvider.
func (c *FinQuoteClient) IsAvailable(ctx context.Context) bool {
	params := url.Values{}
	params.Add("api_token", c.apiToken)

	reqURL := fmt.Sprintf("%s/status?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("Backup provider health probe failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

// parseFinQuoteDate accepts the provider's two observed date layouts.
func parseFinQuoteDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
