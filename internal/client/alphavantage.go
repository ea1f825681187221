package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SpasticPalate/market-charts-sub001/internal/market"
)

const alphaVantageName = "alphavantage"

// rateLimitPhrases are substrings of the informational note Alpha Vantage
// embeds in an HTTP 200 payload when throttling. Matching one of these
// classifies the response as RateLimited rather than UpstreamError; other
// notes are benign.
var rateLimitPhrases = []string{
	"call frequency",
	"rate limit",
	"higher API call volume",
}

// AlphaVantageClient is the primary market data provider. Daily series come
// back as a metadata block plus a date-keyed map of OHLCV strings.
type AlphaVantageClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	quota      *callQuota
	logger     *zap.Logger
	now        func() time.Time
}

// AlphaVantageOptions configures an AlphaVantageClient.
type AlphaVantageOptions struct {
	BaseURL        string
	APIKey         string
	DailyCallLimit int
	RequestTimeout time.Duration
	RatePerSecond  float64
}

// NewAlphaVantageClient creates the primary provider client.
func NewAlphaVantageClient(opts AlphaVantageOptions, logger *zap.Logger) *AlphaVantageClient {
	return &AlphaVantageClient{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
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
func (c *AlphaVantageClient) Name() string { return alphaVantageName }

// RemainingCalls implements MarketDataProvider.
func (c *AlphaVantageClient) RemainingCalls() int { return c.quota.Remaining() }

// alphaVantageResponse is the provider's daily time series envelope.
type alphaVantageResponse struct {
	MetaData     map[string]string          `json:"Meta Data"`
	TimeSeries   map[string]alphaVantageBar `json:"Time Series (Daily)"`
	ErrorMessage string                     `json:"Error Message"`
	Note         string                     `json:"Note"`
	Information  string                     `json:"Information"`
}

type alphaVantageBar struct {
	Open   string `json:"1. open"`
	High   string `json:"2. high"`
	Low    string `json:"3. low"`
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

// GetHistoricalData implements MarketDataProvider.
func (c *AlphaVantageClient) GetHistoricalData(ctx context.Context, symbol string, start, end time.Time) ([]market.IndexRecord, error) {
	if err := c.quota.check(); err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &market.UpstreamError{Provider: alphaVantageName, StatusCode: 0, Message: err.Error()}
	}

	params := url.Values{}
	params.Add("function", "TIME_SERIES_DAILY")
	params.Add("symbol", symbol)
	params.Add("outputsize", "full")
	params.Add("apikey", c.apiKey)

	reqURL := fmt.Sprintf("%s/query?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Failed to fetch daily series from Alpha Vantage",
			zap.Error(err),
			zap.String("symbol", symbol))
		return nil, &market.UpstreamError{Provider: alphaVantageName, StatusCode: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &market.UpstreamError{Provider: alphaVantageName, StatusCode: resp.StatusCode, Message: err.Error()}
	}

	// A throttled response can arrive on any status code; the note field is
	// authoritative for classification.
	var payload alphaVantageResponse
	decodeErr := json.Unmarshal(body, &payload)
	if decodeErr == nil {
		if note := payload.Note + payload.Information; note != "" && isRateLimitNote(note) {
			c.logger.Warn("Alpha Vantage rate limit notice",
				zap.String("symbol", symbol),
				zap.String("note", note))
			return nil, market.ErrRateLimited
		}
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Alpha Vantage error response",
			zap.Int("statusCode", resp.StatusCode),
			zap.String("response", string(body)))
		return nil, &market.UpstreamError{Provider: alphaVantageName, StatusCode: resp.StatusCode, Message: string(body)}
	}

	if decodeErr != nil {
		c.logger.Error("Failed to decode Alpha Vantage response", zap.Error(decodeErr))
		return nil, &market.ParseError{Provider: alphaVantageName, Err: decodeErr}
	}

	if payload.ErrorMessage != "" {
		return nil, &market.UpstreamError{Provider: alphaVantageName, StatusCode: resp.StatusCode, Message: payload.ErrorMessage}
	}

	index := market.IndexNameForSymbol(symbol)
	fetchedAt := c.now()

	records := make([]market.IndexRecord, 0, len(payload.TimeSeries))
	for dateStr, bar := range payload.TimeSeries {
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			c.logger.Warn("Skipping malformed series date",
				zap.String("date", dateStr),
				zap.String("symbol", symbol))
			continue
		}

		record, err := bar.toRecord(index, market.Day(date), fetchedAt)
		if err != nil {
			c.logger.Warn("Skipping malformed series entry",
				zap.Error(err),
				zap.String("date", dateStr),
				zap.String("symbol", symbol))
			continue
		}
		records = append(records, record)
	}

	c.quota.consume()

	return clampAndSort(records, market.Day(start), market.Day(end)), nil
}

// GetLatestData implements MarketDataProvider.
func (c *AlphaVantageClient) GetLatestData(ctx context.Context, symbol string) (market.IndexRecord, error) {
	return latestFromWindow(ctx, c, symbol, c.now())
}

// IsAvailable implements MarketDataProvider. The probe issues a compact
// quote request and only checks that the provider answers without an error
// or throttle marker.
func (c *AlphaVantageClient) IsAvailable(ctx context.Context) bool {
	params := url.Values{}
	params.Add("function", "GLOBAL_QUOTE")
	params.Add("symbol", "SPX")
	params.Add("apikey", c.apiKey)

	reqURL := fmt.Sprintf("%s/query?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("Alpha Vantage health probe failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false
	}

	var payload alphaVantageResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	if payload.ErrorMessage != "" {
		return false
	}
	if note := payload.Note + payload.Information; note != "" && isRateLimitNote(note) {
		return false
	}

	return true
}

func (b alphaVantageBar) toRecord(index market.IndexName, date, fetchedAt time.Time) (market.IndexRecord, error) {
	open, err := strconv.ParseFloat(b.Open, 64)
	if err != nil {
		return market.IndexRecord{}, fmt.Errorf("invalid open %q: %w", b.Open, err)
	}
	high, err := strconv.ParseFloat(b.High, 64)
	if err != nil {
		return market.IndexRecord{}, fmt.Errorf("invalid high %q: %w", b.High, err)
	}
	low, err := strconv.ParseFloat(b.Low, 64)
	if err != nil {
		return market.IndexRecord{}, fmt.Errorf("invalid low %q: %w", b.Low, err)
	}
	closePrice, err := strconv.ParseFloat(b.Close, 64)
	if err != nil {
		return market.IndexRecord{}, fmt.Errorf("invalid close %q: %w", b.Close, err)
	}
	volume, err := strconv.ParseInt(b.Volume, 10, 64)
	if err != nil {
		// Some index series omit or zero out volume; close is the only
		// field chart derivation needs.
		volume = 0
	}

	return market.IndexRecord{
		Index:     index,
		Date:      date,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		FetchedAt: fetchedAt,
	}, nil
}

func isRateLimitNote(note string) bool {
	lowered := strings.ToLower(note)
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(lowered, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}
