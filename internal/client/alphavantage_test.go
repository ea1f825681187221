package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SpasticPalate/market-charts-sub001/internal/market"
)

func newTestAlphaVantage(t *testing.T, handler http.HandlerFunc, limit int) (*AlphaVantageClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewAlphaVantageClient(AlphaVantageOptions{
		BaseURL:        server.URL,
		APIKey:         "test-key",
		DailyCallLimit: limit,
		RequestTimeout: 5 * time.Second,
		RatePerSecond:  1000,
	}, zap.NewNop())
	return c, server
}

const alphaDailyPayload = `{
	"Meta Data": {
		"1. Information": "Daily Prices (open, high, low, close) and Volumes",
		"2. Symbol": "SPX"
	},
	"Time Series (Daily)": {
		"2025-03-05": {"1. open": "5850.10", "2. high": "5870.00", "3. low": "5840.00", "4. close": "5860.25", "5. volume": "2100000"},
		"2025-03-03": {"1. open": "5800.00", "2. high": "5825.50", "3. low": "5790.10", "4. close": "5820.00", "5. volume": "2000000"},
		"2025-03-04": {"1. open": "5820.00", "2. high": "5845.00", "3. low": "5810.00", "4. close": "5830.75", "5. volume": "1900000"}
	}
}`

func TestAlphaVantageGetHistoricalData(t *testing.T) {
	c, _ := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "TIME_SERIES_DAILY", r.URL.Query().Get("function"))
		assert.Equal(t, "SPX", r.URL.Query().Get("symbol"))
		w.Write([]byte(alphaDailyPayload))
	}, 10)

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)

	records, err := c.GetHistoricalData(context.Background(), "SPX", start, end)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Sorted strictly ascending, within [start, end].
	for i, r := range records {
		assert.Equal(t, market.IndexSP500, r.Index)
		assert.False(t, r.Date.Before(start))
		assert.False(t, r.Date.After(end))
		if i > 0 {
			assert.True(t, records[i-1].Date.Before(r.Date))
		}
	}

	assert.Equal(t, 5820.00, records[0].Close)
	assert.Equal(t, int64(2000000), records[0].Volume)
	assert.Equal(t, 9, c.RemainingCalls())
}

func TestAlphaVantageClampsToRequestedRange(t *testing.T) {
	c, _ := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(alphaDailyPayload))
	}, 10)

	start := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)

	records, err := c.GetHistoricalData(context.Background(), "SPX", start, end)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 5830.75, records[0].Close)
}

func TestAlphaVantageQuotaExceededBeforeCall(t *testing.T) {
	var calls int
	c, _ := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(alphaDailyPayload))
	}, 0)

	_, err := c.GetHistoricalData(context.Background(), "SPX", time.Now().AddDate(0, 0, -7), time.Now())
	assert.ErrorIs(t, err, market.ErrQuotaExceeded)
	assert.Equal(t, 0, calls, "no HTTP call may be attempted once quota is spent")
}

func TestAlphaVantageRateLimitNoteOn429(t *testing.T) {
	c, _ := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"Note":"API call frequency is 5 calls per minute and 25 calls per day."}`))
	}, 10)

	_, err := c.GetHistoricalData(context.Background(), "SPX", time.Now().AddDate(0, 0, -7), time.Now())
	assert.ErrorIs(t, err, market.ErrRateLimited)
	assert.Equal(t, 10, c.RemainingCalls(), "throttled responses do not consume quota")
}

func TestAlphaVantageRateLimitNoteOn200(t *testing.T) {
	c, _ := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Information":"Thank you for using our API. Our standard API call frequency is 5 calls per minute."}`))
	}, 10)

	_, err := c.GetHistoricalData(context.Background(), "SPX", time.Now().AddDate(0, 0, -7), time.Now())
	assert.ErrorIs(t, err, market.ErrRateLimited)
}

func TestAlphaVantageUpstreamErrorIncludesStatus(t *testing.T) {
	c, _ := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`upstream exploded`))
	}, 10)

	_, err := c.GetHistoricalData(context.Background(), "SPX", time.Now().AddDate(0, 0, -7), time.Now())

	var upstream *market.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadGateway, upstream.StatusCode)
	assert.Contains(t, upstream.Error(), "502")
}

func TestAlphaVantageErrorMessageField(t *testing.T) {
	c, _ := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Error Message":"Invalid API call. Please retry with a valid symbol."}`))
	}, 10)

	_, err := c.GetHistoricalData(context.Background(), "SPX", time.Now().AddDate(0, 0, -7), time.Now())

	var upstream *market.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Contains(t, upstream.Message, "Invalid API call")
}

func TestAlphaVantageParseErrorWrapsDecodeFailure(t *testing.T) {
	c, _ := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}, 10)

	_, err := c.GetHistoricalData(context.Background(), "SPX", time.Now().AddDate(0, 0, -7), time.Now())

	var parseErr *market.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Error(t, errors.Unwrap(parseErr))
	assert.Equal(t, 10, c.RemainingCalls())
}

func TestAlphaVantageUnknownSymbolPassesThrough(t *testing.T) {
	c, _ := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(alphaDailyPayload))
	}, 10)

	records, err := c.GetHistoricalData(context.Background(), "FTSE",
		time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, market.IndexName("FTSE"), records[0].Index)
}

func TestAlphaVantageGetLatestData(t *testing.T) {
	c, _ := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(alphaDailyPayload))
	}, 10)
	c.now = func() time.Time { return time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC) }

	record, err := c.GetLatestData(context.Background(), "SPX")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC), record.Date)
	assert.Equal(t, 5860.25, record.Close)
}

func TestAlphaVantageGetLatestDataWindowBounds(t *testing.T) {
	// The trailing window is seven calendar days with today as the last
	// one: a record from exactly seven days back is already outside it.
	payload := func(date string) string {
		return `{"Meta Data": {}, "Time Series (Daily)": {
			"` + date + `": {"1. open": "5800.00", "2. high": "5825.50", "3. low": "5790.10", "4. close": "5820.00", "5. volume": "2000000"}
		}}`
	}
	now := func() time.Time { return time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC) }

	inside, _ := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload("2025-03-08")))
	}, 10)
	inside.now = now
	record, err := inside.GetLatestData(context.Background(), "SPX")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC), record.Date)

	outside, _ := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload("2025-03-07")))
	}, 10)
	outside.now = now
	_, err = outside.GetLatestData(context.Background(), "SPX")
	assert.ErrorIs(t, err, market.ErrNoDataAvailable)
}

func TestAlphaVantageGetLatestDataLongClosure(t *testing.T) {
	// A closure longer than the trailing window yields no records at all.
	c, _ := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Meta Data": {}, "Time Series (Daily)": {}}`))
	}, 10)

	_, err := c.GetLatestData(context.Background(), "SPX")
	assert.ErrorIs(t, err, market.ErrNoDataAvailable)
}

func TestAlphaVantageIsAvailable(t *testing.T) {
	healthy, _ := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Global Quote": {"05. price": "5860.25"}}`))
	}, 10)
	assert.True(t, healthy.IsAvailable(context.Background()))

	throttled, _ := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Note":"API call frequency exceeded"}`))
	}, 10)
	assert.False(t, throttled.IsAvailable(context.Background()))

	down, _ := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, 10)
	assert.False(t, down.IsAvailable(context.Background()))
}
