package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SpasticPalate/market-charts-sub001/internal/market"
)

// MarketDataProvider is the contract both external data sources implement.
// Implementations translate their proprietary wire format into the canonical
// IndexRecord shape and enforce their own daily call quota.
type MarketDataProvider interface {
	// Name identifies the provider in logs, events and status payloads.
	Name() string

	// GetHistoricalData returns daily records for the symbol within
	// [start, end], sorted ascending by date.
	GetHistoricalData(ctx context.Context, symbol string, start, end time.Time) ([]market.IndexRecord, error)

	// GetLatestData returns the most recent record inside a trailing
	// 7-calendar-day window ending today. Returns ErrNoDataAvailable when
	// the window yields no records.
	GetLatestData(ctx context.Context, symbol string) (market.IndexRecord, error)

	// IsAvailable performs a lightweight health probe. Probes do not consume
	// the call quota.
	IsAvailable(ctx context.Context) bool

	// RemainingCalls reports the calls left in today's quota.
	RemainingCalls() int
}

// latestWindowDays is the trailing window GetLatestData inspects. An
// exchange closure longer than this surfaces as ErrNoDataAvailable rather
// than silently extending the window.
const latestWindowDays = 7

// callQuota tracks a provider's remaining daily call budget. Rate-limit and
// quota detections do not consume a call; only accepted calls do.
type callQuota struct {
	mu        sync.Mutex
	limit     int
	remaining int
}

func newCallQuota(limit int) *callQuota {
	return &callQuota{limit: limit, remaining: limit}
}

// check fails with ErrQuotaExceeded when the budget is spent, before any
// network request is issued.
func (q *callQuota) check() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.remaining <= 0 {
		return market.ErrQuotaExceeded
	}
	return nil
}

// consume records one accepted call.
func (q *callQuota) consume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.remaining > 0 {
		q.remaining--
	}
}

func (q *callQuota) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remaining
}

// latestFromWindow fetches the trailing window for symbol and returns the
// record with the maximum date. The window spans exactly latestWindowDays
// calendar days with today as the last one.
func latestFromWindow(ctx context.Context, p MarketDataProvider, symbol string, now time.Time) (market.IndexRecord, error) {
	end := market.Day(now)
	start := end.AddDate(0, 0, -(latestWindowDays - 1))

	records, err := p.GetHistoricalData(ctx, symbol, start, end)
	if err != nil {
		return market.IndexRecord{}, err
	}
	if len(records) == 0 {
		return market.IndexRecord{}, market.ErrNoDataAvailable
	}

	latest := records[0]
	for _, r := range records[1:] {
		if r.Date.After(latest.Date) {
			latest = r
		}
	}
	return latest, nil
}

// clampAndSort drops records outside [start, end] and orders the remainder
// ascending by date.
func clampAndSort(records []market.IndexRecord, start, end time.Time) []market.IndexRecord {
	kept := make([]market.IndexRecord, 0, len(records))
	for _, r := range records {
		if r.Date.Before(start) || r.Date.After(end) {
			continue
		}
		kept = append(kept, r)
	}
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].Date.Before(kept[j].Date)
	})
	return kept
}
