package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SpasticPalate/market-charts-sub001/internal/client"
	"github.com/SpasticPalate/market-charts-sub001/internal/market"
)

// scriptedProvider answers historical and latest calls from injected
// functions and counts every invocation.
type scriptedProvider struct {
	name       string
	calls      int
	historical func(symbol string, start, end time.Time) ([]market.IndexRecord, error)
	latest     func(symbol string) (market.IndexRecord, error)
}

func (p *scriptedProvider) Name() string                       { return p.name }
func (p *scriptedProvider) RemainingCalls() int                { return 25 }
func (p *scriptedProvider) IsAvailable(_ context.Context) bool { return true }

func (p *scriptedProvider) GetHistoricalData(_ context.Context, symbol string, start, end time.Time) ([]market.IndexRecord, error) {
	p.calls++
	return p.historical(symbol, start, end)
}

func (p *scriptedProvider) GetLatestData(_ context.Context, symbol string) (market.IndexRecord, error) {
	p.calls++
	if p.latest == nil {
		return market.IndexRecord{}, market.ErrNoDataAvailable
	}
	return p.latest(symbol)
}

// fakeSelector mimics the failover controller's selection contract without
// timers: a reported failure pins the backup.
type fakeSelector struct {
	primary  *scriptedProvider
	backup   *scriptedProvider
	onBackup bool
	reports  []market.FailoverEvent
}

func (f *fakeSelector) SelectProvider(_ context.Context) (client.MarketDataProvider, error) {
	if f.onBackup {
		return f.backup, nil
	}
	return f.primary, nil
}

func (f *fakeSelector) ReportPrimaryFailure(cause error) market.FailoverEvent {
	f.onBackup = true
	event := market.FailoverEvent{
		From:       f.primary.name,
		To:         f.backup.name,
		Cause:      cause.Error(),
		RetryAfter: time.Now().Add(30 * time.Minute),
		OccurredAt: time.Now(),
	}
	f.reports = append(f.reports, event)
	return event
}

func (f *fakeSelector) PrimaryName() string { return f.primary.name }

type capturingPublisher struct {
	events []market.FailoverEvent
}

func (p *capturingPublisher) PublishFailover(_ context.Context, event market.FailoverEvent) error {
	p.events = append(p.events, event)
	return nil
}

// memStore is an in-memory RecordStore keyed by (index, date).
type memStore struct {
	records map[string]market.IndexRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]market.IndexRecord)}
}

func storeKey(index market.IndexName, date time.Time) string {
	return fmt.Sprintf("%s|%s", index, market.Day(date).Format("2006-01-02"))
}

func (m *memStore) SaveOne(_ context.Context, record market.IndexRecord) error {
	m.records[storeKey(record.Index, record.Date)] = record
	return nil
}

func (m *memStore) SaveBatch(_ context.Context, records []market.IndexRecord) (int, error) {
	for _, r := range records {
		m.records[storeKey(r.Index, r.Date)] = r
	}
	return len(records), nil
}

func (m *memStore) GetByDateRange(_ context.Context, start, end time.Time, indices ...market.IndexName) ([]market.IndexRecord, error) {
	wanted := make(map[market.IndexName]bool, len(indices))
	for _, idx := range indices {
		wanted[idx] = true
	}

	var out []market.IndexRecord
	for _, r := range m.records {
		day := market.Day(r.Date)
		if day.Before(market.Day(start)) || day.After(market.Day(end)) {
			continue
		}
		if len(wanted) > 0 && !wanted[r.Index] {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *memStore) GetLatest(_ context.Context, index market.IndexName) (*market.IndexRecord, error) {
	var latest *market.IndexRecord
	for _, r := range m.records {
		if r.Index != index {
			continue
		}
		r := r
		if latest == nil || r.Date.After(latest.Date) {
			latest = &r
		}
	}
	return latest, nil
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func rec(index market.IndexName, date string, close float64) market.IndexRecord {
	return market.IndexRecord{
		Index:     index,
		Date:      day(date),
		Open:      close - 1,
		High:      close + 2,
		Low:       close - 2,
		Close:     close,
		Volume:    1000,
		FetchedAt: time.Now().UTC(),
	}
}

func recordsFor(index market.IndexName, dates []string, startClose float64) []market.IndexRecord {
	out := make([]market.IndexRecord, 0, len(dates))
	for i, d := range dates {
		out = append(out, rec(index, d, startClose+float64(i)))
	}
	return out
}

func newTestService(selector *fakeSelector, store *memStore, holidays ...string) (*ReconciliationService, *capturingPublisher) {
	holidayMap := make(map[time.Time]bool, len(holidays))
	for _, h := range holidays {
		holidayMap[day(h)] = true
	}
	publisher := &capturingPublisher{}
	svc := NewReconciliationService(
		store,
		selector,
		NewTradingCalendar(holidayMap),
		publisher,
		1.0,
		zap.NewNop(),
	)
	return svc, publisher
}

func TestEnsureRangeAvailableIsIdempotent(t *testing.T) {
	weekDates := []string{"2025-03-03", "2025-03-04", "2025-03-05", "2025-03-06", "2025-03-07"}
	primary := &scriptedProvider{
		name: "alphavantage",
		historical: func(_ string, _, _ time.Time) ([]market.IndexRecord, error) {
			return recordsFor(market.IndexSP500, weekDates, 5000), nil
		},
	}
	selector := &fakeSelector{primary: primary, backup: &scriptedProvider{name: "finquote"}}
	store := newMemStore()
	svc, _ := newTestService(selector, store)

	ctx := context.Background()
	first, err := svc.EnsureRangeAvailable(ctx, market.IndexSP500, day("2025-03-03"), day("2025-03-07"))
	require.NoError(t, err)
	assert.True(t, first.Complete)
	assert.Len(t, first.Records, 5)
	assert.Equal(t, 1, primary.calls)

	// Everything the first call assembled is now cached; the second call
	// must not touch a provider and must return the same records.
	second, err := svc.EnsureRangeAvailable(ctx, market.IndexSP500, day("2025-03-03"), day("2025-03-07"))
	require.NoError(t, err)
	assert.True(t, second.Complete)
	assert.Equal(t, first.Records, second.Records)
	assert.Equal(t, 1, primary.calls, "second call must be served from cache alone")
}

func TestEnsureRangeAvailableFailsOverOnQuotaExhaustion(t *testing.T) {
	weekDates := []string{"2025-03-03", "2025-03-04", "2025-03-05"}
	primary := &scriptedProvider{
		name: "alphavantage",
		historical: func(_ string, _, _ time.Time) ([]market.IndexRecord, error) {
			return nil, market.ErrQuotaExceeded
		},
	}
	backup := &scriptedProvider{
		name: "finquote",
		historical: func(_ string, _, _ time.Time) ([]market.IndexRecord, error) {
			return recordsFor(market.IndexSP500, weekDates, 5000), nil
		},
	}
	selector := &fakeSelector{primary: primary, backup: backup}
	store := newMemStore()
	svc, publisher := newTestService(selector, store)

	result, err := svc.EnsureRangeAvailable(context.Background(), market.IndexSP500, day("2025-03-03"), day("2025-03-05"))
	require.NoError(t, err)
	assert.True(t, result.Complete)
	assert.Len(t, result.Records, 3)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, backup.calls)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, "alphavantage", publisher.events[0].From)
	assert.Equal(t, "finquote", publisher.events[0].To)
	assert.Contains(t, publisher.events[0].Cause, "quota")
}

func TestEnsureRangeAvailablePartialResultOnFailedGap(t *testing.T) {
	// Cached: Wed only. Two gaps result: Mon-Tue and Thu-Fri. Both
	// providers fail the first gap; the backup serves the second.
	store := newMemStore()
	require.NoError(t, store.SaveOne(context.Background(), rec(market.IndexDow, "2025-03-05", 42000)))

	failed := market.DateRange{Start: day("2025-03-03"), End: day("2025-03-04")}
	serve := func(p string) func(string, time.Time, time.Time) ([]market.IndexRecord, error) {
		return func(_ string, start, end time.Time) ([]market.IndexRecord, error) {
			if start.Equal(failed.Start) {
				return nil, &market.UpstreamError{Provider: p, StatusCode: 502}
			}
			return []market.IndexRecord{
				rec(market.IndexDow, "2025-03-06", 42100),
				rec(market.IndexDow, "2025-03-07", 42200),
			}, nil
		}
	}
	primary := &scriptedProvider{name: "alphavantage", historical: serve("alphavantage")}
	backup := &scriptedProvider{name: "finquote", historical: serve("finquote")}
	selector := &fakeSelector{primary: primary, backup: backup}
	svc, _ := newTestService(selector, store)

	result, err := svc.EnsureRangeAvailable(context.Background(), market.IndexDow, day("2025-03-03"), day("2025-03-07"))
	require.NoError(t, err)

	assert.False(t, result.Complete)
	require.Len(t, result.IncompleteRanges, 1)
	assert.Equal(t, failed, result.IncompleteRanges[0])

	// Wed, Thu, Fri are present; the failed Mon-Tue days stay absent
	// rather than being synthesized over.
	require.Len(t, result.Records, 3)
	assert.Equal(t, day("2025-03-05"), result.Records[0].Date)
	assert.Equal(t, day("2025-03-07"), result.Records[2].Date)
	for _, r := range result.Records {
		assert.False(t, r.IsInterpolated)
	}
}

func TestEnsureRangeAvailableSynthesizesMissingTradingDay(t *testing.T) {
	// Provider returns Mon and Wed-Fri; Tuesday is a normal trading day it
	// skipped, so the service carries Monday's close forward.
	primary := &scriptedProvider{
		name: "alphavantage",
		historical: func(_ string, _, _ time.Time) ([]market.IndexRecord, error) {
			return []market.IndexRecord{
				rec(market.IndexNasdaq, "2025-03-03", 18000),
				rec(market.IndexNasdaq, "2025-03-05", 18100),
				rec(market.IndexNasdaq, "2025-03-06", 18200),
				rec(market.IndexNasdaq, "2025-03-07", 18300),
			}, nil
		},
	}
	selector := &fakeSelector{primary: primary, backup: &scriptedProvider{name: "finquote"}}
	store := newMemStore()
	svc, _ := newTestService(selector, store)

	result, err := svc.EnsureRangeAvailable(context.Background(), market.IndexNasdaq, day("2025-03-03"), day("2025-03-07"))
	require.NoError(t, err)
	assert.True(t, result.Complete)
	require.Len(t, result.Records, 5)

	tuesday := result.Records[1]
	assert.Equal(t, day("2025-03-04"), tuesday.Date)
	assert.True(t, tuesday.IsInterpolated)
	assert.Equal(t, 18000.0, tuesday.Open)
	assert.Equal(t, 18000.0, tuesday.Close)
	assert.Equal(t, int64(0), tuesday.Volume)

	// The synthesized record is persisted so the next call sees no gap.
	stored, ok := store.records[storeKey(market.IndexNasdaq, day("2025-03-04"))]
	require.True(t, ok)
	assert.True(t, stored.IsInterpolated)
}

func TestEnsureRangeAvailableDoesNotFreezeUnpublishedTrailingDay(t *testing.T) {
	// The provider has not published Friday's close yet. Friday must stay
	// absent rather than being carried forward, so a later request fetches
	// the real close once it exists.
	published := false
	primary := &scriptedProvider{
		name: "alphavantage",
		historical: func(_ string, _, _ time.Time) ([]market.IndexRecord, error) {
			records := []market.IndexRecord{
				rec(market.IndexSP500, "2025-03-03", 5000),
				rec(market.IndexSP500, "2025-03-04", 5010),
				rec(market.IndexSP500, "2025-03-05", 5020),
				rec(market.IndexSP500, "2025-03-06", 5030),
			}
			if published {
				records = append(records, rec(market.IndexSP500, "2025-03-07", 5040))
			}
			return records, nil
		},
	}
	selector := &fakeSelector{primary: primary, backup: &scriptedProvider{name: "finquote"}}
	store := newMemStore()
	svc, _ := newTestService(selector, store)

	ctx := context.Background()
	first, err := svc.EnsureRangeAvailable(ctx, market.IndexSP500, day("2025-03-03"), day("2025-03-07"))
	require.NoError(t, err)
	require.Len(t, first.Records, 4)
	assert.Equal(t, day("2025-03-06"), first.Records[3].Date)

	_, frozen := store.records[storeKey(market.IndexSP500, day("2025-03-07"))]
	assert.False(t, frozen, "an unpublished trailing day must not be persisted as interpolated")

	// Once the provider publishes the close, the re-detected gap is fetched
	// and the real record lands in the store.
	published = true
	second, err := svc.EnsureRangeAvailable(ctx, market.IndexSP500, day("2025-03-03"), day("2025-03-07"))
	require.NoError(t, err)
	assert.Equal(t, 2, primary.calls)
	require.Len(t, second.Records, 5)
	friday := second.Records[4]
	assert.Equal(t, day("2025-03-07"), friday.Date)
	assert.False(t, friday.IsInterpolated)
	assert.Equal(t, 5040.0, friday.Close)
}

func TestEnsureRangeAvailableSkipsWeekendsAndHolidays(t *testing.T) {
	// July 4 is configured as a holiday; the range spans a full week plus
	// the surrounding weekend. Only actual trading days appear.
	dates := []string{"2025-06-30", "2025-07-01", "2025-07-02", "2025-07-03", "2025-07-07"}
	primary := &scriptedProvider{
		name: "alphavantage",
		historical: func(_ string, _, _ time.Time) ([]market.IndexRecord, error) {
			return recordsFor(market.IndexSP500, dates, 6000), nil
		},
	}
	selector := &fakeSelector{primary: primary, backup: &scriptedProvider{name: "finquote"}}
	svc, _ := newTestService(selector, newMemStore(), "2025-07-04")

	result, err := svc.EnsureRangeAvailable(context.Background(), market.IndexSP500, day("2025-06-28"), day("2025-07-07"))
	require.NoError(t, err)
	assert.True(t, result.Complete)
	require.Len(t, result.Records, 5)
	for _, r := range result.Records {
		assert.False(t, r.IsInterpolated, "no synthesis across closed days")
	}
}

func TestEnsureRangeAvailablePersistsBeforeCancellation(t *testing.T) {
	// Cached Wed splits the week into two gaps. The first gap's fetch
	// cancels the context; the second must be marked incomplete while the
	// first gap's records are already persisted.
	store := newMemStore()
	require.NoError(t, store.SaveOne(context.Background(), rec(market.IndexSP500, "2025-03-05", 5000)))

	ctx, cancel := context.WithCancel(context.Background())
	primary := &scriptedProvider{
		name: "alphavantage",
		historical: func(_ string, _, _ time.Time) ([]market.IndexRecord, error) {
			cancel()
			return []market.IndexRecord{
				rec(market.IndexSP500, "2025-03-03", 4990),
				rec(market.IndexSP500, "2025-03-04", 4995),
			}, nil
		},
	}
	selector := &fakeSelector{primary: primary, backup: &scriptedProvider{name: "finquote"}}
	svc, _ := newTestService(selector, store)

	result, err := svc.EnsureRangeAvailable(ctx, market.IndexSP500, day("2025-03-03"), day("2025-03-07"))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.False(t, result.Complete)
	require.Len(t, result.IncompleteRanges, 1)
	assert.Equal(t, day("2025-03-06"), result.IncompleteRanges[0].Start)

	_, ok := store.records[storeKey(market.IndexSP500, day("2025-03-03"))]
	assert.True(t, ok, "records fetched before cancellation are persisted")
}

func TestGetLatestFallsBackToCache(t *testing.T) {
	store := newMemStore()
	cached := rec(market.IndexSP500, "2025-03-06", 5100)
	require.NoError(t, store.SaveOne(context.Background(), cached))

	primary := &scriptedProvider{
		name: "alphavantage",
		latest: func(_ string) (market.IndexRecord, error) {
			return market.IndexRecord{}, &market.UpstreamError{Provider: "alphavantage", StatusCode: 500}
		},
	}
	backup := &scriptedProvider{
		name: "finquote",
		latest: func(_ string) (market.IndexRecord, error) {
			return market.IndexRecord{}, &market.UpstreamError{Provider: "finquote", StatusCode: 500}
		},
	}
	selector := &fakeSelector{primary: primary, backup: backup}
	svc, _ := newTestService(selector, store)

	got, err := svc.GetLatest(context.Background(), market.IndexSP500)
	require.NoError(t, err)
	assert.Equal(t, cached.Date, got.Date)
	assert.Equal(t, cached.Close, got.Close)
}

func TestGetLatestNoDataPassesThrough(t *testing.T) {
	primary := &scriptedProvider{
		name: "alphavantage",
		latest: func(_ string) (market.IndexRecord, error) {
			return market.IndexRecord{}, market.ErrNoDataAvailable
		},
	}
	selector := &fakeSelector{primary: primary, backup: &scriptedProvider{name: "finquote"}}
	svc, _ := newTestService(selector, newMemStore())

	_, err := svc.GetLatest(context.Background(), market.IndexSP500)
	assert.ErrorIs(t, err, market.ErrNoDataAvailable)
	assert.Empty(t, selector.reports, "an empty window is not a provider failure")
}

func TestGetLatestPersistsFreshRecord(t *testing.T) {
	fresh := rec(market.IndexDow, "2025-03-07", 42500)
	primary := &scriptedProvider{
		name: "alphavantage",
		latest: func(_ string) (market.IndexRecord, error) {
			return fresh, nil
		},
	}
	selector := &fakeSelector{primary: primary, backup: &scriptedProvider{name: "finquote"}}
	store := newMemStore()
	svc, _ := newTestService(selector, store)

	got, err := svc.GetLatest(context.Background(), market.IndexDow)
	require.NoError(t, err)
	assert.Equal(t, fresh.Close, got.Close)

	_, ok := store.records[storeKey(market.IndexDow, fresh.Date)]
	assert.True(t, ok)
}

func TestVerifyDataConsistency(t *testing.T) {
	svc, _ := newTestService(
		&fakeSelector{primary: &scriptedProvider{name: "a"}, backup: &scriptedProvider{name: "b"}},
		newMemStore(),
	)

	a := []market.IndexRecord{rec(market.IndexSP500, "2025-03-03", 5000), rec(market.IndexSP500, "2025-03-04", 5010)}

	within := []market.IndexRecord{rec(market.IndexSP500, "2025-03-03", 5004), rec(market.IndexSP500, "2025-03-04", 5010)}
	assert.True(t, svc.VerifyDataConsistency(a, within))

	beyond := []market.IndexRecord{rec(market.IndexSP500, "2025-03-03", 5200)}
	assert.False(t, svc.VerifyDataConsistency(a, beyond))

	// Non-overlapping dates are ignored.
	disjoint := []market.IndexRecord{rec(market.IndexSP500, "2025-03-10", 9999)}
	assert.True(t, svc.VerifyDataConsistency(a, disjoint))
}

func TestTradingCalendar(t *testing.T) {
	calendar := NewTradingCalendar(map[time.Time]bool{day("2025-07-04"): true})

	assert.True(t, calendar.IsMarketClosed(day("2025-03-01")), "Saturday")
	assert.True(t, calendar.IsMarketClosed(day("2025-03-02")), "Sunday")
	assert.True(t, calendar.IsMarketClosed(day("2025-07-04")), "holiday")
	assert.False(t, calendar.IsMarketClosed(day("2025-03-03")), "Monday")

	days := calendar.TradingDays(day("2025-07-01"), day("2025-07-07"))
	require.Len(t, days, 4)
	assert.Equal(t, day("2025-07-02"), days[1])
	assert.Equal(t, day("2025-07-07"), days[3])
}

func TestDataUnavailableErrorUnwrapping(t *testing.T) {
	wrapped := &market.DataUnavailableError{
		Index: market.IndexSP500,
		Range: market.DateRange{Start: day("2025-03-03"), End: day("2025-03-04")},
		Err:   market.ErrRateLimited,
	}
	assert.True(t, errors.Is(wrapped, market.ErrRateLimited))
}
