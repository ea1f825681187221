package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/SpasticPalate/market-charts-sub001/internal/client"
	"github.com/SpasticPalate/market-charts-sub001/internal/market"
)

// RecordStore is the durable store consumed by the reconciliation service,
// keyed by (index, date).
type RecordStore interface {
	SaveOne(ctx context.Context, record market.IndexRecord) error
	SaveBatch(ctx context.Context, records []market.IndexRecord) (int, error)
	GetByDateRange(ctx context.Context, start, end time.Time, indices ...market.IndexName) ([]market.IndexRecord, error)
	GetLatest(ctx context.Context, index market.IndexName) (*market.IndexRecord, error)
}

// ProviderSelector is the slice of the failover controller the
// reconciliation service needs.
type ProviderSelector interface {
	SelectProvider(ctx context.Context) (client.MarketDataProvider, error)
	ReportPrimaryFailure(cause error) market.FailoverEvent
	PrimaryName() string
}

// FailoverPublisher forwards failover transitions to an event sink.
type FailoverPublisher interface {
	PublishFailover(ctx context.Context, event market.FailoverEvent) error
}

// ReconciliationService orchestrates cache lookups, provider fetches with
// failover, persistence and gap repair so callers always receive a uniform
// record shape regardless of which source answered.
type ReconciliationService struct {
	store        RecordStore
	providers    ProviderSelector
	calendar     *TradingCalendar
	events       FailoverPublisher
	tolerancePct float64
	logger       *zap.Logger
}

// NewReconciliationService creates a new reconciliation service. events may
// be nil when no event sink is configured.
func NewReconciliationService(
	store RecordStore,
	providers ProviderSelector,
	calendar *TradingCalendar,
	events FailoverPublisher,
	tolerancePct float64,
	logger *zap.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		store:        store,
		providers:    providers,
		calendar:     calendar,
		events:       events,
		tolerancePct: tolerancePct,
		logger:       logger,
	}
}

// EnsureRangeAvailable returns every trading-day record for the index within
// [start, end], fetching missing sub-ranges from whichever provider the
// failover controller selects. Failures are scoped per gap: one gap failing
// does not abort the others, and the assembled partial data is returned with
// Complete=false. Newly fetched records are persisted before returning, even
// when the caller cancels mid-run.
func (s *ReconciliationService) EnsureRangeAvailable(ctx context.Context, index market.IndexName, start, end time.Time) (*market.RangeResult, error) {
	start, end = market.Day(start), market.Day(end)

	cached, err := s.store.GetByDateRange(ctx, start, end, index)
	if err != nil {
		return nil, err
	}

	byDate := make(map[time.Time]market.IndexRecord, len(cached))
	for _, r := range cached {
		byDate[market.Day(r.Date)] = r
	}

	gaps := s.missingRanges(byDate, start, end)

	result := &market.RangeResult{Index: index, Complete: true}
	symbol := market.SymbolForIndex(index)

	// Gaps for one index fetch sequentially so a single provider's quota is
	// consumed deterministically. Independent indices may reconcile
	// concurrently; the only shared state is inside the controller.
	var aborted bool
	for _, gap := range gaps {
		if aborted || ctx.Err() != nil {
			result.Complete = false
			result.IncompleteRanges = append(result.IncompleteRanges, gap)
			aborted = true
			continue
		}

		fetched, err := s.fetchGap(ctx, symbol, gap)
		if err != nil {
			gapErr := &market.DataUnavailableError{Index: index, Range: gap, Err: err}
			s.logger.Warn("Gap fetch failed, continuing with remaining gaps",
				zap.Error(gapErr),
				zap.String("index", string(index)))
			result.Complete = false
			result.IncompleteRanges = append(result.IncompleteRanges, gap)
			continue
		}

		if _, err := s.store.SaveBatch(ctx, fetched); err != nil {
			s.logger.Error("Failed to persist fetched records",
				zap.Error(err),
				zap.String("index", string(index)))
		}

		// Last write wins on duplicate dates.
		for _, r := range fetched {
			byDate[market.Day(r.Date)] = r
		}
	}

	merged := make([]market.IndexRecord, 0, len(byDate))
	for _, r := range byDate {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Date.Before(merged[j].Date) })

	filled, synthesized := s.FillDataGaps(merged, start, end, result.IncompleteRanges)
	if len(synthesized) > 0 {
		if _, err := s.store.SaveBatch(ctx, synthesized); err != nil {
			s.logger.Error("Failed to persist interpolated records",
				zap.Error(err),
				zap.String("index", string(index)))
		}
	}

	result.Records = filled

	if aborted {
		return result, ctx.Err()
	}
	return result, nil
}

// GetLatest returns the most recent record for an index, asking the active
// provider first and falling back to the cache when every provider fails.
func (s *ReconciliationService) GetLatest(ctx context.Context, index market.IndexName) (*market.IndexRecord, error) {
	symbol := market.SymbolForIndex(index)

	record, err := s.fetchLatest(ctx, symbol)
	if err == nil {
		if saveErr := s.store.SaveOne(ctx, record); saveErr != nil {
			s.logger.Error("Failed to persist latest record",
				zap.Error(saveErr),
				zap.String("index", string(index)))
		}
		return &record, nil
	}

	if errors.Is(err, market.ErrNoDataAvailable) {
		return nil, err
	}

	s.logger.Warn("Latest fetch failed, serving cached record",
		zap.Error(err),
		zap.String("index", string(index)))

	cached, cacheErr := s.store.GetLatest(ctx, index)
	if cacheErr != nil {
		return nil, cacheErr
	}
	if cached == nil {
		return nil, err
	}
	return cached, nil
}

// FillDataGaps synthesizes records for trading days inside [start, end] that
// have no record, carrying the prior trading day's close forward with zero
// volume. Only days between real records are synthesized: days after the most
// recent real record are left absent, so a close the provider has not
// published yet is fetched again on the next request instead of being frozen
// as a carried-forward value. Days inside ranges that could not be fetched
// from any provider are likewise left absent so incompleteness is not papered
// over. The second return value lists only the synthesized records, for
// persistence.
func (s *ReconciliationService) FillDataGaps(records []market.IndexRecord, start, end time.Time, skip []market.DateRange) ([]market.IndexRecord, []market.IndexRecord) {
	byDate := make(map[time.Time]market.IndexRecord, len(records))
	var index market.IndexName
	var lastReal time.Time
	for _, r := range records {
		day := market.Day(r.Date)
		byDate[day] = r
		index = r.Index
		if !r.IsInterpolated && day.After(lastReal) {
			lastReal = day
		}
	}

	var filled, synthesized []market.IndexRecord
	var prior *market.IndexRecord

	for _, day := range s.calendar.TradingDays(start, end) {
		if r, ok := byDate[day]; ok {
			filled = append(filled, r)
			prior = &r
			continue
		}
		if inAnyRange(day, skip) || prior == nil || day.After(lastReal) {
			continue
		}

		record := market.IndexRecord{
			Index:          index,
			Date:           day,
			Open:           prior.Close,
			High:           prior.Close,
			Low:            prior.Close,
			Close:          prior.Close,
			Volume:         0,
			FetchedAt:      time.Now().UTC(),
			IsInterpolated: true,
		}
		filled = append(filled, record)
		synthesized = append(synthesized, record)
		prior = &record
	}

	return filled, synthesized
}

// AreMarketsClosed reports whether the given date is a weekend or a
// configured holiday.
func (s *ReconciliationService) AreMarketsClosed(date time.Time) bool {
	return s.calendar.IsMarketClosed(date)
}

// VerifyDataConsistency compares close values from two sources on their
// overlapping dates. It fails soft: a divergence beyond the configured
// tolerance percentage returns false, signalling the caller to prefer the
// most recently fetched source, rather than aborting.
func (s *ReconciliationService) VerifyDataConsistency(a, b []market.IndexRecord) bool {
	other := make(map[time.Time]market.IndexRecord, len(b))
	for _, r := range b {
		other[market.Day(r.Date)] = r
	}

	consistent := true
	for _, r := range a {
		match, ok := other[market.Day(r.Date)]
		if !ok || match.Close == 0 {
			continue
		}
		divergence := math.Abs(r.Close-match.Close) / match.Close * 100
		if divergence > s.tolerancePct {
			s.logger.Warn("Close divergence between sources",
				zap.String("index", string(r.Index)),
				zap.Time("date", r.Date),
				zap.Float64("close_a", r.Close),
				zap.Float64("close_b", match.Close),
				zap.Float64("divergence_pct", divergence))
			consistent = false
		}
	}
	return consistent
}

// missingRanges groups the trading days in [start, end] that have no cached
// record into contiguous date ranges. Several disjoint gaps are possible.
func (s *ReconciliationService) missingRanges(have map[time.Time]market.IndexRecord, start, end time.Time) []market.DateRange {
	var gaps []market.DateRange
	var current *market.DateRange

	for _, day := range s.calendar.TradingDays(start, end) {
		if _, ok := have[day]; ok {
			if current != nil {
				gaps = append(gaps, *current)
				current = nil
			}
			continue
		}
		if current == nil {
			current = &market.DateRange{Start: day, End: day}
		} else {
			current.End = day
		}
	}
	if current != nil {
		gaps = append(gaps, *current)
	}
	return gaps
}

// fetchGap asks the selected provider for one gap. A primary failure is
// reported to the controller and retried immediately against the backup;
// there is never a second attempt against the same provider within one
// request.
func (s *ReconciliationService) fetchGap(ctx context.Context, symbol string, gap market.DateRange) ([]market.IndexRecord, error) {
	provider, err := s.providers.SelectProvider(ctx)
	if err != nil {
		return nil, err
	}

	records, err := provider.GetHistoricalData(ctx, symbol, gap.Start, gap.End)
	if err == nil {
		return records, nil
	}

	if provider.Name() != s.providers.PrimaryName() {
		return nil, err
	}

	s.reportPrimaryFailure(ctx, err)

	fallback, selErr := s.providers.SelectProvider(ctx)
	if selErr != nil {
		return nil, selErr
	}
	if fallback.Name() == provider.Name() {
		return nil, err
	}

	return fallback.GetHistoricalData(ctx, symbol, gap.Start, gap.End)
}

func (s *ReconciliationService) fetchLatest(ctx context.Context, symbol string) (market.IndexRecord, error) {
	provider, err := s.providers.SelectProvider(ctx)
	if err != nil {
		return market.IndexRecord{}, err
	}

	record, err := provider.GetLatestData(ctx, symbol)
	if err == nil || errors.Is(err, market.ErrNoDataAvailable) {
		return record, err
	}

	if provider.Name() != s.providers.PrimaryName() {
		return market.IndexRecord{}, err
	}

	s.reportPrimaryFailure(ctx, err)

	fallback, selErr := s.providers.SelectProvider(ctx)
	if selErr != nil {
		return market.IndexRecord{}, selErr
	}
	if fallback.Name() == provider.Name() {
		return market.IndexRecord{}, err
	}

	return fallback.GetLatestData(ctx, symbol)
}

func (s *ReconciliationService) reportPrimaryFailure(ctx context.Context, cause error) {
	event := s.providers.ReportPrimaryFailure(cause)
	s.logger.Warn("Primary provider failed, switching to backup",
		zap.String("from", event.From),
		zap.String("to", event.To),
		zap.String("cause", event.Cause),
		zap.Time("retry_after", event.RetryAfter))

	if s.events != nil {
		if err := s.events.PublishFailover(ctx, event); err != nil {
			s.logger.Error("Failed to publish failover event", zap.Error(err))
		}
	}
}

func inAnyRange(day time.Time, ranges []market.DateRange) bool {
	for _, r := range ranges {
		if !day.Before(r.Start) && !day.After(r.End) {
			return true
		}
	}
	return false
}
