package market

import (
	"time"
)

// IndexName identifies one of the tracked stock indices.
type IndexName string

const (
	IndexSP500  IndexName = "SP500"
	IndexDow    IndexName = "DOW"
	IndexNasdaq IndexName = "NASDAQ"
)

// symbolIndexNames maps known provider symbols to index names.
var symbolIndexNames = map[string]IndexName{
	"SPX":   IndexSP500,
	"^GSPC": IndexSP500,
	"DJI":   IndexDow,
	"^DJI":  IndexDow,
	"IXIC":  IndexNasdaq,
	"^IXIC": IndexNasdaq,
}

// IndexNameForSymbol resolves a provider symbol to an index name. Unknown
// symbols pass through unchanged as the display name rather than failing,
// so ad-hoc symbols can still be charted.
func IndexNameForSymbol(symbol string) IndexName {
	if name, ok := symbolIndexNames[symbol]; ok {
		return name
	}
	return IndexName(symbol)
}

// SymbolForIndex resolves an index name to the provider symbol used on the
// wire. Unknown names pass through unchanged.
func SymbolForIndex(index IndexName) string {
	switch index {
	case IndexSP500:
		return "SPX"
	case IndexDow:
		return "DJI"
	case IndexNasdaq:
		return "IXIC"
	}
	return string(index)
}

// KnownIndices returns the indices the service tracks by default.
func KnownIndices() []IndexName {
	return []IndexName{IndexSP500, IndexDow, IndexNasdaq}
}

// IndexRecord is the canonical representation of one index/date data point,
// regardless of which provider produced it. Close is the only field chart
// derivation requires; the others may be zero when a provider omits them.
type IndexRecord struct {
	Index          IndexName `json:"index_name" db:"index_name"`
	Date           time.Time `json:"date" db:"record_date"`
	Open           float64   `json:"open" db:"open"`
	High           float64   `json:"high" db:"high"`
	Low            float64   `json:"low" db:"low"`
	Close          float64   `json:"close" db:"close"`
	Volume         int64     `json:"volume" db:"volume"`
	FetchedAt      time.Time `json:"fetched_at" db:"fetched_at"`
	IsInterpolated bool      `json:"is_interpolated" db:"is_interpolated"`
}

// Day returns the record date truncated to midnight UTC. Records are keyed
// by calendar day, never by intraday time.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DateRange represents a contiguous range of dates.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RangeResult is the outcome of a reconciliation request. Complete is false
// when one or more gaps could not be fetched from any provider; the records
// that were assembled are still returned.
type RangeResult struct {
	Index            IndexName     `json:"index_name"`
	Records          []IndexRecord `json:"records"`
	Complete         bool          `json:"complete"`
	IncompleteRanges []DateRange   `json:"incomplete_ranges,omitempty"`
}
