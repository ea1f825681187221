package market

import (
	"time"
)

// SeriesDataType distinguishes raw price series from derived
// percentage-change series.
type SeriesDataType string

const (
	DataTypePrice            SeriesDataType = "price"
	DataTypePercentageChange SeriesDataType = "percentage_change"
)

// ChartSeries is one plottable line. Points align index-for-index with the
// owning ChartData's Labels; a nil point means the series has no value at
// that label, which renderers branch on rather than interpolate.
type ChartSeries struct {
	Name         string         `json:"name"`
	Color        string         `json:"color,omitempty"`
	DataType     SeriesDataType `json:"data_type"`
	IsComparison bool           `json:"is_comparison"`
	Points       []*float64     `json:"points"`

	// BaseDate is the date percentage change was computed against.
	// BaseSubstituted is true when the requested base date had no record and
	// the earliest available date was used instead.
	BaseDate        *time.Time `json:"base_date,omitempty"`
	BaseSubstituted bool       `json:"base_substituted,omitempty"`
}

// ChartData is a complete chart payload: one shared label axis plus any
// number of series aligned to it.
type ChartData struct {
	Title               string               `json:"title"`
	StartDate           time.Time            `json:"start_date"`
	EndDate             time.Time            `json:"end_date"`
	Labels              []string             `json:"labels"`
	Series              []ChartSeries        `json:"series"`
	Annotations         []Annotation         `json:"annotations,omitempty"`
	TechnicalIndicators []TechnicalIndicator `json:"technical_indicators,omitempty"`
}

// Annotation marks an event on the chart's date axis.
type Annotation struct {
	Date time.Time `json:"date"`
	Text string    `json:"text"`
	Type string    `json:"type,omitempty"`
}

// TechnicalIndicator is a derived overlay series, same length as its source.
type TechnicalIndicator struct {
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Data       []*float64             `json:"data"`
	Color      string                 `json:"color,omitempty"`
}

// FailoverEvent is the observable record of a provider transition. The
// failover controller surfaces these; it does not log or publish itself.
type FailoverEvent struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Cause      string    `json:"cause"`
	RetryAfter time.Time `json:"retry_after"`
	OccurredAt time.Time `json:"occurred_at"`
}
