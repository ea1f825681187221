package service

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/SpasticPalate/market-charts-sub001/internal/market"
)

const chartDateLayout = "2006-01-02"

// NamedSeries pairs a display name with its source records.
type NamedSeries struct {
	Name    string
	Color   string
	Records []market.IndexRecord
}

// ChartDataProcessor derives chart-ready series from normalized records.
// Every method is a pure transformation with no I/O; the processor itself
// carries no state.
type ChartDataProcessor struct{}

// NewChartDataProcessor creates a new chart data processor
func NewChartDataProcessor() *ChartDataProcessor {
	return &ChartDataProcessor{}
}

// CalculatePercentageChange converts a record series into percentage change
// from the close on baseDate, rounded to two decimals. When baseDate has no
// exact match the earliest available date on or after it becomes the base,
// and that substitution is surfaced through the series metadata so callers
// can tell which base was actually used.
func (p *ChartDataProcessor) CalculatePercentageChange(series NamedSeries, baseDate time.Time) (market.ChartSeries, error) {
	records := series.Records
	if len(records) == 0 {
		return market.ChartSeries{}, market.ErrNoDataAvailable
	}

	baseDate = market.Day(baseDate)

	var base *market.IndexRecord
	substituted := false
	for i := range records {
		d := market.Day(records[i].Date)
		if d.Equal(baseDate) {
			base = &records[i]
			substituted = false
			break
		}
		if d.After(baseDate) && base == nil {
			base = &records[i]
			substituted = true
			// keep scanning in case an exact match appears later
		}
	}
	if base == nil {
		// Entire series precedes the requested base; use the earliest point.
		base = &records[0]
		substituted = true
	}
	if base.Close == 0 {
		return market.ChartSeries{}, fmt.Errorf("base close for %s is zero", series.Name)
	}

	points := make([]*float64, len(records))
	for i, r := range records {
		v := round2((r.Close - base.Close) / base.Close * 100)
		points[i] = &v
	}

	actualBase := market.Day(base.Date)
	return market.ChartSeries{
		Name:            series.Name,
		Color:           series.Color,
		DataType:        market.DataTypePercentageChange,
		Points:          points,
		BaseDate:        &actualBase,
		BaseSubstituted: substituted,
	}, nil
}

// AlignSeries produces one shared label sequence, the sorted union of all
// dates present in any input series, and re-indexes each series onto it.
// A label where a series has no data point maps to nil; absence is never
// interpolated here so downstream renderers can branch on it.
func (p *ChartDataProcessor) AlignSeries(seriesList []NamedSeries) ([]string, []market.ChartSeries) {
	dateSet := make(map[string]bool)
	for _, s := range seriesList {
		for _, r := range s.Records {
			dateSet[market.Day(r.Date).Format(chartDateLayout)] = true
		}
	}

	labels := make([]string, 0, len(dateSet))
	for d := range dateSet {
		labels = append(labels, d)
	}
	sort.Strings(labels)

	labelIndex := make(map[string]int, len(labels))
	for i, l := range labels {
		labelIndex[l] = i
	}

	aligned := make([]market.ChartSeries, 0, len(seriesList))
	for _, s := range seriesList {
		points := make([]*float64, len(labels))
		for _, r := range s.Records {
			if i, ok := labelIndex[market.Day(r.Date).Format(chartDateLayout)]; ok {
				v := r.Close
				points[i] = &v
			}
		}
		aligned = append(aligned, market.ChartSeries{
			Name:     s.Name,
			Color:    s.Color,
			DataType: market.DataTypePrice,
			Points:   points,
		})
	}

	return labels, aligned
}

// MovingAverage computes the simple arithmetic mean of the trailing period
// closes. The first period-1 points are nil. Multiple periods requested
// together are computed independently with separate calls.
func (p *ChartDataProcessor) MovingAverage(records []market.IndexRecord, period int) market.TechnicalIndicator {
	data := make([]*float64, len(records))
	if period <= 0 || len(records) < period {
		return maIndicator(period, data)
	}

	var sum float64
	for i, r := range records {
		sum += r.Close
		if i >= period {
			sum -= records[i-period].Close
		}
		if i >= period-1 {
			v := round2(sum / float64(period))
			data[i] = &v
		}
	}
	return maIndicator(period, data)
}

// RSI computes the classic Wilder relative strength index: the initial
// averages cover the first period changes, then each subsequent average is
// (prevAvg*(period-1) + current) / period. The first period points are nil.
// When the average loss is exactly zero, RSI is 100.
func (p *ChartDataProcessor) RSI(records []market.IndexRecord, period int) market.TechnicalIndicator {
	if period <= 0 {
		period = 14
	}
	data := make([]*float64, len(records))
	if len(records) < period+1 {
		return rsiIndicator(period, data)
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := records[i].Close - records[i-1].Close
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	set := func(i int) {
		var rsi float64
		if avgLoss == 0 {
			rsi = 100
		} else {
			rs := avgGain / avgLoss
			rsi = 100 - 100/(1+rs)
		}
		v := round2(rsi)
		data[i] = &v
	}
	set(period)

	for i := period + 1; i < len(records); i++ {
		change := records[i].Close - records[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		set(i)
	}

	return rsiIndicator(period, data)
}

// Volatility computes the rolling standard deviation of daily percentage
// returns over the trailing period days. The first period points are nil.
func (p *ChartDataProcessor) Volatility(records []market.IndexRecord, period int) market.TechnicalIndicator {
	if period <= 0 {
		period = 20
	}
	data := make([]*float64, len(records))
	if len(records) < period+1 {
		return volatilityIndicator(period, data)
	}

	returns := make([]float64, len(records))
	for i := 1; i < len(records); i++ {
		prev := records[i-1].Close
		if prev == 0 {
			returns[i] = 0
			continue
		}
		returns[i] = (records[i].Close - prev) / prev * 100
	}

	for i := period; i < len(records); i++ {
		window := returns[i-period+1 : i+1]

		var mean float64
		for _, r := range window {
			mean += r
		}
		mean /= float64(len(window))

		var variance float64
		for _, r := range window {
			variance += (r - mean) * (r - mean)
		}
		variance /= float64(len(window))

		v := round2(math.Sqrt(variance))
		data[i] = &v
	}

	return volatilityIndicator(period, data)
}

// Normalize rescales each series independently onto a 0-100 range using its
// own min and max, for cross-scale comparison. A constant series maps to a
// constant 50. Nil points stay nil.
func (p *ChartDataProcessor) Normalize(seriesList []market.ChartSeries) []market.ChartSeries {
	out := make([]market.ChartSeries, len(seriesList))
	for si, s := range seriesList {
		min, max := math.Inf(1), math.Inf(-1)
		for _, pt := range s.Points {
			if pt == nil {
				continue
			}
			if *pt < min {
				min = *pt
			}
			if *pt > max {
				max = *pt
			}
		}

		scaled := make([]*float64, len(s.Points))
		for i, pt := range s.Points {
			if pt == nil {
				continue
			}
			var v float64
			if min == max {
				v = 50
			} else {
				v = round2((*pt - min) / (max - min) * 100)
			}
			value := v
			scaled[i] = &value
		}

		out[si] = s
		out[si].Points = scaled
	}
	return out
}

// OptimizeDataPoints downsamples chart data that exceeds maxPoints by
// selecting evenly spaced indices, always keeping the first and last point.
// The selection is deterministic, so repeated calls with the same input are
// idempotent.
func (p *ChartDataProcessor) OptimizeDataPoints(data market.ChartData, maxPoints int) market.ChartData {
	n := len(data.Labels)
	if maxPoints < 2 || n <= maxPoints {
		return data
	}

	indices := make([]int, maxPoints)
	for i := 0; i < maxPoints; i++ {
		indices[i] = int(math.Round(float64(i) * float64(n-1) / float64(maxPoints-1)))
	}

	out := data
	out.Labels = make([]string, maxPoints)
	for i, idx := range indices {
		out.Labels[i] = data.Labels[idx]
	}

	out.Series = make([]market.ChartSeries, len(data.Series))
	for si, s := range data.Series {
		points := make([]*float64, maxPoints)
		for i, idx := range indices {
			if idx < len(s.Points) {
				points[i] = s.Points[idx]
			}
		}
		out.Series[si] = s
		out.Series[si].Points = points
	}

	out.TechnicalIndicators = make([]market.TechnicalIndicator, len(data.TechnicalIndicators))
	for ti, ind := range data.TechnicalIndicators {
		values := make([]*float64, maxPoints)
		for i, idx := range indices {
			if idx < len(ind.Data) {
				values[i] = ind.Data[idx]
			}
		}
		out.TechnicalIndicators[ti] = ind
		out.TechnicalIndicators[ti].Data = values
	}

	return out
}

// GenerateComparisonData overlays previous-period series onto the current
// chart by trading-day offset from each series' own start: day N of the
// current period lines up with day N of the previous one, not with the same
// calendar date. Overlaid series are percentage change from their own first
// close and are flagged IsComparison.
func (p *ChartDataProcessor) GenerateComparisonData(current market.ChartData, previous []NamedSeries) market.ChartData {
	out := current
	for _, prev := range previous {
		if len(prev.Records) == 0 {
			continue
		}
		baseClose := prev.Records[0].Close
		if baseClose == 0 {
			continue
		}

		points := make([]*float64, len(current.Labels))
		for i := range current.Labels {
			if i >= len(prev.Records) {
				break
			}
			v := round2((prev.Records[i].Close - baseClose) / baseClose * 100)
			points[i] = &v
		}

		baseDate := market.Day(prev.Records[0].Date)
		out.Series = append(out.Series, market.ChartSeries{
			Name:         prev.Name,
			Color:        prev.Color,
			DataType:     market.DataTypePercentageChange,
			IsComparison: true,
			Points:       points,
			BaseDate:     &baseDate,
		})
	}
	return out
}

// GenerateAnnotations attaches event labels at matching chart dates. Event
// dates outside the chart's label range are silently dropped.
func (p *ChartDataProcessor) GenerateAnnotations(data market.ChartData, events []market.Annotation) market.ChartData {
	labels := make(map[string]bool, len(data.Labels))
	for _, l := range data.Labels {
		labels[l] = true
	}

	out := data
	for _, ev := range events {
		if labels[market.Day(ev.Date).Format(chartDateLayout)] {
			out.Annotations = append(out.Annotations, ev)
		}
	}
	return out
}

// PercentageChangeChart builds a complete chart of percentage-change series
// sharing one label axis. Each series is converted against baseDate (with
// the documented substitution rule) and then re-indexed onto the union of
// all dates, with nil where a series has no point.
func (p *ChartDataProcessor) PercentageChangeChart(title string, seriesList []NamedSeries, baseDate time.Time) (market.ChartData, error) {
	data := p.BuildChart(title, seriesList)

	labelIndex := make(map[string]int, len(data.Labels))
	for i, l := range data.Labels {
		labelIndex[l] = i
	}

	converted := make([]market.ChartSeries, 0, len(seriesList))
	for _, s := range seriesList {
		pct, err := p.CalculatePercentageChange(s, baseDate)
		if err != nil {
			return market.ChartData{}, fmt.Errorf("percentage change for %s: %w", s.Name, err)
		}

		points := make([]*float64, len(data.Labels))
		for i, r := range s.Records {
			if li, ok := labelIndex[market.Day(r.Date).Format(chartDateLayout)]; ok {
				points[li] = pct.Points[i]
			}
		}
		pct.Points = points
		converted = append(converted, pct)
	}

	data.Series = converted
	return data, nil
}

// BuildChart assembles a ChartData from aligned series.
func (p *ChartDataProcessor) BuildChart(title string, seriesList []NamedSeries) market.ChartData {
	labels, aligned := p.AlignSeries(seriesList)

	data := market.ChartData{
		Title:  title,
		Labels: labels,
		Series: aligned,
	}
	if len(labels) > 0 {
		if start, err := time.Parse(chartDateLayout, labels[0]); err == nil {
			data.StartDate = start
		}
		if end, err := time.Parse(chartDateLayout, labels[len(labels)-1]); err == nil {
			data.EndDate = end
		}
	}
	return data
}

func maIndicator(period int, data []*float64) market.TechnicalIndicator {
	return market.TechnicalIndicator{
		Name:       fmt.Sprintf("MA(%d)", period),
		Parameters: map[string]interface{}{"period": period},
		Data:       data,
	}
}

func rsiIndicator(period int, data []*float64) market.TechnicalIndicator {
	return market.TechnicalIndicator{
		Name:       fmt.Sprintf("RSI(%d)", period),
		Parameters: map[string]interface{}{"period": period},
		Data:       data,
	}
}

func volatilityIndicator(period int, data []*float64) market.TechnicalIndicator {
	return market.TechnicalIndicator{
		Name:       fmt.Sprintf("Volatility(%d)", period),
		Parameters: map[string]interface{}{"period": period},
		Data:       data,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
