package service

import (
	"time"

	"github.com/SpasticPalate/market-charts-sub001/internal/market"
)

// TradingCalendar answers whether markets are open on a given date. Weekends
// are always closed; the holiday set comes from configuration, not from
// hardcoded exchange knowledge.
type TradingCalendar struct {
	holidays map[time.Time]bool
}

// NewTradingCalendar creates a calendar with the supplied holiday closures.
func NewTradingCalendar(holidays map[time.Time]bool) *TradingCalendar {
	if holidays == nil {
		holidays = map[time.Time]bool{}
	}
	return &TradingCalendar{holidays: holidays}
}

// IsMarketClosed reports true for Saturdays, Sundays and configured
// holidays.
func (c *TradingCalendar) IsMarketClosed(date time.Time) bool {
	day := market.Day(date)
	if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return true
	}
	return c.holidays[day]
}

// TradingDays returns every open-market date within [start, end] ascending.
func (c *TradingCalendar) TradingDays(start, end time.Time) []time.Time {
	var days []time.Time
	for d := market.Day(start); !d.After(market.Day(end)); d = d.AddDate(0, 0, 1) {
		if !c.IsMarketClosed(d) {
			days = append(days, d)
		}
	}
	return days
}
