package us

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// calendarGetter is the subset of the Alpaca trading client used to find
// session dates.
type calendarGetter interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// LatestFinishedTradingDay returns the most recent trading day whose market
// session has ended as of now (after 20:05 ET, so extended-hours bars have
// settled). It uses the Alpaca trading calendar API.
func LatestFinishedTradingDay(c calendarGetter, now time.Time) (time.Time, error) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.Time{}, fmt.Errorf("loading ET timezone: %w", err)
	}

	now = now.In(et)
	calendar, err := c.GetCalendar(alpaca.GetCalendarRequest{
		Start: now.AddDate(0, 0, -7),
		End:   now,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("GetCalendar: %w", err)
	}
	if len(calendar) == 0 {
		return time.Time{}, fmt.Errorf("no trading days returned from calendar")
	}

	today := now.Format(time.DateOnly)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 20, 5, 0, 0, et)

	for i := len(calendar) - 1; i >= 0; i-- {
		day := calendar[i]
		if day.Date > today {
			continue
		}
		if day.Date == today && !now.After(cutoff) {
			continue
		}
		d, err := time.Parse(time.DateOnly, day.Date)
		if err != nil {
			continue
		}
		return d, nil
	}
	return time.Time{}, fmt.Errorf("could not determine latest finished trading day")
}
