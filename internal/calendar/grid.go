// Package calendar builds month day-grids and binds dated events to them.
//
// All functions here are pure: they take "today" and the viewed month as
// arguments and never read the clock or mutate shared state, so a grid can be
// rebuilt from any goroutine and a newer build simply replaces an older one.
package calendar

import (
	"fmt"
	"time"

	"duecal/internal/model"
)

// Day is one rendered cell of a month grid.
type Day struct {
	Date           Date          `json:"date"`
	IsCurrentMonth bool          `json:"is_current_month"`
	IsToday        bool          `json:"is_today"`
	Items          []model.Event `json:"items"`
}

// BuildMonthGrid returns the day cells for (year, month): leading overflow
// days from the previous month so the 1st lands on its weekday column
// (Sunday first), followed by every day of the month. No trailing cells are
// added, so the grid has firstWeekday + daysInMonth entries.
//
// month must be January..December; anything else panics.
func BuildMonthGrid(year int, month time.Month, today Date) []Day {
	if month < time.January || month > time.December {
		panic(fmt.Sprintf("calendar: month %d out of range", int(month)))
	}

	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	daysInMonth := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	lead := int(first.Weekday())

	days := make([]Day, 0, lead+daysInMonth)

	// Overflow cells end on day 0 of this month, i.e. the previous month's last day.
	for i := lead; i > 0; i-- {
		d := DateOf(first.AddDate(0, 0, -i))
		days = append(days, newDay(d, false, today))
	}
	for i := 1; i <= daysInMonth; i++ {
		d := Date{Year: year, Month: month, Day: i}
		days = append(days, newDay(d, true, today))
	}

	return days
}

func newDay(d Date, current bool, today Date) Day {
	return Day{
		Date:           d,
		IsCurrentMonth: current,
		IsToday:        d == today,
		Items:          []model.Event{},
	}
}

// VisibleRange returns the inclusive first and last dates of a grid.
// ok is false for an empty grid.
func VisibleRange(days []Day) (start, end Date, ok bool) {
	if len(days) == 0 {
		return Date{}, Date{}, false
	}
	return days[0].Date, days[len(days)-1].Date, true
}
