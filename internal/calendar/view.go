package calendar

import (
	"fmt"
	"time"
)

const monthLayout = "2006-01"

// MonthView identifies the month being displayed. It is a value: navigation
// returns a new MonthView instead of modifying the receiver.
type MonthView struct {
	Year  int
	Month time.Month
}

// ViewOf returns the month containing d.
func ViewOf(d Date) MonthView {
	return MonthView{Year: d.Year, Month: d.Month}
}

// ParseMonth parses a YYYY-MM string.
func ParseMonth(s string) (MonthView, error) {
	t, err := time.Parse(monthLayout, s)
	if err != nil {
		return MonthView{}, fmt.Errorf("calendar: invalid month %q: %w", s, err)
	}
	return MonthView{Year: t.Year(), Month: t.Month()}, nil
}

// Prev returns the month before v.
func (v MonthView) Prev() MonthView {
	return v.shift(-1)
}

// Next returns the month after v.
func (v MonthView) Next() MonthView {
	return v.shift(1)
}

func (v MonthView) shift(n int) MonthView {
	t := time.Date(v.Year, v.Month+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return MonthView{Year: t.Year(), Month: t.Month()}
}

// Grid builds the day cells for the viewed month.
func (v MonthView) Grid(today Date) []Day {
	return BuildMonthGrid(v.Year, v.Month, today)
}

// Name is the English month name, e.g. "February".
func (v MonthView) Name() string {
	return v.Month.String()
}

// String formats v as YYYY-MM.
func (v MonthView) String() string {
	return fmt.Sprintf("%04d-%02d", v.Year, int(v.Month))
}
