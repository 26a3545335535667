package calendar

import (
	"time"

	"duecal/internal/model"
)

// BindEvents appends each event to the cell whose date matches the calendar
// date of its start in loc (nil keeps each event's own location). Time of day
// is ignored. Events keep their input order within a cell.
//
// Events with a zero start, or whose date is not on the grid, are dropped;
// callers are expected to request events for VisibleRange only. The number
// of dropped events is returned.
func BindEvents(days []Day, events []model.Event, loc *time.Location) int {
	index := make(map[Date]int, len(days))
	for i := range days {
		index[days[i].Date] = i
	}

	dropped := 0
	for _, ev := range events {
		if ev.StartAt.IsZero() {
			dropped++
			continue
		}
		start := ev.StartAt
		if loc != nil {
			start = start.In(loc)
		}
		i, ok := index[DateOf(start)]
		if !ok {
			dropped++
			continue
		}
		days[i].Items = append(days[i].Items, ev)
	}
	return dropped
}
