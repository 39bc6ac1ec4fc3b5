// Package dategroup splits an ordered message list into calendar-day
// sections for display.
package dategroup

import (
	"time"

	"chatsync/pkg/models"
)

const (
	LabelToday     = "Today"
	LabelYesterday = "Yesterday"
	// DayLayout formats any other day.
	DayLayout = "Monday, January 2, 2006"
)

// Group is one day section.
type Group struct {
	Label    string           `json:"label"`
	Day      string           `json:"day"` // YYYY-MM-DD in the grouping location
	Messages []models.Message `json:"messages"`
}

// ByDay buckets msgs by the calendar day of their timestamp in loc. The
// input order is kept inside each group and groups appear in order of first
// occurrence. Labels are relative to now. ByDay has no side effects.
func ByDay(msgs []models.Message, now time.Time, loc *time.Location) []Group {
	if loc == nil {
		loc = time.Local
	}
	if len(msgs) == 0 {
		return nil
	}
	today := dayStart(now.In(loc))
	yesterday := today.AddDate(0, 0, -1)

	var out []Group
	index := make(map[string]int)
	for _, m := range msgs {
		local := m.TS.In(loc)
		key := local.Format("2006-01-02")
		i, ok := index[key]
		if !ok {
			out = append(out, Group{Label: label(dayStart(local), today, yesterday), Day: key})
			i = len(out) - 1
			index[key] = i
		}
		out[i].Messages = append(out[i].Messages, m)
	}
	return out
}

func dayStart(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

func label(day, today, yesterday time.Time) string {
	switch {
	case day.Equal(today):
		return LabelToday
	case day.Equal(yesterday):
		return LabelYesterday
	default:
		return day.Format(DayLayout)
	}
}
