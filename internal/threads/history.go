package threads

import (
	"sort"
	"time"

	"github.com/xaenox/wwtd-bot/internal/models"
)

// Section is one day of conversation history.
type Section struct {
	Label   string
	Day     time.Time
	Threads []models.Thread
}

// GroupByDay buckets threads by the calendar day they were created on, in
// now's location, newest day first. Labels are "Today", "Yesterday" or the
// date.
func GroupByDay(threads []models.Thread, now time.Time) []Section {
	loc := now.Location()
	today := startOfDay(now)
	yesterday := today.AddDate(0, 0, -1)

	index := make(map[time.Time]int)
	var sections []Section
	for _, thread := range threads {
		day := startOfDay(thread.DateCreated.In(loc))
		i, ok := index[day]
		if !ok {
			i = len(sections)
			index[day] = i
			sections = append(sections, Section{Day: day, Label: dayLabel(day, today, yesterday)})
		}
		sections[i].Threads = append(sections[i].Threads, thread)
	}

	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].Day.After(sections[j].Day)
	})
	return sections
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func dayLabel(day, today, yesterday time.Time) string {
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(yesterday):
		return "Yesterday"
	default:
		return day.Format("Jan 2, 2006")
	}
}
