package chat

import (
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

const dayLayout = "2006-01-02"

// DayGroup is a run of messages created on the same calendar day.
type DayGroup struct {
	Day      string
	Messages []models.Message
}

// GroupByDay splits msgs into calendar days in loc, keeping log order.
// Messages whose timestamp could not be parsed are filed under the day
// of fallback instead of being dropped.
func GroupByDay(msgs []models.Message, loc *time.Location, fallback time.Time) []DayGroup {
	if loc == nil {
		loc = time.Local
	}

	var groups []DayGroup

	index := make(map[string]int)

	for _, m := range msgs {
		t := fallback
		if m.CreatedAt.Valid() {
			t = m.CreatedAt.Time
		}

		day := t.In(loc).Format(dayLayout)

		i, ok := index[day]
		if !ok {
			i = len(groups)
			index[day] = i
			groups = append(groups, DayGroup{Day: day})
		}

		groups[i].Messages = append(groups[i].Messages, m)
	}

	return groups
}
