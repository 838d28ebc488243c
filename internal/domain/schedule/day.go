package schedule

import (
	"strings"
	"time"

	"github.com/chsu-bot/schedule-notifier/pkg/timeutil"
)

// NotFoundText is shown when a range contains no classes.
const NotFoundText = "Расписание не найдено."

// EntityKind distinguishes the two kinds of tracked schedules.
type EntityKind string

const (
	KindGroup     EntityKind = "group"
	KindProfessor EntityKind = "professor"
)

// IsValid reports whether k is a known kind.
func (k EntityKind) IsValid() bool {
	return k == KindGroup || k == KindProfessor
}

// Entity identifies a tracked schedule: a group name or a professor's full name.
type Entity struct {
	Name string
	Kind EntityKind
}

// Lesson is one class in the timetable.
type Lesson struct {
	Start      string // HH:MM
	End        string // HH:MM
	Type       string // abbreviated lesson type, may be empty
	Discipline string
	Lecturers  []string
	Groups     []string
	Online     bool
	Building   string
	Auditory   string
}

// Day is the ordered list of classes on one calendar date.
type Day struct {
	Date    Date
	Lessons []Lesson
}

// Render formats the day for a reader of the given kind. Students see the
// lecturers of each class, professors see the groups.
func (d Day) Render(kind EntityKind) string {
	var b strings.Builder

	b.WriteString("==")
	b.WriteString(timeutil.WeekdayNameRu(d.Date.Time(time.UTC)))
	b.WriteString(", ")
	b.WriteString(d.Date.String())
	b.WriteString("==\n")

	for _, l := range d.Lessons {
		b.WriteString(l.Start + "-" + l.End + "\n")
		if l.Type != "" {
			b.WriteString(l.Type + "., ")
		}
		b.WriteString(l.Discipline + "\n")

		if kind == KindProfessor {
			b.WriteString(strings.Join(l.Groups, ", ") + "\n")
		} else {
			b.WriteString(strings.Join(l.Lecturers, ", ") + "\n")
		}

		if l.Online {
			b.WriteString("Онлайн\n")
		} else {
			b.WriteString(l.Building + ", аудитория " + l.Auditory + "\n")
		}
		b.WriteString("\n")
	}

	return b.String()
}

// Buildings returns the distinct buildings of the day's in-person classes, in order.
func (d Day) Buildings() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range d.Lessons {
		if l.Online || l.Building == "" {
			continue
		}
		if _, ok := seen[l.Building]; ok {
			continue
		}
		seen[l.Building] = struct{}{}
		out = append(out, l.Building)
	}
	return out
}

// Snapshot is one fetched schedule window of an entity.
type Snapshot struct {
	Entity Entity
	Range  DateRange
	Days   []Day // ascending by date, at most one per date
}

// Hashes returns one DateHash per day, in date order.
func (s *Snapshot) Hashes() []DateHash {
	out := make([]DateHash, 0, len(s.Days))
	for _, d := range s.Days {
		out = append(out, DateHash{Date: d.Date, Hash: ContentHash(d.Render(s.Entity.Kind))})
	}
	return out
}

// Day returns the day for date, if the snapshot has classes on it.
func (s *Snapshot) Day(date Date) (Day, bool) {
	for _, d := range s.Days {
		if d.Date == date {
			return d, true
		}
	}
	return Day{}, false
}

// Render formats every day of the snapshot, or NotFoundText when it is empty.
func (s *Snapshot) Render() []string {
	if len(s.Days) == 0 {
		return []string{NotFoundText}
	}
	out := make([]string, 0, len(s.Days))
	for _, d := range s.Days {
		out = append(out, d.Render(s.Entity.Kind))
	}
	return out
}
