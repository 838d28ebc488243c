package chsu

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
)

// Mapper converts university API DTOs to domain types.
type Mapper struct{}

// NewMapper creates a new Mapper.
func NewMapper() *Mapper {
	return &Mapper{}
}

// LessonFromDTO converts one class.
func (m *Mapper) LessonFromDTO(dto ClassDTO) schedule.Lesson {
	lesson := schedule.Lesson{
		Start:      dto.StartTime,
		End:        dto.EndTime,
		Type:       dto.LessonTypeAbbr(),
		Discipline: strings.TrimSpace(dto.Discipline.Title),
		Online:     dto.IsOnline(),
	}

	for _, l := range dto.Lecturers {
		if l.FIO != "" {
			lesson.Lecturers = append(lesson.Lecturers, l.FIO)
		}
	}
	for _, g := range dto.Groups {
		if g.Title != "" {
			lesson.Groups = append(lesson.Groups, g.Title)
		}
	}
	if !lesson.Online {
		if dto.Build != nil {
			lesson.Building = dto.Build.Title
		}
		if dto.Auditory != nil {
			lesson.Auditory = dto.Auditory.Title
		}
	}

	return lesson
}

// DaysFromDTO groups classes by date. Days are ascending; classes keep the
// order the API returned them in.
func (m *Mapper) DaysFromDTO(classes []ClassDTO) ([]schedule.Day, error) {
	byDate := make(map[schedule.Date]int)
	var days []schedule.Day

	for _, c := range classes {
		date, err := schedule.ParseDate(c.DateEvent)
		if err != nil {
			return nil, fmt.Errorf("class %d: %w", c.ID, err)
		}

		idx, ok := byDate[date]
		if !ok {
			idx = len(days)
			byDate[date] = idx
			days = append(days, schedule.Day{Date: date})
		}
		days[idx].Lessons = append(days[idx].Lessons, m.LessonFromDTO(c))
	}

	sort.SliceStable(days, func(i, j int) bool { return days[i].Date.Before(days[j].Date) })
	return days, nil
}

// SnapshotFromDTO builds the snapshot of entity within r.
func (m *Mapper) SnapshotFromDTO(entity schedule.Entity, r schedule.DateRange, classes []ClassDTO) (*schedule.Snapshot, error) {
	days, err := m.DaysFromDTO(classes)
	if err != nil {
		return nil, err
	}

	inRange := days[:0]
	for _, d := range days {
		if r.Contains(d.Date) {
			inRange = append(inRange, d)
		}
	}

	return &schedule.Snapshot{Entity: entity, Range: r, Days: inRange}, nil
}

// DirectoryFromDTO merges groups and teachers into one name index. A group
// wins over a teacher with the same name.
func (m *Mapper) DirectoryFromDTO(groups []GroupDTO, teachers []TeacherDTO) []schedule.DirectoryEntry {
	out := make([]schedule.DirectoryEntry, 0, len(groups)+len(teachers))
	seen := make(map[string]struct{}, cap(out))

	for _, g := range groups {
		name := strings.TrimSpace(g.Title)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, schedule.DirectoryEntry{Name: name, ID: g.ID, Kind: schedule.KindGroup})
	}
	for _, t := range teachers {
		name := strings.TrimSpace(t.FIO)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, schedule.DirectoryEntry{Name: name, ID: t.ID, Kind: schedule.KindProfessor})
	}

	return out
}
