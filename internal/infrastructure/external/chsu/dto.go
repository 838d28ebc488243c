package chsu

import (
	"fmt"
	"strings"
)

// ══════════════════════════════════════════════════════════════════════════════
// AUTH DTOs
// ══════════════════════════════════════════════════════════════════════════════

// SignInRequestDTO is the body of POST /auth/signin.
type SignInRequestDTO struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SignInResponseDTO carries the bearer token.
type SignInResponseDTO struct {
	Data string `json:"data"`
}

// ══════════════════════════════════════════════════════════════════════════════
// DIRECTORY DTOs
// ══════════════════════════════════════════════════════════════════════════════

// GroupDTO is one element of GET /group/v1.
type GroupDTO struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// TeacherDTO is one element of GET /teacher/v1.
type TeacherDTO struct {
	ID         int64  `json:"id"`
	FIO        string `json:"fio"`
	LastName   string `json:"lastName,omitempty"`
	FirstName  string `json:"firstName,omitempty"`
	MiddleName string `json:"middleName,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// TIMETABLE DTOs
// ══════════════════════════════════════════════════════════════════════════════

// TitleDTO is the {"title": ...} object the API uses for nested names.
type TitleDTO struct {
	ID    int64  `json:"id,omitempty"`
	Title string `json:"title"`
}

// LecturerDTO is a lecturer of a class.
type LecturerDTO struct {
	ID    int64  `json:"id,omitempty"`
	FIO   string `json:"fio"`
	Short string `json:"shortName,omitempty"`
}

// ClassDTO is one element of the timetable response.
type ClassDTO struct {
	ID             int64         `json:"id"`
	DateEvent      string        `json:"dateEvent"` // dd.mm.yyyy
	StartTime      string        `json:"startTime"` // HH:MM
	EndTime        string        `json:"endTime"`   // HH:MM
	AbbrLessonType *string       `json:"abbrlessontype"`
	LessonType     string        `json:"lessontype,omitempty"`
	Discipline     TitleDTO      `json:"discipline"`
	Lecturers      []LecturerDTO `json:"lecturers"`
	Groups         []TitleDTO    `json:"groups"`
	Online         int           `json:"online"`
	Build          *TitleDTO     `json:"build"`
	Auditory       *TitleDTO     `json:"auditory"`
}

// IsOnline reports whether the class has no physical location.
func (c ClassDTO) IsOnline() bool {
	return c.Online == 1
}

// LessonTypeAbbr returns the abbreviated lesson type without surrounding spaces.
func (c ClassDTO) LessonTypeAbbr() string {
	if c.AbbrLessonType == nil {
		return ""
	}
	return strings.TrimSpace(*c.AbbrLessonType)
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// APIError is a non-2xx response of the university API.
type APIError struct {
	StatusCode int
	Path       string
	Body       string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("chsu api: %s: status %d: %s", e.Path, e.StatusCode, body)
}

// IsServerError reports whether the API failed on its side.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500
}
