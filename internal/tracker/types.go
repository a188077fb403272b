package tracker

import "time"

// MaxActiveEnrollments is the number of active or paused enrollments a user
// may hold at once. Slots are numbered 1..MaxActiveEnrollments.
const MaxActiveEnrollments = 2

// Status is the lifecycle state of an enrollment.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Open reports whether the status counts toward the enrollment cap.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusPaused
}

// Enrollment is a user's registration in a course.
type Enrollment struct {
	UserID       string     `json:"user_id"`
	CourseID     string     `json:"course_id"`
	CurrentLevel string     `json:"current_level"`
	Status       Status     `json:"status"`
	Slot         int        `json:"slot,omitempty"` // 0 once completed
	EnrolledAt   time.Time  `json:"enrolled_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CustomName   string     `json:"custom_name,omitempty"`
}

// LevelHistory is the frozen checkpoint written when a level is cleared.
type LevelHistory struct {
	UserID    string    `json:"user_id"`
	CourseID  string    `json:"course_id"`
	LevelKey  string    `json:"level_key"`
	Cleared   bool      `json:"cleared"`
	ClearedAt time.Time `json:"cleared_at"`
	Notes     string    `json:"notes"`
}

// LevelRef identifies one level of one user's course.
type LevelRef struct {
	UserID   string
	CourseID string
	LevelKey string
}

// Subject is a user's copy of a subject within a level.
type Subject struct {
	UserID      string  `json:"user_id"`
	CourseID    string  `json:"course_id"`
	LevelKey    string  `json:"level_key"`
	Key         string  `json:"subject_key"`
	Label       string  `json:"label"`
	TargetHours float64 `json:"target_hours"`
	Color       string  `json:"color"`
	Position    int     `json:"position"`
	Frozen      bool    `json:"frozen"`
}

// Ref returns the level the subject belongs to.
func (s Subject) Ref() LevelRef {
	return LevelRef{UserID: s.UserID, CourseID: s.CourseID, LevelKey: s.LevelKey}
}

// Topic is a single syllabus item under a user's subject.
type Topic struct {
	UserID     string `json:"user_id"`
	CourseID   string `json:"course_id"`
	LevelKey   string `json:"level_key"`
	SubjectKey string `json:"subject_key"`
	Text       string `json:"topic"`
	Position   int    `json:"position"`
	Frozen     bool   `json:"frozen"`
}

// SubjectPatch holds optional subject field updates.
type SubjectPatch struct {
	Label       *string
	TargetHours *float64
	Color       *string
}

// Empty reports whether the patch changes nothing.
func (p SubjectPatch) Empty() bool {
	return p.Label == nil && p.TargetHours == nil && p.Color == nil
}

// LevelTransition is the atomic clear-level write set.
type LevelTransition struct {
	UserID    string
	CourseID  string
	LevelKey  string
	NextLevel string // empty completes the enrollment
	Notes     string
	On        time.Time
}

// StudySession is a block of study hours logged against a subject.
type StudySession struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	CourseID   string    `json:"course_id"`
	LevelKey   string    `json:"level_key"`
	SubjectKey string    `json:"subject_key"`
	Hours      float64   `json:"hours"`
	StudiedOn  time.Time `json:"studied_on"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SubjectProgress summarizes study against one subject's target.
type SubjectProgress struct {
	Subject     Subject `json:"subject"`
	LoggedHours float64 `json:"logged_hours"`
	Percent     float64 `json:"percent"` // capped at 100
	RawPercent  float64 `json:"raw_percent"`
	Topics      int     `json:"topics"`
}

// LevelProgress summarizes study across a level.
type LevelProgress struct {
	CourseID    string            `json:"course_id"`
	LevelKey    string            `json:"level_key"`
	Subjects    []SubjectProgress `json:"subjects"`
	TotalTarget float64           `json:"total_target"`
	TotalLogged float64           `json:"total_logged"`
	Frozen      bool              `json:"frozen"`
}
