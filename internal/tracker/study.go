package tracker

import (
	"context"
	"log/slog"
	"math"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxSessionHours     = 24
	maxStudyNoteLen     = 500
	defaultSessionLimit = 20
	maxSessionLimit     = 100
)

// StudyEntry is a block of study hours to log. A zero StudiedOn means
// today.
type StudyEntry struct {
	CourseID   string    `json:"course_id"`
	LevelKey   string    `json:"level_key"`
	SubjectKey string    `json:"subject_key"`
	Hours      float64   `json:"hours"`
	StudiedOn  time.Time `json:"studied_on"`
	Note       string    `json:"note,omitempty"`
}

// LogStudy records study hours against a subject of the enrollment's
// current level.
func (s *Service) LogStudy(ctx context.Context, userID string, entry StudyEntry) (StudySession, error) {
	ref := LevelRef{UserID: userID, CourseID: entry.CourseID, LevelKey: entry.LevelKey}
	if _, err := s.level(ref); err != nil {
		return StudySession{}, err
	}
	if math.IsNaN(entry.Hours) || entry.Hours <= 0 || entry.Hours > maxSessionHours {
		return StudySession{}, invalid("hours must be greater than 0 and at most %d", maxSessionHours)
	}
	if utf8.RuneCountInString(entry.Note) > maxStudyNoteLen {
		return StudySession{}, invalid("note must be at most %d characters", maxStudyNoteLen)
	}
	today := s.today()
	studiedOn := today
	if !entry.StudiedOn.IsZero() {
		y, m, d := entry.StudiedOn.Date()
		studiedOn = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		if studiedOn.After(today) {
			return StudySession{}, invalid("studied_on cannot be in the future")
		}
	}

	e, err := s.store.GetEnrollment(ctx, userID, entry.CourseID)
	if err != nil {
		return StudySession{}, backend("get enrollment", err)
	}
	if e.Status == StatusCompleted {
		return StudySession{}, ErrEnrollmentCompleted
	}
	if e.CurrentLevel != entry.LevelKey {
		return StudySession{}, ErrLevelNotCurrent
	}

	subject, err := s.findSubject(ctx, ref, entry.SubjectKey)
	if err != nil {
		return StudySession{}, err
	}
	if subject.Frozen {
		return StudySession{}, ErrFrozen
	}

	sess := StudySession{
		ID:         uuid.NewString(),
		UserID:     userID,
		CourseID:   entry.CourseID,
		LevelKey:   entry.LevelKey,
		SubjectKey: entry.SubjectKey,
		Hours:      entry.Hours,
		StudiedOn:  studiedOn,
		Note:       entry.Note,
		CreatedAt:  s.now(),
	}
	if err := s.store.InsertStudySession(ctx, sess); err != nil {
		return StudySession{}, backend("log study", err)
	}

	slog.Info("study logged", append(refAttrs(ref), "subject_key", entry.SubjectKey, "hours", entry.Hours)...)
	s.emit(userID, EventStudyLogged, refData(ref, "subject_key", entry.SubjectKey, "hours", entry.Hours))
	return sess, nil
}

// RecentSessions returns the newest study sessions of a level. A limit of
// 0 uses the default of 20.
func (s *Service) RecentSessions(ctx context.Context, ref LevelRef, limit int) ([]StudySession, error) {
	if _, err := s.level(ref); err != nil {
		return nil, err
	}
	if limit < 0 || limit > maxSessionLimit {
		return nil, invalid("limit must be between 1 and %d", maxSessionLimit)
	}
	if limit == 0 {
		limit = defaultSessionLimit
	}
	sessions, err := s.store.ListStudySessions(ctx, ref, limit)
	if err != nil {
		return nil, backend("list study sessions", err)
	}
	return sessions, nil
}

// Progress summarizes logged hours against each subject's target.
func (s *Service) Progress(ctx context.Context, ref LevelRef) (LevelProgress, error) {
	subjects, err := s.FetchSubjects(ctx, ref)
	if err != nil {
		return LevelProgress{}, err
	}
	totals, err := s.store.StudyTotals(ctx, ref)
	if err != nil {
		return LevelProgress{}, backend("study totals", err)
	}

	p := LevelProgress{
		CourseID: ref.CourseID,
		LevelKey: ref.LevelKey,
		Subjects: make([]SubjectProgress, 0, len(subjects)),
		Frozen:   len(subjects) > 0,
	}
	for _, sub := range subjects {
		topics, err := s.FetchTopics(ctx, ref, sub.Key)
		if err != nil {
			return LevelProgress{}, err
		}
		logged := totals[sub.Key]
		raw := percent(logged, sub.TargetHours)
		p.Subjects = append(p.Subjects, SubjectProgress{
			Subject:     sub,
			LoggedHours: logged,
			Percent:     math.Min(raw, 100),
			RawPercent:  raw,
			Topics:      len(topics),
		})
		p.TotalTarget += sub.TargetHours
		p.TotalLogged += logged
		p.Frozen = p.Frozen && sub.Frozen
	}
	return p, nil
}

func percent(logged, target float64) float64 {
	if target <= 0 {
		return 0
	}
	return math.Round(logged/target*1000) / 10
}
