package tracker

import (
	"context"
	"log/slog"
	"unicode/utf8"
)

const maxNotesLen = 2000

// ClearLevelRequest marks a level cleared. An empty NextLevel completes the
// enrollment.
type ClearLevelRequest struct {
	CourseID  string `json:"course_id"`
	LevelKey  string `json:"level_key"`
	NextLevel string `json:"next_level,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// ClearLevel records the level as cleared, freezes its subjects and topics
// and either advances the enrollment to NextLevel or completes it. The
// three steps are applied atomically.
func (s *Service) ClearLevel(ctx context.Context, userID string, req ClearLevelRequest) (Enrollment, error) {
	ref := LevelRef{UserID: userID, CourseID: req.CourseID, LevelKey: req.LevelKey}
	if _, err := s.level(ref); err != nil {
		return Enrollment{}, err
	}
	if req.NextLevel != "" {
		if req.NextLevel == req.LevelKey {
			return Enrollment{}, invalid("next level must differ from the cleared level")
		}
		if _, ok := s.catalog.Level(req.CourseID, req.NextLevel); !ok {
			return Enrollment{}, invalid("unknown level %q for course %q", req.NextLevel, req.CourseID)
		}
	}
	if utf8.RuneCountInString(req.Notes) > maxNotesLen {
		return Enrollment{}, invalid("notes must be at most %d characters", maxNotesLen)
	}

	e, err := s.store.ClearLevel(ctx, LevelTransition{
		UserID:    userID,
		CourseID:  req.CourseID,
		LevelKey:  req.LevelKey,
		NextLevel: req.NextLevel,
		Notes:     req.Notes,
		On:        s.today(),
	})
	if err != nil {
		slog.Warn("clear level failed", append(refAttrs(ref), "error", err)...)
		return Enrollment{}, backend("clear level", err)
	}
	s.invalidate(ctx, ref)

	slog.Info("level cleared", append(refAttrs(ref), "next_level", req.NextLevel, "status", e.Status)...)
	s.emit(userID, EventLevelCleared, refData(ref))
	if req.NextLevel != "" {
		s.emit(userID, EventLevelAdvanced, refData(ref, "next_level", req.NextLevel))
	} else {
		s.emit(userID, EventCourseCompleted, refData(ref))
	}
	return e, nil
}
