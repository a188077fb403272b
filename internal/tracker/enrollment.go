package tracker

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"
)

const maxCustomNameLen = 80

// EnrollRequest describes a new enrollment. Slot 0 picks the lowest free
// slot.
type EnrollRequest struct {
	CourseID   string `json:"course_id"`
	LevelKey   string `json:"level_key"`
	Slot       int    `json:"slot,omitempty"`
	CustomName string `json:"custom_name,omitempty"`
}

// ListEnrollments returns the user's active and paused enrollments ordered
// by slot.
func (s *Service) ListEnrollments(ctx context.Context, userID string) ([]Enrollment, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	enrollments, err := s.store.ListEnrollments(ctx, userID)
	if err != nil {
		return nil, backend("list enrollments", err)
	}
	return enrollments, nil
}

// GetEnrollment returns one enrollment in any status.
func (s *Service) GetEnrollment(ctx context.Context, userID, courseID string) (Enrollment, error) {
	if err := requireUser(userID); err != nil {
		return Enrollment{}, err
	}
	e, err := s.store.GetEnrollment(ctx, userID, courseID)
	if err != nil {
		return Enrollment{}, backend("get enrollment", err)
	}
	return e, nil
}

// Enroll registers the user in a course at the given starting level.
func (s *Service) Enroll(ctx context.Context, userID string, req EnrollRequest) (Enrollment, error) {
	ref := LevelRef{UserID: userID, CourseID: req.CourseID, LevelKey: req.LevelKey}
	if _, err := s.level(ref); err != nil {
		return Enrollment{}, err
	}
	if req.Slot < 0 || req.Slot > MaxActiveEnrollments {
		return Enrollment{}, invalid("slot must be between 1 and %d", MaxActiveEnrollments)
	}
	name := strings.TrimSpace(req.CustomName)
	if utf8.RuneCountInString(name) > maxCustomNameLen {
		return Enrollment{}, invalid("custom name must be at most %d characters", maxCustomNameLen)
	}

	e, err := s.store.CreateEnrollment(ctx, Enrollment{
		UserID:       userID,
		CourseID:     req.CourseID,
		CurrentLevel: req.LevelKey,
		Status:       StatusActive,
		Slot:         req.Slot,
		EnrolledAt:   s.now(),
		CustomName:   name,
	})
	if err != nil {
		slog.Info("enroll rejected", append(refAttrs(ref), "error", err)...)
		return Enrollment{}, backend("enroll", err)
	}

	slog.Info("enrolled", append(refAttrs(ref), "slot", e.Slot)...)
	s.emit(userID, EventEnrolled, refData(ref, "slot", e.Slot))
	return e, nil
}

// Pause sets an enrollment to paused. Pausing a paused enrollment is a
// no-op.
func (s *Service) Pause(ctx context.Context, userID, courseID string) (Enrollment, error) {
	return s.setStatus(ctx, userID, courseID, StatusPaused, EventEnrollmentPaused)
}

// Resume sets an enrollment back to active.
func (s *Service) Resume(ctx context.Context, userID, courseID string) (Enrollment, error) {
	return s.setStatus(ctx, userID, courseID, StatusActive, EventEnrollmentResumed)
}

func (s *Service) setStatus(ctx context.Context, userID, courseID string, status Status, eventType string) (Enrollment, error) {
	if err := requireUser(userID); err != nil {
		return Enrollment{}, err
	}
	e, err := s.store.SetEnrollmentStatus(ctx, userID, courseID, status)
	if err != nil {
		return Enrollment{}, backend("set enrollment status", err)
	}
	slog.Info("enrollment status changed",
		"user_id", userID,
		"course_id", courseID,
		"status", status,
	)
	s.emit(userID, eventType, map[string]any{"course_id": courseID, "level_key": e.CurrentLevel})
	return e, nil
}

// Remove deletes the enrollment row and frees its slot. Subjects, topics,
// history and study sessions are kept.
func (s *Service) Remove(ctx context.Context, userID, courseID string) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	if err := s.store.DeleteEnrollment(ctx, userID, courseID); err != nil {
		return backend("remove enrollment", err)
	}
	slog.Info("enrollment removed", "user_id", userID, "course_id", courseID)
	s.emit(userID, EventEnrollmentRemoved, map[string]any{"course_id": courseID})
	return nil
}

// History returns the level history of a course in catalog level order.
func (s *Service) History(ctx context.Context, userID, courseID string) ([]LevelHistory, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if _, ok := s.catalog.Course(courseID); !ok {
		return nil, invalid("unknown course %q", courseID)
	}
	history, err := s.store.ListHistory(ctx, userID, courseID)
	if err != nil {
		return nil, backend("list history", err)
	}
	sort.SliceStable(history, func(i, j int) bool {
		return s.levelOrder(courseID, history[i].LevelKey) < s.levelOrder(courseID, history[j].LevelKey)
	})
	return history, nil
}

// levelOrder sorts unknown levels after catalog levels.
func (s *Service) levelOrder(courseID, levelKey string) int {
	if i := s.catalog.LevelIndex(courseID, levelKey); i >= 0 {
		return i
	}
	return int(^uint(0) >> 1)
}
