package tracker

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/p-n-ai/pai-tracker/internal/catalog"
)

const (
	defaultSubjectColor = "#64748B"
	suggestedKeyLen     = 8
	maxLabelLen         = 80
	maxTopicLen         = 200
	maxTargetHours      = 10000
)

var (
	subjectKeyPattern = regexp.MustCompile(`^[A-Z0-9_]{1,16}$`)
	colorPattern      = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
)

// NewSubject describes a user-defined subject. An empty Key is derived from
// the label with SuggestKey.
type NewSubject struct {
	Key         string  `json:"subject_key,omitempty"`
	Label       string  `json:"label"`
	TargetHours float64 `json:"target_hours"`
	Color       string  `json:"color,omitempty"`
}

// SuggestKey derives a subject key from a label: compatibility-decomposed
// with combining marks dropped (so "Économie" keeps its E), uppercased,
// stripped of everything but ASCII letters and digits, truncated to 8
// characters. Scripts without an ASCII folding yield "SUBJECT".
func SuggestKey(label string) string {
	folded, _, err := transform.String(accentFolder(), label)
	if err != nil {
		folded = label
	}

	var b strings.Builder
	for _, r := range cases.Upper(language.Und).String(folded) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == suggestedKeyLen {
				break
			}
		}
	}
	if b.Len() == 0 {
		return "SUBJECT"
	}
	return b.String()
}

// accentFolder returns a fresh transformer; transformers keep state and are
// not safe for concurrent use.
func accentFolder() transform.Transformer {
	return transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
}

// FetchSubjects returns the user's subjects for a level ordered by
// position, seeding them from the catalog on first access.
func (s *Service) FetchSubjects(ctx context.Context, ref LevelRef) ([]Subject, error) {
	level, err := s.level(ref)
	if err != nil {
		return nil, err
	}

	key := subjectsCacheKey(ref)
	var cached []Subject
	if s.cacheGet(ctx, key, &cached) {
		return cached, nil
	}

	subjects, err := s.store.ListSubjects(ctx, ref)
	if err != nil {
		return nil, backend("list subjects", err)
	}
	if len(subjects) == 0 && len(level.Subjects) > 0 {
		rows, topics := defaultRows(ref, level)
		if err := s.store.SeedLevel(ctx, ref, rows, topics); err != nil {
			return nil, backend("seed subjects", err)
		}
		slog.Info("seeded default subjects", append(refAttrs(ref), "subjects", len(rows), "topics", len(topics))...)

		subjects, err = s.store.ListSubjects(ctx, ref)
		if err != nil {
			return nil, backend("list subjects", err)
		}
	}

	s.cacheSet(ctx, key, subjects)
	return subjects, nil
}

// FetchTopics returns a subject's topics ordered by position. Topics are
// seeded together with the level's subjects, so a subject whose topics were
// all deleted stays empty.
func (s *Service) FetchTopics(ctx context.Context, ref LevelRef, subjectKey string) ([]Topic, error) {
	if _, err := s.findSubject(ctx, ref, subjectKey); err != nil {
		return nil, err
	}

	key := topicsCacheKey(ref, subjectKey)
	var cached []Topic
	if s.cacheGet(ctx, key, &cached) {
		return cached, nil
	}

	topics, err := s.store.ListTopics(ctx, ref, subjectKey)
	if err != nil {
		return nil, backend("list topics", err)
	}

	s.cacheSet(ctx, key, topics)
	return topics, nil
}

// AddSubject appends a user-defined subject to a level.
func (s *Service) AddSubject(ctx context.Context, ref LevelRef, n NewSubject) (Subject, error) {
	if _, err := s.FetchSubjects(ctx, ref); err != nil {
		return Subject{}, err
	}

	label := strings.TrimSpace(n.Label)
	if err := validateLabel(label); err != nil {
		return Subject{}, err
	}
	if err := validateTarget(n.TargetHours); err != nil {
		return Subject{}, err
	}
	color := strings.TrimSpace(n.Color)
	if color == "" {
		color = defaultSubjectColor
	}
	if err := validateColor(color); err != nil {
		return Subject{}, err
	}
	key := strings.TrimSpace(n.Key)
	if key == "" {
		key = SuggestKey(label)
	}
	if !subjectKeyPattern.MatchString(key) {
		return Subject{}, invalid("subject key %q must match %s", key, subjectKeyPattern)
	}

	sub, err := s.store.InsertSubject(ctx, Subject{
		UserID:      ref.UserID,
		CourseID:    ref.CourseID,
		LevelKey:    ref.LevelKey,
		Key:         key,
		Label:       label,
		TargetHours: n.TargetHours,
		Color:       color,
	})
	if err != nil {
		return Subject{}, backend("add subject", err)
	}
	s.invalidate(ctx, ref)

	slog.Info("subject added", append(refAttrs(ref), "subject_key", key)...)
	s.emit(ref.UserID, EventSubjectAdded, refData(ref, "subject_key", key))
	return sub, nil
}

// UpdateSubject changes the label, target hours or color of a subject.
func (s *Service) UpdateSubject(ctx context.Context, ref LevelRef, subjectKey string, patch SubjectPatch) (Subject, error) {
	if _, err := s.level(ref); err != nil {
		return Subject{}, err
	}
	if patch.Empty() {
		return Subject{}, invalid("nothing to update")
	}
	if patch.Label != nil {
		label := strings.TrimSpace(*patch.Label)
		if err := validateLabel(label); err != nil {
			return Subject{}, err
		}
		patch.Label = &label
	}
	if patch.TargetHours != nil {
		if err := validateTarget(*patch.TargetHours); err != nil {
			return Subject{}, err
		}
	}
	if patch.Color != nil {
		if err := validateColor(*patch.Color); err != nil {
			return Subject{}, err
		}
	}

	sub, err := s.store.UpdateSubject(ctx, ref, subjectKey, patch)
	if err != nil {
		return Subject{}, backend("update subject", err)
	}
	s.invalidate(ctx, ref)

	s.emit(ref.UserID, EventSubjectUpdated, refData(ref, "subject_key", subjectKey))
	return sub, nil
}

// DeleteSubject removes a subject and all of its topics.
func (s *Service) DeleteSubject(ctx context.Context, ref LevelRef, subjectKey string) error {
	if _, err := s.level(ref); err != nil {
		return err
	}
	if err := s.store.DeleteSubject(ctx, ref, subjectKey); err != nil {
		return backend("delete subject", err)
	}
	s.invalidate(ctx, ref)

	slog.Info("subject deleted", append(refAttrs(ref), "subject_key", subjectKey)...)
	s.emit(ref.UserID, EventSubjectDeleted, refData(ref, "subject_key", subjectKey))
	return nil
}

// ReorderSubjects sets subject positions to the order of keys, which must
// list every current subject exactly once.
func (s *Service) ReorderSubjects(ctx context.Context, ref LevelRef, keys []string) error {
	if _, err := s.level(ref); err != nil {
		return err
	}
	if len(keys) == 0 {
		return invalid("order is empty")
	}
	if err := s.store.ReorderSubjects(ctx, ref, keys); err != nil {
		return backend("reorder subjects", err)
	}
	s.invalidate(ctx, ref)

	s.emit(ref.UserID, EventSubjectsReordered, refData(ref, "order", keys))
	return nil
}

// ResetSubjects replaces a level's subjects and topics with the current
// catalog defaults. Cleared levels cannot be reset.
func (s *Service) ResetSubjects(ctx context.Context, ref LevelRef) ([]Subject, error) {
	level, err := s.level(ref)
	if err != nil {
		return nil, err
	}
	rows, topics := defaultRows(ref, level)
	if err := s.store.ReplaceLevel(ctx, ref, rows, topics); err != nil {
		return nil, backend("reset subjects", err)
	}
	s.invalidate(ctx, ref)

	slog.Info("subjects reset to catalog defaults", refAttrs(ref)...)
	s.emit(ref.UserID, EventSubjectsReset, refData(ref, "catalog_version", s.catalog.Version))
	return s.FetchSubjects(ctx, ref)
}

// AddTopic appends a topic to a subject. Topics are compared by exact
// string.
func (s *Service) AddTopic(ctx context.Context, ref LevelRef, subjectKey, text string) (Topic, error) {
	if err := validateTopic(text); err != nil {
		return Topic{}, err
	}
	if _, err := s.FetchTopics(ctx, ref, subjectKey); err != nil {
		return Topic{}, err
	}

	t, err := s.store.InsertTopic(ctx, Topic{
		UserID:     ref.UserID,
		CourseID:   ref.CourseID,
		LevelKey:   ref.LevelKey,
		SubjectKey: subjectKey,
		Text:       text,
	})
	if err != nil {
		return Topic{}, backend("add topic", err)
	}
	s.invalidate(ctx, ref)

	s.emit(ref.UserID, EventTopicAdded, refData(ref, "subject_key", subjectKey, "topic", text))
	return t, nil
}

// RenameTopic changes a topic's text in place.
func (s *Service) RenameTopic(ctx context.Context, ref LevelRef, subjectKey, oldText, newText string) error {
	if _, err := s.level(ref); err != nil {
		return err
	}
	if err := validateTopic(newText); err != nil {
		return err
	}
	if err := s.store.RenameTopic(ctx, ref, subjectKey, oldText, newText); err != nil {
		return backend("rename topic", err)
	}
	s.invalidate(ctx, ref)

	s.emit(ref.UserID, EventTopicRenamed, refData(ref, "subject_key", subjectKey, "from", oldText, "to", newText))
	return nil
}

// DeleteTopic removes a topic from a subject.
func (s *Service) DeleteTopic(ctx context.Context, ref LevelRef, subjectKey, text string) error {
	if _, err := s.level(ref); err != nil {
		return err
	}
	if err := s.store.DeleteTopic(ctx, ref, subjectKey, text); err != nil {
		return backend("delete topic", err)
	}
	s.invalidate(ctx, ref)

	s.emit(ref.UserID, EventTopicDeleted, refData(ref, "subject_key", subjectKey, "topic", text))
	return nil
}

// ReorderTopics sets topic positions to the order of texts, which must list
// every current topic exactly once.
func (s *Service) ReorderTopics(ctx context.Context, ref LevelRef, subjectKey string, texts []string) error {
	if _, err := s.level(ref); err != nil {
		return err
	}
	if len(texts) == 0 {
		return invalid("order is empty")
	}
	if err := s.store.ReorderTopics(ctx, ref, subjectKey, texts); err != nil {
		return backend("reorder topics", err)
	}
	s.invalidate(ctx, ref)

	s.emit(ref.UserID, EventTopicsReordered, refData(ref, "subject_key", subjectKey))
	return nil
}

func (s *Service) findSubject(ctx context.Context, ref LevelRef, subjectKey string) (Subject, error) {
	subjects, err := s.FetchSubjects(ctx, ref)
	if err != nil {
		return Subject{}, err
	}
	for _, sub := range subjects {
		if sub.Key == subjectKey {
			return sub, nil
		}
	}
	return Subject{}, ErrNotFound
}

// defaultRows copies a catalog level into subject and topic rows with
// positions in catalog order.
func defaultRows(ref LevelRef, level catalog.Level) ([]Subject, []Topic) {
	subjects := make([]Subject, 0, len(level.Subjects))
	var topics []Topic
	for i, def := range level.Subjects {
		subjects = append(subjects, Subject{
			UserID:      ref.UserID,
			CourseID:    ref.CourseID,
			LevelKey:    ref.LevelKey,
			Key:         def.Key,
			Label:       def.Label,
			TargetHours: def.TargetHours,
			Color:       def.Color,
			Position:    i,
		})
		topics = append(topics, topicRows(ref, def.Key, def.Topics)...)
	}
	return subjects, topics
}

func topicRows(ref LevelRef, subjectKey string, texts []string) []Topic {
	topics := make([]Topic, 0, len(texts))
	for i, text := range texts {
		topics = append(topics, Topic{
			UserID:     ref.UserID,
			CourseID:   ref.CourseID,
			LevelKey:   ref.LevelKey,
			SubjectKey: subjectKey,
			Text:       text,
			Position:   i,
		})
	}
	return topics
}

func validateLabel(label string) error {
	if label == "" {
		return invalid("label is required")
	}
	if utf8.RuneCountInString(label) > maxLabelLen {
		return invalid("label must be at most %d characters", maxLabelLen)
	}
	return nil
}

func validateTarget(hours float64) error {
	if math.IsNaN(hours) || hours < 0 || hours > maxTargetHours {
		return invalid("target hours must be between 0 and %d", maxTargetHours)
	}
	return nil
}

func validateColor(color string) error {
	if !colorPattern.MatchString(color) {
		return invalid("color %q must be a #RRGGBB hex value", color)
	}
	return nil
}

func validateTopic(text string) error {
	if strings.TrimSpace(text) == "" {
		return invalid("topic is required")
	}
	if utf8.RuneCountInString(text) > maxTopicLen {
		return invalid("topic must be at most %d characters", maxTopicLen)
	}
	return nil
}
