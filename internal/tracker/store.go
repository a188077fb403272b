package tracker

import (
	"context"
	"sort"
	"sync"
)

// Store persists enrollments, level history, subjects, topics and study
// sessions. Every method is atomic: multi-row changes either apply fully or
// not at all, and check-then-write rules (enrollment cap, uniqueness,
// freezing) are enforced inside the same unit of work as the write.
type Store interface {
	// ListEnrollments returns active and paused enrollments ordered by slot.
	ListEnrollments(ctx context.Context, userID string) ([]Enrollment, error)
	GetEnrollment(ctx context.Context, userID, courseID string) (Enrollment, error)
	// CreateEnrollment inserts e, assigning the lowest free slot when e.Slot
	// is 0. It fails with ErrDuplicateCourse, ErrCapacityExceeded or
	// ErrSlotTaken.
	CreateEnrollment(ctx context.Context, e Enrollment) (Enrollment, error)
	SetEnrollmentStatus(ctx context.Context, userID, courseID string, status Status) (Enrollment, error)
	DeleteEnrollment(ctx context.Context, userID, courseID string) error
	// ClearLevel records history, freezes the level and advances or
	// completes the enrollment in one transaction.
	ClearLevel(ctx context.Context, t LevelTransition) (Enrollment, error)
	ListHistory(ctx context.Context, userID, courseID string) ([]LevelHistory, error)

	ListSubjects(ctx context.Context, ref LevelRef) ([]Subject, error)
	// SeedLevel inserts subjects and topics that do not exist yet. Rows of a
	// cleared level are inserted frozen.
	SeedLevel(ctx context.Context, ref LevelRef, subjects []Subject, topics []Topic) error
	// ReplaceLevel swaps all rows of a non-frozen level for the given ones.
	ReplaceLevel(ctx context.Context, ref LevelRef, subjects []Subject, topics []Topic) error
	// InsertSubject appends s after the existing subjects.
	InsertSubject(ctx context.Context, s Subject) (Subject, error)
	UpdateSubject(ctx context.Context, ref LevelRef, key string, patch SubjectPatch) (Subject, error)
	// DeleteSubject removes the subject and its topics.
	DeleteSubject(ctx context.Context, ref LevelRef, key string) error
	ReorderSubjects(ctx context.Context, ref LevelRef, keys []string) error

	ListTopics(ctx context.Context, ref LevelRef, subjectKey string) ([]Topic, error)
	// InsertTopic appends t after the subject's existing topics.
	InsertTopic(ctx context.Context, t Topic) (Topic, error)
	RenameTopic(ctx context.Context, ref LevelRef, subjectKey, oldText, newText string) error
	DeleteTopic(ctx context.Context, ref LevelRef, subjectKey, text string) error
	ReorderTopics(ctx context.Context, ref LevelRef, subjectKey string, texts []string) error

	InsertStudySession(ctx context.Context, s StudySession) error
	ListStudySessions(ctx context.Context, ref LevelRef, limit int) ([]StudySession, error)
	// StudyTotals returns logged hours keyed by subject key.
	StudyTotals(ctx context.Context, ref LevelRef) (map[string]float64, error)
}

type enrollmentKey struct {
	userID   string
	courseID string
}

type levelData struct {
	subjects map[string]Subject
	topics   map[string]map[string]Topic // subject key -> topic text -> topic
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu          sync.RWMutex
	enrollments map[enrollmentKey]Enrollment
	history     map[LevelRef]LevelHistory
	levels      map[LevelRef]*levelData
	sessions    map[LevelRef][]StudySession
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory tracker store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		enrollments: make(map[enrollmentKey]Enrollment),
		history:     make(map[LevelRef]LevelHistory),
		levels:      make(map[LevelRef]*levelData),
		sessions:    make(map[LevelRef][]StudySession),
	}
}

func (s *MemoryStore) ListEnrollments(_ context.Context, userID string) ([]Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Enrollment{}
	for k, e := range s.enrollments {
		if k.userID == userID && e.Status.Open() {
			out = append(out, cloneEnrollment(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (s *MemoryStore) GetEnrollment(_ context.Context, userID, courseID string) (Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.enrollments[enrollmentKey{userID, courseID}]
	if !ok {
		return Enrollment{}, ErrNotFound
	}
	return cloneEnrollment(e), nil
}

func (s *MemoryStore) CreateEnrollment(_ context.Context, e Enrollment) (Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := enrollmentKey{e.UserID, e.CourseID}
	if _, exists := s.enrollments[key]; exists {
		return Enrollment{}, ErrDuplicateCourse
	}

	used := make(map[int]bool)
	open := 0
	for k, other := range s.enrollments {
		if k.userID != e.UserID {
			continue
		}
		if other.Status.Open() {
			open++
		}
		if other.Slot > 0 {
			used[other.Slot] = true
		}
	}
	if open >= MaxActiveEnrollments {
		return Enrollment{}, ErrCapacityExceeded
	}

	slot, err := pickSlot(e.Slot, used)
	if err != nil {
		return Enrollment{}, err
	}
	e.Slot = slot
	if e.Status == "" {
		e.Status = StatusActive
	}
	s.enrollments[key] = e
	return cloneEnrollment(e), nil
}

// pickSlot returns the requested slot if free, or the lowest free slot.
func pickSlot(requested int, used map[int]bool) (int, error) {
	if requested != 0 {
		if used[requested] {
			return 0, ErrSlotTaken
		}
		return requested, nil
	}
	for slot := 1; slot <= MaxActiveEnrollments; slot++ {
		if !used[slot] {
			return slot, nil
		}
	}
	return 0, ErrCapacityExceeded
}

func (s *MemoryStore) SetEnrollmentStatus(_ context.Context, userID, courseID string, status Status) (Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := enrollmentKey{userID, courseID}
	e, ok := s.enrollments[key]
	if !ok {
		return Enrollment{}, ErrNotFound
	}
	if e.Status == StatusCompleted {
		return Enrollment{}, ErrEnrollmentCompleted
	}
	e.Status = status
	s.enrollments[key] = e
	return cloneEnrollment(e), nil
}

func (s *MemoryStore) DeleteEnrollment(_ context.Context, userID, courseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := enrollmentKey{userID, courseID}
	if _, ok := s.enrollments[key]; !ok {
		return ErrNotFound
	}
	delete(s.enrollments, key)
	return nil
}

func (s *MemoryStore) ClearLevel(_ context.Context, t LevelTransition) (Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := enrollmentKey{t.UserID, t.CourseID}
	e, ok := s.enrollments[key]
	if !ok {
		return Enrollment{}, ErrNotFound
	}
	if e.Status == StatusCompleted {
		return Enrollment{}, ErrEnrollmentCompleted
	}

	ref := LevelRef{UserID: t.UserID, CourseID: t.CourseID, LevelKey: t.LevelKey}
	s.history[ref] = LevelHistory{
		UserID:    t.UserID,
		CourseID:  t.CourseID,
		LevelKey:  t.LevelKey,
		Cleared:   true,
		ClearedAt: t.On,
		Notes:     t.Notes,
	}

	if ld, ok := s.levels[ref]; ok {
		for k, sub := range ld.subjects {
			sub.Frozen = true
			ld.subjects[k] = sub
		}
		for _, topics := range ld.topics {
			for text, topic := range topics {
				topic.Frozen = true
				topics[text] = topic
			}
		}
	}

	if t.NextLevel != "" {
		e.CurrentLevel = t.NextLevel
		e.Status = StatusActive
	} else {
		on := t.On
		e.Status = StatusCompleted
		e.CompletedAt = &on
		e.Slot = 0
	}
	s.enrollments[key] = e
	return cloneEnrollment(e), nil
}

func (s *MemoryStore) ListHistory(_ context.Context, userID, courseID string) ([]LevelHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []LevelHistory{}
	for ref, h := range s.history {
		if ref.UserID == userID && ref.CourseID == courseID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LevelKey < out[j].LevelKey })
	return out, nil
}

func (s *MemoryStore) ListSubjects(_ context.Context, ref LevelRef) ([]Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Subject{}
	if ld, ok := s.levels[ref]; ok {
		for _, sub := range ld.subjects {
			out = append(out, sub)
		}
	}
	sortSubjects(out)
	return out, nil
}

func (s *MemoryStore) SeedLevel(_ context.Context, ref LevelRef, subjects []Subject, topics []Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frozen := s.clearedLocked(ref)
	ld := s.levelLocked(ref)
	for _, sub := range subjects {
		if _, exists := ld.subjects[sub.Key]; exists {
			continue
		}
		sub.Frozen = sub.Frozen || frozen
		ld.subjects[sub.Key] = sub
	}
	for _, t := range topics {
		byText := ld.topicsFor(t.SubjectKey)
		if _, exists := byText[t.Text]; exists {
			continue
		}
		t.Frozen = t.Frozen || frozen
		byText[t.Text] = t
	}
	return nil
}

func (s *MemoryStore) ReplaceLevel(_ context.Context, ref LevelRef, subjects []Subject, topics []Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozenLocked(ref) {
		return ErrFrozen
	}

	ld := &levelData{
		subjects: make(map[string]Subject),
		topics:   make(map[string]map[string]Topic),
	}
	for _, sub := range subjects {
		ld.subjects[sub.Key] = sub
	}
	for _, t := range topics {
		ld.topicsFor(t.SubjectKey)[t.Text] = t
	}
	s.levels[ref] = ld
	return nil
}

func (s *MemoryStore) InsertSubject(_ context.Context, sub Subject) (Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := sub.Ref()
	if s.clearedLocked(ref) {
		return Subject{}, ErrFrozen
	}
	ld := s.levelLocked(ref)
	if _, exists := ld.subjects[sub.Key]; exists {
		return Subject{}, ErrDuplicateSubject
	}

	sub.Position = 0
	for _, other := range ld.subjects {
		if other.Position >= sub.Position {
			sub.Position = other.Position + 1
		}
	}
	sub.Frozen = false
	ld.subjects[sub.Key] = sub
	return sub, nil
}

func (s *MemoryStore) UpdateSubject(_ context.Context, ref LevelRef, key string, patch SubjectPatch) (Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.mutableSubjectLocked(ref, key)
	if err != nil {
		return Subject{}, err
	}
	if patch.Label != nil {
		sub.Label = *patch.Label
	}
	if patch.TargetHours != nil {
		sub.TargetHours = *patch.TargetHours
	}
	if patch.Color != nil {
		sub.Color = *patch.Color
	}
	s.levels[ref].subjects[key] = sub
	return sub, nil
}

func (s *MemoryStore) DeleteSubject(_ context.Context, ref LevelRef, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.mutableSubjectLocked(ref, key); err != nil {
		return err
	}
	ld := s.levels[ref]
	delete(ld.subjects, key)
	delete(ld.topics, key)
	return nil
}

func (s *MemoryStore) ReorderSubjects(_ context.Context, ref LevelRef, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ld, ok := s.levels[ref]
	if !ok || len(ld.subjects) == 0 {
		return ErrNotFound
	}
	if s.frozenLocked(ref) {
		return ErrFrozen
	}
	if !isPermutation(keys, mapKeys(ld.subjects)) {
		return invalid("order must list every subject exactly once")
	}
	for i, k := range keys {
		sub := ld.subjects[k]
		sub.Position = i
		ld.subjects[k] = sub
	}
	return nil
}

func (s *MemoryStore) ListTopics(_ context.Context, ref LevelRef, subjectKey string) ([]Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Topic{}
	if ld, ok := s.levels[ref]; ok {
		for _, t := range ld.topics[subjectKey] {
			out = append(out, t)
		}
	}
	sortTopics(out)
	return out, nil
}

func (s *MemoryStore) InsertTopic(_ context.Context, t Topic) (Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := LevelRef{UserID: t.UserID, CourseID: t.CourseID, LevelKey: t.LevelKey}
	if _, err := s.mutableSubjectLocked(ref, t.SubjectKey); err != nil {
		return Topic{}, err
	}
	byText := s.levels[ref].topicsFor(t.SubjectKey)
	if _, exists := byText[t.Text]; exists {
		return Topic{}, ErrDuplicateTopic
	}

	t.Position = 0
	for _, other := range byText {
		if other.Position >= t.Position {
			t.Position = other.Position + 1
		}
	}
	t.Frozen = false
	byText[t.Text] = t
	return t, nil
}

func (s *MemoryStore) RenameTopic(_ context.Context, ref LevelRef, subjectKey, oldText, newText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byText, err := s.topicsLocked(ref, subjectKey)
	if err != nil {
		return err
	}
	t, ok := byText[oldText]
	if !ok {
		return ErrNotFound
	}
	if t.Frozen {
		return ErrFrozen
	}
	if oldText == newText {
		return nil
	}
	if _, exists := byText[newText]; exists {
		return ErrDuplicateTopic
	}
	delete(byText, oldText)
	t.Text = newText
	byText[newText] = t
	return nil
}

func (s *MemoryStore) DeleteTopic(_ context.Context, ref LevelRef, subjectKey, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byText, err := s.topicsLocked(ref, subjectKey)
	if err != nil {
		return err
	}
	t, ok := byText[text]
	if !ok {
		return ErrNotFound
	}
	if t.Frozen {
		return ErrFrozen
	}
	delete(byText, text)
	return nil
}

func (s *MemoryStore) ReorderTopics(_ context.Context, ref LevelRef, subjectKey string, texts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.mutableSubjectLocked(ref, subjectKey); err != nil {
		return err
	}
	byText := s.levels[ref].topicsFor(subjectKey)
	if !isPermutation(texts, mapKeys(byText)) {
		return invalid("order must list every topic exactly once")
	}
	for i, text := range texts {
		t := byText[text]
		t.Position = i
		byText[text] = t
	}
	return nil
}

func (s *MemoryStore) InsertStudySession(_ context.Context, sess StudySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := LevelRef{UserID: sess.UserID, CourseID: sess.CourseID, LevelKey: sess.LevelKey}
	s.sessions[ref] = append(s.sessions[ref], sess)
	return nil
}

func (s *MemoryStore) ListStudySessions(_ context.Context, ref LevelRef, limit int) ([]StudySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]StudySession{}, s.sessions[ref]...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StudiedOn.Equal(out[j].StudiedOn) {
			return out[i].StudiedOn.After(out[j].StudiedOn)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) StudyTotals(_ context.Context, ref LevelRef) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[string]float64)
	for _, sess := range s.sessions[ref] {
		totals[sess.SubjectKey] += sess.Hours
	}
	return totals, nil
}

func (s *MemoryStore) levelLocked(ref LevelRef) *levelData {
	ld, ok := s.levels[ref]
	if !ok {
		ld = &levelData{
			subjects: make(map[string]Subject),
			topics:   make(map[string]map[string]Topic),
		}
		s.levels[ref] = ld
	}
	return ld
}

func (ld *levelData) topicsFor(subjectKey string) map[string]Topic {
	byText, ok := ld.topics[subjectKey]
	if !ok {
		byText = make(map[string]Topic)
		ld.topics[subjectKey] = byText
	}
	return byText
}

func (s *MemoryStore) clearedLocked(ref LevelRef) bool {
	h, ok := s.history[ref]
	return ok && h.Cleared
}

// frozenLocked reports whether the level is cleared or holds frozen rows.
func (s *MemoryStore) frozenLocked(ref LevelRef) bool {
	if s.clearedLocked(ref) {
		return true
	}
	if ld, ok := s.levels[ref]; ok {
		for _, sub := range ld.subjects {
			if sub.Frozen {
				return true
			}
		}
	}
	return false
}

func (s *MemoryStore) mutableSubjectLocked(ref LevelRef, key string) (Subject, error) {
	ld, ok := s.levels[ref]
	if !ok {
		return Subject{}, ErrNotFound
	}
	sub, ok := ld.subjects[key]
	if !ok {
		return Subject{}, ErrNotFound
	}
	if sub.Frozen {
		return Subject{}, ErrFrozen
	}
	return sub, nil
}

func (s *MemoryStore) topicsLocked(ref LevelRef, subjectKey string) (map[string]Topic, error) {
	ld, ok := s.levels[ref]
	if !ok {
		return nil, ErrNotFound
	}
	if _, ok := ld.subjects[subjectKey]; !ok {
		return nil, ErrNotFound
	}
	return ld.topicsFor(subjectKey), nil
}

func cloneEnrollment(e Enrollment) Enrollment {
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		e.CompletedAt = &at
	}
	return e
}

func sortSubjects(subjects []Subject) {
	sort.Slice(subjects, func(i, j int) bool {
		if subjects[i].Position != subjects[j].Position {
			return subjects[i].Position < subjects[j].Position
		}
		return subjects[i].Key < subjects[j].Key
	})
}

func sortTopics(topics []Topic) {
	sort.Slice(topics, func(i, j int) bool {
		if topics[i].Position != topics[j].Position {
			return topics[i].Position < topics[j].Position
		}
		return topics[i].Text < topics[j].Text
	})
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// isPermutation reports whether order lists every element of current
// exactly once.
func isPermutation(order, current []string) bool {
	if len(order) != len(current) {
		return false
	}
	want := make(map[string]bool, len(current))
	for _, c := range current {
		want[c] = true
	}
	seen := make(map[string]bool, len(order))
	for _, o := range order {
		if !want[o] || seen[o] {
			return false
		}
		seen[o] = true
	}
	return true
}
