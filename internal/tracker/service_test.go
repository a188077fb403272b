package tracker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/p-n-ai/pai-tracker/internal/catalog"
	"github.com/p-n-ai/pai-tracker/internal/tracker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc    *tracker.Service
	store  *tracker.MemoryStore
	events *tracker.MemoryEventLogger
	clock  *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default() error = %v", err)
	}
	f := &fixture{
		store:  tracker.NewMemoryStore(),
		events: tracker.NewMemoryEventLogger(),
		clock:  newFakeClock(),
	}
	f.svc, err = tracker.NewService(tracker.ServiceConfig{
		Store:    f.store,
		Catalog:  cat,
		Events:   f.events,
		Clock:    f.clock.Now,
		CacheTTL: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return f
}

func (f *fixture) enroll(t *testing.T, user, course, level string) tracker.Enrollment {
	t.Helper()
	e, err := f.svc.Enroll(context.Background(), user, tracker.EnrollRequest{CourseID: course, LevelKey: level})
	if err != nil {
		t.Fatalf("Enroll(%s, %s) error = %v", course, level, err)
	}
	return e
}

var caFoundation = tracker.LevelRef{UserID: "u1", CourseID: "ca", LevelKey: "ca_foundation"}

func TestNewService_RequiresCatalog(t *testing.T) {
	if _, err := tracker.NewService(tracker.ServiceConfig{}); err == nil {
		t.Fatal("NewService() without catalog should fail")
	}
}

func TestEnroll_ThirdCourseExceedsCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ca := f.enroll(t, "u1", "ca", "ca_foundation")
	jee := f.enroll(t, "u1", "jee", "jee_main")
	if ca.Slot != 1 || jee.Slot != 2 {
		t.Errorf("slots = %d, %d, want 1, 2", ca.Slot, jee.Slot)
	}

	_, err := f.svc.Enroll(ctx, "u1", tracker.EnrollRequest{CourseID: "neet", LevelKey: "neet_ug"})
	if !errors.Is(err, tracker.ErrCapacityExceeded) {
		t.Fatalf("third Enroll() error = %v, want ErrCapacityExceeded", err)
	}

	list, err := f.svc.ListEnrollments(ctx, "u1")
	if err != nil {
		t.Fatalf("ListEnrollments() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListEnrollments() len = %d, want 2", len(list))
	}
	if list[0].CourseID != "ca" || list[1].CourseID != "jee" {
		t.Errorf("ListEnrollments() order = %s, %s", list[0].CourseID, list[1].CourseID)
	}
}

func TestEnroll_DuplicateCourse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enroll(t, "u1", "ca", "ca_foundation")
	_, err := f.svc.Enroll(ctx, "u1", tracker.EnrollRequest{CourseID: "ca", LevelKey: "ca_inter"})
	if !errors.Is(err, tracker.ErrDuplicateCourse) {
		t.Fatalf("Enroll() error = %v, want ErrDuplicateCourse", err)
	}

	list, _ := f.svc.ListEnrollments(ctx, "u1")
	if len(list) != 1 || list[0].CurrentLevel != "ca_foundation" {
		t.Errorf("duplicate enroll modified state: %+v", list)
	}
}

func TestEnroll_DuplicateCheckedBeforeCapacity(t *testing.T) {
	f := newFixture(t)

	f.enroll(t, "u1", "ca", "ca_foundation")
	f.enroll(t, "u1", "jee", "jee_main")

	_, err := f.svc.Enroll(context.Background(), "u1", tracker.EnrollRequest{CourseID: "jee", LevelKey: "jee_main"})
	if !errors.Is(err, tracker.ErrDuplicateCourse) {
		t.Fatalf("Enroll() error = %v, want ErrDuplicateCourse", err)
	}
}

func TestEnroll_InvalidInput(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		user string
		req  tracker.EnrollRequest
	}{
		{"missing user", "", tracker.EnrollRequest{CourseID: "ca", LevelKey: "ca_foundation"}},
		{"unknown course", "u1", tracker.EnrollRequest{CourseID: "mba", LevelKey: "mba_one"}},
		{"level of another course", "u1", tracker.EnrollRequest{CourseID: "ca", LevelKey: "jee_main"}},
		{"slot out of range", "u1", tracker.EnrollRequest{CourseID: "ca", LevelKey: "ca_foundation", Slot: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Enroll(context.Background(), tt.user, tt.req)
			if !errors.Is(err, tracker.ErrInvalidInput) {
				t.Errorf("Enroll() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestEnroll_Slots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jee, err := f.svc.Enroll(ctx, "u1", tracker.EnrollRequest{CourseID: "jee", LevelKey: "jee_main", Slot: 2})
	if err != nil {
		t.Fatalf("Enroll(slot 2) error = %v", err)
	}
	if jee.Slot != 2 {
		t.Errorf("Slot = %d, want 2", jee.Slot)
	}

	_, err = f.svc.Enroll(ctx, "u1", tracker.EnrollRequest{CourseID: "ca", LevelKey: "ca_foundation", Slot: 2})
	if !errors.Is(err, tracker.ErrSlotTaken) {
		t.Fatalf("Enroll(taken slot) error = %v, want ErrSlotTaken", err)
	}

	ca := f.enroll(t, "u1", "ca", "ca_foundation")
	if ca.Slot != 1 {
		t.Errorf("Slot = %d, want 1", ca.Slot)
	}

	if err := f.svc.Remove(ctx, "u1", "jee"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	neet := f.enroll(t, "u1", "neet", "neet_ug")
	if neet.Slot != 2 {
		t.Errorf("Slot after remove = %d, want 2", neet.Slot)
	}
}

func TestEnroll_ConcurrentRespectsCapacity(t *testing.T) {
	f := newFixture(t)
	courses := []tracker.EnrollRequest{
		{CourseID: "ca", LevelKey: "ca_foundation"},
		{CourseID: "jee", LevelKey: "jee_main"},
		{CourseID: "neet", LevelKey: "neet_ug"},
		{CourseID: "cs", LevelKey: "cs_executive"},
		{CourseID: "cma", LevelKey: "cma_foundation"},
		{CourseID: "upsc", LevelKey: "upsc_prelims"},
		{CourseID: "clat", LevelKey: "clat_ug"},
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for _, req := range courses {
		wg.Add(1)
		go func(req tracker.EnrollRequest) {
			defer wg.Done()
			if _, err := f.svc.Enroll(context.Background(), "u1", req); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, tracker.ErrCapacityExceeded) {
				t.Errorf("Enroll(%s) error = %v", req.CourseID, err)
			}
		}(req)
	}
	wg.Wait()

	if succeeded != tracker.MaxActiveEnrollments {
		t.Errorf("succeeded = %d, want %d", succeeded, tracker.MaxActiveEnrollments)
	}
	list, _ := f.svc.ListEnrollments(context.Background(), "u1")
	if len(list) != tracker.MaxActiveEnrollments {
		t.Errorf("ListEnrollments() len = %d", len(list))
	}
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "u1", "ca", "ca_foundation")

	e, err := f.svc.Pause(ctx, "u1", "ca")
	if err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if e.Status != tracker.StatusPaused {
		t.Errorf("Status = %s, want paused", e.Status)
	}
	if _, err := f.svc.Pause(ctx, "u1", "ca"); err != nil {
		t.Errorf("second Pause() error = %v", err)
	}

	// Paused enrollments still hold a slot.
	f.enroll(t, "u1", "jee", "jee_main")
	if _, err := f.svc.Enroll(ctx, "u1", tracker.EnrollRequest{CourseID: "neet", LevelKey: "neet_ug"}); !errors.Is(err, tracker.ErrCapacityExceeded) {
		t.Errorf("Enroll() with a paused course error = %v, want ErrCapacityExceeded", err)
	}

	e, err = f.svc.Resume(ctx, "u1", "ca")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if e.Status != tracker.StatusActive {
		t.Errorf("Status = %s, want active", e.Status)
	}

	if _, err := f.svc.Pause(ctx, "u1", "neet"); !errors.Is(err, tracker.ErrNotFound) {
		t.Errorf("Pause(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPause_CompletedEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "u1", "neet", "neet_ug")

	if _, err := f.svc.ClearLevel(ctx, "u1", tracker.ClearLevelRequest{CourseID: "neet", LevelKey: "neet_ug"}); err != nil {
		t.Fatalf("ClearLevel() error = %v", err)
	}
	if _, err := f.svc.Pause(ctx, "u1", "neet"); !errors.Is(err, tracker.ErrEnrollmentCompleted) {
		t.Errorf("Pause(completed) error = %v, want ErrEnrollmentCompleted", err)
	}
	if _, err := f.svc.Resume(ctx, "u1", "neet"); !errors.Is(err, tracker.ErrEnrollmentCompleted) {
		t.Errorf("Resume(completed) error = %v, want ErrEnrollmentCompleted", err)
	}
}

func TestRemove_KeepsSubjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "u1", "ca", "ca_foundation")
	if _, err := f.svc.FetchSubjects(ctx, caFoundation); err != nil {
		t.Fatalf("FetchSubjects() error = %v", err)
	}

	if err := f.svc.Remove(ctx, "u1", "ca"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := f.svc.Remove(ctx, "u1", "ca"); !errors.Is(err, tracker.ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}

	rows, _ := f.store.ListSubjects(ctx, caFoundation)
	if len(rows) != 4 {
		t.Errorf("subjects after remove = %d, want 4", len(rows))
	}
}

func TestFetchSubjects_SeedsCAFoundation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	subjects, err := f.svc.FetchSubjects(ctx, caFoundation)
	if err != nil {
		t.Fatalf("FetchSubjects() error = %v", err)
	}

	want := []string{"ACCOUNTS", "MATHS", "MECON", "BLAW"}
	if len(subjects) != len(want) {
		t.Fatalf("FetchSubjects() len = %d, want %d", len(subjects), len(want))
	}
	for i, s := range subjects {
		if s.Key != want[i] {
			t.Errorf("subject[%d] = %s, want %s", i, s.Key, want[i])
		}
		if s.Position != i {
			t.Errorf("subject %s position = %d, want %d", s.Key, s.Position, i)
		}
		if s.Frozen {
			t.Errorf("subject %s is frozen", s.Key)
		}
	}

	topics, err := f.svc.FetchTopics(ctx, caFoundation, "ACCOUNTS")
	if err != nil {
		t.Fatalf("FetchTopics() error = %v", err)
	}
	def, _ := f.svc.Catalog().Subject("ca", "ca_foundation", "ACCOUNTS")
	if len(topics) != len(def.Topics) {
		t.Fatalf("FetchTopics() len = %d, want %d", len(topics), len(def.Topics))
	}
	if topics[0].Text != def.Topics[0] || topics[0].Position != 0 {
		t.Errorf("first topic = %+v", topics[0])
	}
}

func TestFetchSubjects_SeedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		subjects, err := f.svc.FetchSubjects(ctx, caFoundation)
		if err != nil {
			t.Fatalf("FetchSubjects() error = %v", err)
		}
		if len(subjects) != 4 {
			t.Fatalf("FetchSubjects() call %d len = %d, want 4", i, len(subjects))
		}
		f.clock.Advance(time.Minute)
	}

	cat := f.svc.Catalog()
	level, _ := cat.Level("ca", "ca_foundation")
	dup := []tracker.Subject{{UserID: "u1", CourseID: "ca", LevelKey: "ca_foundation", Key: level.Subjects[0].Key, Label: "Changed"}}
	if err := f.store.SeedLevel(ctx, caFoundation, dup, nil); err != nil {
		t.Fatalf("SeedLevel() error = %v", err)
	}
	rows, _ := f.store.ListSubjects(ctx, caFoundation)
	if len(rows) != 4 || rows[0].Label == "Changed" {
		t.Errorf("re-seed changed rows: %+v", rows)
	}
}

func TestFetchSubjects_UnknownLevel(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.FetchSubjects(context.Background(), tracker.LevelRef{UserID: "u1", CourseID: "ca", LevelKey: "ca_nope"})
	if !errors.Is(err, tracker.ErrInvalidInput) {
		t.Errorf("FetchSubjects() error = %v, want ErrInvalidInput", err)
	}
}

func TestFetchTopics_UnknownSubject(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.FetchTopics(context.Background(), caFoundation, "PHY")
	if !errors.Is(err, tracker.ErrNotFound) {
		t.Errorf("FetchTopics() error = %v, want ErrNotFound", err)
	}
}

func TestFetchSubjects_CacheExpiresAfterTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.FetchSubjects(ctx, caFoundation); err != nil {
		t.Fatalf("FetchSubjects() error = %v", err)
	}

	// A write that bypasses the service is invisible until the TTL passes.
	if _, err := f.store.InsertSubject(ctx, tracker.Subject{
		UserID: "u1", CourseID: "ca", LevelKey: "ca_foundation", Key: "EXTRA", Label: "Extra",
	}); err != nil {
		t.Fatalf("InsertSubject() error = %v", err)
	}

	f.clock.Advance(29 * time.Second)
	subjects, _ := f.svc.FetchSubjects(ctx, caFoundation)
	if len(subjects) != 4 {
		t.Errorf("within TTL len = %d, want cached 4", len(subjects))
	}

	f.clock.Advance(2 * time.Second)
	subjects, _ = f.svc.FetchSubjects(ctx, caFoundation)
	if len(subjects) != 5 {
		t.Errorf("after TTL len = %d, want 5", len(subjects))
	}
}

func TestFetchSubjects_MutationInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.FetchTopics(ctx, caFoundation, "BLAW"); err != nil {
		t.Fatalf("FetchTopics() error = %v", err)
	}
	if _, err := f.svc.AddSubject(ctx, caFoundation, tracker.NewSubject{Label: "Soft Skills", TargetHours: 10}); err != nil {
		t.Fatalf("AddSubject() error = %v", err)
	}
	subjects, _ := f.svc.FetchSubjects(ctx, caFoundation)
	if len(subjects) != 5 {
		t.Errorf("FetchSubjects() after add len = %d, want 5", len(subjects))
	}

	before, _ := f.svc.FetchTopics(ctx, caFoundation, "BLAW")
	if _, err := f.svc.AddTopic(ctx, caFoundation, "BLAW", "Case Studies"); err != nil {
		t.Fatalf("AddTopic() error = %v", err)
	}
	after, _ := f.svc.FetchTopics(ctx, caFoundation, "BLAW")
	if len(after) != len(before)+1 {
		t.Errorf("FetchTopics() after add len = %d, want %d", len(after), len(before)+1)
	}
}

func TestClearLevel_AdvancesAndFreezes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "u1", "ca", "ca_foundation")
	if _, err := f.svc.FetchSubjects(ctx, caFoundation); err != nil {
		t.Fatalf("FetchSubjects() error = %v", err)
	}
	if _, err := f.svc.FetchTopics(ctx, caFoundation, "MATHS"); err != nil {
		t.Fatalf("FetchTopics() error = %v", err)
	}

	e, err := f.svc.ClearLevel(ctx, "u1", tracker.ClearLevelRequest{
		CourseID:  "ca",
		LevelKey:  "ca_foundation",
		NextLevel: "ca_inter",
		Notes:     "Passed with exemption in Accounts",
	})
	if err != nil {
		t.Fatalf("ClearLevel() error = %v", err)
	}
	if e.CurrentLevel != "ca_inter" || e.Status != tracker.StatusActive {
		t.Errorf("enrollment = %+v, want ca_inter/active", e)
	}

	subjects, _ := f.svc.FetchSubjects(ctx, caFoundation)
	for _, s := range subjects {
		if !s.Frozen {
			t.Errorf("subject %s not frozen", s.Key)
		}
	}
	topics, _ := f.svc.FetchTopics(ctx, caFoundation, "MATHS")
	for _, tp := range topics {
		if !tp.Frozen {
			t.Errorf("topic %q not frozen", tp.Text)
		}
	}

	history, err := f.svc.History(ctx, "u1", "ca")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("History() len = %d, want 1", len(history))
	}
	h := history[0]
	if !h.Cleared || h.LevelKey != "ca_foundation" || h.Notes != "Passed with exemption in Accounts" {
		t.Errorf("history = %+v", h)
	}
	if want := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC); !h.ClearedAt.Equal(want) {
		t.Errorf("ClearedAt = %v, want %v", h.ClearedAt, want)
	}

	inter, err := f.svc.FetchSubjects(ctx, tracker.LevelRef{UserID: "u1", CourseID: "ca", LevelKey: "ca_inter"})
	if err != nil {
		t.Fatalf("FetchSubjects(ca_inter) error = %v", err)
	}
	interDef, _ := f.svc.Catalog().Level("ca", "ca_inter")
	if len(inter) != len(interDef.Subjects) {
		t.Errorf("ca_inter subjects = %d, want %d", len(inter), len(interDef.Subjects))
	}

	types := f.events.Types()
	if !contains(types, tracker.EventLevelCleared) || !contains(types, tracker.EventLevelAdvanced) {
		t.Errorf("events = %v", types)
	}
}

func TestClearLevel_LastLevelCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "u1", "neet", "neet_ug")
	f.enroll(t, "u1", "ca", "ca_foundation")

	e, err := f.svc.ClearLevel(ctx, "u1", tracker.ClearLevelRequest{CourseID: "neet", LevelKey: "neet_ug"})
	if err != nil {
		t.Fatalf("ClearLevel() error = %v", err)
	}
	if e.Status != tracker.StatusCompleted {
		t.Errorf("Status = %s, want completed", e.Status)
	}
	if e.CompletedAt == nil || !e.CompletedAt.Equal(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("CompletedAt = %v", e.CompletedAt)
	}
	if e.Slot != 0 {
		t.Errorf("Slot = %d, want released", e.Slot)
	}

	list, _ := f.svc.ListEnrollments(ctx, "u1")
	if len(list) != 1 || list[0].CourseID != "ca" {
		t.Errorf("ListEnrollments() = %+v", list)
	}

	jee := f.enroll(t, "u1", "jee", "jee_main")
	if jee.Slot != 1 {
		t.Errorf("released slot not reused: got %d", jee.Slot)
	}
	if !contains(f.events.Types(), tracker.EventCourseCompleted) {
		t.Errorf("missing course_completed event: %v", f.events.Types())
	}
}

func TestClearLevel_CompletedEnrollmentIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "u1", "ca", "ca_final")
	if _, err := f.svc.ClearLevel(ctx, "u1", tracker.ClearLevelRequest{CourseID: "ca", LevelKey: "ca_final"}); err != nil {
		t.Fatalf("ClearLevel(ca_final) error = %v", err)
	}
	f.enroll(t, "u1", "jee", "jee_main")
	f.enroll(t, "u1", "neet", "neet_ug")

	tests := []tracker.ClearLevelRequest{
		{CourseID: "ca", LevelKey: "ca_inter", NextLevel: "ca_final"},
		{CourseID: "ca", LevelKey: "ca_final", Notes: "again"},
	}
	for _, req := range tests {
		if _, err := f.svc.ClearLevel(ctx, "u1", req); !errors.Is(err, tracker.ErrEnrollmentCompleted) {
			t.Errorf("ClearLevel(%+v) error = %v, want ErrEnrollmentCompleted", req, err)
		}
	}

	e, err := f.svc.GetEnrollment(ctx, "u1", "ca")
	if err != nil {
		t.Fatalf("GetEnrollment() error = %v", err)
	}
	if e.Status != tracker.StatusCompleted || e.CurrentLevel != "ca_final" {
		t.Errorf("enrollment changed: %+v", e)
	}
	list, _ := f.svc.ListEnrollments(ctx, "u1")
	if len(list) != tracker.MaxActiveEnrollments {
		t.Errorf("open enrollments = %d, want %d", len(list), tracker.MaxActiveEnrollments)
	}
	hist, _ := f.svc.History(ctx, "u1", "ca")
	if len(hist) != 1 || hist[0].Notes != "" {
		t.Errorf("history = %+v, want the original clear only", hist)
	}
}

func TestClearLevel_NotEnrolledWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ClearLevel(ctx, "u1", tracker.ClearLevelRequest{CourseID: "ca", LevelKey: "ca_foundation", NextLevel: "ca_inter"})
	if !errors.Is(err, tracker.ErrNotFound) {
		t.Fatalf("ClearLevel() error = %v, want ErrNotFound", err)
	}
	history, _ := f.svc.History(ctx, "u1", "ca")
	if len(history) != 0 {
		t.Errorf("History() = %+v, want empty", history)
	}
}

func TestClearLevel_InvalidNextLevel(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "u1", "ca", "ca_foundation")

	for _, next := range []string{"jee_main", "ca_foundation", "ca_unknown"} {
		_, err := f.svc.ClearLevel(context.Background(), "u1", tracker.ClearLevelRequest{
			CourseID: "ca", LevelKey: "ca_foundation", NextLevel: next,
		})
		if !errors.Is(err, tracker.ErrInvalidInput) {
			t.Errorf("ClearLevel(next=%s) error = %v, want ErrInvalidInput", next, err)
		}
	}
}

func TestClearLevel_ReclearOverwritesNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "u1", "ca", "ca_foundation")

	req := tracker.ClearLevelRequest{CourseID: "ca", LevelKey: "ca_foundation", NextLevel: "ca_inter", Notes: "first"}
	if _, err := f.svc.ClearLevel(ctx, "u1", req); err != nil {
		t.Fatalf("ClearLevel() error = %v", err)
	}
	f.clock.Advance(48 * time.Hour)
	req.Notes = "second"
	if _, err := f.svc.ClearLevel(ctx, "u1", req); err != nil {
		t.Fatalf("second ClearLevel() error = %v", err)
	}

	history, _ := f.svc.History(ctx, "u1", "ca")
	if len(history) != 1 || history[0].Notes != "second" {
		t.Errorf("History() = %+v", history)
	}
	if want := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC); !history[0].ClearedAt.Equal(want) {
		t.Errorf("ClearedAt = %v, want %v", history[0].ClearedAt, want)
	}
}

func TestHistory_CatalogOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "u1", "cma", "cma_foundation")

	steps := []tracker.ClearLevelRequest{
		{CourseID: "cma", LevelKey: "cma_foundation", NextLevel: "cma_inter"},
		{CourseID: "cma", LevelKey: "cma_inter", NextLevel: "cma_final"},
	}
	for _, req := range steps {
		if _, err := f.svc.ClearLevel(ctx, "u1", req); err != nil {
			t.Fatalf("ClearLevel(%s) error = %v", req.LevelKey, err)
		}
	}

	history, err := f.svc.History(ctx, "u1", "cma")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].LevelKey != "cma_foundation" || history[1].LevelKey != "cma_inter" {
		t.Errorf("History() = %+v", history)
	}
}

func TestFrozenLevelRejectsMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "u1", "ca", "ca_foundation")
	topics, err := f.svc.FetchTopics(ctx, caFoundation, "BLAW")
	if err != nil {
		t.Fatalf("FetchTopics() error = %v", err)
	}
	if _, err := f.svc.ClearLevel(ctx, "u1", tracker.ClearLevelRequest{CourseID: "ca", LevelKey: "ca_foundation", NextLevel: "ca_inter"}); err != nil {
		t.Fatalf("ClearLevel() error = %v", err)
	}

	label := "Renamed"
	texts := make([]string, len(topics))
	for i, tp := range topics {
		texts[len(topics)-1-i] = tp.Text
	}

	tests := []struct {
		name string
		op   func() error
	}{
		{"add subject", func() error {
			_, err := f.svc.AddSubject(ctx, caFoundation, tracker.NewSubject{Label: "New", TargetHours: 1})
			return err
		}},
		{"update subject", func() error {
			_, err := f.svc.UpdateSubject(ctx, caFoundation, "BLAW", tracker.SubjectPatch{Label: &label})
			return err
		}},
		{"delete subject", func() error { return f.svc.DeleteSubject(ctx, caFoundation, "BLAW") }},
		{"reorder subjects", func() error {
			return f.svc.ReorderSubjects(ctx, caFoundation, []string{"BLAW", "MECON", "MATHS", "ACCOUNTS"})
		}},
		{"reset subjects", func() error {
			_, err := f.svc.ResetSubjects(ctx, caFoundation)
			return err
		}},
		{"add topic", func() error {
			_, err := f.svc.AddTopic(ctx, caFoundation, "BLAW", "New topic")
			return err
		}},
		{"rename topic", func() error { return f.svc.RenameTopic(ctx, caFoundation, "BLAW", topics[0].Text, "Renamed") }},
		{"delete topic", func() error { return f.svc.DeleteTopic(ctx, caFoundation, "BLAW", topics[0].Text) }},
		{"reorder topics", func() error { return f.svc.ReorderTopics(ctx, caFoundation, "BLAW", texts) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); !errors.Is(err, tracker.ErrFrozen) {
				t.Errorf("error = %v, want ErrFrozen", err)
			}
		})
	}
}

func TestFrozenLevel_SeededLate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "u1", "ca", "ca_foundation")

	// The level is cleared before its subjects were ever viewed.
	if _, err := f.svc.ClearLevel(ctx, "u1", tracker.ClearLevelRequest{CourseID: "ca", LevelKey: "ca_foundation", NextLevel: "ca_inter"}); err != nil {
		t.Fatalf("ClearLevel() error = %v", err)
	}
	subjects, err := f.svc.FetchSubjects(ctx, caFoundation)
	if err != nil {
		t.Fatalf("FetchSubjects() error = %v", err)
	}
	for _, s := range subjects {
		if !s.Frozen {
			t.Errorf("late-seeded subject %s not frozen", s.Key)
		}
	}
}

func TestAddSubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.svc.AddSubject(ctx, caFoundation, tracker.NewSubject{Label: "Economics Advanced", TargetHours: 40})
	if err != nil {
		t.Fatalf("AddSubject() error = %v", err)
	}
	if s.Key != "ECONOMIC" {
		t.Errorf("Key = %q, want ECONOMIC", s.Key)
	}
	if s.Position != 4 {
		t.Errorf("Position = %d, want 4", s.Position)
	}
	if s.Color == "" {
		t.Error("Color should default")
	}

	_, err = f.svc.AddSubject(ctx, caFoundation, tracker.NewSubject{Key: "MATHS", Label: "More Maths", TargetHours: 10})
	if !errors.Is(err, tracker.ErrDuplicateSubject) {
		t.Errorf("AddSubject(MATHS) error = %v, want ErrDuplicateSubject", err)
	}

	invalid := []tracker.NewSubject{
		{Label: "   ", TargetHours: 1},
		{Key: "bad key", Label: "Bad", TargetHours: 1},
		{Key: "WAYTOOLONGSUBJECTKEY", Label: "Long", TargetHours: 1},
		{Label: "Negative", TargetHours: -1},
		{Label: "Color", TargetHours: 1, Color: "blue"},
	}
	for _, n := range invalid {
		if _, err := f.svc.AddSubject(ctx, caFoundation, n); !errors.Is(err, tracker.ErrInvalidInput) {
			t.Errorf("AddSubject(%+v) error = %v, want ErrInvalidInput", n, err)
		}
	}

	subjects, _ := f.svc.FetchSubjects(ctx, caFoundation)
	if len(subjects) != 5 {
		t.Errorf("subjects = %d, want 5", len(subjects))
	}
}

func TestSuggestKey(t *testing.T) {
	tests := []struct {
		label string
		want  string
	}{
		{"Economics Advanced", "ECONOMIC"},
		{"Cost & Management", "COSTMANA"},
		{"gst", "GST"},
		{"Paper 4 (Law)", "PAPER4LA"},
		{"straße", "STRASSE"},
		{"Économie", "ECONOMIE"},
		{"Química Orgânica", "QUIMICAO"},
		{"ＧＳＴ Ｌａｗ", "GSTLAW"},
		{"हिन्दी", "SUBJECT"},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			if got := tracker.SuggestKey(tt.label); got != tt.want {
				t.Errorf("SuggestKey(%q) = %q, want %q", tt.label, got, tt.want)
			}
		})
	}
}

func TestUpdateSubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.FetchSubjects(ctx, caFoundation); err != nil {
		t.Fatalf("FetchSubjects() error = %v", err)
	}

	hours := 250.0
	color := "#123456"
	s, err := f.svc.UpdateSubject(ctx, caFoundation, "ACCOUNTS", tracker.SubjectPatch{TargetHours: &hours, Color: &color})
	if err != nil {
		t.Fatalf("UpdateSubject() error = %v", err)
	}
	if s.TargetHours != 250 || s.Color != "#123456" || s.Label != "Accounting" {
		t.Errorf("UpdateSubject() = %+v", s)
	}

	if _, err := f.svc.UpdateSubject(ctx, caFoundation, "ACCOUNTS", tracker.SubjectPatch{}); !errors.Is(err, tracker.ErrInvalidInput) {
		t.Errorf("empty patch error = %v, want ErrInvalidInput", err)
	}
	if _, err := f.svc.UpdateSubject(ctx, caFoundation, "NOPE", tracker.SubjectPatch{TargetHours: &hours}); !errors.Is(err, tracker.ErrNotFound) {
		t.Errorf("missing subject error = %v, want ErrNotFound", err)
	}
}

func TestDeleteSubject_RemovesTopics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.FetchTopics(ctx, caFoundation, "ACCOUNTS"); err != nil {
		t.Fatalf("FetchTopics() error = %v", err)
	}

	if err := f.svc.DeleteSubject(ctx, caFoundation, "ACCOUNTS"); err != nil {
		t.Fatalf("DeleteSubject() error = %v", err)
	}
	topics, _ := f.store.ListTopics(ctx, caFoundation, "ACCOUNTS")
	if len(topics) != 0 {
		t.Errorf("topics after delete = %d, want 0", len(topics))
	}
	subjects, _ := f.svc.FetchSubjects(ctx, caFoundation)
	if len(subjects) != 3 {
		t.Errorf("subjects after delete = %d, want 3", len(subjects))
	}
	if err := f.svc.DeleteSubject(ctx, caFoundation, "ACCOUNTS"); !errors.Is(err, tracker.ErrNotFound) {
		t.Errorf("second DeleteSubject() error = %v, want ErrNotFound", err)
	}
}

func TestReorderSubjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.FetchSubjects(ctx, caFoundation); err != nil {
		t.Fatalf("FetchSubjects() error = %v", err)
	}

	order := []string{"BLAW", "ACCOUNTS", "MECON", "MATHS"}
	if err := f.svc.ReorderSubjects(ctx, caFoundation, order); err != nil {
		t.Fatalf("ReorderSubjects() error = %v", err)
	}
	subjects, _ := f.svc.FetchSubjects(ctx, caFoundation)
	for i, s := range subjects {
		if s.Key != order[i] || s.Position != i {
			t.Errorf("subject[%d] = %s@%d, want %s@%d", i, s.Key, s.Position, order[i], i)
		}
	}

	bad := [][]string{
		{"BLAW", "ACCOUNTS", "MECON"},
		{"BLAW", "BLAW", "MECON", "MATHS"},
		{"BLAW", "ACCOUNTS", "MECON", "PHY"},
		{},
	}
	for _, keys := range bad {
		if err := f.svc.ReorderSubjects(ctx, caFoundation, keys); !errors.Is(err, tracker.ErrInvalidInput) {
			t.Errorf("ReorderSubjects(%v) error = %v, want ErrInvalidInput", keys, err)
		}
	}
}

func TestResetSubjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AddSubject(ctx, caFoundation, tracker.NewSubject{Key: "EXTRA", Label: "Extra", TargetHours: 5}); err != nil {
		t.Fatalf("AddSubject() error = %v", err)
	}
	if err := f.svc.DeleteSubject(ctx, caFoundation, "MATHS"); err != nil {
		t.Fatalf("DeleteSubject() error = %v", err)
	}

	subjects, err := f.svc.ResetSubjects(ctx, caFoundation)
	if err != nil {
		t.Fatalf("ResetSubjects() error = %v", err)
	}
	want := []string{"ACCOUNTS", "MATHS", "MECON", "BLAW"}
	if len(subjects) != len(want) {
		t.Fatalf("ResetSubjects() len = %d, want %d", len(subjects), len(want))
	}
	for i, s := range subjects {
		if s.Key != want[i] {
			t.Errorf("subject[%d] = %s, want %s", i, s.Key, want[i])
		}
	}
}

func TestAddTopic_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, err := f.svc.FetchTopics(ctx, caFoundation, "ACCOUNTS")
	if err != nil {
		t.Fatalf("FetchTopics() error = %v", err)
	}

	added, err := f.svc.AddTopic(ctx, caFoundation, "ACCOUNTS", "Ind AS 115")
	if err != nil {
		t.Fatalf("AddTopic() error = %v", err)
	}
	if added.Position != len(before) {
		t.Errorf("Position = %d, want %d", added.Position, len(before))
	}

	if _, err := f.svc.AddTopic(ctx, caFoundation, "ACCOUNTS", "Ind AS 115"); !errors.Is(err, tracker.ErrDuplicateTopic) {
		t.Fatalf("duplicate AddTopic() error = %v, want ErrDuplicateTopic", err)
	}
	after, _ := f.svc.FetchTopics(ctx, caFoundation, "ACCOUNTS")
	if len(after) != len(before)+1 {
		t.Errorf("topics = %d, want %d", len(after), len(before)+1)
	}

	// Comparison is exact: case and surrounding whitespace make a new topic.
	for _, text := range []string{"ind as 115", " Ind AS 115"} {
		if _, err := f.svc.AddTopic(ctx, caFoundation, "ACCOUNTS", text); err != nil {
			t.Errorf("AddTopic(%q) error = %v", text, err)
		}
	}

	for _, text := range []string{"", "   \t"} {
		if _, err := f.svc.AddTopic(ctx, caFoundation, "ACCOUNTS", text); !errors.Is(err, tracker.ErrInvalidInput) {
			t.Errorf("AddTopic(%q) error = %v, want ErrInvalidInput", text, err)
		}
	}
}

func TestDeleteAllTopics_StaysEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	topics, err := f.svc.FetchTopics(ctx, caFoundation, "ACCOUNTS")
	if err != nil {
		t.Fatalf("FetchTopics() error = %v", err)
	}
	if len(topics) == 0 {
		t.Fatal("ACCOUNTS seeded without topics")
	}
	for _, topic := range topics {
		if err := f.svc.DeleteTopic(ctx, caFoundation, "ACCOUNTS", topic.Text); err != nil {
			t.Fatalf("DeleteTopic(%q) error = %v", topic.Text, err)
		}
	}

	// Past the cache TTL so the read goes to the store.
	f.clock.Advance(time.Minute)
	after, err := f.svc.FetchTopics(ctx, caFoundation, "ACCOUNTS")
	if err != nil {
		t.Fatalf("FetchTopics() error = %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("topics after deleting all = %d, want 0", len(after))
	}

	added, err := f.svc.AddTopic(ctx, caFoundation, "ACCOUNTS", "My own topic")
	if err != nil {
		t.Fatalf("AddTopic() error = %v", err)
	}
	if added.Position != 0 {
		t.Errorf("Position = %d, want 0", added.Position)
	}
	list, _ := f.svc.FetchTopics(ctx, caFoundation, "ACCOUNTS")
	if len(list) != 1 || list[0].Text != "My own topic" {
		t.Errorf("topics = %+v, want only the added topic", list)
	}
}

func TestTopicEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	topics, err := f.svc.FetchTopics(ctx, caFoundation, "BLAW")
	if err != nil {
		t.Fatalf("FetchTopics() error = %v", err)
	}
	if len(topics) < 2 {
		t.Fatalf("BLAW has %d topics, need at least 2", len(topics))
	}
	first, second := topics[0].Text, topics[1].Text

	if err := f.svc.RenameTopic(ctx, caFoundation, "BLAW", first, "Contract Act"); err != nil {
		t.Fatalf("RenameTopic() error = %v", err)
	}
	if err := f.svc.RenameTopic(ctx, caFoundation, "BLAW", "Contract Act", second); !errors.Is(err, tracker.ErrDuplicateTopic) {
		t.Errorf("RenameTopic(to existing) error = %v, want ErrDuplicateTopic", err)
	}
	if err := f.svc.RenameTopic(ctx, caFoundation, "BLAW", "missing", "x"); !errors.Is(err, tracker.ErrNotFound) {
		t.Errorf("RenameTopic(missing) error = %v, want ErrNotFound", err)
	}

	renamed, _ := f.svc.FetchTopics(ctx, caFoundation, "BLAW")
	if renamed[0].Text != "Contract Act" || renamed[0].Position != 0 {
		t.Errorf("renamed topic = %+v", renamed[0])
	}

	texts := make([]string, len(renamed))
	for i, tp := range renamed {
		texts[len(renamed)-1-i] = tp.Text
	}
	if err := f.svc.ReorderTopics(ctx, caFoundation, "BLAW", texts); err != nil {
		t.Fatalf("ReorderTopics() error = %v", err)
	}
	reordered, _ := f.svc.FetchTopics(ctx, caFoundation, "BLAW")
	if reordered[0].Text != texts[0] {
		t.Errorf("first topic after reorder = %q, want %q", reordered[0].Text, texts[0])
	}
	if err := f.svc.ReorderTopics(ctx, caFoundation, "BLAW", texts[1:]); !errors.Is(err, tracker.ErrInvalidInput) {
		t.Errorf("ReorderTopics(partial) error = %v, want ErrInvalidInput", err)
	}

	if err := f.svc.DeleteTopic(ctx, caFoundation, "BLAW", "Contract Act"); err != nil {
		t.Fatalf("DeleteTopic() error = %v", err)
	}
	if err := f.svc.DeleteTopic(ctx, caFoundation, "BLAW", "Contract Act"); !errors.Is(err, tracker.ErrNotFound) {
		t.Errorf("second DeleteTopic() error = %v, want ErrNotFound", err)
	}
	remaining, _ := f.svc.FetchTopics(ctx, caFoundation, "BLAW")
	if len(remaining) != len(topics)-1 {
		t.Errorf("topics after delete = %d, want %d", len(remaining), len(topics)-1)
	}
}

func TestEvents_LoggerFailureDoesNotFailOperation(t *testing.T) {
	cat, _ := catalog.Default()
	svc, err := tracker.NewService(tracker.ServiceConfig{Catalog: cat, Events: failingLogger{}})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if _, err := svc.Enroll(context.Background(), "u1", tracker.EnrollRequest{CourseID: "ca", LevelKey: "ca_foundation"}); err != nil {
		t.Errorf("Enroll() error = %v", err)
	}
}

type failingLogger struct{}

func (failingLogger) LogEvent(tracker.Event) error {
	return errors.New("event sink down")
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
