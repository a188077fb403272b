package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

const enrollmentColumns = `user_id, course_id, current_level, status, enrolled_at,
	completed_at, COALESCE(custom_name, ''), COALESCE(slot, 0)`

const subjectColumns = `user_id, course_id, level_key, subject_key, label,
	target_hrs, color, position, frozen`

const topicColumns = `user_id, course_id, level_key, subject_key, topic, position, frozen`

// PostgresStore is a PostgreSQL-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed tracker store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) ListEnrollments(ctx context.Context, userID string) ([]Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+enrollmentColumns+`
		 FROM user_courses
		 WHERE user_id = $1
		   AND status IN ('active', 'paused')
		 ORDER BY slot ASC NULLS LAST, enrolled_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	defer rows.Close()

	out := []Enrollment{}
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrollments: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetEnrollment(ctx context.Context, userID, courseID string) (Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	return getEnrollment(ctx, s.pool, userID, courseID)
}

func (s *PostgresStore) CreateEnrollment(ctx context.Context, e Enrollment) (Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if e.Status == "" {
		e.Status = StatusActive
	}
	if e.EnrolledAt.IsZero() {
		e.EnrolledAt = time.Now()
	}

	var created Enrollment
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, e.UserID); err != nil {
			return err
		}

		rows, err := tx.Query(ctx,
			`SELECT course_id, status, COALESCE(slot, 0) FROM user_courses WHERE user_id = $1`,
			e.UserID,
		)
		if err != nil {
			return fmt.Errorf("query enrollments: %w", err)
		}
		used := make(map[int]bool)
		open := 0
		duplicate := false
		for rows.Next() {
			var courseID, status string
			var slot int
			if err := rows.Scan(&courseID, &status, &slot); err != nil {
				rows.Close()
				return fmt.Errorf("scan enrollment: %w", err)
			}
			if courseID == e.CourseID {
				duplicate = true
			}
			if Status(status).Open() {
				open++
			}
			if slot > 0 {
				used[slot] = true
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate enrollments: %w", err)
		}

		if duplicate {
			return ErrDuplicateCourse
		}
		if open >= MaxActiveEnrollments {
			return ErrCapacityExceeded
		}
		slot, err := pickSlot(e.Slot, used)
		if err != nil {
			return err
		}
		e.Slot = slot

		created, err = scanEnrollment(tx.QueryRow(ctx,
			`INSERT INTO user_courses (user_id, course_id, current_level, status, enrolled_at, custom_name, slot)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING `+enrollmentColumns,
			e.UserID,
			e.CourseID,
			e.CurrentLevel,
			string(e.Status),
			e.EnrolledAt,
			nullIfEmpty(e.CustomName),
			e.Slot,
		))
		return err
	})
	if err != nil {
		return Enrollment{}, mapPgError(err)
	}
	return created, nil
}

func (s *PostgresStore) SetEnrollmentStatus(ctx context.Context, userID, courseID string, status Status) (Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	e, err := scanEnrollment(s.pool.QueryRow(ctx,
		`UPDATE user_courses
		 SET status = $3
		 WHERE user_id = $1
		   AND course_id = $2
		   AND status <> 'completed'
		 RETURNING `+enrollmentColumns,
		userID,
		courseID,
		string(status),
	))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Enrollment{}, err
	}

	if _, err := getEnrollment(ctx, s.pool, userID, courseID); err != nil {
		return Enrollment{}, err
	}
	return Enrollment{}, ErrEnrollmentCompleted
}

func (s *PostgresStore) DeleteEnrollment(ctx context.Context, userID, courseID string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	cmd, err := s.pool.Exec(ctx,
		`DELETE FROM user_courses WHERE user_id = $1 AND course_id = $2`,
		userID,
		courseID,
	)
	if err != nil {
		return fmt.Errorf("delete enrollment: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClearLevel(ctx context.Context, t LevelTransition) (Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var updated Enrollment
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, t.UserID); err != nil {
			return err
		}
		current, err := getEnrollment(ctx, tx, t.UserID, t.CourseID)
		if err != nil {
			return err
		}
		if current.Status == StatusCompleted {
			return ErrEnrollmentCompleted
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO level_history (user_id, course_id, level_key, cleared_at, cleared, notes)
			 VALUES ($1, $2, $3, $4, TRUE, $5)
			 ON CONFLICT ON CONSTRAINT level_history_key
			 DO UPDATE SET cleared = TRUE, cleared_at = EXCLUDED.cleared_at, notes = EXCLUDED.notes`,
			t.UserID, t.CourseID, t.LevelKey, t.On, t.Notes,
		); err != nil {
			return fmt.Errorf("upsert level history: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE user_subjects SET frozen = TRUE
			 WHERE user_id = $1 AND course_id = $2 AND level_key = $3`,
			t.UserID, t.CourseID, t.LevelKey,
		); err != nil {
			return fmt.Errorf("freeze subjects: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE user_topics SET frozen = TRUE
			 WHERE user_id = $1 AND course_id = $2 AND level_key = $3`,
			t.UserID, t.CourseID, t.LevelKey,
		); err != nil {
			return fmt.Errorf("freeze topics: %w", err)
		}

		if t.NextLevel != "" {
			updated, err = scanEnrollment(tx.QueryRow(ctx,
				`UPDATE user_courses
				 SET current_level = $3, status = 'active'
				 WHERE user_id = $1 AND course_id = $2
				 RETURNING `+enrollmentColumns,
				t.UserID, t.CourseID, t.NextLevel,
			))
		} else {
			updated, err = scanEnrollment(tx.QueryRow(ctx,
				`UPDATE user_courses
				 SET status = 'completed', completed_at = $3, slot = NULL
				 WHERE user_id = $1 AND course_id = $2
				 RETURNING `+enrollmentColumns,
				t.UserID, t.CourseID, t.On,
			))
		}
		return err
	})
	if err != nil {
		return Enrollment{}, err
	}
	return updated, nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, userID, courseID string) ([]LevelHistory, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, course_id, level_key, cleared, cleared_at, notes
		 FROM level_history
		 WHERE user_id = $1 AND course_id = $2
		 ORDER BY level_key ASC`,
		userID,
		courseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query level history: %w", err)
	}
	defer rows.Close()

	out := []LevelHistory{}
	for rows.Next() {
		var h LevelHistory
		var clearedAt *time.Time
		if err := rows.Scan(&h.UserID, &h.CourseID, &h.LevelKey, &h.Cleared, &clearedAt, &h.Notes); err != nil {
			return nil, fmt.Errorf("scan level history: %w", err)
		}
		if clearedAt != nil {
			h.ClearedAt = *clearedAt
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate level history: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListSubjects(ctx context.Context, ref LevelRef) ([]Subject, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+subjectColumns+`
		 FROM user_subjects
		 WHERE user_id = $1 AND course_id = $2 AND level_key = $3
		 ORDER BY position ASC, subject_key ASC`,
		ref.UserID, ref.CourseID, ref.LevelKey,
	)
	if err != nil {
		return nil, fmt.Errorf("query subjects: %w", err)
	}
	defer rows.Close()

	out := []Subject{}
	for rows.Next() {
		sub, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subjects: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SeedLevel(ctx context.Context, ref LevelRef, subjects []Subject, topics []Topic) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cleared, err := levelCleared(ctx, tx, ref)
		if err != nil {
			return err
		}
		for _, sub := range subjects {
			if _, err := tx.Exec(ctx,
				`INSERT INTO user_subjects (`+subjectColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				 ON CONFLICT ON CONSTRAINT user_subjects_key DO NOTHING`,
				ref.UserID, ref.CourseID, ref.LevelKey,
				sub.Key, sub.Label, sub.TargetHours, sub.Color, sub.Position, sub.Frozen || cleared,
			); err != nil {
				return fmt.Errorf("seed subject %s: %w", sub.Key, err)
			}
		}
		for _, t := range topics {
			if _, err := tx.Exec(ctx,
				`INSERT INTO user_topics (`+topicColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT ON CONSTRAINT user_topics_key DO NOTHING`,
				ref.UserID, ref.CourseID, ref.LevelKey,
				t.SubjectKey, t.Text, t.Position, t.Frozen || cleared,
			); err != nil {
				return fmt.Errorf("seed topic: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ReplaceLevel(ctx context.Context, ref LevelRef, subjects []Subject, topics []Topic) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, ref.UserID); err != nil {
			return err
		}

		var frozen bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (
			   SELECT 1 FROM level_history
			   WHERE user_id = $1 AND course_id = $2 AND level_key = $3 AND cleared
			 ) OR EXISTS (
			   SELECT 1 FROM user_subjects
			   WHERE user_id = $1 AND course_id = $2 AND level_key = $3 AND frozen
			 )`,
			ref.UserID, ref.CourseID, ref.LevelKey,
		).Scan(&frozen); err != nil {
			return fmt.Errorf("check frozen level: %w", err)
		}
		if frozen {
			return ErrFrozen
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM user_topics WHERE user_id = $1 AND course_id = $2 AND level_key = $3`,
			ref.UserID, ref.CourseID, ref.LevelKey,
		); err != nil {
			return fmt.Errorf("delete topics: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM user_subjects WHERE user_id = $1 AND course_id = $2 AND level_key = $3`,
			ref.UserID, ref.CourseID, ref.LevelKey,
		); err != nil {
			return fmt.Errorf("delete subjects: %w", err)
		}

		for _, sub := range subjects {
			if _, err := tx.Exec(ctx,
				`INSERT INTO user_subjects (`+subjectColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)`,
				ref.UserID, ref.CourseID, ref.LevelKey,
				sub.Key, sub.Label, sub.TargetHours, sub.Color, sub.Position,
			); err != nil {
				return fmt.Errorf("insert subject %s: %w", sub.Key, err)
			}
		}
		for _, t := range topics {
			if _, err := tx.Exec(ctx,
				`INSERT INTO user_topics (`+topicColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, FALSE)`,
				ref.UserID, ref.CourseID, ref.LevelKey,
				t.SubjectKey, t.Text, t.Position,
			); err != nil {
				return fmt.Errorf("insert topic: %w", err)
			}
		}
		return nil
	})
	return mapPgError(err)
}

func (s *PostgresStore) InsertSubject(ctx context.Context, sub Subject) (Subject, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var created Subject
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, sub.UserID); err != nil {
			return err
		}
		cleared, err := levelCleared(ctx, tx, sub.Ref())
		if err != nil {
			return err
		}
		if cleared {
			return ErrFrozen
		}

		created, err = scanSubject(tx.QueryRow(ctx,
			`INSERT INTO user_subjects (`+subjectColumns+`)
			 SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::double precision, $7::text,
			        COALESCE(MAX(position) + 1, 0), FALSE
			 FROM user_subjects
			 WHERE user_id = $1::text AND course_id = $2::text AND level_key = $3::text
			 RETURNING `+subjectColumns,
			sub.UserID, sub.CourseID, sub.LevelKey,
			sub.Key, sub.Label, sub.TargetHours, sub.Color,
		))
		return err
	})
	if err != nil {
		return Subject{}, mapPgError(err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateSubject(ctx context.Context, ref LevelRef, key string, patch SubjectPatch) (Subject, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	sub, err := scanSubject(s.pool.QueryRow(ctx,
		`UPDATE user_subjects
		 SET label = COALESCE($5::text, label),
		     target_hrs = COALESCE($6::double precision, target_hrs),
		     color = COALESCE($7::text, color)
		 WHERE user_id = $1 AND course_id = $2 AND level_key = $3 AND subject_key = $4
		   AND NOT frozen
		 RETURNING `+subjectColumns,
		ref.UserID, ref.CourseID, ref.LevelKey, key,
		patch.Label, patch.TargetHours, patch.Color,
	))
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Subject{}, err
	}
	if err := subjectMutable(ctx, s.pool, ref, key, false); err != nil {
		return Subject{}, err
	}
	return Subject{}, ErrNotFound
}

func (s *PostgresStore) DeleteSubject(ctx context.Context, ref LevelRef, key string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := subjectMutable(ctx, tx, ref, key, true); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM user_topics
			 WHERE user_id = $1 AND course_id = $2 AND level_key = $3 AND subject_key = $4`,
			ref.UserID, ref.CourseID, ref.LevelKey, key,
		); err != nil {
			return fmt.Errorf("delete topics: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM user_subjects
			 WHERE user_id = $1 AND course_id = $2 AND level_key = $3 AND subject_key = $4`,
			ref.UserID, ref.CourseID, ref.LevelKey, key,
		); err != nil {
			return fmt.Errorf("delete subject: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ReorderSubjects(ctx context.Context, ref LevelRef, keys []string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, ref.UserID); err != nil {
			return err
		}

		rows, err := tx.Query(ctx,
			`SELECT subject_key, frozen FROM user_subjects
			 WHERE user_id = $1 AND course_id = $2 AND level_key = $3`,
			ref.UserID, ref.CourseID, ref.LevelKey,
		)
		if err != nil {
			return fmt.Errorf("query subjects: %w", err)
		}
		current, anyFrozen, err := collectKeys(rows)
		if err != nil {
			return err
		}
		if len(current) == 0 {
			return ErrNotFound
		}
		cleared, err := levelCleared(ctx, tx, ref)
		if err != nil {
			return err
		}
		if anyFrozen || cleared {
			return ErrFrozen
		}
		if !isPermutation(keys, current) {
			return invalid("order must list every subject exactly once")
		}

		for i, k := range keys {
			if _, err := tx.Exec(ctx,
				`UPDATE user_subjects SET position = $5
				 WHERE user_id = $1 AND course_id = $2 AND level_key = $3 AND subject_key = $4`,
				ref.UserID, ref.CourseID, ref.LevelKey, k, i,
			); err != nil {
				return fmt.Errorf("update subject position: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListTopics(ctx context.Context, ref LevelRef, subjectKey string) ([]Topic, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+topicColumns+`
		 FROM user_topics
		 WHERE user_id = $1 AND course_id = $2 AND level_key = $3 AND subject_key = $4
		 ORDER BY position ASC, topic ASC`,
		ref.UserID, ref.CourseID, ref.LevelKey, subjectKey,
	)
	if err != nil {
		return nil, fmt.Errorf("query topics: %w", err)
	}
	defer rows.Close()

	out := []Topic{}
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.UserID, &t.CourseID, &t.LevelKey, &t.SubjectKey, &t.Text, &t.Position, &t.Frozen); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topics: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) InsertTopic(ctx context.Context, t Topic) (Topic, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	ref := LevelRef{UserID: t.UserID, CourseID: t.CourseID, LevelKey: t.LevelKey}
	var created Topic
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := subjectMutable(ctx, tx, ref, t.SubjectKey, true); err != nil {
			return err
		}
		created = t
		created.Frozen = false
		err := tx.QueryRow(ctx,
			`INSERT INTO user_topics (`+topicColumns+`)
			 SELECT $1::text, $2::text, $3::text, $4::text, $5::text, COALESCE(MAX(position) + 1, 0), FALSE
			 FROM user_topics
			 WHERE user_id = $1::text AND course_id = $2::text AND level_key = $3::text AND subject_key = $4::text
			 RETURNING position`,
			t.UserID, t.CourseID, t.LevelKey, t.SubjectKey, t.Text,
		).Scan(&created.Position)
		if err != nil {
			return fmt.Errorf("insert topic: %w", err)
		}
		return nil
	})
	if err != nil {
		return Topic{}, mapPgError(err)
	}
	return created, nil
}

func (s *PostgresStore) RenameTopic(ctx context.Context, ref LevelRef, subjectKey, oldText, newText string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := topicMutable(ctx, tx, ref, subjectKey, oldText); err != nil {
			return err
		}
		if oldText == newText {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE user_topics SET topic = $6
			 WHERE user_id = $1 AND course_id = $2 AND level_key = $3 AND subject_key = $4 AND topic = $5`,
			ref.UserID, ref.CourseID, ref.LevelKey, subjectKey, oldText, newText,
		); err != nil {
			return fmt.Errorf("rename topic: %w", err)
		}
		return nil
	})
	return mapPgError(err)
}

func (s *PostgresStore) DeleteTopic(ctx context.Context, ref LevelRef, subjectKey, text string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	cmd, err := s.pool.Exec(ctx,
		`DELETE FROM user_topics
		 WHERE user_id = $1 AND course_id = $2 AND level_key = $3 AND subject_key = $4 AND topic = $5
		   AND NOT frozen`,
		ref.UserID, ref.CourseID, ref.LevelKey, subjectKey, text,
	)
	if err != nil {
		return fmt.Errorf("delete topic: %w", err)
	}
	if cmd.RowsAffected() > 0 {
		return nil
	}
	if err := topicMutable(ctx, s.pool, ref, subjectKey, text); err != nil {
		return err
	}
	return ErrNotFound
}

func (s *PostgresStore) ReorderTopics(ctx context.Context, ref LevelRef, subjectKey string, texts []string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := subjectMutable(ctx, tx, ref, subjectKey, true); err != nil {
			return err
		}

		rows, err := tx.Query(ctx,
			`SELECT topic, frozen FROM user_topics
			 WHERE user_id = $1 AND course_id = $2 AND level_key = $3 AND subject_key = $4`,
			ref.UserID, ref.CourseID, ref.LevelKey, subjectKey,
		)
		if err != nil {
			return fmt.Errorf("query topics: %w", err)
		}
		current, anyFrozen, err := collectKeys(rows)
		if err != nil {
			return err
		}
		if anyFrozen {
			return ErrFrozen
		}
		if !isPermutation(texts, current) {
			return invalid("order must list every topic exactly once")
		}

		for i, text := range texts {
			if _, err := tx.Exec(ctx,
				`UPDATE user_topics SET position = $6
				 WHERE user_id = $1 AND course_id = $2 AND level_key = $3 AND subject_key = $4 AND topic = $5`,
				ref.UserID, ref.CourseID, ref.LevelKey, subjectKey, text, i,
			); err != nil {
				return fmt.Errorf("update topic position: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) InsertStudySession(ctx context.Context, sess StudySession) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO study_sessions (id, user_id, course_id, level_key, subject_key, hours, studied_on, note, created_at)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.UserID, sess.CourseID, sess.LevelKey, sess.SubjectKey,
		sess.Hours, sess.StudiedOn, sess.Note, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert study session: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStudySessions(ctx context.Context, ref LevelRef, limit int) ([]StudySession, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id::text, user_id, course_id, level_key, subject_key, hours, studied_on, note, created_at
		 FROM study_sessions
		 WHERE user_id = $1 AND course_id = $2 AND level_key = $3
		 ORDER BY studied_on DESC, created_at DESC
		 LIMIT $4`,
		ref.UserID, ref.CourseID, ref.LevelKey, nullIfZero(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query study sessions: %w", err)
	}
	defer rows.Close()

	out := []StudySession{}
	for rows.Next() {
		var sess StudySession
		if err := rows.Scan(
			&sess.ID,
			&sess.UserID,
			&sess.CourseID,
			&sess.LevelKey,
			&sess.SubjectKey,
			&sess.Hours,
			&sess.StudiedOn,
			&sess.Note,
			&sess.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan study session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate study sessions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) StudyTotals(ctx context.Context, ref LevelRef) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT subject_key, SUM(hours)
		 FROM study_sessions
		 WHERE user_id = $1 AND course_id = $2 AND level_key = $3
		 GROUP BY subject_key`,
		ref.UserID, ref.CourseID, ref.LevelKey,
	)
	if err != nil {
		return nil, fmt.Errorf("query study totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]float64)
	for rows.Next() {
		var key string
		var hours float64
		if err := rows.Scan(&key, &hours); err != nil {
			return nil, fmt.Errorf("scan study total: %w", err)
		}
		totals[key] = hours
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate study totals: %w", err)
	}
	return totals, nil
}

// lockUser serializes writes for userID until the transaction ends.
func lockUser(ctx context.Context, tx pgx.Tx, userID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	return nil
}

func getEnrollment(ctx context.Context, q querier, userID, courseID string) (Enrollment, error) {
	return scanEnrollment(q.QueryRow(ctx,
		`SELECT `+enrollmentColumns+`
		 FROM user_courses
		 WHERE user_id = $1 AND course_id = $2`,
		userID,
		courseID,
	))
}

func levelCleared(ctx context.Context, q querier, ref LevelRef) (bool, error) {
	var cleared bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM level_history
		   WHERE user_id = $1 AND course_id = $2 AND level_key = $3 AND cleared
		 )`,
		ref.UserID, ref.CourseID, ref.LevelKey,
	).Scan(&cleared); err != nil {
		return false, fmt.Errorf("check cleared level: %w", err)
	}
	return cleared, nil
}

// subjectMutable returns ErrNotFound or ErrFrozen unless the subject exists
// and is editable. With lock set the row is locked for the transaction.
func subjectMutable(ctx context.Context, q querier, ref LevelRef, key string, lock bool) error {
	query := `SELECT frozen FROM user_subjects
		 WHERE user_id = $1 AND course_id = $2 AND level_key = $3 AND subject_key = $4`
	if lock {
		query += ` FOR UPDATE`
	}

	var frozen bool
	err := q.QueryRow(ctx, query, ref.UserID, ref.CourseID, ref.LevelKey, key).Scan(&frozen)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup subject: %w", err)
	}
	if frozen {
		return ErrFrozen
	}
	return nil
}

func topicMutable(ctx context.Context, q querier, ref LevelRef, subjectKey, text string) error {
	var frozen bool
	err := q.QueryRow(ctx,
		`SELECT frozen FROM user_topics
		 WHERE user_id = $1 AND course_id = $2 AND level_key = $3 AND subject_key = $4 AND topic = $5`,
		ref.UserID, ref.CourseID, ref.LevelKey, subjectKey, text,
	).Scan(&frozen)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup topic: %w", err)
	}
	if frozen {
		return ErrFrozen
	}
	return nil
}

// collectKeys drains (key, frozen) rows and closes them.
func collectKeys(rows pgx.Rows) ([]string, bool, error) {
	defer rows.Close()

	var keys []string
	anyFrozen := false
	for rows.Next() {
		var key string
		var frozen bool
		if err := rows.Scan(&key, &frozen); err != nil {
			return nil, false, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
		anyFrozen = anyFrozen || frozen
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, anyFrozen, nil
}

func scanEnrollment(row pgx.Row) (Enrollment, error) {
	var e Enrollment
	var status string
	if err := row.Scan(
		&e.UserID,
		&e.CourseID,
		&e.CurrentLevel,
		&status,
		&e.EnrolledAt,
		&e.CompletedAt,
		&e.CustomName,
		&e.Slot,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Enrollment{}, ErrNotFound
		}
		return Enrollment{}, fmt.Errorf("scan enrollment: %w", err)
	}
	e.Status = Status(status)
	return e, nil
}

func scanSubject(row pgx.Row) (Subject, error) {
	var sub Subject
	if err := row.Scan(
		&sub.UserID,
		&sub.CourseID,
		&sub.LevelKey,
		&sub.Key,
		&sub.Label,
		&sub.TargetHours,
		&sub.Color,
		&sub.Position,
		&sub.Frozen,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subject{}, ErrNotFound
		}
		return Subject{}, fmt.Errorf("scan subject: %w", err)
	}
	return sub, nil
}

// mapPgError turns unique-constraint violations into the matching domain
// error.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	switch pgErr.ConstraintName {
	case "user_courses_user_course_key":
		return ErrDuplicateCourse
	case "user_courses_user_slot_key":
		return ErrSlotTaken
	case "user_subjects_key":
		return ErrDuplicateSubject
	case "user_topics_key":
		return ErrDuplicateTopic
	}
	return err
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullIfZero(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
