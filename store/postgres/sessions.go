package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/session"
)

const sessionColumns = `id, user_id, story_id, character_id, role_ids, chapter, chapter_target,
	completed, log, rating, completed_at, created_at, updated_at, version`

// CreateSession inserts sess unless an active session exists for
// (user, story); idx_sessions_active decides.
func (s *Store) CreateSession(ctx context.Context, sess session.Session) (session.Session, bool, error) {
	roles, logJSON, err := encodeSession(sess)
	if err != nil {
		return session.Session{}, false, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		sess.ID, sess.UserID, sess.StoryID, sess.CharacterID, roles,
		sess.Progress.Chapter, sess.Progress.ChapterTarget, sess.Progress.Completed,
		logJSON, sess.Rating, sess.CompletedAt, sess.CreatedAt, sess.UpdatedAt, sess.Version,
	)
	if err == nil {
		return sess, true, nil
	}
	if !isUniqueViolation(err) {
		return session.Session{}, false, fmt.Errorf("failed to insert session: %w", err)
	}

	existing, err := sessionWhere(ctx, s.pool, "user_id = $1 AND story_id = $2 AND NOT completed", sess.UserID, sess.StoryID)
	if err != nil {
		return session.Session{}, false, err
	}
	if existing == nil {
		return session.Session{}, false, generic.ErrConcurrentModification
	}
	return *existing, false, nil
}

// GetSession returns the session with id, or nil.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	return sessionWhere(ctx, s.pool, "id = $1", id)
}

// FindActiveSession returns the active session for (userID, storyID), or nil.
func (s *Store) FindActiveSession(ctx context.Context, userID, storyID string) (*session.Session, error) {
	return sessionWhere(ctx, s.pool, "user_id = $1 AND story_id = $2 AND NOT completed", userID, storyID)
}

// UpdateSession saves sess when the stored version is expectedVersion.
func (s *Store) UpdateSession(ctx context.Context, sess session.Session, expectedVersion int64) (session.Session, error) {
	roles, logJSON, err := encodeSession(sess)
	if err != nil {
		return session.Session{}, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			character_id = $1, role_ids = $2, chapter = $3, chapter_target = $4, completed = $5,
			log = $6, rating = $7, completed_at = $8, updated_at = $9, version = version + 1
		WHERE id = $10 AND version = $11
	`,
		sess.CharacterID, roles, sess.Progress.Chapter, sess.Progress.ChapterTarget,
		sess.Progress.Completed, logJSON, sess.Rating, sess.CompletedAt,
		sess.UpdatedAt, sess.ID, expectedVersion,
	)
	if err != nil {
		return session.Session{}, fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM sessions WHERE id = $1`, sess.ID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Session{}, generic.ErrNotFound
		}
		if err != nil {
			return session.Session{}, err
		}
		return session.Session{}, generic.ErrConcurrentModification
	}

	sess.Version = expectedVersion + 1
	return sess, nil
}

// ListSessions returns a user's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]session.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var result []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// ListActivity aggregates sessions per user.
func (s *Store) ListActivity(ctx context.Context) ([]session.Activity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, MAX(updated_at),
		       COUNT(*) FILTER (WHERE NOT completed),
		       COUNT(*) FILTER (WHERE completed)
		FROM sessions
		GROUP BY user_id
		ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var result []session.Activity
	for rows.Next() {
		var (
			a               session.Activity
			open, completed int64
		)
		if err := rows.Scan(&a.UserID, &a.LastActiveAt, &open, &completed); err != nil {
			return nil, err
		}
		a.LastActiveAt = a.LastActiveAt.UTC()
		a.OpenSessions = int(open)
		a.CompletedSessions = int(completed)
		result = append(result, a)
	}
	return result, rows.Err()
}

func sessionWhere(ctx context.Context, q querier, cond string, args ...any) (*session.Session, error) {
	row := q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE `+cond, args...)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func scanSession(row pgx.Row) (session.Session, error) {
	var (
		sess           session.Session
		roles, logJSON []byte
		rating         *int32
		completedAt    *time.Time
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.StoryID, &sess.CharacterID, &roles,
		&sess.Progress.Chapter, &sess.Progress.ChapterTarget, &sess.Progress.Completed, &logJSON,
		&rating, &completedAt, &sess.CreatedAt, &sess.UpdatedAt, &sess.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Session{}, err
		}
		return session.Session{}, fmt.Errorf("failed to scan session: %w", err)
	}

	if err := json.Unmarshal(roles, &sess.RoleIDs); err != nil {
		return session.Session{}, fmt.Errorf("decode roles of %s: %w", sess.ID, err)
	}
	if err := json.Unmarshal(logJSON, &sess.Log); err != nil {
		return session.Session{}, fmt.Errorf("decode log of %s: %w", sess.ID, err)
	}
	if rating != nil {
		r := int(*rating)
		sess.Rating = &r
	}
	if completedAt != nil {
		t := completedAt.UTC()
		sess.CompletedAt = &t
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return sess, nil
}

func encodeSession(sess session.Session) (roles, logJSON string, err error) {
	roleIDs := sess.RoleIDs
	if roleIDs == nil {
		roleIDs = []string{}
	}
	r, err := json.Marshal(roleIDs)
	if err != nil {
		return "", "", fmt.Errorf("encode roles: %w", err)
	}
	entries := sess.Log
	if entries == nil {
		entries = []session.LogEntry{}
	}
	l, err := json.Marshal(entries)
	if err != nil {
		return "", "", fmt.Errorf("encode log: %w", err)
	}
	return string(r), string(l), nil
}
