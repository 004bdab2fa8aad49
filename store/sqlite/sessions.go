package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/session"
)

// =============================================================================
// SESSION STORE (session.Store interface)
// =============================================================================

const sessionColumns = `id, user_id, story_id, character_id, role_ids_json, chapter, chapter_target,
	completed, log_json, rating, completed_at, created_at, updated_at, version`

// CreateSession inserts s unless an active session exists for
// (user, story); idx_sessions_active decides.
func (s *Store) CreateSession(ctx context.Context, sess session.Session) (session.Session, bool, error) {
	roles, logJSON, err := encodeSession(sess)
	if err != nil {
		return session.Session{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sess.ID, sess.UserID, sess.StoryID, sess.CharacterID, roles,
		sess.Progress.Chapter, sess.Progress.ChapterTarget, boolInt(sess.Progress.Completed),
		logJSON, nullRating(sess.Rating), nullTime(sess.CompletedAt),
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt), sess.Version,
	)
	if err == nil {
		return sess, true, nil
	}
	if !isUniqueConstraintError(err) {
		return session.Session{}, false, fmt.Errorf("failed to insert session: %w", err)
	}

	existing, err := sessionWhere(ctx, s.db, "user_id = ? AND story_id = ? AND completed = 0", sess.UserID, sess.StoryID)
	if err != nil {
		return session.Session{}, false, err
	}
	if existing == nil {
		// The active session completed between the insert and this read.
		return session.Session{}, false, generic.ErrConcurrentModification
	}
	return *existing, false, nil
}

// GetSession returns the session with id, or nil.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sessionWhere(ctx, s.db, "id = ?", id)
}

// FindActiveSession returns the active session for (userID, storyID), or nil.
func (s *Store) FindActiveSession(ctx context.Context, userID, storyID string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sessionWhere(ctx, s.db, "user_id = ? AND story_id = ? AND completed = 0", userID, storyID)
}

// UpdateSession saves sess when the stored version is expectedVersion.
func (s *Store) UpdateSession(ctx context.Context, sess session.Session, expectedVersion int64) (session.Session, error) {
	roles, logJSON, err := encodeSession(sess)
	if err != nil {
		return session.Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			character_id = ?, role_ids_json = ?, chapter = ?, chapter_target = ?, completed = ?,
			log_json = ?, rating = ?, completed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		sess.CharacterID, roles, sess.Progress.Chapter, sess.Progress.ChapterTarget,
		boolInt(sess.Progress.Completed), logJSON, nullRating(sess.Rating), nullTime(sess.CompletedAt),
		formatTime(sess.UpdatedAt), sess.ID, expectedVersion,
	)
	if err != nil {
		return session.Session{}, fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sess.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
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
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ?
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
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, MAX(updated_at),
		       SUM(CASE WHEN completed = 0 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN completed = 1 THEN 1 ELSE 0 END)
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
			a    session.Activity
			last string
		)
		if err := rows.Scan(&a.UserID, &last, &a.OpenSessions, &a.CompletedSessions); err != nil {
			return nil, err
		}
		if a.LastActiveAt, err = parseTime(last); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func sessionWhere(ctx context.Context, q querier, cond string, args ...any) (*session.Session, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE `+cond, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	sess, err := scanSession(rows)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func scanSession(row rowScanner) (session.Session, error) {
	var (
		sess                 session.Session
		roles, logJSON       string
		completed            int
		rating               sql.NullInt64
		completedAt          sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.StoryID, &sess.CharacterID, &roles,
		&sess.Progress.Chapter, &sess.Progress.ChapterTarget, &completed, &logJSON,
		&rating, &completedAt, &createdAt, &updatedAt, &sess.Version); err != nil {
		return session.Session{}, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.Progress.Completed = completed == 1

	if err := json.Unmarshal([]byte(roles), &sess.RoleIDs); err != nil {
		return session.Session{}, fmt.Errorf("decode roles of %s: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(logJSON), &sess.Log); err != nil {
		return session.Session{}, fmt.Errorf("decode log of %s: %w", sess.ID, err)
	}
	if rating.Valid {
		r := int(rating.Int64)
		sess.Rating = &r
	}

	var err error
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return session.Session{}, err
		}
		sess.CompletedAt = &t
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return session.Session{}, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return session.Session{}, err
	}
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

func nullRating(r *int) sql.NullInt64 {
	if r == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*r), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
