package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/story-engine/generic"
)

// =============================================================================
// DEDUPE STORE (generic.DedupeStore interface)
// =============================================================================

// UpsertIfAbsent inserts rec unless its key exists. The primary key on
// dedupe_key is the only arbiter between concurrent callers.
func (s *Store) UpsertIfAbsent(ctx context.Context, rec generic.Record) (bool, error) {
	if rec.Key == "" {
		return false, generic.Invalid("key", "required")
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dedupe_records (dedupe_key, payload_json, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING
	`, rec.Key, string(payload), formatTime(rec.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to upsert dedupe record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetRecord returns the record for key, or nil.
func (s *Store) GetRecord(ctx context.Context, key string) (*generic.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT dedupe_key, payload_json, created_at FROM dedupe_records WHERE dedupe_key = ?`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns records whose key starts with prefix, ordered by key.
func (s *Store) ListRecords(ctx context.Context, prefix string) ([]generic.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT dedupe_key, payload_json, created_at FROM dedupe_records
		WHERE substr(dedupe_key, 1, ?) = ?
		ORDER BY dedupe_key
	`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list dedupe records: %w", err)
	}
	defer rows.Close()

	var result []generic.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (generic.Record, error) {
	var (
		rec       generic.Record
		payload   sql.NullString
		createdAt string
	)
	if err := row.Scan(&rec.Key, &payload, &createdAt); err != nil {
		return generic.Record{}, err
	}
	if payload.Valid && payload.String != "" && strings.TrimSpace(payload.String) != "null" {
		if err := json.Unmarshal([]byte(payload.String), &rec.Payload); err != nil {
			return generic.Record{}, fmt.Errorf("decode payload of %s: %w", rec.Key, err)
		}
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return generic.Record{}, err
	}
	rec.CreatedAt = t
	return rec, nil
}
