package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/warp/story-engine/generic"
)

// UpsertIfAbsent inserts rec unless its key exists.
func (s *Store) UpsertIfAbsent(ctx context.Context, rec generic.Record) (bool, error) {
	if rec.Key == "" {
		return false, generic.Invalid("key", "required")
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO dedupe_records (dedupe_key, payload, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, rec.Key, string(payload), rec.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to upsert dedupe record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetRecord returns the record for key, or nil.
func (s *Store) GetRecord(ctx context.Context, key string) (*generic.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT dedupe_key, payload, created_at FROM dedupe_records WHERE dedupe_key = $1`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns records whose key starts with prefix, ordered by key.
func (s *Store) ListRecords(ctx context.Context, prefix string) ([]generic.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dedupe_key, payload, created_at FROM dedupe_records
		WHERE starts_with(dedupe_key, $1)
		ORDER BY dedupe_key
	`, prefix)
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

func scanRecord(row pgx.Row) (generic.Record, error) {
	var (
		rec     generic.Record
		payload []byte
	)
	if err := row.Scan(&rec.Key, &payload, &rec.CreatedAt); err != nil {
		return generic.Record{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return generic.Record{}, fmt.Errorf("decode payload of %s: %w", rec.Key, err)
		}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}
