package store

import (
	"context"
	"fmt"
	"time"
)

// AddCoverage records that every message of talker inside r is cached.
// Overlapping and touching spans are folded into one row.
func (db *DB) AddCoverage(ctx context.Context, talker string, r TimeRange) error {
	if r.IsZero() || r.End.Before(r.Start) {
		return nil
	}
	start, end := r.Start.UnixMilli(), r.End.UnixMilli()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT start_ms, end_ms FROM coverage
		WHERE talker = ? AND start_ms <= ? AND end_ms >= ?`, talker, end, start)
	if err != nil {
		return fmt.Errorf("read coverage: %w", err)
	}
	lo, hi := start, end
	for rows.Next() {
		var s, e int64
		if err := rows.Scan(&s, &e); err != nil {
			_ = rows.Close()
			return err
		}
		lo, hi = min(lo, s), max(hi, e)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM coverage
		WHERE talker = ? AND start_ms <= ? AND end_ms >= ?`, talker, end, start); err != nil {
		return fmt.Errorf("fold coverage: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO coverage (talker, start_ms, end_ms) VALUES (?, ?, ?)`, talker, lo, hi); err != nil {
		return fmt.Errorf("insert coverage: %w", err)
	}
	return tx.Commit()
}

// Coverage returns the recorded spans of talker, oldest first. The spans do
// not overlap.
func (db *DB) Coverage(ctx context.Context, talker string) ([]TimeRange, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT start_ms, end_ms FROM coverage
		WHERE talker = ?
		ORDER BY start_ms`, talker)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []TimeRange
	for rows.Next() {
		var s, e int64
		if err := rows.Scan(&s, &e); err != nil {
			return nil, err
		}
		out = append(out, TimeRange{Start: time.UnixMilli(s), End: time.UnixMilli(e)})
	}
	return out, rows.Err()
}
