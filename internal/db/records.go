package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lucasnoah/rdloop/internal/workspace"
)

const timeLayout = time.RFC3339Nano

// Insert writes rec unless its key already exists.
func (d *SQLite) Insert(ctx context.Context, rec workspace.Record) (bool, error) {
	res, err := d.conn.ExecContext(ctx,
		`INSERT INTO records (run_id, generation, kind, revision, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, generation, kind, revision) DO NOTHING`,
		rec.RunID, rec.Generation, string(rec.Kind), rec.Revision, string(rec.Payload),
		rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("insert record %s: %w", rec.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert record %s: %w", rec.Key, err)
	}
	return n > 0, nil
}

// Has reports whether a record with key exists.
func (d *SQLite) Has(ctx context.Context, key workspace.Key) (bool, error) {
	var one int
	err := d.conn.QueryRowContext(ctx,
		`SELECT 1 FROM records WHERE run_id = ? AND generation = ? AND kind = ? AND revision = ?`,
		key.RunID, key.Generation, string(key.Kind), key.Revision,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup record %s: %w", key, err)
	}
	return true, nil
}

// MaxGeneration returns the highest generation recorded for runID.
func (d *SQLite) MaxGeneration(ctx context.Context, runID string) (int, bool, error) {
	var gen sql.NullInt64
	err := d.conn.QueryRowContext(ctx,
		`SELECT MAX(generation) FROM records WHERE run_id = ?`, runID,
	).Scan(&gen)
	if err != nil {
		return 0, false, fmt.Errorf("max generation %s: %w", runID, err)
	}
	if !gen.Valid {
		return 0, false, nil
	}
	return int(gen.Int64), true, nil
}

// Records returns every record of runID in insertion order.
func (d *SQLite) Records(ctx context.Context, runID string) ([]workspace.Record, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT seq, run_id, generation, kind, revision, payload, created_at
		 FROM records WHERE run_id = ? ORDER BY seq`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query records %s: %w", runID, err)
	}
	defer rows.Close()

	var out []workspace.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestState returns the state record with the highest seq, or nil.
func (d *SQLite) LatestState(ctx context.Context, runID string) (*workspace.Record, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT seq, run_id, generation, kind, revision, payload, created_at
		 FROM records WHERE run_id = ? AND kind = 'state' ORDER BY seq DESC LIMIT 1`, runID,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Runs returns the distinct run ids in the database.
func (d *SQLite) Runs(ctx context.Context) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT DISTINCT run_id FROM records ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (workspace.Record, error) {
	var rec workspace.Record
	var kind, payload, created string
	err := s.Scan(&rec.Seq, &rec.RunID, &rec.Generation, &kind, &rec.Revision, &payload, &created)
	if err == sql.ErrNoRows {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("scan record: %w", err)
	}
	rec.Kind = workspace.Kind(kind)
	rec.Payload = []byte(payload)
	if t, err := time.Parse(timeLayout, created); err == nil {
		rec.CreatedAt = t
	}
	return rec, nil
}
