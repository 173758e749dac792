package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucasnoah/rdloop/internal/workspace"
)

// Postgres is a workspace backend shared by several hosts.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ workspace.Backend = (*Postgres)(nil)

// OpenPostgres connects to dsn. It does not migrate.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS records (
    seq         BIGSERIAL PRIMARY KEY,
    run_id      TEXT        NOT NULL,
    generation  INTEGER     NOT NULL CHECK(generation >= 0),
    kind        TEXT        NOT NULL CHECK(kind IN ('run','hypothesis','implementation','execution','feedback','state')),
    revision    INTEGER     NOT NULL CHECK(revision >= 0),
    payload     JSONB       NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    UNIQUE(run_id, generation, kind, revision)
);
CREATE INDEX IF NOT EXISTS idx_records_run_seq ON records(run_id, seq);
CREATE INDEX IF NOT EXISTS idx_records_run_kind ON records(run_id, kind, seq DESC);
`

// Migrate applies the database schema.
func (p *Postgres) Migrate(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, postgresSchemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING`); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit(ctx)
}

// Reset drops all tables and re-applies the schema.
func (p *Postgres) Reset(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DROP TABLE IF EXISTS records, schema_version`); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	return p.Migrate(ctx)
}

func (p *Postgres) Insert(ctx context.Context, rec workspace.Record) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO records (run_id, generation, kind, revision, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, generation, kind, revision) DO NOTHING`,
		rec.RunID, rec.Generation, string(rec.Kind), rec.Revision, string(rec.Payload), rec.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert record %s: %w", rec.Key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) Has(ctx context.Context, key workspace.Key) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM records WHERE run_id = $1 AND generation = $2 AND kind = $3 AND revision = $4)`,
		key.RunID, key.Generation, string(key.Kind), key.Revision,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup record %s: %w", key, err)
	}
	return exists, nil
}

func (p *Postgres) MaxGeneration(ctx context.Context, runID string) (int, bool, error) {
	var gen *int32
	err := p.pool.QueryRow(ctx, `SELECT MAX(generation) FROM records WHERE run_id = $1`, runID).Scan(&gen)
	if err != nil {
		return 0, false, fmt.Errorf("max generation %s: %w", runID, err)
	}
	if gen == nil {
		return 0, false, nil
	}
	return int(*gen), true, nil
}

func (p *Postgres) Records(ctx context.Context, runID string) ([]workspace.Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT seq, run_id, generation, kind, revision, payload::text, created_at
		 FROM records WHERE run_id = $1 ORDER BY seq`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query records %s: %w", runID, err)
	}
	defer rows.Close()

	var out []workspace.Record
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) LatestState(ctx context.Context, runID string) (*workspace.Record, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT seq, run_id, generation, kind, revision, payload::text, created_at
		 FROM records WHERE run_id = $1 AND kind = 'state' ORDER BY seq DESC LIMIT 1`, runID,
	)
	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *Postgres) Runs(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT run_id FROM records ORDER BY run_id`)
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

func scanPgRecord(row pgx.Row) (workspace.Record, error) {
	var rec workspace.Record
	var kind, payload string
	var gen, rev int32
	var created time.Time
	err := row.Scan(&rec.Seq, &rec.RunID, &gen, &kind, &rev, &payload, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("scan record: %w", err)
	}
	rec.Generation = int(gen)
	rec.Revision = int(rev)
	rec.Kind = workspace.Kind(kind)
	rec.Payload = []byte(payload)
	rec.CreatedAt = created.UTC()
	return rec, nil
}
