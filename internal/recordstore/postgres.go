package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"vaspilot/internal/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS execution_records (
	id            BIGSERIAL PRIMARY KEY,
	job_id        TEXT        NOT NULL,
	attempt_index INT         NOT NULL,
	job_type      TEXT        NOT NULL,
	status        TEXT        NOT NULL,
	params_json   JSONB       NOT NULL,
	scheduler_id  TEXT        NOT NULL DEFAULT '',
	dir           TEXT        NOT NULL DEFAULT '',
	category      TEXT        NOT NULL DEFAULT '',
	excerpt       TEXT        NOT NULL DEFAULT '',
	result_json   JSONB,
	started_at    TIMESTAMPTZ NOT NULL,
	ended_at      TIMESTAMPTZ NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL,
	UNIQUE (job_id, attempt_index)
);
CREATE INDEX IF NOT EXISTS execution_records_job_idx ON execution_records (job_id, attempt_index);
`

// PostgresStore persists records in Postgres. The unique constraint on
// (job_id, attempt_index) makes Append idempotent under retry: the
// engine may re-send a record after a transient failure without
// duplicating history.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open record database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach record database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure record schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	paramsJSON, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	var resultJSON []byte
	if rec.Result != nil {
		if resultJSON, err = json.Marshal(rec.Result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	}

	query := `
		INSERT INTO execution_records (
			job_id, attempt_index, job_type, status, params_json,
			scheduler_id, dir, category, excerpt, result_json,
			started_at, ended_at, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (job_id, attempt_index) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.JobID,
		rec.AttemptIndex,
		rec.Type,
		rec.Status,
		paramsJSON,
		rec.SchedulerID,
		rec.Dir,
		rec.Category,
		rec.Excerpt,
		nullableJSON(resultJSON),
		rec.StartedAt,
		rec.EndedAt,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append execution record: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, jobID string) ([]Record, error) {
	query := selectColumns + ` WHERE job_id = $1 ORDER BY attempt_index`
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) Find(ctx context.Context, filter Filter) ([]Record, error) {
	query := selectColumns + ` WHERE 1=1`
	var args []any
	arg := 1
	add := func(clause string, v any) {
		query += fmt.Sprintf(" AND %s = $%d", clause, arg)
		args = append(args, v)
		arg++
	}
	if filter.JobID != "" {
		add("job_id", filter.JobID)
	}
	if filter.Type != "" {
		add("job_type", string(filter.Type))
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.Category != "" {
		add("category", filter.Category)
	}
	query += " ORDER BY recorded_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", arg)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const selectColumns = `
	SELECT job_id, attempt_index, job_type, status, params_json,
	       scheduler_id, dir, category, excerpt, result_json,
	       started_at, ended_at, recorded_at
	FROM execution_records`

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		var paramsJSON []byte
		var resultJSON sql.NullString
		err := rows.Scan(
			&rec.JobID,
			&rec.AttemptIndex,
			&rec.Type,
			&rec.Status,
			&paramsJSON,
			&rec.SchedulerID,
			&rec.Dir,
			&rec.Category,
			&rec.Excerpt,
			&resultJSON,
			&rec.StartedAt,
			&rec.EndedAt,
			&rec.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if err := json.Unmarshal(paramsJSON, &rec.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params: %w", err)
		}
		if resultJSON.Valid {
			rec.Result = &job.Result{}
			if err := json.Unmarshal([]byte(resultJSON.String), rec.Result); err != nil {
				return nil, fmt.Errorf("failed to decode result: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
