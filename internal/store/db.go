// Package store keeps a history of jobs and their stage diagnostics in
// SQLite. Live job status is owned by the job manager; the ledger is what
// remains after jobs are evicted from memory.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
)

// Ledger records job history.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. ":memory:" gives a private in-memory database.
func Open(path string) (*Ledger, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open ledger %s", path)
	}
	// sqlite serialises writers; one connection also keeps :memory: a
	// single database
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "open ledger %s", path)
	}
	if err := MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// NewLedger wraps an already migrated database.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// definitionJSON stores the stage list only; inline input points can be
// large and are not history.
func definitionJSON(def *model.PipelineDefinition) (string, error) {
	if def == nil {
		return `{"pipeline":[]}`, nil
	}
	data, err := json.Marshal(model.PipelineDefinition{Stages: def.Stages})
	if err != nil {
		return "", errors.Wrap(err, "encode definition")
	}
	return string(data), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// SaveJob inserts a new job record.
func (l *Ledger) SaveJob(ctx context.Context, job model.Job) error {
	def, err := definitionJSON(job.Definition)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO jobs (id, pipeline_id, definition, state, error, error_code, created_at, started_at, finished_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.PipelineID, def, string(job.State), job.Error, job.ErrorCode,
		job.CreatedAt.UTC(), nullTime(job.StartedAt), nullTime(job.FinishedAt), now)
	return errors.Wrapf(err, "save job %s", job.ID)
}

// UpdateJob writes the job's state, error and timestamps.
func (l *Ledger) UpdateJob(ctx context.Context, job model.Job) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error = ?, error_code = ?, started_at = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
		string(job.State), job.Error, job.ErrorCode, nullTime(job.StartedAt), nullTime(job.FinishedAt), time.Now().UTC(), job.ID)
	if err != nil {
		return errors.Wrapf(err, "update job %s", job.ID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "job %s", job.ID)
	}
	return nil
}

// SaveDiagnostic appends one stage diagnostic to the job's history.
func (l *Ledger) SaveDiagnostic(ctx context.Context, jobID string, d model.Diagnostic) error {
	warnings, err := json.Marshal(d.Warnings)
	if err != nil {
		return errors.Wrap(err, "encode warnings")
	}
	if d.Warnings == nil {
		warnings = []byte("[]")
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO job_diagnostics (job_id, stage_index, stage_type, elapsed_ns, input_count, output_count, attempts, warnings, error, error_code)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, d.StageIndex, d.StageType, int64(d.Elapsed), d.InputCount, d.OutputCount, d.Attempts,
		string(warnings), d.Error, d.ErrorCode)
	return errors.Wrapf(err, "save diagnostic %d of job %s", d.StageIndex, jobID)
}

const jobColumns = `id, pipeline_id, definition, state, error, error_code, created_at, started_at, finished_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (model.Job, error) {
	var (
		job               model.Job
		state, def        string
		started, finished sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.PipelineID, &def, &state, &job.Error, &job.ErrorCode,
		&job.CreatedAt, &started, &finished); err != nil {
		return model.Job{}, err
	}
	job.State = model.JobState(state)
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		job.FinishedAt = &t
	}
	var d model.PipelineDefinition
	if err := json.Unmarshal([]byte(def), &d); err != nil {
		return model.Job{}, errors.Wrapf(err, "decode definition of job %s", job.ID)
	}
	job.Definition = &d
	return job, nil
}

// ListJobs returns the most recent jobs, newest first, without
// diagnostics. A limit of zero or less returns all jobs.
func (l *Ledger) ListJobs(ctx context.Context, limit int) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, id`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	jobs := []model.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Wrap(rows.Err(), "list jobs")
}

// GetJob returns a job with its diagnostics in stage order.
func (l *Ledger) GetJob(ctx context.Context, jobID string) (model.Job, error) {
	job, err := scanJob(l.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return model.Job{}, errors.Wrapf(err, "get job %s", jobID)
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT stage_index, stage_type, elapsed_ns, input_count, output_count, attempts, warnings, error, error_code
		 FROM job_diagnostics WHERE job_id = ? ORDER BY stage_index`, jobID)
	if err != nil {
		return model.Job{}, errors.Wrapf(err, "get diagnostics of job %s", jobID)
	}
	defer rows.Close()

	job.Diagnostics = []model.Diagnostic{}
	for rows.Next() {
		var (
			d        model.Diagnostic
			elapsed  int64
			warnings string
		)
		if err := rows.Scan(&d.StageIndex, &d.StageType, &elapsed, &d.InputCount, &d.OutputCount,
			&d.Attempts, &warnings, &d.Error, &d.ErrorCode); err != nil {
			return model.Job{}, errors.Wrap(err, "scan diagnostic")
		}
		d.Elapsed = time.Duration(elapsed)
		if err := json.Unmarshal([]byte(warnings), &d.Warnings); err != nil {
			return model.Job{}, errors.Wrap(err, "decode warnings")
		}
		if len(d.Warnings) == 0 {
			d.Warnings = nil
		}
		job.Diagnostics = append(job.Diagnostics, d)
	}
	return job, errors.Wrap(rows.Err(), "get diagnostics")
}
