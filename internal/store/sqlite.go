package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ashfaaq98/analyzerkit/internal/analyzer"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// Store is the SQLite report archive
type Store struct {
	db *sql.DB
}

// Job is one archived analyzer run
type Job struct {
	ID            string    `json:"id"`
	Analyzer      string    `json:"analyzer"`
	JobDir        string    `json:"job_dir,omitempty"`
	DataType      string    `json:"data_type"`
	Data          string    `json:"data"`
	Success       bool      `json:"success"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	ArtifactCount int       `json:"artifact_count"`
	SkippedCount  int       `json:"skipped_count"`
	Output        string    `json:"output"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Duration returns how long the run took.
func (j Job) Duration() time.Duration {
	return j.FinishedAt.Sub(j.StartedAt)
}

// Artifact is an archived report artifact
type Artifact struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	DataType  string    `json:"data_type"`
	Data      string    `json:"data,omitempty"`
	File      string    `json:"file,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// JobFilter narrows ListJobs and CountJobs. Zero values match everything.
type JobFilter struct {
	Analyzer string
	DataType string
	Success  *bool
	Since    time.Time
	Limit    int
	Offset   int
}

// NewStore opens (creating if needed) the archive at dbPath
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open(sqliteDriver, dataSourceName(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single connection: serializes batch writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			analyzer TEXT NOT NULL,
			job_dir TEXT,
			data_type TEXT NOT NULL,
			data TEXT,
			success INTEGER NOT NULL,
			error_message TEXT,
			artifact_count INTEGER DEFAULT 0,
			skipped_count INTEGER DEFAULT 0,
			output TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			data_type TEXT NOT NULL,
			data TEXT,
			file TEXT,
			filename TEXT,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_jobs_analyzer ON jobs(analyzer)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_data_type ON jobs(data_type)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_started_at ON jobs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_job_id ON artifacts(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_data ON artifacts(data)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_filename ON artifacts(filename)`,
	}

	for _, migration := range append(migrations, auditMigrations...) {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	s.setupFTS()
	return nil
}

// setupFTS indexes job data, errors and report output for SearchJobs. When
// fts5 is unavailable a plain table with the same name and triggers is
// created and SearchJobs falls back to LIKE.
func (s *Store) setupFTS() {
	_, err := s.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS jobs_fts USING fts5(
		job_id UNINDEXED, data, error_message, output
	)`)
	if err != nil {
		_, _ = s.db.Exec(`CREATE TABLE IF NOT EXISTS jobs_fts(
			job_id TEXT, data TEXT, error_message TEXT, output TEXT
		)`)
	}

	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS jobs_fts_insert AFTER INSERT ON jobs BEGIN
			INSERT INTO jobs_fts(job_id, data, error_message, output)
			VALUES (new.id, new.data, new.error_message, new.output);
		END`,
		`CREATE TRIGGER IF NOT EXISTS jobs_fts_delete AFTER DELETE ON jobs BEGIN
			DELETE FROM jobs_fts WHERE job_id = old.id;
		END`,
	}
	for _, t := range triggers {
		_, _ = s.db.Exec(t)
	}
}

// SaveOutcome archives a finished run and its artifacts in one transaction
func (s *Store) SaveOutcome(ctx context.Context, outcome *analyzer.Outcome) (string, error) {
	if outcome == nil {
		return "", errors.New("nil outcome")
	}

	job := Job{
		ID:           outcome.JobID,
		Analyzer:     outcome.Analyzer,
		JobDir:       outcome.JobDir,
		DataType:     outcome.DataType,
		Data:         outcome.Data,
		Success:      outcome.Success,
		ErrorMessage: outcome.ErrorMessage,
		SkippedCount: len(outcome.Skipped),
		Output:       string(outcome.Output),
		StartedAt:    outcome.StartedAt,
		FinishedAt:   outcome.FinishedAt,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Analyzer == "" {
		job.Analyzer = "unknown"
	}

	var artifacts []Artifact
	if outcome.Envelope != nil {
		for _, a := range outcome.Envelope.Artifacts {
			artifacts = append(artifacts, Artifact{
				ID:       uuid.NewString(),
				JobID:    job.ID,
				DataType: a.DataType,
				Data:     a.Data,
				File:     a.File,
				Filename: a.Filename,
			})
		}
	}
	job.ArtifactCount = len(artifacts)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	rollback := func(e error) (string, error) {
		_ = tx.Rollback()
		return "", e
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO jobs (
		id, analyzer, job_dir, data_type, data, success, error_message,
		artifact_count, skipped_count, output, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Analyzer, job.JobDir, job.DataType, job.Data, job.Success,
		job.ErrorMessage, job.ArtifactCount, job.SkippedCount, job.Output,
		job.StartedAt.UnixMilli(), job.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return rollback(fmt.Errorf("failed to save job: %w", err))
	}

	now := time.Now().UnixMilli()
	for _, a := range artifacts {
		_, err := tx.ExecContext(ctx, `INSERT INTO artifacts (
			id, job_id, data_type, data, file, filename, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.JobID, a.DataType, a.Data, a.File, a.Filename, now,
		)
		if err != nil {
			return rollback(fmt.Errorf("failed to save artifact: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return job.ID, nil
}

const jobColumns = `id, analyzer, job_dir, data_type, data, success, error_message,
	artifact_count, skipped_count, output, started_at, finished_at`

func (f JobFilter) where() (string, []interface{}) {
	clause := " WHERE 1=1"
	args := []interface{}{}

	if f.Analyzer != "" {
		clause += " AND analyzer = ?"
		args = append(args, f.Analyzer)
	}
	if f.DataType != "" {
		clause += " AND data_type = ?"
		args = append(args, strings.ToLower(f.DataType))
	}
	if f.Success != nil {
		clause += " AND success = ?"
		args = append(args, *f.Success)
	}
	if !f.Since.IsZero() {
		clause += " AND started_at >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	return clause, args
}

// ListJobs returns archived jobs, newest first
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	clause, args := filter.where()
	query := "SELECT " + jobColumns + " FROM jobs" + clause + " ORDER BY started_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// CountJobs returns the number of jobs matching filter (Limit/Offset ignored)
func (s *Store) CountJobs(ctx context.Context, filter JobFilter) (int, error) {
	clause, args := filter.where()
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM jobs"+clause, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return total, nil
}

// GetJob returns a single job, or ErrNotFound
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query job %s: %w", id, err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &jobs[0], nil
}

// ArtifactsForJob returns the artifacts of a job in report order
func (s *Store) ArtifactsForJob(ctx context.Context, jobID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, job_id, data_type, data, file, filename, created_at
		FROM artifacts WHERE job_id = ? ORDER BY rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts for job %s: %w", jobID, err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

// FindArtifacts returns artifacts whose data or original file name equals
// value, newest first
func (s *Store) FindArtifacts(ctx context.Context, value string, limit int) ([]Artifact, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, job_id, data_type, data, file, filename, created_at
		FROM artifacts WHERE data = ? OR filename = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, value, value, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find artifacts: %w", err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

// SearchJobs performs full-text search over job data, errors and report
// output (falls back to LIKE if FTS is unavailable)
func (s *Store) SearchJobs(ctx context.Context, query string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}

	phrase := `"` + strings.ReplaceAll(query, `"`, `""`) + `"`
	ftsQuery := `SELECT ` + prefixed("j.", jobColumns) + `
		FROM jobs j
		JOIN jobs_fts fts ON j.id = fts.job_id
		WHERE jobs_fts MATCH ?
		ORDER BY j.started_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, ftsQuery, phrase, limit)
	if err == nil {
		defer rows.Close()
		return scanJobs(rows)
	}

	likeQuery := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE data LIKE ? OR error_message LIKE ? OR output LIKE ?
		ORDER BY started_at DESC
		LIMIT ?`

	pattern := "%" + query + "%"
	rows, err = s.db.QueryContext(ctx, likeQuery, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// DeleteJobs deletes jobs by id together with their artifacts in a single
// transaction. It returns the number of jobs removed.
func (s *Store) DeleteJobs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]interface{}, len(ids))
	for i, v := range ids {
		args[i] = v
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	rollback := func(e error) (int64, error) {
		_ = tx.Rollback()
		return 0, e
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM artifacts WHERE job_id IN ("+placeholders+")", args...); err != nil {
		return rollback(fmt.Errorf("delete artifacts for jobs: %w", err))
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM notes WHERE job_id IN ("+placeholders+")", args...); err != nil {
		return rollback(fmt.Errorf("delete notes for jobs: %w", err))
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return rollback(fmt.Errorf("delete jobs: %w", err))
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return n, nil
}

// PruneBefore deletes jobs that started before t and returns how many were removed.
func (s *Store) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE started_at < ?`, t.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to query old jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("error iterating job ids: %w", err)
	}
	rows.Close()

	return s.DeleteJobs(ctx, ids)
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		var job Job
		var jobDir, data, errMsg sql.NullString
		var started, finished int64

		err := rows.Scan(&job.ID, &job.Analyzer, &jobDir, &job.DataType, &data,
			&job.Success, &errMsg, &job.ArtifactCount, &job.SkippedCount,
			&job.Output, &started, &finished)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		job.JobDir = jobDir.String
		job.Data = data.String
		job.ErrorMessage = errMsg.String
		job.StartedAt = time.UnixMilli(started).UTC()
		job.FinishedAt = time.UnixMilli(finished).UTC()
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}

func scanArtifacts(rows *sql.Rows) ([]Artifact, error) {
	var result []Artifact
	for rows.Next() {
		var a Artifact
		var data, file, filename sql.NullString
		var created int64

		if err := rows.Scan(&a.ID, &a.JobID, &a.DataType, &data, &file, &filename, &created); err != nil {
			return nil, fmt.Errorf("failed to scan artifact row: %w", err)
		}
		a.Data = data.String
		a.File = file.String
		a.Filename = filename.String
		a.CreatedAt = time.UnixMilli(created).UTC()
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifact rows: %w", err)
	}
	return result, nil
}
