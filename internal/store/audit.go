package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Audit actions recorded by the archive.
const (
	ActionDeleteJob = "delete_job"
	ActionPrune     = "prune"
	ActionNoteAdded = "note_added"
)

// AuditEntry records an action taken on the archive
type AuditEntry struct {
	ID        string                 `json:"id"`
	JobID     string                 `json:"job_id,omitempty"`
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor"`
	Details   map[string]interface{} `json:"details"`
	CreatedAt time.Time              `json:"created_at"`
}

// Note is an analyst comment attached to an archived job
type Note struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

var auditMigrations = []string{
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		job_id TEXT,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		details TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		content TEXT NOT NULL,
		author TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_job_id ON audit_entries(job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_entries(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_notes_job_id ON notes(job_id)`,
}

// AddAuditEntry adds an audit entry to the database
func (s *Store) AddAuditEntry(ctx context.Context, entry AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.Details == nil {
		entry.Details = map[string]interface{}{}
	}

	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_entries (
		id, job_id, action, actor, details, created_at
	) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.JobID, entry.Action, entry.Actor, string(detailsJSON), entry.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// GetAuditEntries returns audit entries, newest first. An empty jobID
// returns entries for every job.
func (s *Store) GetAuditEntries(ctx context.Context, jobID string, limit int) ([]AuditEntry, error) {
	query := `SELECT id, job_id, action, actor, details, created_at FROM audit_entries`
	args := []interface{}{}
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var job *string
		var detailsJSON string
		var createdAt int64

		if err := rows.Scan(&entry.ID, &job, &entry.Action, &entry.Actor, &detailsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if job != nil {
			entry.JobID = *job
		}
		entry.CreatedAt = time.UnixMilli(createdAt).UTC()

		if err := json.Unmarshal([]byte(detailsJSON), &entry.Details); err != nil {
			entry.Details = map[string]interface{}{"raw": detailsJSON}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// AddNote attaches a note to an archived job and records it in the audit log
func (s *Store) AddNote(ctx context.Context, note Note) (string, error) {
	if _, err := s.GetJob(ctx, note.JobID); err != nil {
		return "", err
	}
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	note.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, `INSERT INTO notes (id, job_id, content, author, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		note.ID, note.JobID, note.Content, note.Author, note.CreatedAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to save note: %w", err)
	}

	err = s.AddAuditEntry(ctx, AuditEntry{
		JobID:   note.JobID,
		Action:  ActionNoteAdded,
		Actor:   note.Author,
		Details: map[string]interface{}{"note_id": note.ID},
	})
	return note.ID, err
}

// GetNotes returns the notes of a job, oldest first
func (s *Store) GetNotes(ctx context.Context, jobID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, job_id, content, author, created_at
		FROM notes WHERE job_id = ? ORDER BY created_at, rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var note Note
		var createdAt int64
		if err := rows.Scan(&note.ID, &note.JobID, &note.Content, &note.Author, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		note.CreatedAt = time.UnixMilli(createdAt).UTC()
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notes: %w", err)
	}
	return notes, nil
}
