// Package sqlite implements the repo interfaces on an embedded SQLite
// database for single-node deployments. It mirrors the postgres semantics:
// whole-document writes guarded by a version column.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/forgeui-labs/forgeui-go/internal/domain"
	"github.com/forgeui-labs/forgeui-go/internal/repo"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_jobs (
	job_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	document TEXT NOT NULL,
	version INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS progress_events (
	event_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL,
	occurred_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_progress_events_job ON progress_events(job_id, occurred_at);
`

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

type JobContextStore struct {
	db *sql.DB
}

func NewJobContextStore(db *sql.DB) *JobContextStore {
	if db == nil {
		return nil
	}
	return &JobContextStore{db: db}
}

func (s *JobContextStore) Create(ctx context.Context, jc domain.JobContext) (domain.JobContext, error) {
	if s == nil || s.db == nil {
		return domain.JobContext{}, fmt.Errorf("job context store not initialized")
	}
	if err := jc.Validate(); err != nil {
		return domain.JobContext{}, err
	}
	doc, err := json.Marshal(jc)
	if err != nil {
		return domain.JobContext{}, fmt.Errorf("marshal job context: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO pipeline_jobs (job_id, status, document, version, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)`,
		strings.TrimSpace(jc.JobID),
		string(jc.Status),
		string(doc),
		jc.CreatedAt.UTC().Format(time.RFC3339Nano),
		jc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return domain.JobContext{}, fmt.Errorf("job %s: %w", jc.JobID, repo.ErrConflict)
		}
		return domain.JobContext{}, fmt.Errorf("insert job context: %w", err)
	}
	jc.Version = 1
	return jc, nil
}

func (s *JobContextStore) Load(ctx context.Context, jobID string) (domain.JobContext, error) {
	if s == nil || s.db == nil {
		return domain.JobContext{}, fmt.Errorf("job context store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return domain.JobContext{}, fmt.Errorf("job id is required")
	}

	var doc string
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT document, version FROM pipeline_jobs WHERE job_id = ?`, jobID).
		Scan(&doc, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.JobContext{}, fmt.Errorf("job %s: %w", jobID, repo.ErrNotFound)
		}
		return domain.JobContext{}, fmt.Errorf("load job context: %w", err)
	}

	var jc domain.JobContext
	if err := json.Unmarshal([]byte(doc), &jc); err != nil {
		return domain.JobContext{}, fmt.Errorf("unmarshal job context: %w", err)
	}
	if jc.StageRecords == nil {
		jc.StageRecords = map[string]domain.StageRecord{}
	}
	if jc.Artifacts == nil {
		jc.Artifacts = map[string]domain.Artifact{}
	}
	jc.Version = version
	return jc, nil
}

func (s *JobContextStore) Save(ctx context.Context, jc domain.JobContext) (domain.JobContext, error) {
	if s == nil || s.db == nil {
		return domain.JobContext{}, fmt.Errorf("job context store not initialized")
	}
	if err := jc.Validate(); err != nil {
		return domain.JobContext{}, err
	}
	doc, err := json.Marshal(jc)
	if err != nil {
		return domain.JobContext{}, fmt.Errorf("marshal job context: %w", err)
	}

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_jobs
		 SET status = ?, document = ?, version = version + 1, updated_at = ?
		 WHERE job_id = ? AND version = ?`,
		string(jc.Status),
		string(doc),
		jc.UpdatedAt.UTC().Format(time.RFC3339Nano),
		strings.TrimSpace(jc.JobID),
		jc.Version,
	)
	if err != nil {
		return domain.JobContext{}, fmt.Errorf("save job context: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.JobContext{}, fmt.Errorf("save job context: %w", err)
	}
	if affected == 0 {
		if _, loadErr := s.Load(ctx, jc.JobID); loadErr != nil {
			return domain.JobContext{}, loadErr
		}
		return domain.JobContext{}, fmt.Errorf("job %s version %d: %w", jc.JobID, jc.Version, repo.ErrConflict)
	}
	jc.Version++
	return jc, nil
}

type ProgressEventStore struct {
	db *sql.DB
}

func NewProgressEventStore(db *sql.DB) *ProgressEventStore {
	if db == nil {
		return nil
	}
	return &ProgressEventStore{db: db}
}

func (s *ProgressEventStore) Append(ctx context.Context, event repo.ProgressEvent) (repo.ProgressEvent, error) {
	if s == nil || s.db == nil {
		return repo.ProgressEvent{}, fmt.Errorf("progress event store not initialized")
	}
	if strings.TrimSpace(event.JobID) == "" {
		return repo.ProgressEvent{}, fmt.Errorf("job id is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO progress_events (event_id, job_id, stage, status, message, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID,
		strings.TrimSpace(event.JobID),
		strings.TrimSpace(event.Stage),
		strings.TrimSpace(event.Status),
		event.Message,
		event.OccurredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return repo.ProgressEvent{}, fmt.Errorf("insert progress event: %w", err)
	}
	return event, nil
}

func (s *ProgressEventStore) ListByJob(ctx context.Context, filter repo.ProgressEventFilter) ([]repo.ProgressEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("progress event store not initialized")
	}
	jobID := strings.TrimSpace(filter.JobID)
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT event_id, job_id, stage, status, message, occurred_at
		 FROM progress_events
		 WHERE job_id = ? AND (? = '' OR stage = ?)
		 ORDER BY occurred_at ASC, event_id ASC
		 LIMIT ?`,
		jobID, strings.TrimSpace(filter.Stage), strings.TrimSpace(filter.Stage), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list progress events: %w", err)
	}
	defer rows.Close()

	events := make([]repo.ProgressEvent, 0)
	for rows.Next() {
		var event repo.ProgressEvent
		var occurredAt string
		if err := rows.Scan(&event.ID, &event.JobID, &event.Stage, &event.Status, &event.Message, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan progress event: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		event.OccurredAt = t
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list progress events: %w", err)
	}
	return events, nil
}
