package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forgeui-labs/forgeui-go/internal/domain"
	"github.com/forgeui-labs/forgeui-go/internal/repo"
)

// JobContextStore persists job contexts as whole jsonb documents with an
// integer version column. Saves are optimistic: a stale version updates zero
// rows and surfaces repo.ErrConflict so the caller re-loads and re-applies.
type JobContextStore struct {
	db DB
}

const (
	insertJobContextQuery = `INSERT INTO pipeline_jobs (
		job_id,
		status,
		document,
		version,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,1,$4,$5)
	ON CONFLICT (job_id) DO NOTHING
	RETURNING version`

	selectJobContextQuery = `SELECT document, version
	 FROM pipeline_jobs
	 WHERE job_id = $1`

	updateJobContextQuery = `UPDATE pipeline_jobs
	 SET status = $2,
		 document = $3,
		 version = version + 1,
		 updated_at = $4
	 WHERE job_id = $1 AND version = $5
	 RETURNING version`
)

func NewJobContextStore(db DB) *JobContextStore {
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

	doc, err := encodeDocument(jc)
	if err != nil {
		return domain.JobContext{}, err
	}

	var version int64
	err = s.db.QueryRowContext(
		ctx,
		insertJobContextQuery,
		strings.TrimSpace(jc.JobID),
		string(jc.Status),
		doc,
		normalizeTime(jc.CreatedAt),
		normalizeTime(jc.UpdatedAt),
	).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.JobContext{}, fmt.Errorf("job %s: %w", jc.JobID, repo.ErrConflict)
		}
		return domain.JobContext{}, fmt.Errorf("insert job context: %w", err)
	}
	jc.Version = version
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

	var doc []byte
	var version int64
	err := s.db.QueryRowContext(ctx, selectJobContextQuery, jobID).Scan(&doc, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.JobContext{}, fmt.Errorf("job %s: %w", jobID, repo.ErrNotFound)
		}
		return domain.JobContext{}, fmt.Errorf("load job context: %w", err)
	}
	jc, err := decodeDocument(doc)
	if err != nil {
		return domain.JobContext{}, err
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

	doc, err := encodeDocument(jc)
	if err != nil {
		return domain.JobContext{}, err
	}

	var version int64
	err = s.db.QueryRowContext(
		ctx,
		updateJobContextQuery,
		strings.TrimSpace(jc.JobID),
		string(jc.Status),
		doc,
		normalizeTime(jc.UpdatedAt),
		jc.Version,
	).Scan(&version)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.JobContext{}, fmt.Errorf("save job context: %w", err)
		}
		// Zero rows: either the job is gone or the version is stale.
		if _, loadErr := s.Load(ctx, jc.JobID); loadErr != nil {
			return domain.JobContext{}, loadErr
		}
		return domain.JobContext{}, fmt.Errorf("job %s version %d: %w", jc.JobID, jc.Version, repo.ErrConflict)
	}
	jc.Version = version
	return jc, nil
}

func encodeDocument(jc domain.JobContext) ([]byte, error) {
	doc, err := json.Marshal(jc)
	if err != nil {
		return nil, fmt.Errorf("marshal job context: %w", err)
	}
	return doc, nil
}

func decodeDocument(raw []byte) (domain.JobContext, error) {
	var jc domain.JobContext
	if err := json.Unmarshal(raw, &jc); err != nil {
		return domain.JobContext{}, fmt.Errorf("unmarshal job context: %w", err)
	}
	if jc.StageRecords == nil {
		jc.StageRecords = map[string]domain.StageRecord{}
	}
	if jc.Artifacts == nil {
		jc.Artifacts = map[string]domain.Artifact{}
	}
	return jc, nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
