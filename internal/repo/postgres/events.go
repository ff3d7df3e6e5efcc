package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeui-labs/forgeui-go/internal/repo"
)

// ProgressEventStore appends stage-transition events to an append-only table.
type ProgressEventStore struct {
	db DB
}

const (
	insertProgressEventQuery = `INSERT INTO progress_events (
		event_id,
		job_id,
		stage,
		status,
		message,
		occurred_at
	) VALUES ($1,$2,$3,$4,$5,$6)
	RETURNING event_id, job_id, stage, status, message, occurred_at`

	listProgressEventsByJobQuery = `SELECT event_id, job_id, stage, status, message, occurred_at
	 FROM progress_events
	 WHERE job_id = $1 AND ($2 = '' OR stage = $2)
	 ORDER BY occurred_at ASC, event_id ASC
	 LIMIT $3`
)

func NewProgressEventStore(db DB) *ProgressEventStore {
	if db == nil {
		return nil
	}
	return &ProgressEventStore{db: db}
}

func (s *ProgressEventStore) Append(ctx context.Context, event repo.ProgressEvent) (repo.ProgressEvent, error) {
	if s == nil || s.db == nil {
		return repo.ProgressEvent{}, fmt.Errorf("progress event store not initialized")
	}
	jobID := strings.TrimSpace(event.JobID)
	stage := strings.TrimSpace(event.Stage)
	status := strings.TrimSpace(event.Status)
	if jobID == "" {
		return repo.ProgressEvent{}, fmt.Errorf("job id is required")
	}
	if status == "" {
		return repo.ProgressEvent{}, fmt.Errorf("status is required")
	}

	id := strings.TrimSpace(event.ID)
	if id == "" {
		id = uuid.NewString()
	}
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	var inserted repo.ProgressEvent
	err := s.db.QueryRowContext(
		ctx,
		insertProgressEventQuery,
		id,
		jobID,
		stage,
		status,
		event.Message,
		occurredAt.UTC(),
	).Scan(
		&inserted.ID,
		&inserted.JobID,
		&inserted.Stage,
		&inserted.Status,
		&inserted.Message,
		&inserted.OccurredAt,
	)
	if err != nil {
		return repo.ProgressEvent{}, fmt.Errorf("insert progress event: %w", err)
	}
	return inserted, nil
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

	rows, err := s.db.QueryContext(ctx, listProgressEventsByJobQuery, jobID, strings.TrimSpace(filter.Stage), limit)
	if err != nil {
		return nil, fmt.Errorf("list progress events: %w", err)
	}
	defer rows.Close()

	events := make([]repo.ProgressEvent, 0)
	for rows.Next() {
		var event repo.ProgressEvent
		if err := rows.Scan(&event.ID, &event.JobID, &event.Stage, &event.Status, &event.Message, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan progress event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list progress events: %w", err)
	}
	return events, nil
}
