package repo

import (
	"context"
	"errors"
	"time"

	"github.com/forgeui-labs/forgeui-go/internal/domain"
)

var (
	// ErrNotFound is returned when a job context does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a save carries a stale version or a
	// create collides with an existing job id.
	ErrConflict = errors.New("version conflict")
)

// JobContextRepository persists job contexts with whole-document overwrite
// semantics and optimistic concurrency: Save succeeds only when the supplied
// context's Version matches the stored one, and bumps it on success.
type JobContextRepository interface {
	Create(ctx context.Context, jc domain.JobContext) (domain.JobContext, error)
	Load(ctx context.Context, jobID string) (domain.JobContext, error)
	Save(ctx context.Context, jc domain.JobContext) (domain.JobContext, error)
}

// ProgressEvent is one append-only record of a stage or job transition.
type ProgressEvent struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Stage      string    `json:"stage,omitempty"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type ProgressEventFilter struct {
	JobID string
	Stage string
	Limit int
}

// ProgressEventAppender stores progress events append-only.
type ProgressEventAppender interface {
	Append(ctx context.Context, event ProgressEvent) (ProgressEvent, error)
	ListByJob(ctx context.Context, filter ProgressEventFilter) ([]ProgressEvent, error)
}
