// Package memory provides in-process implementations of the repo interfaces
// with the same version-check semantics as the SQL stores. Used for local
// runs and for exercising save races in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeui-labs/forgeui-go/internal/domain"
	"github.com/forgeui-labs/forgeui-go/internal/repo"
)

type JobContextStore struct {
	mu   sync.Mutex
	jobs map[string]domain.JobContext
}

func NewJobContextStore() *JobContextStore {
	return &JobContextStore{jobs: map[string]domain.JobContext{}}
}

func (s *JobContextStore) Create(ctx context.Context, jc domain.JobContext) (domain.JobContext, error) {
	if err := jc.Validate(); err != nil {
		return domain.JobContext{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jc.JobID]; ok {
		return domain.JobContext{}, fmt.Errorf("job %s: %w", jc.JobID, repo.ErrConflict)
	}
	jc.Version = 1
	s.jobs[jc.JobID] = jc.Clone()
	return jc, nil
}

func (s *JobContextStore) Load(ctx context.Context, jobID string) (domain.JobContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jc, ok := s.jobs[jobID]
	if !ok {
		return domain.JobContext{}, fmt.Errorf("job %s: %w", jobID, repo.ErrNotFound)
	}
	return jc.Clone(), nil
}

func (s *JobContextStore) Save(ctx context.Context, jc domain.JobContext) (domain.JobContext, error) {
	if err := jc.Validate(); err != nil {
		return domain.JobContext{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[jc.JobID]
	if !ok {
		return domain.JobContext{}, fmt.Errorf("job %s: %w", jc.JobID, repo.ErrNotFound)
	}
	if stored.Version != jc.Version {
		return domain.JobContext{}, fmt.Errorf("job %s version %d: %w", jc.JobID, jc.Version, repo.ErrConflict)
	}
	jc.Version++
	s.jobs[jc.JobID] = jc.Clone()
	return jc, nil
}

type ProgressEventStore struct {
	mu     sync.Mutex
	events []repo.ProgressEvent
}

func NewProgressEventStore() *ProgressEventStore {
	return &ProgressEventStore{}
}

func (s *ProgressEventStore) Append(ctx context.Context, event repo.ProgressEvent) (repo.ProgressEvent, error) {
	if event.JobID == "" {
		return repo.ProgressEvent{}, fmt.Errorf("job id is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return event, nil
}

func (s *ProgressEventStore) ListByJob(ctx context.Context, filter repo.ProgressEventFilter) ([]repo.ProgressEvent, error) {
	if filter.JobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repo.ProgressEvent, 0)
	for _, event := range s.events {
		if event.JobID != filter.JobID {
			continue
		}
		if filter.Stage != "" && event.Stage != filter.Stage {
			continue
		}
		out = append(out, event)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
