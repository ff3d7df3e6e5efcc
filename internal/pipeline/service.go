package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeui-labs/forgeui-go/internal/backend"
	"github.com/forgeui-labs/forgeui-go/internal/domain"
	"github.com/forgeui-labs/forgeui-go/internal/repo"
)

// SubmitRequest is one job submission.
type SubmitRequest struct {
	Request        domain.ComponentRequest `json:"request"`
	BackendMapping map[string]string       `json:"backend_mapping,omitempty"`
}

func (r SubmitRequest) Validate() error {
	if err := r.Request.Validate(); err != nil {
		return err
	}
	for stage, ref := range r.BackendMapping {
		if !domain.IsStage(stage) {
			return fmt.Errorf("backend mapping references unknown stage %q", stage)
		}
		if _, ok := backend.ParseModelRef(ref); !ok {
			return fmt.Errorf("backend mapping for %s: %q is not provider/model", stage, ref)
		}
	}
	return nil
}

// Service is the API-facing entry point: it creates jobs, starts pipeline
// runs on background goroutines, and tracks them for graceful shutdown.
type Service struct {
	Store      repo.JobContextRepository
	Runner     *Runner
	Logger     *slog.Logger
	RunTimeout time.Duration

	inflight sync.WaitGroup
}

const defaultRunTimeout = 10 * time.Minute

// Submit creates the job context and starts the pipeline in the background.
// The returned context is the freshly created document; callers observe
// progress through reads and progress events.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (domain.JobContext, error) {
	if err := req.Validate(); err != nil {
		return domain.JobContext{}, err
	}
	jc := domain.NewJobContext(uuid.NewString(), req.Request, req.BackendMapping)
	created, err := s.Store.Create(ctx, jc)
	if err != nil {
		return domain.JobContext{}, fmt.Errorf("create job: %w", err)
	}
	s.start(created.JobID, func(runCtx context.Context) error {
		_, err := s.Runner.Run(runCtx, created.JobID)
		return err
	})
	return created, nil
}

// RunStage invokes one stage synchronously. Used by the explicit stage-run
// endpoint; bare re-invocation of a non-pending stage is rejected by the
// executor's claim guard.
func (s *Service) RunStage(ctx context.Context, jobID, stage string, backendOverride string) (domain.JobContext, error) {
	if !domain.IsStage(stage) {
		return domain.JobContext{}, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	return s.Runner.RunStage(ctx, jobID, stage, ExecuteOptions{BackendOverride: backendOverride})
}

// Edit re-enters a completed stage with amendment instructions and re-runs
// it in the background.
func (s *Service) Edit(ctx context.Context, jobID string, edit domain.EditContext) (domain.JobContext, error) {
	jc, err := s.Runner.Coordinator.BeginEdit(ctx, jobID, edit)
	if err != nil {
		return domain.JobContext{}, err
	}
	s.start(jobID, func(runCtx context.Context) error {
		_, err := s.Runner.RunStage(runCtx, jobID, edit.TargetStage, ExecuteOptions{Edit: true})
		return err
	})
	return jc, nil
}

// Get returns the current job context.
func (s *Service) Get(ctx context.Context, jobID string) (domain.JobContext, error) {
	return s.Store.Load(ctx, jobID)
}

// Shutdown waits for in-flight pipeline runs, bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start detaches a pipeline run from the request context: committed state
// must keep advancing even when the submitting request goes away.
func (s *Service) start(jobID string, run func(context.Context) error) {
	timeout := s.RunTimeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		runCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := run(runCtx); err != nil && s.Logger != nil {
			s.Logger.Error("pipeline run stopped", "job_id", jobID, "error", err)
		}
	}()
}
