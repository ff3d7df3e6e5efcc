package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/forgeui-labs/forgeui-go/internal/domain"
)

// Runner chains executor and coordinator: after a stage reaches a terminal
// status it asks the coordinator for successors and dispatches them, forking
// the design group onto goroutines and recursing down sequential edges.
//
// Dispatches that lose the pending-stage claim to a concurrent invocation
// are benign and swallowed; the winner advances the pipeline.
type Runner struct {
	Executor    *Executor
	Coordinator *Coordinator
	Logger      *slog.Logger
}

// Run drives a freshly created job from initialize to a terminal job status.
func (r *Runner) Run(ctx context.Context, jobID string) (domain.JobContext, error) {
	return r.RunStage(ctx, jobID, domain.StageInitialize, ExecuteOptions{})
}

// RunStage executes one stage and everything downstream of it, returning the
// final persisted context.
func (r *Runner) RunStage(ctx context.Context, jobID, stage string, opts ExecuteOptions) (domain.JobContext, error) {
	if _, err := r.Executor.Execute(ctx, jobID, stage, opts); err != nil {
		return domain.JobContext{}, err
	}
	if err := r.advance(ctx, jobID, stage); err != nil {
		return domain.JobContext{}, err
	}
	jc, err := r.Executor.Store.Load(ctx, jobID)
	if err != nil {
		return domain.JobContext{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return jc, nil
}

func (r *Runner) advance(ctx context.Context, jobID, stage string) error {
	decision, err := r.Coordinator.Next(ctx, jobID, stage)
	if err != nil {
		return err
	}
	switch len(decision.Dispatches) {
	case 0:
		return nil
	case 1:
		return r.dispatch(ctx, jobID, decision.Dispatches[0])
	default:
		var wg sync.WaitGroup
		errs := make([]error, len(decision.Dispatches))
		for i, next := range decision.Dispatches {
			wg.Add(1)
			go func(i int, next string) {
				defer wg.Done()
				errs[i] = r.dispatch(ctx, jobID, next)
			}(i, next)
		}
		wg.Wait()
		return errors.Join(errs...)
	}
}

func (r *Runner) dispatch(ctx context.Context, jobID, stage string) error {
	_, err := r.Executor.Execute(ctx, jobID, stage, ExecuteOptions{})
	if errors.Is(err, ErrStageNotPending) {
		// A concurrent invocation claimed the stage first. It will advance
		// the pipeline from here.
		if r.Logger != nil {
			r.Logger.Debug("dispatch lost claim", "job_id", jobID, "stage", stage)
		}
		return nil
	}
	if err != nil {
		return err
	}
	return r.advance(ctx, jobID, stage)
}
