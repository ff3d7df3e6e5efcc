package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeui-labs/forgeui-go/internal/domain"
	"github.com/forgeui-labs/forgeui-go/internal/notify"
	"github.com/forgeui-labs/forgeui-go/internal/repo"
)

// Decision is the outcome of observing one terminal stage: which stages to
// dispatch next, and whether the job as a whole finished.
type Decision struct {
	Dispatches   []string
	JobCompleted bool
	JobFailed    bool
	Reason       string
}

// Decide computes the successor of a stage that just reached a terminal
// status, purely from the context snapshot. It never dispatches a stage
// whose record has left pending, and it resolves the design-group join:
// assemble is dispatched only once all three design stages completed, and a
// design failure turns into a job failure only once all three are terminal.
func Decide(jc domain.JobContext, stage string) Decision {
	record := jc.Record(stage)
	if !record.Status.Terminal() {
		return Decision{Reason: fmt.Sprintf("%s is %s, not terminal", stage, record.Status)}
	}

	if domain.IsDesignStage(stage) {
		return decideJoin(jc)
	}

	if record.Status == domain.StatusFailed {
		return Decision{JobFailed: true, Reason: fmt.Sprintf("%s failed: %s", stage, record.Error)}
	}

	switch stage {
	case domain.StageInitialize:
		return dispatchPending(jc, domain.StagePlan)
	case domain.StagePlan:
		return dispatchPending(jc, domain.DesignStages()...)
	case domain.StageAssemble:
		return dispatchPending(jc, domain.StageValidate)
	case domain.StageValidate:
		return dispatchPending(jc, domain.StageFinalize)
	case domain.StageFinalize:
		return Decision{JobCompleted: true, Reason: "finalize completed"}
	}
	return Decision{Reason: fmt.Sprintf("unknown stage %s", stage)}
}

func decideJoin(jc domain.JobContext) Decision {
	failed := 0
	for _, member := range domain.DesignStages() {
		status := jc.Record(member).Status
		if !status.Terminal() {
			return Decision{Reason: fmt.Sprintf("design group waiting on %s", member)}
		}
		if status == domain.StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return Decision{
			JobFailed: true,
			Reason:    fmt.Sprintf("design group terminal with %d failed member(s)", failed),
		}
	}
	return dispatchPending(jc, domain.StageAssemble)
}

func dispatchPending(jc domain.JobContext, stages ...string) Decision {
	d := Decision{Reason: "dispatch successors"}
	for _, stage := range stages {
		if jc.Record(stage).Status == domain.StatusPending {
			d.Dispatches = append(d.Dispatches, stage)
		}
	}
	if len(d.Dispatches) == 0 {
		d.Reason = "successors already dispatched"
	}
	return d
}

// Coordinator applies decisions to persisted state and announces job-level
// transitions. It owns edit-mode re-entry.
type Coordinator struct {
	Store    repo.JobContextRepository
	Notifier notify.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

// Next loads the job fresh, decides the successor of stage, and persists the
// consequences of a terminal job outcome. A design-group failure observed at
// the join flips the job to failed here; assemble stays pending and is never
// dispatched. Redundant calls settle on the same state.
func (c *Coordinator) Next(ctx context.Context, jobID, stage string) (Decision, error) {
	jc, err := c.Store.Load(ctx, jobID)
	if err != nil {
		return Decision{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	d := Decide(jc, stage)

	switch {
	case d.JobFailed && domain.IsDesignStage(stage):
		marked, changed, err := c.markJobFailed(ctx, jobID)
		if err != nil {
			return Decision{}, err
		}
		if changed {
			c.emitJob(ctx, marked, string(domain.StatusFailed), (&StageFailure{
				Kind:    FailureJoinBarrier,
				Stage:   stage,
				Message: d.Reason,
			}).Error())
		}
	case d.JobFailed:
		c.emitJob(ctx, jc, string(domain.StatusFailed), d.Reason)
	case d.JobCompleted:
		c.emitJob(ctx, jc, string(domain.StatusCompleted), d.Reason)
	}
	return d, nil
}

// markJobFailed flips the job-level status. Only the caller that performs
// the flip reports changed=true, so concurrent observers of the same join
// outcome emit one job-failed event.
func (c *Coordinator) markJobFailed(ctx context.Context, jobID string) (domain.JobContext, bool, error) {
	changed := false
	jc, err := mutateContext(ctx, c.Store, jobID, func(fresh *domain.JobContext) error {
		if fresh.Status == domain.StatusFailed {
			changed = false
			return nil
		}
		changed = true
		fresh.Status = domain.StatusFailed
		return nil
	})
	if err != nil {
		return domain.JobContext{}, false, err
	}
	return jc, changed, nil
}

// BeginEdit re-enters a completed job (or a job with the target stage
// completed) for a selective re-run: the target record moves back to
// in_progress with its previous result kept for prompting, its artifact is
// withdrawn, and the edit context is stored for the executor.
func (c *Coordinator) BeginEdit(ctx context.Context, jobID string, edit domain.EditContext) (domain.JobContext, error) {
	if err := edit.Validate(); err != nil {
		return domain.JobContext{}, err
	}
	jc, err := mutateContext(ctx, c.Store, jobID, func(fresh *domain.JobContext) error {
		record := fresh.Record(edit.TargetStage)
		if record.Status != domain.StatusCompleted {
			return fmt.Errorf("%w: %s is %s", ErrJobNotEditable, edit.TargetStage, record.Status)
		}
		now := c.now()
		record.Status = domain.StatusInProgress
		record.StartedAt = &now
		record.CompletedAt = nil
		record.Error = ""
		fresh.StageRecords[edit.TargetStage] = record
		delete(fresh.Artifacts, edit.TargetStage)
		fresh.Edit = &edit
		fresh.Status = domain.DeriveJobStatus(*fresh)
		return nil
	})
	if err != nil {
		return domain.JobContext{}, err
	}
	if c.Notifier != nil {
		snapshot := jc.Clone()
		c.Notifier.Emit(ctx, notify.Event{
			JobID:      jc.JobID,
			Stage:      edit.TargetStage,
			Status:     string(domain.StatusInProgress),
			Message:    "edit requested: " + edit.AmendmentInstructions,
			Snapshot:   &snapshot,
			OccurredAt: c.now(),
		})
	}
	return jc, nil
}

func (c *Coordinator) emitJob(ctx context.Context, jc domain.JobContext, status, message string) {
	if c.Logger != nil {
		c.Logger.Info("job reached terminal status",
			"job_id", jc.JobID,
			"status", status,
			"reason", message,
		)
	}
	if c.Notifier == nil {
		return
	}
	snapshot := jc.Clone()
	c.Notifier.Emit(ctx, notify.Event{
		JobID:      jc.JobID,
		Status:     status,
		Message:    message,
		Snapshot:   &snapshot,
		OccurredAt: c.now(),
	})
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}
