package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeui-labs/forgeui-go/internal/backend"
	"github.com/forgeui-labs/forgeui-go/internal/domain"
	"github.com/forgeui-labs/forgeui-go/internal/notify"
	"github.com/forgeui-labs/forgeui-go/internal/repo"
)

const (
	defaultMaxAttempts    = 3
	defaultBaseDelay      = 500 * time.Millisecond
	defaultAttemptTimeout = 60 * time.Second

	// saveAttempts bounds the reload-and-reapply loop on version conflicts.
	saveAttempts = 3
)

// BundleExporter uploads the finished component bundle and returns its
// object key.
type BundleExporter interface {
	Export(ctx context.Context, jobID string, bundle []byte) (string, error)
}

// ExecuteOptions tune one stage invocation.
type ExecuteOptions struct {
	// BackendOverride is a caller-supplied "provider/model" reference that
	// outranks every configured backend choice.
	BackendOverride string
	// Edit marks an edit-mode re-run of the job's edit target stage. It is
	// the only path that may run a stage whose record is not pending.
	Edit bool
}

// Executor runs one stage of one job to a terminal stage status. Every
// observable step is committed to the job context before the corresponding
// notification goes out, so a crash never produces a notified-but-unrecorded
// transition.
type Executor struct {
	Store    repo.JobContextRepository
	Stages   map[string]StageDefinition
	Registry *backend.Registry
	Resolver backend.Resolver
	Notifier notify.Notifier
	Exporter BundleExporter
	Logger   *slog.Logger

	MaxAttempts    int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration

	// Sleep is the backoff wait, replaceable in tests. Nil means a real
	// timer that honors ctx cancellation.
	Sleep func(ctx context.Context, d time.Duration) error

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// Execute drives one stage invocation: guard, persist in_progress, attempt
// with retry and backoff, fall back when exhausted, commit, notify.
//
// Stage failures are terminal data on the returned context, not errors. The
// error return covers invocation problems only: unknown stage, a non-pending
// stage outside edit mode, unreachable or conflicting persistence.
func (e *Executor) Execute(ctx context.Context, jobID, stage string, opts ExecuteOptions) (domain.JobContext, error) {
	def, ok := e.Stages[stage]
	if !ok {
		return domain.JobContext{}, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}

	current, err := e.Store.Load(ctx, jobID)
	if err != nil {
		return domain.JobContext{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if err := guardInvocation(current, stage, opts); err != nil {
		return domain.JobContext{}, err
	}

	// Precondition before the claim: upstream artifacts must exist. A miss
	// is recorded as a terminal stage failure, not returned as an error.
	for _, dep := range def.DependsOn {
		if current.Record(dep).Status != domain.StatusCompleted {
			return e.failStage(ctx, jobID, stage,
				failure(FailureMissingDependency, stage, "dependency %s is not completed", dep))
		}
	}

	// Claim the stage. The guard re-runs inside the versioned save so two
	// concurrent claimers cannot both start: the loser's save conflicts,
	// reloads, and sees a non-pending record.
	jc, err := e.mutate(ctx, jobID, func(fresh *domain.JobContext) error {
		if err := guardInvocation(*fresh, stage, opts); err != nil {
			return err
		}
		record := fresh.Record(stage)
		now := e.now()
		record.Status = domain.StatusInProgress
		record.StartedAt = &now
		record.Error = ""
		fresh.StageRecords[stage] = record
		fresh.Status = domain.DeriveJobStatus(*fresh)
		return nil
	})
	if err != nil {
		return domain.JobContext{}, err
	}
	e.emit(ctx, jc, stage, string(domain.StatusInProgress), "")

	amendment := ""
	if opts.Edit && jc.Edit != nil {
		amendment = jc.Edit.AmendmentInstructions
	}

	data, artifactSource, resolution, stageFailure := e.attempt(ctx, def, jc, opts, amendment)
	if stageFailure != nil {
		return e.failStage(ctx, jobID, stage, stageFailure)
	}
	if opts.Edit && artifactSource == domain.ArtifactSourceBackend {
		artifactSource = domain.ArtifactSourceAmended
	}

	if stage == domain.StageFinalize && e.Exporter != nil {
		data, stageFailure = e.exportBundle(ctx, jc, data)
		if stageFailure != nil {
			return e.failStage(ctx, jobID, stage, stageFailure)
		}
	}

	artifact := domain.Artifact{
		Stage:       stage,
		Source:      artifactSource,
		Provider:    resolution.Model.Provider,
		Model:       resolution.Model.Model,
		GeneratedAt: e.now(),
		Data:        data,
	}
	if def.Local != nil {
		artifact.Provider = ""
		artifact.Model = ""
	}

	jc, err = e.mutate(ctx, jobID, func(fresh *domain.JobContext) error {
		record := fresh.Record(stage)
		now := e.now()
		record.Status = domain.StatusCompleted
		record.CompletedAt = &now
		record.Result = &artifact
		record.Error = ""
		fresh.StageRecords[stage] = record
		fresh.Artifacts[stage] = artifact
		if opts.Edit {
			fresh.Edit = nil
		}
		fresh.Status = domain.DeriveJobStatus(*fresh)
		return nil
	})
	if err != nil {
		return domain.JobContext{}, err
	}
	e.emit(ctx, jc, stage, string(domain.StatusCompleted), string(artifactSource))
	return jc, nil
}

// guardInvocation enforces the bare re-invocation rule: only a pending stage
// may start, and only the active edit target may restart.
func guardInvocation(jc domain.JobContext, stage string, opts ExecuteOptions) error {
	record := jc.Record(stage)
	if opts.Edit {
		if jc.Edit == nil || jc.Edit.TargetStage != stage {
			return fmt.Errorf("%w: %s is not the edit target", ErrStageNotPending, stage)
		}
		if record.Status != domain.StatusInProgress {
			return fmt.Errorf("%w: edit target %s is %s", ErrStageNotPending, stage, record.Status)
		}
		return nil
	}
	if record.Status != domain.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrStageNotPending, stage, record.Status)
	}
	return nil
}

// attempt runs the produce-decode cycle with retry, backoff, and fallback.
// The returned failure is terminal for the stage.
func (e *Executor) attempt(ctx context.Context, def StageDefinition, jc domain.JobContext, opts ExecuteOptions, amendment string) (json.RawMessage, domain.ArtifactSource, backend.Resolution, *StageFailure) {
	var resolution backend.Resolution
	var lastFailure *StageFailure

	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	for attemptNo := 0; attemptNo < maxAttempts; attemptNo++ {
		if attemptNo > 0 {
			if err := e.backoff(ctx, attemptNo); err != nil {
				lastFailure = failure(FailureBackendCall, def.Name, "backoff interrupted: %v", err)
				break
			}
		}

		var data json.RawMessage
		var err error
		if def.Local != nil {
			data, err = def.Local(jc)
		} else {
			data, resolution, err = e.callBackend(ctx, def, jc, opts, amendment)
		}
		if err != nil {
			lastFailure = failure(FailureBackendCall, def.Name, "attempt %d: %v", attemptNo+1, err)
			e.logAttempt(jc.JobID, def.Name, attemptNo+1, err)
			continue
		}
		if def.Decode != nil {
			if err := def.Decode(data); err != nil {
				lastFailure = failure(FailureSchemaValidation, def.Name, "attempt %d: %v", attemptNo+1, err)
				e.logAttempt(jc.JobID, def.Name, attemptNo+1, err)
				continue
			}
		}
		return data, domain.ArtifactSourceBackend, resolution, nil
	}

	if def.Fallback != nil {
		data, err := def.Fallback(jc)
		if err == nil {
			return data, domain.ArtifactSourceFallback, backend.Resolution{}, nil
		}
		lastFailure = failure(FailureFallbackExhausted, def.Name, "fallback failed after retries: %v (last: %s)", err, lastFailure.Message)
	} else if lastFailure != nil {
		lastFailure = failure(FailureFallbackExhausted, def.Name, "retries exhausted with no fallback: %s", lastFailure.Message)
	} else {
		lastFailure = failure(FailureFallbackExhausted, def.Name, "retries exhausted")
	}
	return nil, "", backend.Resolution{}, lastFailure
}

func (e *Executor) callBackend(ctx context.Context, def StageDefinition, jc domain.JobContext, opts ExecuteOptions, amendment string) (json.RawMessage, backend.Resolution, error) {
	resolution := e.Resolver.Resolve(def.Name, jc, opts.BackendOverride)
	gen, err := e.Registry.Generator(resolution.Model.Provider)
	if err != nil {
		return nil, resolution, err
	}

	timeout := e.AttemptTimeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := gen.Generate(callCtx, backend.Request{
		Stage:        def.Name,
		Instructions: def.Instructions,
		Prompt:       def.BuildPrompt(jc, amendment),
		Format:       def.Format,
		Model:        resolution.Model,
	})
	return data, resolution, err
}

// exportBundle uploads the full artifact set plus the final document and
// stamps the object key into the final component.
func (e *Executor) exportBundle(ctx context.Context, jc domain.JobContext, finalData json.RawMessage) (json.RawMessage, *StageFailure) {
	bundle, err := json.Marshal(struct {
		JobID     string                     `json:"job_id"`
		Artifacts map[string]domain.Artifact `json:"artifacts"`
		Final     json.RawMessage            `json:"final"`
	}{JobID: jc.JobID, Artifacts: jc.Artifacts, Final: finalData})
	if err != nil {
		return nil, failure(FailureBackendCall, domain.StageFinalize, "encode bundle: %v", err)
	}

	key, err := e.Exporter.Export(ctx, jc.JobID, bundle)
	if err != nil {
		return nil, failure(FailureBackendCall, domain.StageFinalize, "export bundle: %v", err)
	}

	var final domain.FinalComponent
	if err := json.Unmarshal(finalData, &final); err != nil {
		return nil, failure(FailureSchemaValidation, domain.StageFinalize, "decode final component: %v", err)
	}
	final.BundleKey = key
	stamped, err := json.Marshal(final)
	if err != nil {
		return nil, failure(FailureSchemaValidation, domain.StageFinalize, "encode final component: %v", err)
	}
	return stamped, nil
}

// failStage commits a terminal failure record and notifies.
func (e *Executor) failStage(ctx context.Context, jobID, stage string, sf *StageFailure) (domain.JobContext, error) {
	jc, err := e.mutate(ctx, jobID, func(fresh *domain.JobContext) error {
		record := fresh.Record(stage)
		now := e.now()
		record.Status = domain.StatusFailed
		record.CompletedAt = &now
		record.Error = sf.Error()
		record.Result = nil
		fresh.StageRecords[stage] = record
		delete(fresh.Artifacts, stage)
		if fresh.Edit != nil && fresh.Edit.TargetStage == stage {
			fresh.Edit = nil
		}
		fresh.Status = domain.DeriveJobStatus(*fresh)
		return nil
	})
	if err != nil {
		return domain.JobContext{}, err
	}
	e.emit(ctx, jc, stage, string(domain.StatusFailed), sf.Error())
	return jc, nil
}

func (e *Executor) mutate(ctx context.Context, jobID string, fn func(*domain.JobContext) error) (domain.JobContext, error) {
	return mutateContext(ctx, e.Store, jobID, fn)
}

// mutateContext loads a fresh context, applies fn, and saves; on a version
// conflict it reloads and reapplies, bounded by saveAttempts.
func mutateContext(ctx context.Context, store repo.JobContextRepository, jobID string, fn func(*domain.JobContext) error) (domain.JobContext, error) {
	var lastErr error
	for i := 0; i < saveAttempts; i++ {
		jc, err := store.Load(ctx, jobID)
		if err != nil {
			return domain.JobContext{}, fmt.Errorf("load job %s: %w", jobID, err)
		}
		if err := fn(&jc); err != nil {
			return domain.JobContext{}, err
		}
		jc.Touch()
		saved, err := store.Save(ctx, jc)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			return domain.JobContext{}, fmt.Errorf("save job %s: %w", jobID, err)
		}
		lastErr = err
	}
	return domain.JobContext{}, &ConflictError{JobID: jobID, Attempts: saveAttempts, Err: lastErr}
}

func (e *Executor) backoff(ctx context.Context, attemptNo int) error {
	base := e.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	delay := base << (attemptNo - 1)
	if e.Sleep != nil {
		return e.Sleep(ctx, delay)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Executor) emit(ctx context.Context, jc domain.JobContext, stage, status, message string) {
	if e.Notifier == nil {
		return
	}
	snapshot := jc.Clone()
	e.Notifier.Emit(ctx, notify.Event{
		JobID:      jc.JobID,
		Stage:      stage,
		Status:     status,
		Message:    message,
		Snapshot:   &snapshot,
		OccurredAt: e.now(),
	})
}

func (e *Executor) logAttempt(jobID, stage string, attemptNo int, err error) {
	if e.Logger == nil {
		return
	}
	e.Logger.Warn("stage attempt failed",
		"job_id", jobID,
		"stage", stage,
		"attempt", attemptNo,
		"error", err,
	)
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}
