package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forgeui-labs/forgeui-go/internal/backend"
	"github.com/forgeui-labs/forgeui-go/internal/domain"
	"github.com/forgeui-labs/forgeui-go/internal/notify"
	"github.com/forgeui-labs/forgeui-go/internal/repo/memory"
)

// scriptedGenerator returns queued outcomes in order, then repeats the last.
type scriptedGenerator struct {
	mu       sync.Mutex
	outcomes []scriptedOutcome
	calls    int
	statuses []domain.StageStatus
	store    *memory.JobContextStore
	jobID    string
	stage    string
}

type scriptedOutcome struct {
	data json.RawMessage
	err  error
}

func (g *scriptedGenerator) Generate(ctx context.Context, req backend.Request) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.store != nil {
		jc, err := g.store.Load(ctx, g.jobID)
		if err != nil {
			return nil, err
		}
		g.statuses = append(g.statuses, jc.Record(g.stage).Status)
	}
	i := g.calls
	g.calls++
	if i >= len(g.outcomes) {
		i = len(g.outcomes) - 1
	}
	if i < 0 {
		return nil, errors.New("no scripted outcome")
	}
	out := g.outcomes[i]
	return out.data, out.err
}

type capturedEvents struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capturedEvents) Emit(ctx context.Context, event notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *capturedEvents) statuses(stage string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.events {
		if e.Stage == stage {
			out = append(out, e.Status)
		}
	}
	return out
}

const testJobID = "job-under-test"

func newTestExecutor(t *testing.T, gen backend.Generator) (*Executor, *memory.JobContextStore, *capturedEvents) {
	t.Helper()
	store := memory.NewJobContextStore()
	registry := backend.NewRegistry()
	if gen != nil {
		registry.Register("test", gen)
	}
	events := &capturedEvents{}
	exec := &Executor{
		Store:    store,
		Stages:   StageSet(),
		Registry: registry,
		Resolver: backend.NewResolver(backend.Routing{Default: "test/scripted"}, registry.Providers()),
		Notifier: events,
		Sleep:    func(ctx context.Context, d time.Duration) error { return nil },
	}
	return exec, store, events
}

func seedJob(t *testing.T, store *memory.JobContextStore, completed ...string) domain.JobContext {
	t.Helper()
	jc := domain.NewJobContext(testJobID, domain.ComponentRequest{
		Name:        "pricing-card",
		Description: "a card showing plan pricing",
	}, nil)
	for _, stage := range completed {
		artifact := domain.Artifact{
			Stage:       stage,
			Source:      domain.ArtifactSourceBackend,
			GeneratedAt: time.Now().UTC(),
			Data:        seedArtifactData(stage),
		}
		record := jc.StageRecords[stage]
		record.Status = domain.StatusCompleted
		record.Result = &artifact
		jc.StageRecords[stage] = record
		jc.Artifacts[stage] = artifact
	}
	jc.Status = domain.DeriveJobStatus(jc)
	created, err := store.Create(context.Background(), jc)
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return created
}

func seedArtifactData(stage string) json.RawMessage {
	switch stage {
	case domain.StageInitialize:
		return json.RawMessage(`{"name":"pricing-card","description":"a card showing plan pricing","component_kind":"component","requirements":[]}`)
	case domain.StagePlan:
		return json.RawMessage(`{"summary":"a pricing card","components":[{"name":"header","purpose":"title"},{"name":"body","purpose":"price"}]}`)
	case domain.StageDesignState:
		return json.RawMessage(`{"fields":[{"name":"expanded","type":"boolean","initial":"false"}]}`)
	case domain.StageDesignLayout:
		return json.RawMessage(`{"root":{"element":"div","children":[{"element":"section","region":"header"}]}}`)
	case domain.StageDesignStyle:
		return json.RawMessage(`{"palette":{"primary":"#123456"}}`)
	case domain.StageAssemble:
		return json.RawMessage(`{"name":"pricing-card","state":{"fields":[{"name":"expanded","type":"boolean"}]},"layout":{"root":{"element":"div"}},"style":{"palette":{"primary":"#123456"}}}`)
	case domain.StageValidate:
		return json.RawMessage(`{"valid":true}`)
	default:
		return json.RawMessage(`{}`)
	}
}

func TestExecuteRejectsNonPendingStage(t *testing.T) {
	exec, store, _ := newTestExecutor(t, nil)
	seedJob(t, store, domain.StageInitialize)

	_, err := exec.Execute(context.Background(), testJobID, domain.StageInitialize, ExecuteOptions{})
	if !errors.Is(err, ErrStageNotPending) {
		t.Fatalf("expected ErrStageNotPending, got %v", err)
	}
}

func TestExecuteRejectsUnknownStage(t *testing.T) {
	exec, store, _ := newTestExecutor(t, nil)
	seedJob(t, store)

	_, err := exec.Execute(context.Background(), testJobID, "deploy", ExecuteOptions{})
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
}

func TestExecuteMissingDependencyIsRecordedNotReturned(t *testing.T) {
	exec, store, events := newTestExecutor(t, nil)
	seedJob(t, store)

	jc, err := exec.Execute(context.Background(), testJobID, domain.StagePlan, ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	record := jc.Record(domain.StagePlan)
	if record.Status != domain.StatusFailed {
		t.Fatalf("expected failed record, got %s", record.Status)
	}
	if !strings.Contains(record.Error, string(FailureMissingDependency)) {
		t.Fatalf("expected missing_dependency in error, got %q", record.Error)
	}
	got := events.statuses(domain.StagePlan)
	if len(got) != 1 || got[0] != string(domain.StatusFailed) {
		t.Fatalf("expected single failed notification, got %v", got)
	}
}

func TestExecutePersistsInProgressBeforeBackendCall(t *testing.T) {
	store := memory.NewJobContextStore()
	gen := &scriptedGenerator{
		outcomes: []scriptedOutcome{{data: seedArtifactData(domain.StagePlan)}},
		store:    store,
		jobID:    testJobID,
		stage:    domain.StagePlan,
	}
	registry := backend.NewRegistry()
	registry.Register("test", gen)
	events := &capturedEvents{}
	exec := &Executor{
		Store:    store,
		Stages:   StageSet(),
		Registry: registry,
		Resolver: backend.NewResolver(backend.Routing{Default: "test/scripted"}, registry.Providers()),
		Notifier: events,
		Sleep:    func(ctx context.Context, d time.Duration) error { return nil },
	}
	seedJob(t, store, domain.StageInitialize)

	jc, err := exec.Execute(context.Background(), testJobID, domain.StagePlan, ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(gen.statuses) != 1 || gen.statuses[0] != domain.StatusInProgress {
		t.Fatalf("expected in_progress visible to backend, got %v", gen.statuses)
	}
	if jc.Record(domain.StagePlan).Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", jc.Record(domain.StagePlan).Status)
	}
	if got := events.statuses(domain.StagePlan); len(got) != 2 || got[0] != string(domain.StatusInProgress) || got[1] != string(domain.StatusCompleted) {
		t.Fatalf("unexpected notification order: %v", got)
	}
}

func TestExecuteRetriesWithBackoffThenSucceeds(t *testing.T) {
	gen := &scriptedGenerator{outcomes: []scriptedOutcome{
		{err: errors.New("upstream 503")},
		{err: errors.New("upstream 503")},
		{data: seedArtifactData(domain.StagePlan)},
	}}
	exec, store, _ := newTestExecutor(t, gen)
	var delays []time.Duration
	exec.BaseDelay = 100 * time.Millisecond
	exec.Sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	seedJob(t, store, domain.StageInitialize)

	jc, err := exec.Execute(context.Background(), testJobID, domain.StagePlan, ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gen.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", gen.calls)
	}
	if len(delays) != 2 || delays[0] != 100*time.Millisecond || delays[1] != 200*time.Millisecond {
		t.Fatalf("expected doubling backoff, got %v", delays)
	}
	if jc.Record(domain.StagePlan).Status != domain.StatusCompleted {
		t.Fatalf("expected completed after retry, got %s", jc.Record(domain.StagePlan).Status)
	}
}

func TestExecuteSchemaFailureCountsAsAttempt(t *testing.T) {
	// Replies decode as JSON but not as a plan; each counts against the
	// attempt budget and the stage fails with no fallback available.
	gen := &scriptedGenerator{outcomes: []scriptedOutcome{
		{data: json.RawMessage(`{"unexpected":"shape"}`)},
	}}
	exec, store, _ := newTestExecutor(t, gen)
	seedJob(t, store, domain.StageInitialize)

	jc, err := exec.Execute(context.Background(), testJobID, domain.StagePlan, ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gen.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", gen.calls)
	}
	record := jc.Record(domain.StagePlan)
	if record.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", record.Status)
	}
	if !strings.Contains(record.Error, string(FailureFallbackExhausted)) {
		t.Fatalf("expected fallback_exhausted, got %q", record.Error)
	}
}

func TestExecuteFallsBackAfterExhaustion(t *testing.T) {
	gen := &scriptedGenerator{outcomes: []scriptedOutcome{
		{err: errors.New("model unavailable")},
	}}
	exec, store, _ := newTestExecutor(t, gen)
	seedJob(t, store, domain.StageInitialize, domain.StagePlan)

	jc, err := exec.Execute(context.Background(), testJobID, domain.StageDesignState, ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gen.calls != 3 {
		t.Fatalf("expected 3 attempts before fallback, got %d", gen.calls)
	}
	record := jc.Record(domain.StageDesignState)
	if record.Status != domain.StatusCompleted {
		t.Fatalf("expected completed via fallback, got %s (%s)", record.Status, record.Error)
	}
	artifact := jc.Artifacts[domain.StageDesignState]
	if artifact.Source != domain.ArtifactSourceFallback {
		t.Fatalf("expected fallback source, got %s", artifact.Source)
	}
	var design domain.StateDesign
	if err := json.Unmarshal(artifact.Data, &design); err != nil {
		t.Fatalf("fallback artifact does not decode: %v", err)
	}
	if len(design.Fields) == 0 {
		t.Fatal("fallback state design has no fields")
	}
}

func TestExecuteLocalStageProducesArtifact(t *testing.T) {
	exec, store, _ := newTestExecutor(t, nil)
	seedJob(t, store)

	jc, err := exec.Execute(context.Background(), testJobID, domain.StageInitialize, ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	artifact, ok := jc.Artifacts[domain.StageInitialize]
	if !ok {
		t.Fatal("expected initialize artifact")
	}
	var brief domain.ComponentBrief
	if err := json.Unmarshal(artifact.Data, &brief); err != nil {
		t.Fatalf("brief does not decode: %v", err)
	}
	if brief.Name != "pricing-card" || brief.ComponentKind != "component" {
		t.Fatalf("unexpected brief: %+v", brief)
	}
	if artifact.Provider != "" || artifact.Model != "" {
		t.Fatalf("local artifact should carry no backend identity, got %s/%s", artifact.Provider, artifact.Model)
	}
}

type exportRecorder struct {
	key    string
	err    error
	bundle []byte
}

func (e *exportRecorder) Export(ctx context.Context, jobID string, bundle []byte) (string, error) {
	e.bundle = bundle
	if e.err != nil {
		return "", e.err
	}
	return fmt.Sprintf("jobs/%s/bundle.json", jobID), nil
}

func TestExecuteFinalizeExportsBundle(t *testing.T) {
	exec, store, _ := newTestExecutor(t, nil)
	exporter := &exportRecorder{}
	exec.Exporter = exporter
	seedJob(t, store,
		domain.StageInitialize, domain.StagePlan,
		domain.StageDesignState, domain.StageDesignLayout, domain.StageDesignStyle,
		domain.StageAssemble, domain.StageValidate,
	)

	jc, err := exec.Execute(context.Background(), testJobID, domain.StageFinalize, ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var final domain.FinalComponent
	if err := json.Unmarshal(jc.Artifacts[domain.StageFinalize].Data, &final); err != nil {
		t.Fatalf("final does not decode: %v", err)
	}
	if final.BundleKey != "jobs/"+testJobID+"/bundle.json" {
		t.Fatalf("unexpected bundle key %q", final.BundleKey)
	}
	if len(exporter.bundle) == 0 {
		t.Fatal("expected exported bundle content")
	}
	if jc.Status != domain.StatusCompleted {
		t.Fatalf("expected job completed, got %s", jc.Status)
	}
}

func TestExecuteEditReRunProducesAmendedArtifact(t *testing.T) {
	gen := &scriptedGenerator{outcomes: []scriptedOutcome{
		{data: json.RawMessage(`{"palette":{"primary":"#bb0000"}}`)},
	}}
	exec, store, _ := newTestExecutor(t, gen)
	seedJob(t, store, domain.StageInitialize, domain.StagePlan, domain.StageDesignStyle)

	coord := &Coordinator{Store: store}
	edit := domain.EditContext{TargetStage: domain.StageDesignStyle, AmendmentInstructions: "make the primary color red"}
	if _, err := coord.BeginEdit(context.Background(), testJobID, edit); err != nil {
		t.Fatalf("begin edit: %v", err)
	}

	jc, err := exec.Execute(context.Background(), testJobID, domain.StageDesignStyle, ExecuteOptions{Edit: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	artifact := jc.Artifacts[domain.StageDesignStyle]
	if artifact.Source != domain.ArtifactSourceAmended {
		t.Fatalf("expected amended source, got %s", artifact.Source)
	}
	if jc.Edit != nil {
		t.Fatal("expected edit context cleared after re-run")
	}
}

func TestExecuteEditReRunFailureDropsPriorResult(t *testing.T) {
	gen := &scriptedGenerator{outcomes: []scriptedOutcome{
		{err: errors.New("model unavailable")},
	}}
	exec, store, _ := newTestExecutor(t, gen)
	seedJob(t, store, domain.StageInitialize, domain.StagePlan)

	coord := &Coordinator{Store: store}
	edit := domain.EditContext{TargetStage: domain.StagePlan, AmendmentInstructions: "add a footer region"}
	if _, err := coord.BeginEdit(context.Background(), testJobID, edit); err != nil {
		t.Fatalf("begin edit: %v", err)
	}

	jc, err := exec.Execute(context.Background(), testJobID, domain.StagePlan, ExecuteOptions{Edit: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	record := jc.Record(domain.StagePlan)
	if record.Status != domain.StatusFailed {
		t.Fatalf("expected failed plan record, got %s", record.Status)
	}
	if record.Result != nil {
		t.Fatalf("failed record still carries a result: %+v", record.Result)
	}
	if _, ok := jc.Artifacts[domain.StagePlan]; ok {
		t.Fatal("failed stage should hold no artifact")
	}
	if jc.Edit != nil {
		t.Fatal("expected edit context cleared after failed re-run")
	}
}

func TestExecuteEditFlagWithoutEditContext(t *testing.T) {
	exec, store, _ := newTestExecutor(t, nil)
	seedJob(t, store, domain.StageInitialize, domain.StagePlan, domain.StageDesignStyle)

	_, err := exec.Execute(context.Background(), testJobID, domain.StageDesignStyle, ExecuteOptions{Edit: true})
	if !errors.Is(err, ErrStageNotPending) {
		t.Fatalf("expected ErrStageNotPending, got %v", err)
	}
}

func TestExecuteConcurrentClaimsAdmitExactlyOne(t *testing.T) {
	gen := &scriptedGenerator{outcomes: []scriptedOutcome{
		{data: seedArtifactData(domain.StagePlan)},
	}}
	exec, store, _ := newTestExecutor(t, gen)
	seedJob(t, store, domain.StageInitialize)

	const claimers = 8
	var wg sync.WaitGroup
	errs := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = exec.Execute(context.Background(), testJobID, domain.StagePlan, ExecuteOptions{})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrStageNotPending):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if gen.calls != 1 {
		t.Fatalf("expected one backend call, got %d", gen.calls)
	}
}
