package domain

import (
	"errors"
	"strings"
	"time"
)

// Stage names, in dependency order. The three design stages form one
// parallel group forked from plan and joined before assemble.
const (
	StageInitialize   = "initialize"
	StagePlan         = "plan"
	StageDesignState  = "design_state"
	StageDesignLayout = "design_layout"
	StageDesignStyle  = "design_style"
	StageAssemble     = "assemble"
	StageValidate     = "validate"
	StageFinalize     = "finalize"
)

// Stages returns the fixed stage set in dependency order.
func Stages() []string {
	return []string{
		StageInitialize,
		StagePlan,
		StageDesignState,
		StageDesignLayout,
		StageDesignStyle,
		StageAssemble,
		StageValidate,
		StageFinalize,
	}
}

// DesignStages returns the members of the parallel design group.
func DesignStages() []string {
	return []string{StageDesignState, StageDesignLayout, StageDesignStyle}
}

// IsDesignStage reports whether name belongs to the parallel design group.
func IsDesignStage(name string) bool {
	switch name {
	case StageDesignState, StageDesignLayout, StageDesignStyle:
		return true
	}
	return false
}

// IsStage reports whether name is a member of the fixed stage set.
func IsStage(name string) bool {
	for _, s := range Stages() {
		if s == name {
			return true
		}
	}
	return false
}

// StageStatus is the lifecycle status of one stage record. The same values
// describe the job-level status.
type StageStatus string

const (
	StatusPending    StageStatus = "pending"
	StatusInProgress StageStatus = "in_progress"
	StatusCompleted  StageStatus = "completed"
	StatusFailed     StageStatus = "failed"
)

// NormalizeStageStatus maps free-form status values to canonical statuses.
func NormalizeStageStatus(value string) StageStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(StatusPending):
		return StatusPending
	case string(StatusInProgress), "running":
		return StatusInProgress
	case string(StatusCompleted), "succeeded":
		return StatusCompleted
	case string(StatusFailed):
		return StatusFailed
	default:
		return ""
	}
}

// Terminal reports whether the status is completed or failed.
func (s StageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionStageStatus enforces forward-only stage progression. Edit mode
// bypasses this check for its target stage only; every ordinary write must
// satisfy it.
func CanTransitionStageStatus(current, next StageStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	return stageStatusOrder(current) < stageStatusOrder(next)
}

func stageStatusOrder(status StageStatus) int {
	switch status {
	case StatusPending:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return 0
	}
}

// StageRecord tracks the progress of one stage within a job.
type StageRecord struct {
	Status      StageStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Result      *Artifact   `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// EditContext carries the parameters of a selective re-run.
type EditContext struct {
	TargetStage           string `json:"target_stage"`
	AmendmentInstructions string `json:"amendment_instructions"`
	Priority              string `json:"priority,omitempty"`
}

func (e EditContext) Validate() error {
	if !IsStage(strings.TrimSpace(e.TargetStage)) {
		return errors.New("edit target stage is not a known stage")
	}
	if strings.TrimSpace(e.AmendmentInstructions) == "" {
		return errors.New("amendment instructions are required")
	}
	return nil
}

// JobContext is the persisted, versioned record of one pipeline run. It is
// the only state shared between stage executors; the store persists it as a
// whole document and rejects stale-version saves.
type JobContext struct {
	JobID          string                 `json:"job_id"`
	Status         StageStatus            `json:"status"`
	Request        ComponentRequest       `json:"request"`
	StageRecords   map[string]StageRecord `json:"stage_records"`
	Artifacts      map[string]Artifact    `json:"artifacts"`
	BackendMapping map[string]string      `json:"backend_mapping,omitempty"`
	Edit           *EditContext           `json:"edit_context,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`

	// Version is maintained by the context store and checked on save.
	Version int64 `json:"version"`
}

// ComponentRequest is the caller's description of the component to generate,
// captured once at job submission.
type ComponentRequest struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	ComponentKind string   `json:"component_kind,omitempty"`
	Requirements  []string `json:"requirements,omitempty"`
}

func (r ComponentRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("component name is required")
	}
	if strings.TrimSpace(r.Description) == "" {
		return errors.New("component description is required")
	}
	return nil
}

// NewJobContext returns a fresh context with every stage pending.
func NewJobContext(jobID string, request ComponentRequest, backendMapping map[string]string) JobContext {
	now := time.Now().UTC()
	records := make(map[string]StageRecord, len(Stages()))
	for _, stage := range Stages() {
		records[stage] = StageRecord{Status: StatusPending}
	}
	return JobContext{
		JobID:          jobID,
		Status:         StatusPending,
		Request:        request,
		StageRecords:   records,
		Artifacts:      map[string]Artifact{},
		BackendMapping: backendMapping,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (c JobContext) Validate() error {
	if strings.TrimSpace(c.JobID) == "" {
		return errors.New("job id is required")
	}
	if NormalizeStageStatus(string(c.Status)) == "" {
		return errors.New("job status is required")
	}
	for _, stage := range Stages() {
		record, ok := c.StageRecords[stage]
		if !ok {
			return errors.New("stage record missing: " + stage)
		}
		if NormalizeStageStatus(string(record.Status)) == "" {
			return errors.New("stage status invalid: " + stage)
		}
		_, hasArtifact := c.Artifacts[stage]
		if hasArtifact != (record.Status == StatusCompleted) {
			return errors.New("artifact presence must match completed status: " + stage)
		}
	}
	return nil
}

// Record returns the record for stage, defaulting to pending if absent.
func (c JobContext) Record(stage string) StageRecord {
	if record, ok := c.StageRecords[stage]; ok {
		return record
	}
	return StageRecord{Status: StatusPending}
}

// Touch refreshes UpdatedAt. Called by the mutation helpers before save.
func (c *JobContext) Touch() {
	c.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy so decision code can work on a snapshot without
// aliasing the maps.
func (c JobContext) Clone() JobContext {
	out := c
	out.StageRecords = make(map[string]StageRecord, len(c.StageRecords))
	for k, v := range c.StageRecords {
		out.StageRecords[k] = v
	}
	out.Artifacts = make(map[string]Artifact, len(c.Artifacts))
	for k, v := range c.Artifacts {
		out.Artifacts[k] = v
	}
	if c.BackendMapping != nil {
		out.BackendMapping = make(map[string]string, len(c.BackendMapping))
		for k, v := range c.BackendMapping {
			out.BackendMapping[k] = v
		}
	}
	if c.Edit != nil {
		edit := *c.Edit
		out.Edit = &edit
	}
	return out
}

// DeriveJobStatus computes the job-level status from the stage records:
// completed iff every stage completed, failed iff a sequential stage failed,
// in_progress once any stage has left pending, otherwise pending.
//
// A failed design-group member does not fail the job here: the remaining
// members run to their own terminal status first, and the coordinator's
// join check turns the group outcome into a job failure once all three are
// terminal.
func DeriveJobStatus(c JobContext) StageStatus {
	allCompleted := true
	anyStarted := false
	for _, stage := range Stages() {
		record := c.Record(stage)
		switch record.Status {
		case StatusFailed:
			if !IsDesignStage(stage) {
				return StatusFailed
			}
			anyStarted = true
			allCompleted = false
		case StatusCompleted:
			anyStarted = true
		case StatusInProgress:
			anyStarted = true
			allCompleted = false
		default:
			allCompleted = false
		}
	}
	if allCompleted {
		return StatusCompleted
	}
	if anyStarted {
		return StatusInProgress
	}
	return StatusPending
}
