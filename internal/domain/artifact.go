package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ArtifactSource records how a stage result was produced.
type ArtifactSource string

const (
	// ArtifactSourceBackend marks a result produced by a generation backend.
	ArtifactSourceBackend ArtifactSource = "backend"
	// ArtifactSourceFallback marks a result produced by a deterministic
	// fallback generator after retries were exhausted.
	ArtifactSourceFallback ArtifactSource = "fallback"
	// ArtifactSourceAmended marks a result produced by an edit-mode re-run.
	ArtifactSourceAmended ArtifactSource = "amended"
)

// Artifact is the typed result payload of one completed stage. Data holds the
// stage-specific JSON shape; Source flags fallback- and edit-produced results.
type Artifact struct {
	Stage       string          `json:"stage"`
	Source      ArtifactSource  `json:"source"`
	Provider    string          `json:"provider,omitempty"`
	Model       string          `json:"model,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
	Data        json.RawMessage `json:"data"`
}

func (a Artifact) Validate() error {
	if !IsStage(strings.TrimSpace(a.Stage)) {
		return errors.New("artifact stage is not a known stage")
	}
	switch a.Source {
	case ArtifactSourceBackend, ArtifactSourceFallback, ArtifactSourceAmended:
	default:
		return errors.New("artifact source is invalid")
	}
	if len(a.Data) == 0 {
		return errors.New("artifact data is required")
	}
	return nil
}

// ComponentBrief is the initialize artifact: the normalized request the rest
// of the pipeline works from.
type ComponentBrief struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	ComponentKind string   `json:"component_kind"`
	Requirements  []string `json:"requirements"`
}

// ComponentPlan is the plan artifact: the sketched structure the three design
// stages elaborate in parallel.
type ComponentPlan struct {
	Summary    string          `json:"summary"`
	Components []PlannedRegion `json:"components"`
	DataNeeds  []string        `json:"data_needs,omitempty"`
}

type PlannedRegion struct {
	Name    string `json:"name"`
	Purpose string `json:"purpose"`
}

// StateDesign is the design_state artifact.
type StateDesign struct {
	Fields  []StateField  `json:"fields"`
	Actions []StateAction `json:"actions,omitempty"`
}

type StateField struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Initial string `json:"initial,omitempty"`
}

type StateAction struct {
	Name   string `json:"name"`
	Effect string `json:"effect"`
}

// LayoutDesign is the design_layout artifact.
type LayoutDesign struct {
	Root LayoutNode `json:"root"`
}

type LayoutNode struct {
	Element  string            `json:"element"`
	Region   string            `json:"region,omitempty"`
	Props    map[string]string `json:"props,omitempty"`
	Children []LayoutNode      `json:"children,omitempty"`
}

// StyleDesign is the design_style artifact.
type StyleDesign struct {
	Palette    map[string]string `json:"palette"`
	Typography map[string]string `json:"typography,omitempty"`
	Classes    map[string]string `json:"classes,omitempty"`
}

// Assembly is the assemble artifact: the merged component definition.
type Assembly struct {
	Name   string       `json:"name"`
	State  StateDesign  `json:"state"`
	Layout LayoutDesign `json:"layout"`
	Style  StyleDesign  `json:"style"`
}

// ValidationReport is the validate artifact.
type ValidationReport struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

type ValidationIssue struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// FinalComponent is the finalize artifact. BundleKey points at the exported
// bundle object when an exporter is configured.
type FinalComponent struct {
	Name      string `json:"name"`
	Summary   string `json:"summary"`
	BundleKey string `json:"bundle_key,omitempty"`
}
