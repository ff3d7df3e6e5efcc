package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/forgeui-labs/forgeui-go/internal/backend"
	"github.com/forgeui-labs/forgeui-go/internal/domain"
)

// StageDefinition describes how one stage of the fixed graph is produced.
// Exactly one of Local or BuildPrompt is set: Local stages compute their
// artifact deterministically from upstream artifacts, prompt stages call a
// generation backend. Fallback, when present, produces a deterministic
// substitute artifact after retries are exhausted.
type StageDefinition struct {
	Name         string
	DependsOn    []string
	Format       backend.Format
	Instructions string

	Local       func(jc domain.JobContext) (json.RawMessage, error)
	BuildPrompt func(jc domain.JobContext, amendment string) string
	Decode      func(data json.RawMessage) error
	Fallback    func(jc domain.JobContext) (json.RawMessage, error)
}

// StageSet returns the definitions of the fixed stage graph keyed by name.
func StageSet() map[string]StageDefinition {
	defs := []StageDefinition{
		{
			Name:   domain.StageInitialize,
			Local:  produceBrief,
			Decode: decodeInto[domain.ComponentBrief],
		},
		{
			Name:      domain.StagePlan,
			DependsOn: []string{domain.StageInitialize},
			Format:    backend.FormatJSON,
			Instructions: "You are a UI architect. Given a component brief, produce a JSON plan " +
				"with a short summary and the named regions the component is composed of.",
			BuildPrompt: buildPlanPrompt,
			Decode:      decodePlan,
		},
		{
			Name:      domain.StageDesignState,
			DependsOn: []string{domain.StagePlan},
			Format:    backend.FormatJSON,
			Instructions: "You design component state. Given a component plan, produce a JSON " +
				"state model: typed fields with initial values, and the actions that mutate them.",
			BuildPrompt: buildDesignPrompt(domain.StageDesignState, "state model"),
			Decode:      decodeStateDesign,
			Fallback:    fallbackStateDesign,
		},
		{
			Name:      domain.StageDesignLayout,
			DependsOn: []string{domain.StagePlan},
			Format:    backend.FormatJSON,
			Instructions: "You design component layout. Given a component plan, produce a JSON " +
				"element tree whose nodes reference the plan's regions.",
			BuildPrompt: buildDesignPrompt(domain.StageDesignLayout, "layout tree"),
			Decode:      decodeLayoutDesign,
			Fallback:    fallbackLayoutDesign,
		},
		{
			Name:      domain.StageDesignStyle,
			DependsOn: []string{domain.StagePlan},
			Format:    backend.FormatJSON,
			Instructions: "You design component styling. Given a component plan, produce a JSON " +
				"style sheet: a color palette, typography, and per-region class definitions.",
			BuildPrompt: buildDesignPrompt(domain.StageDesignStyle, "style definition"),
			Decode:      decodeStyleDesign,
			Fallback:    fallbackStyleDesign,
		},
		{
			Name:      domain.StageAssemble,
			DependsOn: domain.DesignStages(),
			Local:     produceAssembly,
			Decode:    decodeInto[domain.Assembly],
		},
		{
			Name:      domain.StageValidate,
			DependsOn: []string{domain.StageAssemble},
			Format:    backend.FormatJSON,
			Instructions: "You review assembled UI components. Given a component definition, " +
				"produce a JSON report: an overall verdict and a list of issues with severities.",
			BuildPrompt: buildValidatePrompt,
			Decode:      decodeInto[domain.ValidationReport],
			Fallback:    fallbackValidation,
		},
		{
			Name:      domain.StageFinalize,
			DependsOn: []string{domain.StageValidate},
			Local:     produceFinal,
			Decode:    decodeInto[domain.FinalComponent],
		},
	}

	out := make(map[string]StageDefinition, len(defs))
	for _, def := range defs {
		out[def.Name] = def
	}
	return out
}

func decodeInto[T any](data json.RawMessage) error {
	var v T
	return strictUnmarshal(data, &v)
}

// strictUnmarshal rejects unknown fields so a structurally alien reply fails
// schema validation instead of silently decoding to zero values.
func strictUnmarshal(data json.RawMessage, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func decodePlan(data json.RawMessage) error {
	var plan domain.ComponentPlan
	if err := strictUnmarshal(data, &plan); err != nil {
		return err
	}
	if len(plan.Components) == 0 {
		return fmt.Errorf("plan names no regions")
	}
	for _, region := range plan.Components {
		if strings.TrimSpace(region.Name) == "" {
			return fmt.Errorf("plan region has empty name")
		}
	}
	return nil
}

func decodeStateDesign(data json.RawMessage) error {
	var design domain.StateDesign
	if err := strictUnmarshal(data, &design); err != nil {
		return err
	}
	if len(design.Fields) == 0 {
		return fmt.Errorf("state design has no fields")
	}
	for _, field := range design.Fields {
		if strings.TrimSpace(field.Name) == "" || strings.TrimSpace(field.Type) == "" {
			return fmt.Errorf("state field needs name and type")
		}
	}
	return nil
}

func decodeLayoutDesign(data json.RawMessage) error {
	var design domain.LayoutDesign
	if err := strictUnmarshal(data, &design); err != nil {
		return err
	}
	if strings.TrimSpace(design.Root.Element) == "" {
		return fmt.Errorf("layout root element is empty")
	}
	return nil
}

func decodeStyleDesign(data json.RawMessage) error {
	var design domain.StyleDesign
	if err := strictUnmarshal(data, &design); err != nil {
		return err
	}
	if len(design.Palette) == 0 {
		return fmt.Errorf("style design has no palette")
	}
	return nil
}

// artifactData returns the stored artifact payload for a completed stage.
func artifactData(jc domain.JobContext, stage string) (json.RawMessage, error) {
	artifact, ok := jc.Artifacts[stage]
	if !ok {
		return nil, fmt.Errorf("artifact for stage %s is missing", stage)
	}
	return artifact.Data, nil
}

func planFromContext(jc domain.JobContext) (domain.ComponentPlan, error) {
	data, err := artifactData(jc, domain.StagePlan)
	if err != nil {
		return domain.ComponentPlan{}, err
	}
	var plan domain.ComponentPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return domain.ComponentPlan{}, fmt.Errorf("decode plan artifact: %w", err)
	}
	return plan, nil
}

func buildPlanPrompt(jc domain.JobContext, amendment string) string {
	var b strings.Builder
	b.WriteString("Component brief:\n")
	if data, err := artifactData(jc, domain.StageInitialize); err == nil {
		b.Write(data)
	}
	b.WriteString("\n\nRespond with JSON: {\"summary\": string, \"components\": [{\"name\": string, \"purpose\": string}], \"data_needs\": [string]}.")
	appendAmendment(&b, jc, domain.StagePlan, amendment)
	return b.String()
}

func buildDesignPrompt(stage, aspect string) func(jc domain.JobContext, amendment string) string {
	return func(jc domain.JobContext, amendment string) string {
		var b strings.Builder
		fmt.Fprintf(&b, "Design the %s for component %q.\n\nComponent plan:\n", aspect, jc.Request.Name)
		if data, err := artifactData(jc, domain.StagePlan); err == nil {
			b.Write(data)
		}
		appendAmendment(&b, jc, stage, amendment)
		return b.String()
	}
}

func buildValidatePrompt(jc domain.JobContext, amendment string) string {
	var b strings.Builder
	b.WriteString("Review this assembled component definition:\n")
	if data, err := artifactData(jc, domain.StageAssemble); err == nil {
		b.Write(data)
	}
	b.WriteString("\n\nRespond with JSON: {\"valid\": bool, \"issues\": [{\"severity\": string, \"message\": string}]}.")
	appendAmendment(&b, jc, domain.StageValidate, amendment)
	return b.String()
}

// appendAmendment attaches the edit instructions and, when the stage kept
// the result being amended, that previous document.
func appendAmendment(b *strings.Builder, jc domain.JobContext, stage, amendment string) {
	if strings.TrimSpace(amendment) == "" {
		return
	}
	if prior := jc.Record(stage).Result; prior != nil && len(prior.Data) > 0 {
		b.WriteString("\n\nPrevious result:\n")
		b.Write(prior.Data)
	}
	b.WriteString("\n\nApply this amendment to the previous result:\n")
	b.WriteString(amendment)
}

func produceBrief(jc domain.JobContext) (json.RawMessage, error) {
	kind := strings.TrimSpace(jc.Request.ComponentKind)
	if kind == "" {
		kind = "component"
	}
	brief := domain.ComponentBrief{
		Name:          strings.TrimSpace(jc.Request.Name),
		Description:   strings.TrimSpace(jc.Request.Description),
		ComponentKind: kind,
		Requirements:  append([]string(nil), jc.Request.Requirements...),
	}
	if brief.Requirements == nil {
		brief.Requirements = []string{}
	}
	return json.Marshal(brief)
}

func produceAssembly(jc domain.JobContext) (json.RawMessage, error) {
	var assembly domain.Assembly
	assembly.Name = jc.Request.Name

	stateData, err := artifactData(jc, domain.StageDesignState)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stateData, &assembly.State); err != nil {
		return nil, fmt.Errorf("decode state artifact: %w", err)
	}
	layoutData, err := artifactData(jc, domain.StageDesignLayout)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(layoutData, &assembly.Layout); err != nil {
		return nil, fmt.Errorf("decode layout artifact: %w", err)
	}
	styleData, err := artifactData(jc, domain.StageDesignStyle)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(styleData, &assembly.Style); err != nil {
		return nil, fmt.Errorf("decode style artifact: %w", err)
	}
	return json.Marshal(assembly)
}

func produceFinal(jc domain.JobContext) (json.RawMessage, error) {
	reportData, err := artifactData(jc, domain.StageValidate)
	if err != nil {
		return nil, err
	}
	var report domain.ValidationReport
	if err := json.Unmarshal(reportData, &report); err != nil {
		return nil, fmt.Errorf("decode validation artifact: %w", err)
	}

	summary := "component generated"
	if plan, err := planFromContext(jc); err == nil && strings.TrimSpace(plan.Summary) != "" {
		summary = plan.Summary
	}
	if !report.Valid {
		summary += " (validation reported issues)"
	}
	final := domain.FinalComponent{
		Name:    jc.Request.Name,
		Summary: summary,
	}
	return json.Marshal(final)
}

func fallbackStateDesign(jc domain.JobContext) (json.RawMessage, error) {
	plan, err := planFromContext(jc)
	if err != nil {
		return nil, err
	}
	design := domain.StateDesign{
		Fields: []domain.StateField{
			{Name: "status", Type: "string", Initial: "idle"},
		},
	}
	for _, region := range sortedRegions(plan) {
		design.Fields = append(design.Fields, domain.StateField{
			Name:    identifier(region.Name) + "Visible",
			Type:    "boolean",
			Initial: "true",
		})
	}
	return json.Marshal(design)
}

func fallbackLayoutDesign(jc domain.JobContext) (json.RawMessage, error) {
	plan, err := planFromContext(jc)
	if err != nil {
		return nil, err
	}
	root := domain.LayoutNode{Element: "div", Props: map[string]string{"class": "container"}}
	for _, region := range sortedRegions(plan) {
		root.Children = append(root.Children, domain.LayoutNode{
			Element: "section",
			Region:  region.Name,
		})
	}
	return json.Marshal(domain.LayoutDesign{Root: root})
}

func fallbackStyleDesign(jc domain.JobContext) (json.RawMessage, error) {
	plan, err := planFromContext(jc)
	if err != nil {
		return nil, err
	}
	design := domain.StyleDesign{
		Palette: map[string]string{
			"primary":    "#2563eb",
			"background": "#ffffff",
			"text":       "#111827",
		},
		Typography: map[string]string{
			"body": "system-ui, sans-serif",
		},
		Classes: map[string]string{
			"container": "display:flex;flex-direction:column;gap:1rem",
		},
	}
	for _, region := range sortedRegions(plan) {
		design.Classes[identifier(region.Name)] = "padding:0.5rem"
	}
	return json.Marshal(design)
}

// fallbackValidation performs a structural check instead of a review: the
// assembly must decode and carry a layout root.
func fallbackValidation(jc domain.JobContext) (json.RawMessage, error) {
	data, err := artifactData(jc, domain.StageAssemble)
	if err != nil {
		return nil, err
	}
	report := domain.ValidationReport{Valid: true}
	var assembly domain.Assembly
	if err := json.Unmarshal(data, &assembly); err != nil {
		report.Valid = false
		report.Issues = append(report.Issues, domain.ValidationIssue{
			Severity: "error",
			Message:  "assembly does not decode: " + err.Error(),
		})
	} else if strings.TrimSpace(assembly.Layout.Root.Element) == "" {
		report.Valid = false
		report.Issues = append(report.Issues, domain.ValidationIssue{
			Severity: "error",
			Message:  "assembly has no layout root",
		})
	}
	return json.Marshal(report)
}

func sortedRegions(plan domain.ComponentPlan) []domain.PlannedRegion {
	regions := append([]domain.PlannedRegion(nil), plan.Components...)
	sort.Slice(regions, func(i, j int) bool { return regions[i].Name < regions[j].Name })
	return regions
}

// identifier lowercases a region name into a safe identifier fragment.
func identifier(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "region"
	}
	return b.String()
}
