package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/forgeui-labs/forgeui-go/internal/domain"
)

func contextWithPlan(t *testing.T) domain.JobContext {
	t.Helper()
	jc := domain.NewJobContext("job-1", domain.ComponentRequest{Name: "pricing-card", Description: "a card"}, nil)
	jc.Artifacts[domain.StagePlan] = domain.Artifact{
		Stage:  domain.StagePlan,
		Source: domain.ArtifactSourceBackend,
		Data:   seedArtifactData(domain.StagePlan),
	}
	return jc
}

func TestFallbacksSatisfyTheirOwnDecoders(t *testing.T) {
	jc := contextWithPlan(t)
	stages := StageSet()
	for _, stage := range []string{domain.StageDesignState, domain.StageDesignLayout, domain.StageDesignStyle} {
		def := stages[stage]
		data, err := def.Fallback(jc)
		if err != nil {
			t.Fatalf("%s fallback: %v", stage, err)
		}
		if err := def.Decode(data); err != nil {
			t.Fatalf("%s fallback output fails its own decoder: %v", stage, err)
		}
	}
}

func TestFallbackLayoutCoversPlanRegions(t *testing.T) {
	data, err := fallbackLayoutDesign(contextWithPlan(t))
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	var design domain.LayoutDesign
	if err := json.Unmarshal(data, &design); err != nil {
		t.Fatalf("decode: %v", err)
	}
	regions := map[string]bool{}
	for _, child := range design.Root.Children {
		regions[child.Region] = true
	}
	if !regions["header"] || !regions["body"] {
		t.Fatalf("expected sections for plan regions, got %+v", design.Root.Children)
	}
}

func TestFallbackValidationFlagsBrokenAssembly(t *testing.T) {
	jc := domain.NewJobContext("job-1", domain.ComponentRequest{Name: "card", Description: "a card"}, nil)
	jc.Artifacts[domain.StageAssemble] = domain.Artifact{
		Stage:  domain.StageAssemble,
		Source: domain.ArtifactSourceBackend,
		Data:   json.RawMessage(`{"name":"card","state":{"fields":[]},"layout":{"root":{}},"style":{}}`),
	}
	data, err := fallbackValidation(jc)
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	var report domain.ValidationReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Valid || len(report.Issues) == 0 {
		t.Fatalf("expected invalid report with issues, got %+v", report)
	}
}

func TestDecodersRejectAlienShapes(t *testing.T) {
	tests := []struct {
		name   string
		decode func(json.RawMessage) error
		data   string
	}{
		{"plan without regions", decodePlan, `{"summary":"x","components":[]}`},
		{"plan with unknown field", decodePlan, `{"summary":"x","components":[{"name":"a","purpose":"b"}],"extra":1}`},
		{"state without fields", decodeStateDesign, `{"fields":[]}`},
		{"state field without type", decodeStateDesign, `{"fields":[{"name":"a"}]}`},
		{"layout without root element", decodeLayoutDesign, `{"root":{"children":[]}}`},
		{"style without palette", decodeStyleDesign, `{"palette":{}}`},
		{"not json at all", decodePlan, `plain prose`},
	}
	for _, tc := range tests {
		if err := tc.decode(json.RawMessage(tc.data)); err == nil {
			t.Fatalf("%s: expected decode error", tc.name)
		}
	}
}

func TestProduceAssemblyRequiresAllDesignArtifacts(t *testing.T) {
	jc := contextWithPlan(t)
	jc.Artifacts[domain.StageDesignState] = domain.Artifact{Data: seedArtifactData(domain.StageDesignState)}
	if _, err := produceAssembly(jc); err == nil {
		t.Fatal("expected error with layout and style missing")
	}
}

func TestIdentifier(t *testing.T) {
	tests := map[string]string{
		"Header":       "header",
		"price list":   "price_list",
		"CTA-Button":   "cta_button",
		"  ":           "region",
		"émoji &stuff": "moji_stuff",
	}
	for in, want := range tests {
		if got := identifier(in); got != want {
			t.Fatalf("identifier(%q) = %q, want %q", in, got, want)
		}
	}
}
