package backend

import (
	"encoding/json"

	"github.com/forgeui-labs/forgeui-go/internal/domain"
)

// DemoResponses returns the canned stage documents served by the static
// backend in offline runs. Each document satisfies its stage's expected
// shape.
func DemoResponses() map[string]json.RawMessage {
	return map[string]json.RawMessage{
		domain.StagePlan: json.RawMessage(`{
  "summary": "a self-contained component with a header, content area, and action row",
  "components": [
    {"name": "header", "purpose": "title and short description"},
    {"name": "content", "purpose": "the main body of the component"},
    {"name": "actions", "purpose": "primary and secondary buttons"}
  ],
  "data_needs": ["title", "description"]
}`),
		domain.StageDesignState: json.RawMessage(`{
  "fields": [
    {"name": "loading", "type": "boolean", "initial": "false"},
    {"name": "selected", "type": "string", "initial": ""}
  ],
  "actions": [
    {"name": "select", "effect": "sets selected to the chosen value"},
    {"name": "reset", "effect": "clears selected"}
  ]
}`),
		domain.StageDesignLayout: json.RawMessage(`{
  "root": {
    "element": "div",
    "props": {"class": "container"},
    "children": [
      {"element": "header", "region": "header"},
      {"element": "main", "region": "content"},
      {"element": "footer", "region": "actions"}
    ]
  }
}`),
		domain.StageDesignStyle: json.RawMessage(`{
  "palette": {
    "primary": "#2563eb",
    "background": "#ffffff",
    "text": "#111827"
  },
  "typography": {"body": "system-ui, sans-serif"},
  "classes": {
    "container": "display:flex;flex-direction:column;gap:1rem",
    "header": "font-weight:600"
  }
}`),
		domain.StageValidate: json.RawMessage(`{"valid": true, "issues": []}`),
	}
}
