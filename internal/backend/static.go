package backend

import (
	"context"
	"encoding/json"
	"fmt"
)

// StaticGenerator serves canned per-stage responses. It backs local
// development and tests where no real completion endpoint is reachable.
type StaticGenerator struct {
	responses map[string]json.RawMessage
}

func NewStaticGenerator(responses map[string]json.RawMessage) *StaticGenerator {
	copied := make(map[string]json.RawMessage, len(responses))
	for stage, doc := range responses {
		copied[stage] = append(json.RawMessage(nil), doc...)
	}
	return &StaticGenerator{responses: copied}
}

func (g *StaticGenerator) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, ok := g.responses[req.Stage]
	if !ok {
		return nil, fmt.Errorf("no static response for stage %s", req.Stage)
	}
	return append(json.RawMessage(nil), doc...), nil
}
