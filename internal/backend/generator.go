// Package backend selects and invokes content-generation backends. Providers
// form a small closed set behind one interface; the resolver picks a concrete
// provider/model pair per stage without performing any I/O.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Format selects how the backend is asked to shape its output.
type Format string

const (
	// FormatJSON requests the provider's structured-output mode.
	FormatJSON Format = "json"
	// FormatText requests free text; the caller extracts JSON best-effort.
	FormatText Format = "text"
)

// ModelRef names one concrete backend.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (m ModelRef) String() string {
	return m.Provider + "/" + m.Model
}

// ParseModelRef parses "provider/model". The model part may itself contain
// slashes.
func ParseModelRef(s string) (ModelRef, bool) {
	s = strings.TrimSpace(s)
	provider, model, ok := strings.Cut(s, "/")
	provider = strings.TrimSpace(provider)
	model = strings.TrimSpace(model)
	if !ok || provider == "" || model == "" {
		return ModelRef{}, false
	}
	return ModelRef{Provider: provider, Model: model}, true
}

// Request is one generation call.
type Request struct {
	Stage        string
	Instructions string
	Prompt       string
	Format       Format
	Model        ModelRef
}

// Generator produces a JSON document for a request. Implementations must
// honor ctx cancellation; the executor applies the per-attempt timeout.
type Generator interface {
	Generate(ctx context.Context, req Request) (json.RawMessage, error)
}

// Registry maps provider names to generators.
type Registry struct {
	providers map[string]Generator
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Generator{}}
}

func (r *Registry) Register(provider string, gen Generator) {
	provider = strings.TrimSpace(provider)
	if provider == "" || gen == nil {
		return
	}
	r.providers[provider] = gen
}

func (r *Registry) Generator(provider string) (Generator, error) {
	gen, ok := r.providers[strings.TrimSpace(provider)]
	if !ok {
		return nil, fmt.Errorf("unknown backend provider %q", provider)
	}
	return gen, nil
}

// Providers lists the registered provider names, sorted.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
