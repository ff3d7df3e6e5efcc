package backend

import (
	"github.com/forgeui-labs/forgeui-go/internal/domain"
)

// DefaultModel is the hardcoded last-resort backend. Resolution can never
// fail: anything unrecognized falls through to it.
var DefaultModel = ModelRef{Provider: "openai", Model: "gpt-4o-mini"}

// Source names which branch of the resolution order produced the result.
type Source string

const (
	SourceOverride      Source = "override"
	SourceJobMapping    Source = "job_mapping"
	SourceStagePrimary  Source = "stage_primary"
	SourceStageFallback Source = "stage_fallback"
	SourceDefault       Source = "default"
)

// Resolution is the outcome of one backend selection.
type Resolution struct {
	Model  ModelRef
	Source Source
}

// Resolver picks the backend for a stage. It is pure over its inputs and the
// static routing table: no I/O, no failure path.
type Resolver struct {
	routing   Routing
	providers map[string]struct{}
}

// NewResolver builds a resolver that recognizes the given provider names.
// An empty provider list recognizes every parseable reference.
func NewResolver(routing Routing, providers []string) Resolver {
	known := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		known[p] = struct{}{}
	}
	return Resolver{routing: routing, providers: known}
}

// Resolve applies the five-branch priority order: caller override, job
// backend mapping, stage primary, stage fallback, hardcoded default. The
// first recognized entry wins.
func (r Resolver) Resolve(stage string, jc domain.JobContext, override string) Resolution {
	if ref, ok := r.recognize(override); ok {
		return Resolution{Model: ref, Source: SourceOverride}
	}
	if ref, ok := r.recognize(jc.BackendMapping[stage]); ok {
		return Resolution{Model: ref, Source: SourceJobMapping}
	}
	entry := r.routing.Stage(stage)
	if ref, ok := r.recognize(entry.Primary); ok {
		return Resolution{Model: ref, Source: SourceStagePrimary}
	}
	if ref, ok := r.recognize(entry.Fallback); ok {
		return Resolution{Model: ref, Source: SourceStageFallback}
	}
	if ref, ok := r.recognize(r.routing.Default); ok {
		return Resolution{Model: ref, Source: SourceDefault}
	}
	return Resolution{Model: DefaultModel, Source: SourceDefault}
}

func (r Resolver) recognize(s string) (ModelRef, bool) {
	ref, ok := ParseModelRef(s)
	if !ok {
		return ModelRef{}, false
	}
	if len(r.providers) == 0 {
		return ref, true
	}
	if _, known := r.providers[ref.Provider]; !known {
		return ModelRef{}, false
	}
	return ref, true
}
