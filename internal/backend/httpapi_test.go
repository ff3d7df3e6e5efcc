package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPGeneratorStructuredOutput(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Fatalf("unexpected authorization header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"fields\":[]}"}}]}`))
	}))
	defer server.Close()

	gen, err := NewHTTPGenerator(HTTPConfig{BaseURL: server.URL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	doc, err := gen.Generate(context.Background(), Request{
		Stage:        "design_state",
		Instructions: "you design state",
		Prompt:       "design state for a card",
		Format:       FormatJSON,
		Model:        ModelRef{Provider: "openai", Model: "gpt-4o"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(doc) != `{"fields":[]}` {
		t.Fatalf("unexpected document: %s", doc)
	}
	if got.Model != "gpt-4o" {
		t.Fatalf("expected model gpt-4o got %s", got.Model)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Fatalf("expected json_object response format, got %+v", got.ResponseFormat)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Fatalf("unexpected messages: %+v", got.Messages)
	}
}

func TestHTTPGeneratorTextExtraction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply := "Sure! Here is the design:\n```json\n{\"nodes\":[{\"tag\":\"div\"}]}\n```\nHope that helps."
		body := map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": reply}}},
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer server.Close()

	gen, err := NewHTTPGenerator(HTTPConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	doc, err := gen.Generate(context.Background(), Request{
		Stage:  "design_layout",
		Format: FormatText,
		Model:  ModelRef{Provider: "openai", Model: "gpt-4o"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(doc) != `{"nodes":[{"tag":"div"}]}` {
		t.Fatalf("unexpected document: %s", doc)
	}
}

func TestHTTPGeneratorServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	gen, err := NewHTTPGenerator(HTTPConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	if _, err := gen.Generate(context.Background(), Request{Format: FormatJSON}); err == nil {
		t.Fatal("expected error on 503 response")
	}
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, true},
		{"surrounded by prose", `the answer is {"a":1} thanks`, `{"a":1}`, true},
		{"braces inside strings", `{"s":"}{","n":2}`, `{"s":"}{","n":2}`, true},
		{"escaped quotes", `{"s":"say \"}\" ok"}`, `{"s":"say \"}\" ok"}`, true},
		{"nested objects", `{"a":{"b":{"c":1}}}`, `{"a":{"b":{"c":1}}}`, true},
		{"outer unbalanced, inner recovered", `{"broken": {"a":1}`, `{"a":1}`, true},
		{"no object", `just words`, ``, false},
		{"empty", ``, ``, false},
	}
	for _, tc := range tests {
		got, ok := ExtractJSONObject(tc.input)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%s: got %q %v, want %q %v", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestStaticGeneratorServesCannedResponse(t *testing.T) {
	gen := NewStaticGenerator(map[string]json.RawMessage{
		"plan": json.RawMessage(`{"regions":[]}`),
	})
	doc, err := gen.Generate(context.Background(), Request{Stage: "plan"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(doc) != `{"regions":[]}` {
		t.Fatalf("unexpected document: %s", doc)
	}
	if _, err := gen.Generate(context.Background(), Request{Stage: "assemble"}); err == nil {
		t.Fatal("expected error for unconfigured stage")
	}
}
