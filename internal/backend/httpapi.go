package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPTimeout = 60 * time.Second

// HTTPConfig configures one chat-completions compatible endpoint.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func (c HTTPConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("backend base URL is required")
	}
	return nil
}

// HTTPGenerator calls an OpenAI-compatible chat-completions API.
type HTTPGenerator struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPGenerator(cfg HTTPConfig) (*HTTPGenerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPGenerator{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate performs one chat-completions call. For FormatJSON the provider's
// structured-output mode is requested and the content is taken verbatim; for
// FormatText the first balanced JSON object is extracted from the reply.
func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	body := chatRequest{
		Model: req.Model.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.Instructions},
			{Role: "user", Content: req.Prompt},
		},
	}
	if req.Format == FormatJSON {
		body.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	url := strings.TrimRight(g.cfg.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call backend: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode backend response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("backend response has no choices")
	}
	content := parsed.Choices[0].Message.Content

	if req.Format == FormatText {
		extracted, ok := ExtractJSONObject(content)
		if !ok {
			return nil, fmt.Errorf("backend reply contains no JSON object")
		}
		content = extracted
	}
	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("backend reply is not valid JSON")
	}
	return json.RawMessage(content), nil
}

// ExtractJSONObject finds the first balanced top-level JSON object in free
// text. String literals and escapes are respected so braces inside values do
// not unbalance the scan.
func ExtractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			c := s[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					i = len(s)
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start = start + 1 + next
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
