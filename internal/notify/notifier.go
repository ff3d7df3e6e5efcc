// Package notify pushes pipeline progress to external observers. Delivery is
// fire and forget: emitters never await confirmation and a lost notification
// never rolls back committed pipeline state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/forgeui-labs/forgeui-go/internal/domain"
	"github.com/forgeui-labs/forgeui-go/internal/repo"
)

// Event describes one stage or job transition. Snapshot carries the job
// context as of the transition so observers need no follow-up read.
type Event struct {
	JobID      string             `json:"job_id"`
	Stage      string             `json:"stage,omitempty"`
	Status     string             `json:"status"`
	Message    string             `json:"message,omitempty"`
	Snapshot   *domain.JobContext `json:"snapshot,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// Notifier delivers progress events at most once.
type Notifier interface {
	Emit(ctx context.Context, event Event)
}

// Slog logs every event through a structured logger.
type Slog struct {
	Logger *slog.Logger
}

func (n Slog) Emit(ctx context.Context, event Event) {
	if n.Logger == nil {
		return
	}
	n.Logger.Info("pipeline progress",
		"job_id", event.JobID,
		"stage", event.Stage,
		"status", event.Status,
		"message", event.Message,
	)
}

// EventLog appends every event to the progress event store.
type EventLog struct {
	Appender repo.ProgressEventAppender
	Logger   *slog.Logger
}

func (n EventLog) Emit(ctx context.Context, event Event) {
	if n.Appender == nil {
		return
	}
	_, err := n.Appender.Append(ctx, repo.ProgressEvent{
		JobID:      event.JobID,
		Stage:      event.Stage,
		Status:     event.Status,
		Message:    event.Message,
		OccurredAt: event.OccurredAt,
	})
	if err != nil && n.Logger != nil {
		n.Logger.Warn("progress event append failed", "job_id", event.JobID, "stage", event.Stage, "error", err)
	}
}

// Webhook POSTs events to a configured URL in the background.
type Webhook struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
	Logger  *slog.Logger
}

func (n Webhook) Emit(ctx context.Context, event Event) {
	if n.URL == "" {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		if n.Logger != nil {
			n.Logger.Warn("webhook marshal failed", "job_id", event.JobID, "error", err)
		}
		return
	}

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	// Detached from the request context: the commit already happened and
	// delivery must not block or fail the pipeline.
	go func() {
		postCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(postCtx, http.MethodPost, n.URL, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			if n.Logger != nil {
				n.Logger.Warn("webhook delivery failed", "job_id", event.JobID, "error", err)
			}
			return
		}
		_ = resp.Body.Close()
	}()
}

// Multi fans one event out to several notifiers.
type Multi []Notifier

func (n Multi) Emit(ctx context.Context, event Event) {
	for _, notifier := range n {
		if notifier != nil {
			notifier.Emit(ctx, event)
		}
	}
}
