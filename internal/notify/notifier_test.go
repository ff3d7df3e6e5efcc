package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/forgeui-labs/forgeui-go/internal/domain"
	"github.com/forgeui-labs/forgeui-go/internal/repo"
	"github.com/forgeui-labs/forgeui-go/internal/repo/memory"
)

func TestEventLogAppends(t *testing.T) {
	ctx := context.Background()
	store := memory.NewProgressEventStore()
	notifier := EventLog{Appender: store}

	notifier.Emit(ctx, Event{JobID: "job-1", Stage: domain.StagePlan, Status: "started", OccurredAt: time.Now().UTC()})
	notifier.Emit(ctx, Event{JobID: "job-1", Stage: domain.StagePlan, Status: "completed", OccurredAt: time.Now().UTC()})

	events, err := store.ListByJob(ctx, repo.ProgressEventFilter{JobID: "job-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events got %d", len(events))
	}
	if events[0].Status != "started" || events[1].Status != "completed" {
		t.Fatalf("unexpected event order: %+v", events)
	}
}

func TestWebhookDeliversInBackground(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	notifier := Webhook{URL: srv.URL, Client: srv.Client(), Timeout: time.Second}
	notifier.Emit(context.Background(), Event{JobID: "job-1", Stage: domain.StageFinalize, Status: "completed"})

	select {
	case contentType := <-received:
		if contentType != "application/json" {
			t.Fatalf("expected JSON content type got %q", contentType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (c *countingNotifier) Emit(ctx context.Context, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
}

func TestMultiFansOut(t *testing.T) {
	a := &countingNotifier{}
	b := &countingNotifier{}
	Multi{a, nil, b}.Emit(context.Background(), Event{JobID: "job-1", Status: "started"})
	if a.count != 1 || b.count != 1 {
		t.Fatalf("expected both notifiers hit, got %d and %d", a.count, b.count)
	}
}
