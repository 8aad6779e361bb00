package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/splax/releasectl/internal/domain"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []Channel
	fails bool
}

func (r *recordingSender) Send(_ context.Context, ch Channel, _ domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, ch)
	if r.fails {
		return errors.New("gateway down")
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestNotifierFiltersByAllowList(t *testing.T) {
	email := &recordingSender{}
	sms := &recordingSender{fails: true}
	n := New([]Channel{
		{Type: ChannelEmail, Target: "ops@example.com", Events: []domain.EventKind{domain.EventFailed, domain.EventRolledBack}},
		{Type: ChannelSMS, Target: "+15550100", Events: []domain.EventKind{domain.EventFailed}},
		{Type: ChannelEmail, Target: "audit@example.com", Events: []domain.EventKind{domain.EventStarted}},
	}, discardLogger())
	n.Register(ChannelEmail, email)
	n.Register(ChannelSMS, sms)

	n.HandleEvent(context.Background(), domain.Event{Kind: domain.EventFailed, Subject: domain.SubjectDeployment, ID: "d1"})

	if len(email.sent) != 1 || email.sent[0].Target != "ops@example.com" {
		t.Fatalf("expected one email to ops, got %+v", email.sent)
	}
	if len(sms.sent) != 1 {
		t.Fatalf("expected sms attempt despite failure, got %d", len(sms.sent))
	}

	n.HandleEvent(context.Background(), domain.Event{Kind: domain.EventCompleted})
	if len(email.sent) != 1 {
		t.Fatalf("completed is not on any allow-list; got %d sends", len(email.sent))
	}
}

func TestHTTPSenderSlackAndWebhook(t *testing.T) {
	var mu sync.Mutex
	bodies := map[string]map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		bodies[r.URL.Path] = payload
		mu.Unlock()
		if r.URL.Path == "/reject" {
			http.Error(w, "bad token", http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	sender := NewHTTPSender(srv.Client())
	event := domain.Event{Kind: domain.EventCompleted, Subject: domain.SubjectDeployment, ID: "d1", EnvironmentID: "prod", Version: "1.2.0"}
	ctx := context.Background()

	if err := sender.Send(ctx, Channel{Type: ChannelSlack, Target: srv.URL + "/slack"}, event); err != nil {
		t.Fatalf("slack: %v", err)
	}
	if err := sender.Send(ctx, Channel{Type: ChannelWebhook, Target: srv.URL + "/hook"}, event); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	err := sender.Send(ctx, Channel{Type: ChannelWebhook, Target: srv.URL + "/reject"}, event)
	if !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "bad token") {
		t.Fatalf("expected rejection with body, got %v", err)
	}

	text, _ := bodies["/slack"]["text"].(string)
	if !strings.Contains(text, "version 1.2.0") {
		t.Fatalf("unexpected slack text %q", text)
	}
	if bodies["/hook"]["kind"] != "completed" {
		t.Fatalf("webhook should carry the raw event, got %v", bodies["/hook"])
	}
}

func TestParseEvents(t *testing.T) {
	got := ParseEvents([]string{" started", "", "failed "})
	if len(got) != 2 || got[0] != domain.EventStarted || got[1] != domain.EventFailed {
		t.Fatalf("unexpected events %v", got)
	}
}
