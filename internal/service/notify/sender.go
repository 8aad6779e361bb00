package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/splax/releasectl/internal/domain"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrRejected indicates the receiving endpoint answered with an error status.
var ErrRejected = errors.New("notification rejected")

// Sender delivers one event to one channel.
type Sender interface {
	Send(ctx context.Context, channel Channel, event domain.Event) error
}

// HTTPSender posts events as JSON. Slack channels receive a {"text": ...}
// message; webhooks receive the event itself.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender returns a sender using client, defaulting the timeout.
func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &HTTPSender{client: client}
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, channel Channel, event domain.Event) error {
	target := strings.TrimSpace(channel.Target)
	if target == "" {
		return errors.New("notification target required")
	}
	var payload any = event
	if channel.Type == ChannelSlack {
		payload = map[string]string{"text": Summary(event)}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		summary := strings.TrimSpace(string(buf))
		if summary == "" {
			summary = resp.Status
		}
		return fmt.Errorf("%w: %s", ErrRejected, summary)
	}
	return nil
}

// LogSender records deliveries in the log. It stands in for email and SMS
// gateways that are not configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender returns a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send implements Sender.
func (s *LogSender) Send(_ context.Context, channel Channel, event domain.Event) error {
	s.logger.Info("notification",
		"channel", channel.Type,
		"target", channel.Target,
		"kind", event.Kind,
		"subject", event.Subject,
		"id", event.ID,
		"message", Summary(event),
	)
	return nil
}

// Summary renders a one-line human description of an event.
func Summary(event domain.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s %s", event.EnvironmentID, event.Subject, event.ID, event.Kind)
	if event.Version != "" {
		fmt.Fprintf(&b, " (version %s)", event.Version)
	}
	if event.Message != "" {
		b.WriteString(": ")
		b.WriteString(event.Message)
	}
	return b.String()
}
