// Package notify fans orchestration events out to notification channels.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/releasectl/internal/domain"
)

// ChannelType names a delivery mechanism.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelSlack   ChannelType = "slack"
	ChannelWebhook ChannelType = "webhook"
	ChannelSMS     ChannelType = "sms"
)

// Channel is one configured destination with its event allow-list.
type Channel struct {
	Type   ChannelType        `json:"type"`
	Target string             `json:"target"`
	Events []domain.EventKind `json:"events"`
}

// Accepts reports whether kind is on the channel's allow-list.
func (c Channel) Accepts(kind domain.EventKind) bool {
	for _, k := range c.Events {
		if k == kind {
			return true
		}
	}
	return false
}

// ParseEvents converts configured event names.
func ParseEvents(names []string) []domain.EventKind {
	out := make([]domain.EventKind, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			out = append(out, domain.EventKind(n))
		}
	}
	return out
}

// Notifier delivers events to every channel that accepts them. Delivery
// failures are logged and never returned to the caller.
type Notifier struct {
	channels []Channel
	senders  map[ChannelType]Sender
	logger   *slog.Logger
	timeout  time.Duration
}

// New constructs a Notifier. Slack and webhook channels default to an
// HTTPSender; other types need Register.
func New(channels []Channel, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	httpSender := NewHTTPSender(nil)
	return &Notifier{
		channels: channels,
		senders: map[ChannelType]Sender{
			ChannelSlack:   httpSender,
			ChannelWebhook: httpSender,
		},
		logger:  logger.With("component", "notify"),
		timeout: defaultTimeout,
	}
}

// Register sets the sender used for a channel type.
func (n *Notifier) Register(kind ChannelType, sender Sender) {
	n.senders[kind] = sender
}

// HandleEvent delivers event to accepting channels sequentially.
func (n *Notifier) HandleEvent(ctx context.Context, event domain.Event) {
	if n == nil {
		return
	}
	for _, ch := range n.channels {
		if !ch.Accepts(event.Kind) {
			continue
		}
		sender, ok := n.senders[ch.Type]
		if !ok {
			n.logger.Warn("no sender for channel", "channel", ch.Type, "kind", event.Kind)
			continue
		}
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		err := sender.Send(sendCtx, ch, event)
		cancel()
		if err != nil {
			n.logger.Warn("notification failed",
				"channel", ch.Type,
				"kind", event.Kind,
				"subject", event.Subject,
				"id", event.ID,
				"error", err,
			)
		}
	}
}
