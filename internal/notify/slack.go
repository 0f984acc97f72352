// Package notify posts quick-test transitions to a chat channel.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"
)

// MaxMessageLen is the hard character budget for one notification.
const MaxMessageLen = 3900

// Notifier delivers one message to wherever operators watch.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Truncate cuts text to the notification budget, marking the cut.
func Truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	const marker = "\n…truncated"
	return text[:limit-len(marker)] + marker
}

// LogNotifier only logs; used when no webhook is configured.
type LogNotifier struct {
	Log zerolog.Logger
}

// Send logs the message.
func (n *LogNotifier) Send(_ context.Context, text string) error {
	n.Log.Info().Str("notification", text).Msg("no webhook configured")
	return nil
}

// SlackNotifier posts to an incoming webhook. A circuit breaker keeps a dead
// webhook from stalling quick cycles with repeated slow failures.
type SlackNotifier struct {
	webhookURL string
	channel    string
	breaker    *gobreaker.CircuitBreaker
	log        zerolog.Logger
}

// NewSlack creates a webhook notifier.
func NewSlack(webhookURL, channel string, log zerolog.Logger) *SlackNotifier {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "slack-webhook",
		Timeout: 5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		breaker:    breaker,
		log:        log.With().Str("component", "notify").Logger(),
	}
}

// Send posts one message, truncated to the budget.
func (n *SlackNotifier) Send(ctx context.Context, text string) error {
	text = Truncate(text, MaxMessageLen)

	_, err := n.breaker.Execute(func() (any, error) {
		msg := &slack.WebhookMessage{
			Channel: n.channel,
			Text:    text,
		}
		return nil, slack.PostWebhookContext(ctx, n.webhookURL, msg)
	})
	if err != nil {
		n.log.Warn().Err(err).Msg("notification failed")
		return err
	}
	return nil
}
