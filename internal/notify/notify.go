// Package notify implements the notification sinks: HTTP webhook, Redis
// pub/sub, NATS, Kafka and structured log files. Every sink is wrapped in
// a retrying Notifier that records the outcome per event.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mirador/chainwatch/internal/model"
	"github.com/mirador/chainwatch/internal/retry"
)

// Sink is a single delivery channel. Send either delivers the event or
// returns an error to be retried.
type Sink interface {
	ID() string
	Enabled() bool
	Send(ctx context.Context, evt *model.ProcessedEvent) error
}

// Notifier wraps a sink with the retry policy and produces the
// NotificationRecord the pipeline stores.
type Notifier struct {
	sink   Sink
	policy retry.Policy
	logger *slog.Logger
}

// NewNotifier wraps sink with up to attempts tries and exponential delays
// starting at delay.
func NewNotifier(sink Sink, attempts int, delay time.Duration, logger *slog.Logger) *Notifier {
	return &Notifier{
		sink: sink,
		policy: retry.Policy{
			MaxAttempts: attempts,
			BaseDelay:   delay,
		},
		logger: logger.With("component", "notifier", "channel", sink.ID()),
	}
}

func (n *Notifier) ID() string    { return n.sink.ID() }
func (n *Notifier) Enabled() bool { return n.sink.Enabled() }

// Notify delivers evt with retries. RetryCount is the number of failed
// attempts: zero on first-try success, the full budget on exhaustion.
func (n *Notifier) Notify(ctx context.Context, evt *model.ProcessedEvent) model.NotificationRecord {
	failures, err := retry.Do(ctx, n.policy, n.sink.ID(), func(ctx context.Context) error {
		return n.sink.Send(ctx, evt)
	})
	rec := model.NotificationRecord{
		Channel:    n.sink.ID(),
		Success:    err == nil,
		Timestamp:  time.Now().UnixMilli(),
		RetryCount: failures,
	}
	if err != nil {
		rec.Error = err.Error()
		n.logger.Error("delivery failed", "event_id", evt.Original.ID, "retries", failures, "error", err)
	}
	return rec
}
