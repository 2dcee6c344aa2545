package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/mirador/chainwatch/internal/model"
)

// RedisSink publishes processed events to a Redis pub/sub channel.
// The connection is established lazily on first send and re-established
// after failures.
type RedisSink struct {
	url     string
	channel string
	logger  *slog.Logger
	enabled bool

	mu     sync.Mutex
	client *redis.Client
}

// NewRedisSink builds a pub/sub sink for the given redis URL and channel.
func NewRedisSink(url, channel string, logger *slog.Logger) *RedisSink {
	return &RedisSink{
		url:     url,
		channel: channel,
		logger:  logger.With("component", "redis_sink"),
		enabled: true,
	}
}

// NewRedisSinkWithClient injects an existing client, used by tests.
func NewRedisSinkWithClient(client *redis.Client, channel string, logger *slog.Logger) *RedisSink {
	return &RedisSink{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "redis_sink"),
		enabled: true,
	}
}

func (r *RedisSink) ID() string    { return "redis_pubsub" }
func (r *RedisSink) Enabled() bool { return r.enabled }

func (r *RedisSink) connect(ctx context.Context) (*redis.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	opts, err := redis.ParseURL(r.url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse redis url: %v", model.ErrConfig, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", model.ErrTransport, err)
	}
	r.client = client
	return client, nil
}

func (r *RedisSink) dropClient() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}

func (r *RedisSink) Send(ctx context.Context, evt *model.ProcessedEvent) error {
	client, err := r.connect(ctx)
	if err != nil {
		return err
	}

	body, err := marshalPubsub(evt)
	if err != nil {
		return fmt.Errorf("marshal pubsub payload: %w", err)
	}

	receivers, err := client.Publish(ctx, r.channel, body).Result()
	if err != nil {
		// Force a fresh connection on the next attempt.
		r.dropClient()
		return fmt.Errorf("%w: redis publish: %v", model.ErrTransport, err)
	}
	if receivers == 0 {
		r.logger.Warn("published to channel with zero subscribers",
			"channel", r.channel, "event_id", evt.Original.ID)
	}
	return nil
}

// Close releases the underlying connection.
func (r *RedisSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
