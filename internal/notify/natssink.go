package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mirador/chainwatch/internal/model"
)

// NATSSink publishes processed events to a NATS subject. Connects lazily
// and lets the client library handle reconnection.
type NATSSink struct {
	url     string
	subject string
	logger  *slog.Logger
	enabled bool

	mu   sync.Mutex
	conn *nats.Conn
}

// NewNATSSink builds a NATS sink for the given server URL and subject.
func NewNATSSink(url, subject string, logger *slog.Logger) *NATSSink {
	return &NATSSink{
		url:     url,
		subject: subject,
		logger:  logger.With("component", "nats_sink"),
		enabled: true,
	}
}

func (n *NATSSink) ID() string    { return "nats" }
func (n *NATSSink) Enabled() bool { return n.enabled }

func (n *NATSSink) connect() (*nats.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil && n.conn.IsConnected() {
		return n.conn, nil
	}
	conn, err := nats.Connect(n.url,
		nats.Name("chainwatch-notifier"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				n.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: nats connect: %v", model.ErrTransport, err)
	}
	n.conn = conn
	return conn, nil
}

func (n *NATSSink) Send(ctx context.Context, evt *model.ProcessedEvent) error {
	conn, err := n.connect()
	if err != nil {
		return err
	}
	body, err := marshalPubsub(evt)
	if err != nil {
		return fmt.Errorf("marshal nats payload: %w", err)
	}
	if err := conn.Publish(n.subject, body); err != nil {
		return fmt.Errorf("%w: nats publish: %v", model.ErrTransport, err)
	}
	return nil
}

// Close drains the connection so in-flight messages are flushed.
func (n *NATSSink) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	err := n.conn.Drain()
	n.conn = nil
	return err
}
