package notify

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mirador/chainwatch/internal/model"
)

// LogSinkConfig configures the structured log sink.
type LogSinkConfig struct {
	Path       string // rotated file; empty disables the file sink
	MaxSizeMB  int
	MaxBackups int
	Format     string // json or text
	Level      slog.Level
	Console    bool
}

// LogSink writes each processed event as a structured log record to a
// size-rotated file and optionally the console.
type LogSink struct {
	logger  *slog.Logger
	closer  io.Closer
	level   slog.Level
	enabled bool
}

// NewLogSink builds the sink from cfg.
func NewLogSink(cfg LogSinkConfig) *LogSink {
	var writers []io.Writer
	var closer io.Closer
	if cfg.Path != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		writers = append(writers, rotated)
		closer = rotated
	}
	if cfg.Console || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	out := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return &LogSink{
		logger:  slog.New(handler),
		closer:  closer,
		level:   cfg.Level,
		enabled: true,
	}
}

func (l *LogSink) ID() string    { return "log" }
func (l *LogSink) Enabled() bool { return l.enabled }

func (l *LogSink) Send(ctx context.Context, evt *model.ProcessedEvent) error {
	l.logger.Log(ctx, l.level, "blockchain event",
		"event_id", evt.Original.ID,
		"chain", evt.Original.Chain,
		"event_type", evt.Original.Kind,
		"block_number", evt.Original.BlockNumber,
		"tx_hash", evt.Original.TxHash,
		"confirmed", evt.Original.Confirmed,
		"amount", evt.Original.Data.Amount,
		"from", evt.Original.Data.From,
		"to", evt.Original.Data.To,
		"category", evt.Metadata.Classification.Category,
		"correlation_id", evt.Metadata.CorrelationID,
	)
	return nil
}

// Close releases the rotated file handle.
func (l *LogSink) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
