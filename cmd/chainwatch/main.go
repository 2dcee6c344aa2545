// Command chainwatch runs the multi-chain event listener: it loads the
// TOML configuration, builds one adapter per configured chain, wires the
// processing pipeline and notification sinks, registers the configured
// targets and serves until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mirador/chainwatch/internal/adapter"
	"github.com/mirador/chainwatch/internal/adapter/bitcoin"
	"github.com/mirador/chainwatch/internal/adapter/evm"
	"github.com/mirador/chainwatch/internal/adapter/solana"
	"github.com/mirador/chainwatch/internal/adapter/sui"
	"github.com/mirador/chainwatch/internal/adapter/tron"
	"github.com/mirador/chainwatch/internal/config"
	"github.com/mirador/chainwatch/internal/listener"
	"github.com/mirador/chainwatch/internal/manager"
	"github.com/mirador/chainwatch/internal/model"
	"github.com/mirador/chainwatch/internal/notify"
	"github.com/mirador/chainwatch/internal/pipeline"
	"github.com/mirador/chainwatch/internal/targets"
)

const (
	shutdownTimeout = 15 * time.Second

	lowValueThreshold  = "1"
	highValueThreshold = "1000000000"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "chainwatch:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, closeLog, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	resolver, err := targets.NewResolver(targets.Defaults{
		MinAmount:            cfg.Filters.Transfer.MinAmount,
		MaxAmount:            cfg.Filters.Transfer.MaxAmount,
		ExcludeSelfTransfers: cfg.Filters.Transfer.ExcludeSelfTransfers,
		RequireConfirmation:  cfg.Filters.Transfer.RequireConfirmation,
		MinConfirmations:     cfg.Filters.Transfer.MinConfirmations,
	}, nil)
	if err != nil {
		return err
	}

	pipe, err := buildPipeline(cfg, resolver, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	mgr := manager.New(pipe, logger, manager.Options{AutoReconnect: true})
	if err := registerAdapters(mgr, cfg, logger); err != nil {
		return err
	}

	ln := listener.New(mgr, pipe, resolver, logger)
	if err := registerTargets(ln, cfg, logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ln.Start(ctx); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	logger.Info("chainwatch running", "chains", ln.SupportedChains())

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ln.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop listener: %w", err)
	}
	return nil
}

// loadConfig reads the configuration at path. A missing file at the
// default location falls back to the built-in defaults so the binary can
// start without any setup.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && path == "config.toml" {
		return config.Default(), nil
	}
	return nil, err
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	writers := []io.Writer{os.Stderr}
	closeLog := func() {}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		writers = append(writers, rotated)
		closeLog = func() { rotated.Close() }
	}

	out := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler), closeLog, nil
}

func parseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: log level %q", model.ErrConfig, level)
}

func buildPipeline(cfg *config.Config, resolver *targets.Resolver, logger *slog.Logger) (*pipeline.Pipeline, error) {
	pipe := pipeline.New(logger)

	filters := []pipeline.Filter{
		pipeline.NewTargetAwareAmountFilter(resolver),
		pipeline.NewCustomRulesFilter(resolver),
	}
	if cfg.Filters.Transfer.ExcludeSelfTransfers {
		filters = append(filters, pipeline.NewSelfTransferFilter())
	}
	if cfg.Filters.Transfer.RequireConfirmation {
		filters = append(filters, pipeline.NewConfirmationFilter(cfg.Filters.Transfer.MinConfirmations))
	}
	for _, f := range filters {
		if err := pipe.AddFilter(f); err != nil {
			return nil, err
		}
	}

	if err := pipe.AddEnricher(pipeline.NewMetadataEnricher()); err != nil {
		return nil, err
	}
	if err := pipe.AddProcessor(pipeline.NewClassifierProcessor(lowValueThreshold, highValueThreshold)); err != nil {
		return nil, err
	}

	if cfg.Notifications.Enabled {
		for _, sink := range buildSinks(cfg, logger) {
			notifier := notify.NewNotifier(sink, cfg.Notifications.RetryAttempts, cfg.Notifications.RetryDelay(), logger)
			if err := pipe.AddNotifier(notifier); err != nil {
				return nil, err
			}
		}
	}
	return pipe, nil
}

func buildSinks(cfg *config.Config, logger *slog.Logger) []notify.Sink {
	n := cfg.Notifications
	var sinks []notify.Sink
	for _, channel := range n.Channels {
		switch channel {
		case "webhook":
			sinks = append(sinks, notify.NewWebhookSink(n.WebhookURL, n.RequestTimeout()))
		case "redis_pubsub":
			sinks = append(sinks, notify.NewRedisSink(cfg.Database.RedisURL, n.RedisChannel, logger))
		case "nats":
			sinks = append(sinks, notify.NewNATSSink(n.NATSURL, n.NATSSubject, logger))
		case "kafka":
			sinks = append(sinks, notify.NewKafkaSink(n.KafkaBrokers, n.KafkaTopic))
		case "log":
			sinks = append(sinks, notify.NewLogSink(notify.LogSinkConfig{
				Path:       cfg.Logging.File,
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				Format:     cfg.Logging.Format,
				Console:    cfg.Logging.File == "",
			}))
		}
	}
	return sinks
}

func registerAdapters(mgr *manager.Manager, cfg *config.Config, logger *slog.Logger) error {
	names := make([]string, 0, len(cfg.Chains))
	for name := range cfg.Chains {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		chain := model.ChainKind(name)
		a, err := buildAdapter(chain, cfg.Chains[name], cfg.Monitoring, logger)
		if err != nil {
			return fmt.Errorf("chain %s: %w", name, err)
		}
		if err := mgr.Register(a); err != nil {
			return err
		}
	}
	return nil
}

func buildAdapter(chain model.ChainKind, cc config.ChainConfig, mon config.MonitoringConfig, logger *slog.Logger) (adapter.Adapter, error) {
	aCfg := adapter.Config{
		RPCURL:                 cc.RPCURL,
		WebsocketURL:           cc.WebsocketURL,
		MaxRetryAttempts:       cc.MaxRetryAttempts,
		ChainID:                cc.ChainID,
		BlockConfirmationCount: cc.BlockConfirmationCount,
		Commitment:             cc.Commitment,
		Network:                cc.Network,
		PollingInterval:        time.Duration(mon.Transfers.PollingIntervalMs) * time.Millisecond,
		BatchSize:              mon.Transfers.BatchSize,
	}

	switch chain {
	case model.ChainEthereum, model.ChainBSC:
		return evm.NewAdapter(chain, aCfg, logger)
	case model.ChainSolana:
		return solana.NewAdapter(aCfg, logger)
	case model.ChainSui:
		return sui.NewAdapter(aCfg, logger)
	case model.ChainTron:
		return tron.NewAdapter(aCfg, logger)
	case model.ChainBitcoin:
		return bitcoin.NewAdapter(aCfg, logger)
	}
	return nil, fmt.Errorf("%w: %s", model.ErrUnknownChain, chain)
}

// registerTargets loads the declarative target lists. Plain address and
// contract lists route implicitly by per-chain address validation;
// enhanced targets carry their own chain restriction.
func registerTargets(ln *listener.Listener, cfg *config.Config, logger *slog.Logger) error {
	for _, addr := range cfg.Targets.Addresses.WatchAddresses {
		if err := ln.AddWalletAddress(addr); err != nil {
			logger.Warn("watch address rejected", "address", addr, "error", err)
		}
	}

	contracts := cfg.Targets.Contracts
	tokenLists := [][]string{
		contracts.ERC20Contracts,
		contracts.ERC721Contracts,
		contracts.TRC20Contracts,
		contracts.TRC721Contracts,
		contracts.SPLTokenPrograms,
	}
	for _, list := range tokenLists {
		for _, addr := range list {
			if err := ln.AddTokenContract(addr); err != nil {
				logger.Warn("token contract rejected", "address", addr, "error", err)
			}
		}
	}

	for i := range cfg.Targets.EnhancedTargets {
		target := cfg.Targets.EnhancedTargets[i].ToTarget()
		if err := ln.AddEnhancedTarget(target); err != nil {
			return fmt.Errorf("enhanced target %q: %w", target.ID, err)
		}
	}
	return nil
}
