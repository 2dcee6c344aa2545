// Package config loads and validates the TOML configuration file that
// drives chain connections, monitoring targets, filters and notifications.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/mirador/chainwatch/internal/model"
)

// Config is the full decoded configuration.
type Config struct {
	Database      DatabaseConfig         `toml:"database"`
	Logging       LoggingConfig          `toml:"logging"`
	Chains        map[string]ChainConfig `toml:"chains"`
	Monitoring    MonitoringConfig       `toml:"monitoring"`
	Targets       TargetsConfig          `toml:"targets"`
	Filters       FiltersConfig          `toml:"filters"`
	Notifications NotificationsConfig    `toml:"notifications"`
	Performance   PerformanceConfig      `toml:"performance"`
}

type DatabaseConfig struct {
	RedisURL           string `toml:"redis_url"`
	ConnectionPoolSize int    `toml:"connection_pool_size"`
}

type LoggingConfig struct {
	Level               string `toml:"level"`
	Format              string `toml:"format"`
	CorrelationTracking bool   `toml:"correlation_tracking"`
	File                string `toml:"file"`
	MaxSizeMB           int    `toml:"max_size_mb"`
	MaxBackups          int    `toml:"max_backups"`
}

// ChainConfig configures one chain connection. ChainID and
// BlockConfirmationCount apply to EVM chains; Commitment applies to Solana.
type ChainConfig struct {
	RPCURL                 string `toml:"rpc_url"`
	WebsocketURL           string `toml:"websocket_url"`
	MaxRetryAttempts       int    `toml:"max_retry_attempts"`
	ChainID                uint64 `toml:"chain_id"`
	BlockConfirmationCount uint64 `toml:"block_confirmation_count"`
	Commitment             string `toml:"commitment"`
	Network                string `toml:"network"`
}

type MonitoringConfig struct {
	Transfers    MonitoringSection `toml:"transfers"`
	TokenMinting MonitoringSection `toml:"token_minting"`
}

type MonitoringSection struct {
	Enabled            bool   `toml:"enabled"`
	BatchSize          int    `toml:"batch_size"`
	PollingIntervalMs  int    `toml:"polling_interval_ms"`
	ConfirmationBlocks uint64 `toml:"confirmation_blocks"`
}

type TargetsConfig struct {
	Addresses       AddressTargets    `toml:"addresses"`
	Contracts       ContractTargets   `toml:"contracts"`
	EnhancedTargets []EnhancedTarget  `toml:"enhanced_targets"`
}

type AddressTargets struct {
	WatchAddresses []string `toml:"watch_addresses"`
}

type ContractTargets struct {
	ERC20Contracts   []string `toml:"erc20_contracts"`
	ERC721Contracts  []string `toml:"erc721_contracts"`
	TRC20Contracts   []string `toml:"trc20_contracts"`
	TRC721Contracts  []string `toml:"trc721_contracts"`
	SPLTokenPrograms []string `toml:"spl_token_programs"`
}

// EnhancedTarget is the TOML shape of one [[targets.enhanced_targets]]
// entry; ToTarget converts it to the model form.
type EnhancedTarget struct {
	ID                   string               `toml:"id"`
	Name                 string               `toml:"name"`
	Type                 string               `toml:"type"`
	Address              string               `toml:"address"`
	EventTypes           []string             `toml:"event_types"`
	Chains               []string             `toml:"chains"`
	Enabled              *bool                `toml:"enabled"`
	Priority             string               `toml:"priority"`
	Tags                 []string             `toml:"tags"`
	Description          string               `toml:"description"`
	NotificationChannels []string             `toml:"notification_channels"`
	Filters              *EnhancedFilters     `toml:"filters"`
}

type EnhancedFilters struct {
	MinAmount            *string          `toml:"min_amount"`
	MaxAmount            *string          `toml:"max_amount"`
	ExcludeSelfTransfers *bool            `toml:"exclude_self_transfers"`
	RequireConfirmation  *bool            `toml:"require_confirmation"`
	MinConfirmations     *uint64          `toml:"min_confirmations"`
	MinTimestamp         *int64           `toml:"min_timestamp"`
	MaxTimestamp         *int64           `toml:"max_timestamp"`
	CustomRules          []CustomRuleToml `toml:"custom_rules"`
}

type CustomRuleToml struct {
	Field       string `toml:"field"`
	Operator    string `toml:"operator"`
	Value       string `toml:"value"`
	Description string `toml:"description"`
}

// FilterSection holds the global filter defaults for one event family.
type FilterSection struct {
	MinAmount            string `toml:"min_amount"`
	MaxAmount            string `toml:"max_amount"`
	ExcludeSelfTransfers bool   `toml:"exclude_self_transfers"`
	RequireConfirmation  bool   `toml:"require_confirmation"`
	MinConfirmations     uint64 `toml:"min_confirmations"`
}

type FiltersConfig struct {
	Transfer     FilterSection `toml:"transfer"`
	TokenMinting FilterSection `toml:"token_minting"`
}

type NotificationsConfig struct {
	Enabled          bool     `toml:"enabled"`
	Channels         []string `toml:"channels"`
	WebhookURL       string   `toml:"webhook_url"`
	RedisChannel     string   `toml:"redis_channel"`
	NATSURL          string   `toml:"nats_url"`
	NATSSubject      string   `toml:"nats_subject"`
	KafkaBrokers     []string `toml:"kafka_brokers"`
	KafkaTopic       string   `toml:"kafka_topic"`
	RetryAttempts    int      `toml:"retry_attempts"`
	RetryDelayMs     int      `toml:"retry_delay_ms"`
	RequestTimeoutMs int      `toml:"request_timeout_ms"`
}

type PerformanceConfig struct {
	WorkerPoolSize          int `toml:"worker_pool_size"`
	MaxConcurrentRequests   int `toml:"max_concurrent_requests"`
	RequestTimeoutMs        int `toml:"request_timeout_ms"`
	CircuitBreakerThreshold int `toml:"circuit_breaker_threshold"`
}

// Load reads, decodes and validates the configuration at path. Defaults
// are applied before validation.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", model.ErrConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with workable local defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			RedisURL:           "redis://localhost:6379",
			ConnectionPoolSize: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Monitoring: MonitoringConfig{
			Transfers:    MonitoringSection{Enabled: true, BatchSize: 100, PollingIntervalMs: 5000, ConfirmationBlocks: 6},
			TokenMinting: MonitoringSection{Enabled: true, BatchSize: 100, PollingIntervalMs: 5000, ConfirmationBlocks: 6},
		},
		Filters: FiltersConfig{
			Transfer:     FilterSection{MinAmount: "0"},
			TokenMinting: FilterSection{MinAmount: "0"},
		},
		Notifications: NotificationsConfig{
			Enabled:          true,
			Channels:         []string{"log"},
			RetryAttempts:    3,
			RetryDelayMs:     1000,
			RequestTimeoutMs: 10000,
		},
		Performance: PerformanceConfig{
			WorkerPoolSize:          4,
			MaxConcurrentRequests:   32,
			RequestTimeoutMs:        10000,
			CircuitBreakerThreshold: 5,
		},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validLogFormats = map[string]bool{"json": true, "text": true}
var validCommitments = map[string]bool{"": true, "processed": true, "confirmed": true, "finalized": true}
var validChannels = map[string]bool{"webhook": true, "redis_pubsub": true, "log": true, "nats": true, "kafka": true}

// Validate checks enum fields, per-chain requirements and enhanced targets.
func (c *Config) Validate() error {
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("%w: logging.level %q", model.ErrConfig, c.Logging.Level)
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("%w: logging.format %q", model.ErrConfig, c.Logging.Format)
	}
	for name, chain := range c.Chains {
		if !model.ChainKind(name).Valid() {
			return fmt.Errorf("%w: unknown chain %q", model.ErrConfig, name)
		}
		if chain.RPCURL == "" {
			return fmt.Errorf("%w: chains.%s.rpc_url is required", model.ErrConfig, name)
		}
		if !validCommitments[chain.Commitment] {
			return fmt.Errorf("%w: chains.%s.commitment %q", model.ErrConfig, name, chain.Commitment)
		}
	}
	for _, ch := range c.Notifications.Channels {
		if !validChannels[ch] {
			return fmt.Errorf("%w: notifications.channels entry %q", model.ErrConfig, ch)
		}
		if ch == "webhook" && c.Notifications.WebhookURL == "" {
			return fmt.Errorf("%w: webhook channel enabled without webhook_url", model.ErrConfig)
		}
	}
	for i := range c.Targets.EnhancedTargets {
		target := c.Targets.EnhancedTargets[i].ToTarget()
		if err := target.Validate(); err != nil {
			return fmt.Errorf("targets.enhanced_targets[%d]: %w", i, err)
		}
	}
	return nil
}

// ToTarget converts the TOML shape to the model form. Enabled defaults to
// true when omitted.
func (t *EnhancedTarget) ToTarget() model.MonitoringTarget {
	out := model.MonitoringTarget{
		ID:                   t.ID,
		Name:                 t.Name,
		Kind:                 model.TargetKind(t.Type),
		Address:              t.Address,
		Enabled:              t.Enabled == nil || *t.Enabled,
		Priority:             model.TargetPriority(t.Priority),
		Tags:                 t.Tags,
		Description:          t.Description,
		NotificationChannels: t.NotificationChannels,
	}
	for _, e := range t.EventTypes {
		out.EventKinds = append(out.EventKinds, model.EventKind(e))
	}
	for _, ch := range t.Chains {
		out.Chains = append(out.Chains, model.ChainKind(ch))
	}
	if t.Filters != nil {
		fo := &model.FilterOverrides{
			MinAmount:            t.Filters.MinAmount,
			MaxAmount:            t.Filters.MaxAmount,
			ExcludeSelfTransfers: t.Filters.ExcludeSelfTransfers,
			RequireConfirmation:  t.Filters.RequireConfirmation,
			MinConfirmations:     t.Filters.MinConfirmations,
			MinTimestamp:         t.Filters.MinTimestamp,
			MaxTimestamp:         t.Filters.MaxTimestamp,
		}
		for _, r := range t.Filters.CustomRules {
			fo.CustomRules = append(fo.CustomRules, model.CustomRule{
				Field:       r.Field,
				Operator:    r.Operator,
				Value:       r.Value,
				Description: r.Description,
			})
		}
		out.Filters = fo
	}
	return out
}

// RequestTimeout returns the notification request timeout as a duration.
func (n *NotificationsConfig) RequestTimeout() time.Duration {
	return time.Duration(n.RequestTimeoutMs) * time.Millisecond
}

// RetryDelay returns the base notification retry delay as a duration.
func (n *NotificationsConfig) RetryDelay() time.Duration {
	return time.Duration(n.RetryDelayMs) * time.Millisecond
}
