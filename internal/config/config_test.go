package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mirador/chainwatch/internal/model"
)

const sampleConfig = `
[database]
redis_url = "redis://localhost:6379"
connection_pool_size = 20

[logging]
level = "debug"
format = "text"
correlation_tracking = true

[chains.ethereum]
rpc_url = "https://eth.example.com"
websocket_url = "wss://eth.example.com/ws"
chain_id = 1
block_confirmation_count = 12
max_retry_attempts = 5

[chains.bsc]
rpc_url = "https://bsc.example.com"
chain_id = 56
block_confirmation_count = 6

[chains.solana]
rpc_url = "https://sol.example.com"
websocket_url = "wss://sol.example.com"
commitment = "confirmed"

[chains.bitcoin]
rpc_url = "https://esplora.example.com/api"
network = "mainnet"

[monitoring.transfers]
enabled = true
batch_size = 50
polling_interval_ms = 1000
confirmation_blocks = 6

[monitoring.token_minting]
enabled = true
batch_size = 25
polling_interval_ms = 2000
confirmation_blocks = 12

[targets.addresses]
watch_addresses = ["0xa1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"]

[targets.contracts]
erc20_contracts = ["0x1111111111111111111111111111111111111111"]
erc721_contracts = ["0x2222222222222222222222222222222222222222"]
spl_token_programs = ["TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"]

[[targets.enhanced_targets]]
id = "whale-watch"
name = "Whale wallet"
type = "address"
address = "0x3333333333333333333333333333333333333333"
event_types = ["transfer", "native_transfer"]
chains = ["ethereum"]
priority = "high"
tags = ["whale"]
notification_channels = ["webhook"]

[targets.enhanced_targets.filters]
min_amount = "1000000000000000000"
exclude_self_transfers = true

[[targets.enhanced_targets.filters.custom_rules]]
field = "metadata.direction"
operator = "equals"
value = "incoming"

[filters.transfer]
min_amount = "0"
exclude_self_transfers = true
require_confirmation = true
min_confirmations = 3

[filters.token_minting]
min_amount = "0"

[notifications]
enabled = true
channels = ["webhook", "redis_pubsub"]
webhook_url = "https://hooks.example.com/events"
redis_channel = "chainwatch:events"
retry_attempts = 3
retry_delay_ms = 500

[performance]
worker_pool_size = 8
max_concurrent_requests = 64
request_timeout_ms = 5000
circuit_breaker_threshold = 10
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullSchema(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	eth, ok := cfg.Chains["ethereum"]
	if !ok {
		t.Fatal("ethereum chain missing")
	}
	if eth.ChainID != 1 || eth.BlockConfirmationCount != 12 || eth.WebsocketURL == "" {
		t.Errorf("ethereum chain = %+v", eth)
	}
	if cfg.Chains["solana"].Commitment != "confirmed" {
		t.Errorf("solana commitment = %q", cfg.Chains["solana"].Commitment)
	}
	if got := cfg.Monitoring.TokenMinting.ConfirmationBlocks; got != 12 {
		t.Errorf("token_minting confirmation_blocks = %d", got)
	}
	if len(cfg.Targets.Addresses.WatchAddresses) != 1 {
		t.Errorf("watch_addresses = %v", cfg.Targets.Addresses.WatchAddresses)
	}
	if !cfg.Filters.Transfer.RequireConfirmation || cfg.Filters.Transfer.MinConfirmations != 3 {
		t.Errorf("transfer filter defaults = %+v", cfg.Filters.Transfer)
	}
	if len(cfg.Notifications.Channels) != 2 || cfg.Notifications.WebhookURL == "" {
		t.Errorf("notifications = %+v", cfg.Notifications)
	}
}

func TestEnhancedTargetConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Targets.EnhancedTargets) != 1 {
		t.Fatalf("enhanced targets = %d", len(cfg.Targets.EnhancedTargets))
	}

	target := cfg.Targets.EnhancedTargets[0].ToTarget()
	if target.ID != "whale-watch" || target.Kind != model.TargetAddress {
		t.Errorf("target = %+v", target)
	}
	if !target.Enabled {
		t.Error("enabled should default to true when omitted")
	}
	if target.Priority != model.PriorityHigh {
		t.Errorf("priority = %q", target.Priority)
	}
	if !target.WatchesKind(model.EventNativeTransfer) {
		t.Error("target should watch native_transfer")
	}
	if target.Filters == nil || target.Filters.MinAmount == nil || *target.Filters.MinAmount != "1000000000000000000" {
		t.Errorf("filter overrides = %+v", target.Filters)
	}
	if len(target.Filters.CustomRules) != 1 || target.Filters.CustomRules[0].Operator != model.OpEquals {
		t.Errorf("custom rules = %+v", target.Filters.CustomRules)
	}
	if target.AppliesToChain(model.ChainBSC) {
		t.Error("target restricted to ethereum should not apply to bsc")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad log level", "[logging]\nlevel = \"verbose\"\nformat = \"json\"\n"},
		{"bad format", "[logging]\nlevel = \"info\"\nformat = \"xml\"\n"},
		{"unknown chain", "[chains.dogecoin]\nrpc_url = \"https://x\"\n"},
		{"missing rpc url", "[chains.ethereum]\nchain_id = 1\n"},
		{"bad commitment", "[chains.solana]\nrpc_url = \"https://x\"\ncommitment = \"instant\"\n"},
		{"bad channel", "[notifications]\nchannels = [\"carrier_pigeon\"]\n"},
		{"webhook without url", "[notifications]\nchannels = [\"webhook\"]\n"},
		{"target without event types", "[[targets.enhanced_targets]]\nid = \"x\"\ntype = \"address\"\naddress = \"0xabc\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, model.ErrConfig) && !errors.Is(err, model.ErrValidation) {
				t.Errorf("error should wrap config/validation sentinel: %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Notifications.RetryAttempts != 3 {
		t.Errorf("retry attempts default = %d", cfg.Notifications.RetryAttempts)
	}
}
