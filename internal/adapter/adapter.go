// Package adapter defines the abstract chain adapter contract and the
// shared machinery every concrete adapter embeds: target registry,
// de-duplication, heartbeat, retry and typed outbound channels.
package adapter

import (
	"context"
	"time"

	"github.com/mirador/chainwatch/internal/model"
)

// AdapterError is an error surfaced on an adapter's error channel,
// attributed to its chain.
type AdapterError struct {
	Chain model.ChainKind
	Err   error
	Time  time.Time
}

func (e AdapterError) Error() string { return string(e.Chain) + ": " + e.Err.Error() }
func (e AdapterError) Unwrap() error { return e.Err }

// FeeRequest describes a prospective transaction for fee estimation.
type FeeRequest struct {
	From   string
	To     string
	Amount string
	Kind   model.EventKind
}

// FeeEstimate is a chain-native fee quote in base units.
type FeeEstimate struct {
	Amount   string
	Currency string
	Metadata map[string]string
}

// Adapter is the uniform contract the chain manager drives. Connect and
// Disconnect are idempotent; StartMonitoring requires a prior Connect.
type Adapter interface {
	Chain() model.ChainKind

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	StartMonitoring(ctx context.Context) error
	StopMonitoring(ctx context.Context) error

	AddTarget(target model.MonitoringTarget) error
	RemoveTarget(address string) error

	CurrentBlockNumber() uint64
	Status() model.ConnectionStatus
	ValidateAddress(address string) bool
	EstimateFee(ctx context.Context, req FeeRequest) (FeeEstimate, error)

	Events() <-chan model.CanonicalEvent
	Errors() <-chan AdapterError
	StatusChanges() <-chan model.ConnectionStatus
}

// Config is the per-chain connection configuration handed to adapters.
type Config struct {
	RPCURL                 string
	WebsocketURL           string
	MaxRetryAttempts       int
	ChainID                uint64
	BlockConfirmationCount uint64
	Commitment             string
	Network                string
	PollingInterval        time.Duration
	BatchSize              int
}
