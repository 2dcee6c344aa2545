package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirador/chainwatch/internal/model"
	"github.com/mirador/chainwatch/internal/retry"
)

const heartbeatInterval = 30 * time.Second

// Metrics are per-adapter counters surfaced through the facade.
type Metrics struct {
	EventsEmitted uint64 `json:"eventsEmitted"`
	EventsDropped uint64 `json:"eventsDropped"`
	Duplicates    uint64 `json:"duplicates"`
	Reconnects    uint64 `json:"reconnects"`
}

// Base carries the state and behavior shared by every concrete adapter:
// target registry, bounded de-duplication, buffered emit channels with
// non-blocking sends, the 30-second heartbeat and the retry wrapper.
type Base struct {
	chain  model.ChainKind
	logger *slog.Logger
	policy retry.Policy

	mu            sync.RWMutex
	targets       map[string]model.MonitoringTarget
	state         model.AdapterState
	lastHeartbeat time.Time
	lastError     string

	blockNumber   atomic.Uint64
	eventsEmitted atomic.Uint64
	eventsDropped atomic.Uint64
	duplicates    atomic.Uint64
	reconnects    atomic.Uint64

	dedupe *dedupeSet

	events   chan model.CanonicalEvent
	errs     chan AdapterError
	statusCh chan model.ConnectionStatus

	heartbeatMu     sync.Mutex
	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
}

// NewBase builds the shared adapter state for chain.
func NewBase(chain model.ChainKind, maxRetryAttempts int, logger *slog.Logger) *Base {
	if maxRetryAttempts <= 0 {
		maxRetryAttempts = 3
	}
	return &Base{
		chain:    chain,
		logger:   logger.With("component", "adapter", "chain", chain),
		policy:   retry.AdapterPolicy(maxRetryAttempts),
		targets:  make(map[string]model.MonitoringTarget),
		state:    model.StateRegistered,
		dedupe:   newDedupeSet(dedupeCeiling),
		events:   make(chan model.CanonicalEvent, 1024),
		errs:     make(chan AdapterError, 64),
		statusCh: make(chan model.ConnectionStatus, 16),
	}
}

func (b *Base) Chain() model.ChainKind { return b.chain }

// Logger returns the chain-scoped logger for embedding adapters.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Events is the adapter's outbound canonical event stream.
func (b *Base) Events() <-chan model.CanonicalEvent { return b.events }

// Errors is the adapter's outbound error stream.
func (b *Base) Errors() <-chan AdapterError { return b.errs }

// StatusChanges is the adapter's outbound status stream.
func (b *Base) StatusChanges() <-chan model.ConnectionStatus { return b.statusCh }

// CurrentBlockNumber returns the last observed tip.
func (b *Base) CurrentBlockNumber() uint64 { return b.blockNumber.Load() }

// SetBlockNumber updates the observed tip.
func (b *Base) SetBlockNumber(n uint64) { b.blockNumber.Store(n) }

// State returns the adapter's lifecycle state.
func (b *Base) State() model.AdapterState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetState transitions the lifecycle state and publishes a status update.
func (b *Base) SetState(state model.AdapterState) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
	b.publishStatus()
}

// RecordError stores the last error text for status reporting.
func (b *Base) RecordError(err error) {
	b.mu.Lock()
	b.lastError = err.Error()
	b.mu.Unlock()
}

// RecordReconnect bumps the reconnect counter.
func (b *Base) RecordReconnect() { b.reconnects.Add(1) }

// Status snapshots the adapter's health.
func (b *Base) Status() model.ConnectionStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return model.ConnectionStatus{
		Chain:         b.chain,
		State:         b.state,
		Connected:     b.state == model.StateConnected || b.state == model.StateMonitoring,
		BlockNumber:   b.blockNumber.Load(),
		LastHeartbeat: b.lastHeartbeat,
		LastError:     b.lastError,
		Reconnects:    b.reconnects.Load(),
	}
}

// Metrics snapshots the adapter counters.
func (b *Base) Metrics() Metrics {
	return Metrics{
		EventsEmitted: b.eventsEmitted.Load(),
		EventsDropped: b.eventsDropped.Load(),
		Duplicates:    b.duplicates.Load(),
		Reconnects:    b.reconnects.Load(),
	}
}

func (b *Base) publishStatus() {
	select {
	case b.statusCh <- b.Status():
	default:
		// Status consumers lagging; the next update supersedes this one.
	}
}

// AddTargetChecked validates the address with validate, the target shape,
// and stores it keyed by address.
func (b *Base) AddTargetChecked(target model.MonitoringTarget, validate func(string) bool) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if !validate(target.Address) {
		return fmt.Errorf("%w: %s on %s", model.ErrInvalidAddress, target.Address, b.chain)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targets[b.targetKey(target.Address)] = target
	return nil
}

// RemoveTargetEntry drops the target for address.
func (b *Base) RemoveTargetEntry(address string) (model.MonitoringTarget, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := b.targetKey(address)
	t, ok := b.targets[key]
	if !ok {
		return model.MonitoringTarget{}, fmt.Errorf("%w: %s on %s", model.ErrTargetNotFound, address, b.chain)
	}
	delete(b.targets, key)
	return t, nil
}

// Targets returns a snapshot of the registered targets.
func (b *Base) Targets() []model.MonitoringTarget {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.MonitoringTarget, 0, len(b.targets))
	for _, t := range b.targets {
		out = append(out, t)
	}
	return out
}

// Target looks up one registered target by address.
func (b *Base) Target(address string) (model.MonitoringTarget, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.targets[b.targetKey(address)]
	return t, ok
}

// targetKey folds case on EVM-style chains where addresses are hex.
func (b *Base) targetKey(address string) string {
	switch b.chain {
	case model.ChainEthereum, model.ChainBSC:
		return strings.ToLower(address)
	}
	return address
}

// Emit publishes a canonical event after validation, de-duplication and
// the non-negative confirmation guard. The send never blocks: on a full
// channel the event is dropped and counted.
func (b *Base) Emit(evt model.CanonicalEvent) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	if err := evt.Validate(); err != nil {
		b.logger.Warn("dropping malformed event", "event_id", evt.ID, "error", err)
		return
	}
	if tip := b.blockNumber.Load(); tip > 0 && evt.BlockNumber > tip {
		// Tip lagging behind the observation; never emit a negative count.
		evt.ConfirmationCount = 0
		evt.Confirmed = false
	}
	if b.dedupe.Observe(evt.ID) {
		b.duplicates.Add(1)
		return
	}
	select {
	case b.events <- evt:
		b.eventsEmitted.Add(1)
	default:
		b.eventsDropped.Add(1)
		b.logger.Warn("event channel full, dropping event", "event_id", evt.ID)
	}
}

// EmitError publishes an error without blocking.
func (b *Base) EmitError(err error) {
	b.RecordError(err)
	select {
	case b.errs <- AdapterError{Chain: b.chain, Err: err, Time: time.Now()}:
	default:
		b.logger.Warn("error channel full", "error", err)
	}
}

// RetryOp runs op with the adapter backoff policy.
func (b *Base) RetryOp(ctx context.Context, label string, op func(ctx context.Context) error) error {
	_, err := retry.Do(ctx, b.policy, label, op)
	return err
}

// StartHeartbeat launches the 30-second tip refresh loop. refresh returns
// the current tip; failures are surfaced on the error channel but do not
// stop the loop.
func (b *Base) StartHeartbeat(ctx context.Context, refresh func(ctx context.Context) (uint64, error)) {
	b.heartbeatMu.Lock()
	defer b.heartbeatMu.Unlock()
	if b.heartbeatCancel != nil {
		return
	}
	hbCtx, cancel := context.WithCancel(ctx)
	b.heartbeatCancel = cancel
	done := make(chan struct{})
	b.heartbeatDone = done

	b.TouchHeartbeat()
	go func() {
		defer close(done)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				tip, err := refresh(hbCtx)
				if err != nil {
					b.EmitError(fmt.Errorf("%w: heartbeat: %v", model.ErrTransport, err))
					continue
				}
				b.SetBlockNumber(tip)
				b.TouchHeartbeat()
				b.publishStatus()
			}
		}
	}()
}

// StopHeartbeat cancels the heartbeat loop and waits for it to exit so
// the transport can be torn down safely.
func (b *Base) StopHeartbeat() {
	b.heartbeatMu.Lock()
	cancel := b.heartbeatCancel
	done := b.heartbeatDone
	b.heartbeatCancel = nil
	b.heartbeatDone = nil
	b.heartbeatMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// TouchHeartbeat records liveness for the manager's staleness sweep.
func (b *Base) TouchHeartbeat() {
	b.mu.Lock()
	b.lastHeartbeat = time.Now()
	b.mu.Unlock()
}

// LastHeartbeat returns the most recent liveness timestamp.
func (b *Base) LastHeartbeat() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastHeartbeat
}
