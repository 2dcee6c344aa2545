// Package manager drives the registered chain adapters through their
// lifecycle, sweeps their heartbeats, and pumps every emitted event
// through the shared pipeline.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mirador/chainwatch/internal/adapter"
	"github.com/mirador/chainwatch/internal/model"
	"github.com/mirador/chainwatch/internal/pipeline"
)

const (
	defaultHealthCheckInterval = 30 * time.Second
	defaultReconnectDelay      = 5 * time.Second
)

// Options tunes the manager's supervision behavior.
type Options struct {
	HealthCheckInterval time.Duration
	ReconnectDelay      time.Duration
	AutoReconnect       bool
}

func (o *Options) normalize() {
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = defaultHealthCheckInterval
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
}

// ProcessingFailure pairs an event with the pipeline error it caused.
type ProcessingFailure struct {
	Event model.CanonicalEvent
	Err   error
}

// Manager owns the adapter set. Register before Start; Start connects
// and begins monitoring every adapter concurrently, one adapter's
// failure never blocking the others.
type Manager struct {
	logger   *slog.Logger
	pipeline *pipeline.Pipeline
	opts     Options

	mu           sync.RWMutex
	adapters     map[model.ChainKind]adapter.Adapter
	order        []model.ChainKind
	reconnecting map[model.ChainKind]bool

	processed   chan *model.ProcessedEvent
	procErrs    chan ProcessingFailure
	adapterErrs chan adapter.AdapterError

	runMu     sync.Mutex
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a manager around the shared pipeline.
func New(p *pipeline.Pipeline, logger *slog.Logger, opts Options) *Manager {
	opts.normalize()
	return &Manager{
		logger:       logger.With("component", "manager"),
		pipeline:     p,
		opts:         opts,
		adapters:     make(map[model.ChainKind]adapter.Adapter),
		reconnecting: make(map[model.ChainKind]bool),
		processed:    make(chan *model.ProcessedEvent, 1024),
		procErrs:     make(chan ProcessingFailure, 64),
		adapterErrs:  make(chan adapter.AdapterError, 64),
	}
}

// Register adds an adapter. A second adapter for the same chain is
// rejected.
func (m *Manager) Register(a adapter.Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := a.Chain()
	if _, dup := m.adapters[chain]; dup {
		return fmt.Errorf("%w: %s", model.ErrChainRegistered, chain)
	}
	m.adapters[chain] = a
	m.order = append(m.order, chain)
	m.logger.Info("adapter registered", "chain", chain)
	return nil
}

// Adapter returns the registered adapter for chain.
func (m *Manager) Adapter(chain model.ChainKind) (adapter.Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[chain]
	return a, ok
}

// Chains lists the registered chains in registration order.
func (m *Manager) Chains() []model.ChainKind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ChainKind, len(m.order))
	copy(out, m.order)
	return out
}

// Processed is the stream of events the pipeline passed.
func (m *Manager) Processed() <-chan *model.ProcessedEvent { return m.processed }

// ProcessingErrors is the stream of pipeline failures.
func (m *Manager) ProcessingErrors() <-chan ProcessingFailure { return m.procErrs }

// AdapterErrors aggregates every adapter's error stream.
func (m *Manager) AdapterErrors() <-chan adapter.AdapterError { return m.adapterErrs }

// Start connects every adapter and begins monitoring, concurrently.
// Individual failures are surfaced on AdapterErrors and do not stop the
// other adapters. Idempotent.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	if m.runCancel != nil {
		m.runMu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCancel = cancel
	m.runMu.Unlock()

	m.mu.RLock()
	adapters := make([]adapter.Adapter, 0, len(m.order))
	for _, chain := range m.order {
		adapters = append(adapters, m.adapters[chain])
	}
	m.mu.RUnlock()

	var startWG sync.WaitGroup
	for _, a := range adapters {
		startWG.Add(1)
		go func(a adapter.Adapter) {
			defer startWG.Done()
			if err := m.bringUp(runCtx, a); err != nil {
				m.emitAdapterError(a.Chain(), err)
			}
		}(a)
	}
	startWG.Wait()

	for _, a := range adapters {
		m.wg.Add(1)
		go func(a adapter.Adapter) {
			defer m.wg.Done()
			m.pump(runCtx, a)
		}(a)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.healthSweep(runCtx)
	}()

	m.logger.Info("manager started", "adapters", len(adapters))
	return nil
}

func (m *Manager) bringUp(ctx context.Context, a adapter.Adapter) error {
	if err := a.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := a.StartMonitoring(ctx); err != nil {
		return fmt.Errorf("start monitoring: %w", err)
	}
	return nil
}

// Stop winds every adapter down in reverse registration order,
// best-effort, then stops the pumps.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	cancel := m.runCancel
	m.runCancel = nil
	m.runMu.Unlock()
	if cancel == nil {
		return nil
	}

	m.mu.RLock()
	adapters := make([]adapter.Adapter, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		adapters = append(adapters, m.adapters[m.order[i]])
	}
	m.mu.RUnlock()

	for _, a := range adapters {
		if err := a.StopMonitoring(ctx); err != nil {
			m.logger.Warn("stop monitoring failed", "chain", a.Chain(), "error", err)
		}
		if err := a.Disconnect(ctx); err != nil {
			m.logger.Warn("disconnect failed", "chain", a.Chain(), "error", err)
		}
	}

	cancel()
	m.wg.Wait()
	m.logger.Info("manager stopped")
	return nil
}

// Reconnect tears one adapter down and brings it back up after the
// configured delay.
func (m *Manager) Reconnect(ctx context.Context, chain model.ChainKind) error {
	a, ok := m.Adapter(chain)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownChain, chain)
	}

	m.logger.Info("reconnecting", "chain", chain, "delay", m.opts.ReconnectDelay)
	if err := a.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect during reconnect failed", "chain", chain, "error", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.opts.ReconnectDelay):
	}
	return m.bringUp(ctx, a)
}

// pump forwards one adapter's events through the pipeline and its
// errors to the aggregate stream. Per-adapter event order is preserved
// because Execute runs inline.
func (m *Manager) pump(ctx context.Context, a adapter.Adapter) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-a.Events():
			m.execute(ctx, evt)
		case aerr := <-a.Errors():
			select {
			case m.adapterErrs <- aerr:
			default:
				m.logger.Warn("adapter error channel full", "chain", aerr.Chain, "error", aerr.Err)
			}
		}
	}
}

func (m *Manager) execute(ctx context.Context, evt model.CanonicalEvent) {
	processed, err := m.pipeline.Execute(ctx, &evt)
	if err != nil {
		select {
		case m.procErrs <- ProcessingFailure{Event: evt, Err: err}:
		default:
			m.logger.Warn("processing error channel full", "event_id", evt.ID, "error", err)
		}
		return
	}
	if processed == nil {
		// Filtered out.
		return
	}
	select {
	case m.processed <- processed:
	default:
		m.logger.Warn("processed channel full, dropping event", "event_id", evt.ID)
	}
}

// healthSweep checks adapter liveness every interval. An adapter whose
// heartbeat is staler than twice the interval gets a scheduled
// reconnect, one in flight per chain.
func (m *Manager) healthSweep(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	threshold := 2 * m.opts.HealthCheckInterval
	now := time.Now()

	m.mu.RLock()
	adapters := make([]adapter.Adapter, 0, len(m.order))
	for _, chain := range m.order {
		adapters = append(adapters, m.adapters[chain])
	}
	m.mu.RUnlock()

	for _, a := range adapters {
		status := a.Status()
		if status.State != model.StateMonitoring {
			continue
		}
		staleness := now.Sub(status.LastHeartbeat)
		if staleness <= threshold {
			continue
		}
		m.logger.Warn("adapter heartbeat stale",
			"chain", status.Chain, "staleness", staleness, "threshold", threshold)
		if !m.opts.AutoReconnect {
			continue
		}
		m.scheduleReconnect(ctx, status.Chain)
	}
}

func (m *Manager) scheduleReconnect(ctx context.Context, chain model.ChainKind) {
	m.mu.Lock()
	if m.reconnecting[chain] {
		m.mu.Unlock()
		return
	}
	m.reconnecting[chain] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.reconnecting, chain)
			m.mu.Unlock()
		}()
		if err := m.Reconnect(ctx, chain); err != nil {
			m.emitAdapterError(chain, fmt.Errorf("auto reconnect: %w", err))
		}
	}()
}

func (m *Manager) emitAdapterError(chain model.ChainKind, err error) {
	m.logger.Error("adapter error", "chain", chain, "error", err)
	select {
	case m.adapterErrs <- adapter.AdapterError{Chain: chain, Err: err, Time: time.Now()}:
	default:
	}
}

// Statuses snapshots every adapter's connection status.
func (m *Manager) Statuses() map[model.ChainKind]model.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.ChainKind]model.ConnectionStatus, len(m.adapters))
	for chain, a := range m.adapters {
		out[chain] = a.Status()
	}
	return out
}
