// Package listener is the public facade: one chain manager, one shared
// pipeline, target bookkeeping and running counters behind a small API.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirador/chainwatch/internal/adapter"
	"github.com/mirador/chainwatch/internal/manager"
	"github.com/mirador/chainwatch/internal/model"
	"github.com/mirador/chainwatch/internal/pipeline"
	"github.com/mirador/chainwatch/internal/targets"
)

// Stats is the facade's aggregate view.
type Stats struct {
	Uptime          time.Duration  `json:"uptime"`
	TotalEvents     uint64         `json:"totalEvents"`
	ProcessedEvents uint64         `json:"processedEvents"`
	FailedEvents    uint64         `json:"failedEvents"`
	ActiveChains    int            `json:"activeChains"`
	ConnectedChains int            `json:"connectedChains"`
	Pipeline        pipeline.Stats `json:"pipeline"`
}

// Listener coordinates the manager and pipeline and exposes the
// programmatic surface. Counters are updated on every pipeline outcome.
type Listener struct {
	logger   *slog.Logger
	mgr      *manager.Manager
	pipe     *pipeline.Pipeline
	resolver *targets.Resolver

	total     atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64

	startMu   sync.Mutex
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	processedOut chan *model.ProcessedEvent
	failures     chan manager.ProcessingFailure
}

// New builds the facade around an already wired manager and pipeline.
func New(mgr *manager.Manager, pipe *pipeline.Pipeline, resolver *targets.Resolver, logger *slog.Logger) *Listener {
	return &Listener{
		logger:       logger.With("component", "listener"),
		mgr:          mgr,
		pipe:         pipe,
		resolver:     resolver,
		processedOut: make(chan *model.ProcessedEvent, 256),
		failures:     make(chan manager.ProcessingFailure, 64),
	}
}

// Processed mirrors the manager's processed-event stream to external
// observers.
func (l *Listener) Processed() <-chan *model.ProcessedEvent { return l.processedOut }

// Failures mirrors the manager's processing-error stream.
func (l *Listener) Failures() <-chan manager.ProcessingFailure { return l.failures }

// Start brings the manager up and begins mirroring its streams.
// Idempotent.
func (l *Listener) Start(ctx context.Context) error {
	l.startMu.Lock()
	if l.cancel != nil {
		l.startMu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.startedAt = time.Now()
	l.startMu.Unlock()

	l.logger.Info("starting")
	if err := l.mgr.Start(runCtx); err != nil {
		return err
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.mirror(runCtx)
	}()

	l.logger.Info("started", "chains", len(l.mgr.Chains()))
	return nil
}

// Stop winds the manager down and stops the mirror.
func (l *Listener) Stop(ctx context.Context) error {
	l.startMu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.startMu.Unlock()
	if cancel == nil {
		return nil
	}

	l.logger.Info("stopping")
	err := l.mgr.Stop(ctx)
	cancel()
	l.wg.Wait()
	l.logger.Info("stopped")
	return err
}

// mirror consumes the manager's streams, keeps the counters and fans
// the results out to external observers without blocking.
func (l *Listener) mirror(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case processed := <-l.mgr.Processed():
			l.total.Add(1)
			l.processed.Add(1)
			select {
			case l.processedOut <- processed:
			default:
			}
		case failure := <-l.mgr.ProcessingErrors():
			l.total.Add(1)
			l.failed.Add(1)
			l.logger.Warn("event processing failed",
				"event_id", failure.Event.ID, "error", failure.Err)
			select {
			case l.failures <- failure:
			default:
			}
		case aerr := <-l.mgr.AdapterErrors():
			l.logger.Warn("chain error", "chain", aerr.Chain, "error", aerr.Err)
		}
	}
}

// AddWalletAddress watches an address for native and token transfers.
// With no explicit chains the address is offered to every adapter and
// registered wherever it validates.
func (l *Listener) AddWalletAddress(address string, chains ...model.ChainKind) error {
	target := model.MonitoringTarget{
		Kind:       model.TargetAddress,
		Address:    address,
		Enabled:    true,
		EventKinds: []model.EventKind{model.EventNativeTransfer, model.EventTransfer},
		Chains:     chains,
	}
	return l.addTarget(target, chains)
}

// RemoveWalletAddress drops an address target.
func (l *Listener) RemoveWalletAddress(address string, chains ...model.ChainKind) error {
	return l.removeTarget(address, chains)
}

// AddTokenContract watches a token contract for transfer, mint and burn
// activity.
func (l *Listener) AddTokenContract(address string, chains ...model.ChainKind) error {
	target := model.MonitoringTarget{
		Kind:       model.TargetToken,
		Address:    address,
		Enabled:    true,
		EventKinds: []model.EventKind{model.EventTransfer, model.EventTokenMint, model.EventTokenBurn},
		Chains:     chains,
	}
	return l.addTarget(target, chains)
}

// RemoveTokenContract drops a token contract target.
func (l *Listener) RemoveTokenContract(address string, chains ...model.ChainKind) error {
	return l.removeTarget(address, chains)
}

// AddEnhancedTarget registers a fully specified target on its chains and
// in the filter resolver.
func (l *Listener) AddEnhancedTarget(target model.MonitoringTarget, chains ...model.ChainKind) error {
	if len(chains) == 0 {
		chains = target.Chains
	}
	if err := l.addTarget(target, chains); err != nil {
		return err
	}
	return l.resolver.Upsert(target)
}

// RemoveEnhancedTarget drops a target by id everywhere.
func (l *Listener) RemoveEnhancedTarget(id string, chains ...model.ChainKind) error {
	target, ok := l.resolver.Get(id)
	if !ok {
		return fmt.Errorf("%w: id %s", model.ErrTargetNotFound, id)
	}
	if err := l.removeTarget(target.Address, chains); err != nil {
		return err
	}
	return l.resolver.RemoveByID(id)
}

// UpdateEnhancedTarget applies patch to the stored target and re-registers
// the result. The patch must keep the target valid.
func (l *Listener) UpdateEnhancedTarget(id string, patch func(*model.MonitoringTarget)) error {
	target, ok := l.resolver.Get(id)
	if !ok {
		return fmt.Errorf("%w: id %s", model.ErrTargetNotFound, id)
	}
	patch(&target)
	target.ID = id
	if err := target.Validate(); err != nil {
		return err
	}
	if err := l.addTarget(target, target.Chains); err != nil {
		return err
	}
	return l.resolver.Upsert(target)
}

// addTarget registers the target on the selected adapters. With an empty
// chain list every adapter is offered the target and at least one must
// accept it.
func (l *Listener) addTarget(target model.MonitoringTarget, chains []model.ChainKind) error {
	if err := target.Validate(); err != nil {
		return err
	}
	explicit := len(chains) > 0
	if !explicit {
		chains = l.mgr.Chains()
	}

	var errs []error
	accepted := 0
	for _, chain := range chains {
		a, ok := l.mgr.Adapter(chain)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", model.ErrUnknownChain, chain))
			continue
		}
		if !explicit && !a.ValidateAddress(target.Address) {
			continue
		}
		if err := a.AddTarget(target); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", chain, err))
			continue
		}
		accepted++
	}
	if explicit && len(errs) > 0 {
		return errors.Join(errs...)
	}
	if accepted == 0 {
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		return fmt.Errorf("%w: %s accepted by no chain", model.ErrInvalidAddress, target.Address)
	}
	l.logger.Info("target added", "address", target.Address, "kind", target.Kind, "chains", accepted)
	return nil
}

func (l *Listener) removeTarget(address string, chains []model.ChainKind) error {
	if len(chains) == 0 {
		chains = l.mgr.Chains()
	}
	removed := 0
	var errs []error
	for _, chain := range chains {
		a, ok := l.mgr.Adapter(chain)
		if !ok {
			continue
		}
		err := a.RemoveTarget(address)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, model.ErrTargetNotFound):
		default:
			errs = append(errs, fmt.Errorf("%s: %w", chain, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", model.ErrTargetNotFound, address)
	}
	l.logger.Info("target removed", "address", address, "chains", removed)
	return nil
}

// Stats snapshots the facade counters and connection summary.
func (l *Listener) Stats() Stats {
	l.startMu.Lock()
	startedAt := l.startedAt
	running := l.cancel != nil
	l.startMu.Unlock()

	var uptime time.Duration
	if running {
		uptime = time.Since(startedAt)
	}
	statuses := l.mgr.Statuses()
	connected := 0
	for _, s := range statuses {
		if s.Connected {
			connected++
		}
	}
	return Stats{
		Uptime:          uptime,
		TotalEvents:     l.total.Load(),
		ProcessedEvents: l.processed.Load(),
		FailedEvents:    l.failed.Load(),
		ActiveChains:    len(statuses),
		ConnectedChains: connected,
		Pipeline:        l.pipe.Stats(),
	}
}

// ChainStatuses snapshots every adapter's connection status.
func (l *Listener) ChainStatuses() map[model.ChainKind]model.ConnectionStatus {
	return l.mgr.Statuses()
}

// SupportedChains lists the chains with a registered adapter.
func (l *Listener) SupportedChains() []model.ChainKind { return l.mgr.Chains() }

// IsChainSupported reports whether chain has a registered adapter.
func (l *Listener) IsChainSupported(chain model.ChainKind) bool {
	_, ok := l.mgr.Adapter(chain)
	return ok
}

// TestConnections probes each registered chain: an already connected
// adapter reports true, otherwise a connect attempt decides.
func (l *Listener) TestConnections(ctx context.Context) map[model.ChainKind]bool {
	out := make(map[model.ChainKind]bool)
	for _, chain := range l.mgr.Chains() {
		a, _ := l.mgr.Adapter(chain)
		if a.Status().Connected {
			out[chain] = true
			continue
		}
		out[chain] = a.Connect(ctx) == nil
	}
	return out
}

// Reconnect forces one chain through a reconnect cycle.
func (l *Listener) Reconnect(ctx context.Context, chain model.ChainKind) error {
	return l.mgr.Reconnect(ctx, chain)
}

// EstimateFee proxies a fee quote to the chain's adapter.
func (l *Listener) EstimateFee(ctx context.Context, chain model.ChainKind, req adapter.FeeRequest) (adapter.FeeEstimate, error) {
	a, ok := l.mgr.Adapter(chain)
	if !ok {
		return adapter.FeeEstimate{}, fmt.Errorf("%w: %s", model.ErrUnknownChain, chain)
	}
	return a.EstimateFee(ctx, req)
}
