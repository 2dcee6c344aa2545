// Package sui implements the Sui chain adapter: a polling loop over
// suix_queryEvents with per-target Move event filters, classified into
// canonical events by type-name heuristics.
package sui

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mirador/chainwatch/internal/adapter"
	"github.com/mirador/chainwatch/internal/model"
)

const (
	defaultPollInterval = time.Second
	pollBatchSize       = 100
)

var suiAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{1,64}$`)

// Adapter monitors Sui. The checkpoint sequence number stands in for the
// block height and every observed event counts as checkpointed.
type Adapter struct {
	*adapter.Base

	cfg          adapter.Config
	client       *Client
	pollInterval time.Duration
	batchSize    int

	// cursors tracks the per-target poll position, keyed by target
	// address. Guarded by cursorMu; only the poll loop writes.
	cursorMu sync.Mutex
	cursors  map[string]*EventID

	monMu     sync.Mutex
	monCancel context.CancelFunc
	monWG     sync.WaitGroup
}

var _ adapter.Adapter = (*Adapter)(nil)

// NewAdapter builds a Sui adapter from cfg.
func NewAdapter(cfg adapter.Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: sui rpc url is required", model.ErrConfig)
	}
	poll := cfg.PollingInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = pollBatchSize
	}
	return &Adapter{
		Base:         adapter.NewBase(model.ChainSui, cfg.MaxRetryAttempts, logger),
		cfg:          cfg,
		client:       NewClient(cfg.RPCURL),
		pollInterval: poll,
		batchSize:    batch,
		cursors:      make(map[string]*EventID),
	}, nil
}

// Connect checks the endpoint, seeds the checkpoint tip and starts the
// heartbeat. Idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	if s := a.State(); s == model.StateConnected || s == model.StateMonitoring {
		return nil
	}
	a.SetState(model.StateConnecting)

	var tip uint64
	err := a.RetryOp(ctx, "connect", func(ctx context.Context) error {
		var err error
		tip, err = a.client.LatestCheckpoint(ctx)
		return err
	})
	if err != nil {
		a.SetState(model.StateError)
		return err
	}
	a.SetBlockNumber(tip)

	a.StartHeartbeat(ctx, a.client.LatestCheckpoint)
	a.SetState(model.StateConnected)
	a.Logger().Info("connected", "checkpoint", tip)
	return nil
}

// Disconnect stops monitoring and the heartbeat.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if err := a.StopMonitoring(ctx); err != nil {
		return err
	}
	a.StopHeartbeat()
	a.SetState(model.StateDisconnected)
	a.Logger().Info("disconnected")
	return nil
}

// StartMonitoring launches the poll loop. Requires a prior Connect.
func (a *Adapter) StartMonitoring(ctx context.Context) error {
	if s := a.State(); s != model.StateConnected && s != model.StateMonitoring {
		return fmt.Errorf("%w: sui is %s, connect first", model.ErrNotConnected, s)
	}

	a.monMu.Lock()
	defer a.monMu.Unlock()
	if a.monCancel != nil {
		return nil
	}

	monCtx, cancel := context.WithCancel(ctx)
	a.monCancel = cancel
	a.monWG.Add(1)
	go func() {
		defer a.monWG.Done()
		a.runPollLoop(monCtx)
	}()

	a.SetState(model.StateMonitoring)
	return nil
}

// StopMonitoring cancels the poll loop and waits for it.
func (a *Adapter) StopMonitoring(ctx context.Context) error {
	a.monMu.Lock()
	cancel := a.monCancel
	a.monCancel = nil
	a.monMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	a.monWG.Wait()
	if a.State() == model.StateMonitoring {
		a.SetState(model.StateConnected)
	}
	return nil
}

// AddTarget registers a target; the poll loop picks it up on the next
// tick and seeds its cursor at the newest event.
func (a *Adapter) AddTarget(target model.MonitoringTarget) error {
	return a.AddTargetChecked(target, a.ValidateAddress)
}

// RemoveTarget drops a target and its poll cursor.
func (a *Adapter) RemoveTarget(address string) error {
	if _, err := a.RemoveTargetEntry(address); err != nil {
		return err
	}
	a.cursorMu.Lock()
	delete(a.cursors, address)
	a.cursorMu.Unlock()
	return nil
}

// ValidateAddress accepts a 0x hex address, optionally extended into a
// Move path (package::module or a full event type).
func (a *Adapter) ValidateAddress(address string) bool {
	head, _, _ := strings.Cut(address, "::")
	return suiAddressPattern.MatchString(head)
}

// EstimateFee quotes the epoch reference gas price in MIST.
func (a *Adapter) EstimateFee(ctx context.Context, req adapter.FeeRequest) (adapter.FeeEstimate, error) {
	price, err := a.client.ReferenceGasPrice(ctx)
	if err != nil {
		return adapter.FeeEstimate{}, err
	}
	return adapter.FeeEstimate{
		Amount:   strconv.FormatUint(price, 10),
		Currency: "SUI",
		Metadata: map[string]string{"reference_gas_price": strconv.FormatUint(price, 10)},
	}, nil
}

func (a *Adapter) runPollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *Adapter) pollOnce(ctx context.Context) {
	tip, err := a.client.LatestCheckpoint(ctx)
	if err != nil {
		a.EmitError(err)
		return
	}
	if tip > a.CurrentBlockNumber() {
		a.SetBlockNumber(tip)
	}
	a.TouchHeartbeat()

	for _, target := range a.Targets() {
		if !target.Enabled {
			continue
		}
		if err := a.pollTarget(ctx, target, tip); err != nil {
			a.EmitError(fmt.Errorf("poll %s: %w", target.Address, err))
		}
	}
}

// pollTarget advances one target's cursor. The first poll seeds the
// cursor at the newest matching event so history is not replayed.
func (a *Adapter) pollTarget(ctx context.Context, target model.MonitoringTarget, tip uint64) error {
	filter := selectorFor(target.Address)

	a.cursorMu.Lock()
	cursor, seeded := a.cursors[target.Address]
	a.cursorMu.Unlock()

	if !seeded {
		_, newest, err := a.client.QueryEvents(ctx, filter, nil, 1, true)
		if err != nil {
			return err
		}
		a.cursorMu.Lock()
		a.cursors[target.Address] = newest
		a.cursorMu.Unlock()
		return nil
	}

	events, next, err := a.client.QueryEvents(ctx, filter, cursor, a.batchSize, false)
	if err != nil {
		return err
	}
	for i := range events {
		a.emitMoveEvent(&events[i], target, tip)
	}
	if next != nil {
		a.cursorMu.Lock()
		a.cursors[target.Address] = next
		a.cursorMu.Unlock()
	}
	return nil
}

// selectorFor builds the query filter: a full Move type selects by
// event type, a package::module pair by module, a bare address by
// package.
func selectorFor(address string) map[string]any {
	switch strings.Count(address, "::") {
	case 0:
		return map[string]any{"Package": address}
	case 1:
		pkg, module, _ := strings.Cut(address, "::")
		return map[string]any{"MoveModule": map[string]any{"package": pkg, "module": module}}
	default:
		return map[string]any{"MoveEventType": address}
	}
}

func (a *Adapter) emitMoveEvent(me *MoveEvent, target model.MonitoringTarget, tip uint64) {
	kind, ok := ClassifyEventType(me.Type)
	if !ok {
		return
	}
	if !target.WatchesKind(kind) {
		return
	}

	seq, _ := strconv.ParseUint(me.ID.EventSeq, 10, 64)
	evt := model.CanonicalEvent{
		ID:          model.EventID(model.ChainSui, me.ID.TxDigest, uint(seq)),
		Chain:       model.ChainSui,
		Kind:        kind,
		BlockNumber: tip,
		TxHash:      me.ID.TxDigest,
		Confirmed:   true,
		// Checkpointed events are final; there is no deepening count.
		ConfirmationCount: 1,
		Data: model.EventData{
			From:   me.Sender,
			Amount: amountFrom(me.ParsedJSON),
		},
	}
	if ts, err := strconv.ParseInt(me.TimestampMs, 10, 64); err == nil {
		evt.Timestamp = ts
	}
	switch kind {
	case model.EventTokenMint, model.EventTokenBurn, model.EventTransfer:
		evt.Data.TokenAddress = TokenTypeOf(me.Type)
	case model.EventContractCreation:
		evt.Data.ContractAddress = me.PackageID
	}
	if kind == model.EventTokenMint {
		// Mint events carry no sender of interest.
		evt.Data.From = ""
	}
	evt.Data.SetMeta("move_event_type", me.Type)
	evt.Data.SetMeta("move_module", me.Module)
	a.Emit(evt)
}
