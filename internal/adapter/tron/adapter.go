// Package tron implements the Tron chain adapter over the TronGrid REST
// API: contract targets poll the event-by-contract endpoint, address
// targets poll TRC-20 account history, both windowed on the last minute.
package tron

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"github.com/mirador/chainwatch/internal/adapter"
	"github.com/mirador/chainwatch/internal/model"
)

const (
	defaultPollInterval = 3 * time.Second
	pollWindow          = time.Minute
	pollEventLimit      = 50
)

// Adapter monitors Tron contracts and accounts.
type Adapter struct {
	*adapter.Base

	cfg          adapter.Config
	client       *Client
	pollInterval time.Duration

	monMu     sync.Mutex
	monCancel context.CancelFunc
	monWG     sync.WaitGroup
}

var _ adapter.Adapter = (*Adapter)(nil)

// NewAdapter builds a Tron adapter from cfg.
func NewAdapter(cfg adapter.Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: tron rpc url is required", model.ErrConfig)
	}
	poll := cfg.PollingInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Adapter{
		Base:         adapter.NewBase(model.ChainTron, cfg.MaxRetryAttempts, logger),
		cfg:          cfg,
		client:       NewClient(strings.TrimRight(cfg.RPCURL, "/")),
		pollInterval: poll,
	}, nil
}

// Connect checks the endpoint, seeds the block tip and starts the
// heartbeat. Idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	if s := a.State(); s == model.StateConnected || s == model.StateMonitoring {
		return nil
	}
	a.SetState(model.StateConnecting)

	var tip uint64
	err := a.RetryOp(ctx, "connect", func(ctx context.Context) error {
		var err error
		tip, err = a.client.NowBlock(ctx)
		return err
	})
	if err != nil {
		a.SetState(model.StateError)
		return err
	}
	a.SetBlockNumber(tip)

	a.StartHeartbeat(ctx, a.client.NowBlock)
	a.SetState(model.StateConnected)
	a.Logger().Info("connected", "block", tip)
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
		return fmt.Errorf("%w: tron is %s, connect first", model.ErrNotConnected, s)
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

// AddTarget registers a target; the poll loop picks it up next tick.
func (a *Adapter) AddTarget(target model.MonitoringTarget) error {
	return a.AddTargetChecked(target, a.ValidateAddress)
}

// RemoveTarget drops a target.
func (a *Adapter) RemoveTarget(address string) error {
	_, err := a.RemoveTargetEntry(address)
	return err
}

// ValidateAddress checks base58check shape: 34 characters, T prefix,
// version byte 0x41 and a valid double-SHA256 checksum.
func (a *Adapter) ValidateAddress(address string) bool {
	if len(address) != 34 || address[0] != 'T' {
		return false
	}
	raw, err := base58.Decode(address)
	if err != nil || len(raw) != 25 || raw[0] != 0x41 {
		return false
	}
	payload, check := raw[:21], raw[21:]
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	for i := 0; i < 4; i++ {
		if second[i] != check[i] {
			return false
		}
	}
	return true
}

// EstimateFee quotes the bandwidth cost of a plain transfer in SUN.
func (a *Adapter) EstimateFee(ctx context.Context, req adapter.FeeRequest) (adapter.FeeEstimate, error) {
	perByte, err := a.client.TransactionFee(ctx)
	if err != nil {
		return adapter.FeeEstimate{}, err
	}
	// A signed TRX transfer is roughly 270 bytes of bandwidth.
	const transferBytes = 270
	return adapter.FeeEstimate{
		Amount:   strconv.FormatUint(perByte*transferBytes, 10),
		Currency: "TRX",
		Metadata: map[string]string{
			"fee_per_byte": strconv.FormatUint(perByte, 10),
			"tx_bytes":     strconv.Itoa(transferBytes),
		},
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
	tip, err := a.client.NowBlock(ctx)
	if err != nil {
		a.EmitError(err)
		return
	}
	if tip > a.CurrentBlockNumber() {
		a.SetBlockNumber(tip)
	}
	a.TouchHeartbeat()

	since := time.Now().Add(-pollWindow).UnixMilli()
	for _, target := range a.Targets() {
		if !target.Enabled {
			continue
		}
		var err error
		if target.Kind == model.TargetAddress {
			err = a.pollAccount(ctx, target, since)
		} else {
			err = a.pollContract(ctx, target, since)
		}
		if err != nil {
			a.EmitError(fmt.Errorf("poll %s: %w", target.Address, err))
		}
	}
}

// pollContract fetches the last-minute event window for one contract.
// Replays within the window are absorbed by de-duplication.
func (a *Adapter) pollContract(ctx context.Context, target model.MonitoringTarget, sinceMs int64) error {
	events, err := a.client.ContractEvents(ctx, target.Address, sinceMs, pollEventLimit)
	if err != nil {
		return err
	}
	for i := range events {
		a.emitContractEvent(&events[i], target)
	}
	return nil
}

func (a *Adapter) pollAccount(ctx context.Context, target model.MonitoringTarget, sinceMs int64) error {
	transfers, err := a.client.AccountTransfers(ctx, target.Address, sinceMs, pollEventLimit)
	if err != nil {
		return err
	}
	for i := range transfers {
		a.emitAccountTransfer(&transfers[i], target)
	}
	return nil
}

// classifyEventName maps a contract event name to a canonical kind.
func classifyEventName(name string) (model.EventKind, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "mint"):
		return model.EventTokenMint, true
	case strings.Contains(lower, "burn"):
		return model.EventTokenBurn, true
	case strings.Contains(lower, "transfer"):
		return model.EventTransfer, true
	}
	return "", false
}

func (a *Adapter) emitContractEvent(ce *ContractEvent, target model.MonitoringTarget) {
	kind, ok := classifyEventName(ce.EventName)
	if !ok {
		return
	}
	if !target.WatchesKind(kind) {
		return
	}

	evt := model.CanonicalEvent{
		ID:          model.EventID(model.ChainTron, ce.TransactionID, ce.EventIndex),
		Chain:       model.ChainTron,
		Kind:        kind,
		BlockNumber: ce.BlockNumber,
		TxHash:      ce.TransactionID,
		Timestamp:   ce.BlockTimestamp,
		Data: model.EventData{
			TokenAddress: ce.ContractAddr,
			From:         resultField(ce.Result, "from"),
			To:           resultField(ce.Result, "to"),
			Amount:       resultField(ce.Result, "value", "amount"),
		},
	}
	a.stamp(&evt)
	evt.Data.SetMeta("event_name", ce.EventName)
	a.Emit(evt)
}

func (a *Adapter) emitAccountTransfer(tt *TokenTransfer, target model.MonitoringTarget) {
	if !target.WatchesKind(model.EventTransfer) {
		return
	}

	evt := model.CanonicalEvent{
		ID:        model.EventID(model.ChainTron, tt.TransactionID),
		Chain:     model.ChainTron,
		Kind:      model.EventTransfer,
		TxHash:    tt.TransactionID,
		Timestamp: tt.BlockTimestamp,
		Data: model.EventData{
			From:         tt.From,
			To:           tt.To,
			Amount:       tt.Value,
			TokenAddress: tt.TokenInfo.Address,
		},
	}
	if tt.TokenInfo.Decimals > 0 {
		decimals := tt.TokenInfo.Decimals
		evt.Data.TokenDecimals = &decimals
	}
	// The account history endpoint only serves solidified transactions.
	evt.BlockNumber = a.CurrentBlockNumber()
	evt.Confirmed = true
	evt.ConfirmationCount = a.confirmDepth()
	evt.Data.SetMeta("token_symbol", tt.TokenInfo.Symbol)
	if tt.To == target.Address {
		evt.Data.SetMeta("direction", "incoming")
	} else {
		evt.Data.SetMeta("direction", "outgoing")
	}
	a.Emit(evt)
}

// stamp derives the confirmation depth from the observed tip. Solidified
// history served by the event API sits 19 blocks or more behind the tip.
func (a *Adapter) stamp(evt *model.CanonicalEvent) {
	tip := a.CurrentBlockNumber()
	if evt.BlockNumber == 0 || evt.BlockNumber > tip {
		return
	}
	evt.ConfirmationCount = tip - evt.BlockNumber
	evt.Confirmed = evt.ConfirmationCount >= a.confirmDepth()
}

func (a *Adapter) confirmDepth() uint64 {
	if a.cfg.BlockConfirmationCount > 0 {
		return a.cfg.BlockConfirmationCount
	}
	return 19
}

func resultField(result map[string]any, names ...string) string {
	for _, name := range names {
		v, ok := result[name]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			return val
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	return ""
}
