// Package solana implements the Solana chain adapter: account-change and
// program-log subscriptions over the JSON-RPC WebSocket endpoint, slot
// tracking, and SPL mint supply diffing over HTTP RPC.
package solana

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/mirador/chainwatch/internal/adapter"
	"github.com/mirador/chainwatch/internal/model"
)

// Adapter monitors Solana. A slot is the block-number analogue and the
// commitment level is configurable.
type Adapter struct {
	*adapter.Base

	cfg        adapter.Config
	commitment rpc.CommitmentType

	rpcClient *rpc.Client
	mints     *mintCache

	// lamports remembers the last observed balance per subscribed
	// address so account changes carry a signed direction.
	lamportsMu sync.Mutex
	lamports   map[string]uint64

	monMu     sync.Mutex
	monCancel context.CancelFunc
	monWG     sync.WaitGroup

	sessMu sync.Mutex
	sess   *wsSession
}

var _ adapter.Adapter = (*Adapter)(nil)

// NewAdapter builds a Solana adapter from cfg.
func NewAdapter(cfg adapter.Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: solana rpc url is required", model.ErrConfig)
	}
	return &Adapter{
		Base:       adapter.NewBase(model.ChainSolana, cfg.MaxRetryAttempts, logger),
		cfg:        cfg,
		commitment: commitmentFor(cfg.Commitment),
		mints:      newMintCache(),
		lamports:   make(map[string]uint64),
	}, nil
}

func commitmentFor(level string) rpc.CommitmentType {
	switch level {
	case "processed":
		return rpc.CommitmentProcessed
	case "finalized":
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentConfirmed
	}
}

// Connect creates the HTTP RPC client, seeds the slot and starts the
// heartbeat. Idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	if s := a.State(); s == model.StateConnected || s == model.StateMonitoring {
		return nil
	}
	a.SetState(model.StateConnecting)
	a.rpcClient = rpc.New(a.cfg.RPCURL)

	var slot uint64
	err := a.RetryOp(ctx, "connect", func(ctx context.Context) error {
		var err error
		slot, err = a.rpcClient.GetSlot(ctx, a.commitment)
		return err
	})
	if err != nil {
		a.SetState(model.StateError)
		return fmt.Errorf("%w: get slot: %v", model.ErrTransport, err)
	}
	a.SetBlockNumber(slot)

	a.StartHeartbeat(ctx, func(ctx context.Context) (uint64, error) {
		return a.rpcClient.GetSlot(ctx, a.commitment)
	})
	a.SetState(model.StateConnected)
	a.Logger().Info("connected", "slot", slot, "commitment", a.commitment)
	return nil
}

// Disconnect stops monitoring and releases the transport.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if err := a.StopMonitoring(ctx); err != nil {
		return err
	}
	a.StopHeartbeat()
	a.rpcClient = nil
	a.SetState(model.StateDisconnected)
	a.Logger().Info("disconnected")
	return nil
}

// StartMonitoring opens the WebSocket session and subscribes for every
// registered target. Requires a prior Connect.
func (a *Adapter) StartMonitoring(ctx context.Context) error {
	if s := a.State(); s != model.StateConnected && s != model.StateMonitoring {
		return fmt.Errorf("%w: solana is %s, connect first", model.ErrNotConnected, s)
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
		a.runSession(monCtx)
	}()

	a.SetState(model.StateMonitoring)
	return nil
}

// StopMonitoring tears the WebSocket session down and waits for it.
func (a *Adapter) StopMonitoring(ctx context.Context) error {
	a.monMu.Lock()
	cancel := a.monCancel
	a.monCancel = nil
	a.monMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	a.closeSession()
	a.monWG.Wait()
	if a.State() == model.StateMonitoring {
		a.SetState(model.StateConnected)
	}
	return nil
}

// AddTarget registers a target and subscribes it on the live session.
func (a *Adapter) AddTarget(target model.MonitoringTarget) error {
	if err := a.AddTargetChecked(target, a.ValidateAddress); err != nil {
		return err
	}
	if sess := a.session(); sess != nil {
		if err := sess.subscribeTarget(target); err != nil {
			a.EmitError(fmt.Errorf("%w: subscribe %s: %v", model.ErrTransport, target.Address, err))
		}
	}
	return nil
}

// RemoveTarget tears down every subscription for the address.
func (a *Adapter) RemoveTarget(address string) error {
	if _, err := a.RemoveTargetEntry(address); err != nil {
		return err
	}
	a.mints.Forget(address)
	a.lamportsMu.Lock()
	delete(a.lamports, address)
	a.lamportsMu.Unlock()
	if sess := a.session(); sess != nil {
		sess.unsubscribeAddress(address)
	}
	return nil
}

// ValidateAddress requires the string to round-trip through the
// public-key parser.
func (a *Adapter) ValidateAddress(address string) bool {
	_, err := solana.PublicKeyFromBase58(address)
	return err == nil
}

// EstimateFee quotes the per-signature fee in lamports.
func (a *Adapter) EstimateFee(ctx context.Context, req adapter.FeeRequest) (adapter.FeeEstimate, error) {
	if a.rpcClient == nil {
		return adapter.FeeEstimate{}, model.ErrNotConnected
	}
	res, err := a.rpcClient.GetRecentBlockhash(ctx, a.commitment)
	if err != nil {
		return adapter.FeeEstimate{}, fmt.Errorf("%w: recent blockhash: %v", model.ErrTransport, err)
	}
	fee := res.Value.FeeCalculator.LamportsPerSignature
	return adapter.FeeEstimate{
		Amount:   strconv.FormatUint(fee, 10),
		Currency: "SOL",
		Metadata: map[string]string{"lamports_per_signature": strconv.FormatUint(fee, 10)},
	}, nil
}

func (a *Adapter) session() *wsSession {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	return a.sess
}

func (a *Adapter) setSession(s *wsSession) {
	a.sessMu.Lock()
	a.sess = s
	a.sessMu.Unlock()
}

func (a *Adapter) closeSession() {
	a.sessMu.Lock()
	sess := a.sess
	a.sess = nil
	a.sessMu.Unlock()
	if sess != nil {
		sess.close()
	}
}

// handleAccountChange turns an account notification into canonical
// events: supply diffs for token targets, lamports deltas for wallets.
func (a *Adapter) handleAccountChange(ctx context.Context, address string, slot, newLamports uint64) {
	if slot > a.CurrentBlockNumber() {
		a.SetBlockNumber(slot)
	}

	target, ok := a.Target(address)
	if !ok {
		return
	}

	if target.Kind == model.TargetToken {
		a.diffMintSupply(ctx, address, slot)
		return
	}

	a.lamportsMu.Lock()
	prev, seen := a.lamports[address]
	a.lamports[address] = newLamports
	a.lamportsMu.Unlock()
	if !seen || newLamports == prev {
		return
	}

	direction := "incoming"
	delta := newLamports - prev
	if newLamports < prev {
		direction = "outgoing"
		delta = prev - newLamports
	}

	evt := model.CanonicalEvent{
		ID:          model.SyntheticEventID("account_change", address, slot),
		Chain:       model.ChainSolana,
		Kind:        model.EventTransfer,
		BlockNumber: slot,
		Data: model.EventData{
			Amount: strconv.FormatUint(delta, 10),
		},
	}
	if direction == "incoming" {
		evt.Data.To = address
	} else {
		evt.Data.From = address
	}
	evt.Data.SetMeta("direction", direction)
	evt.Data.SetMeta("lamports", strconv.FormatUint(newLamports, 10))
	a.stamp(&evt)
	a.Emit(evt)
}

// diffMintSupply fetches the mint and emits a token_mint for any supply
// increase, formatted with the mint decimals.
func (a *Adapter) diffMintSupply(ctx context.Context, address string, slot uint64) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return
	}
	info, err := a.fetchMint(ctx, pubkey)
	if err != nil {
		a.EmitError(err)
		return
	}
	minted, ok := a.mints.Diff(address, info)
	if !ok {
		return
	}

	decimals := info.Decimals
	evt := model.CanonicalEvent{
		ID:          model.SyntheticEventID("mint_supply", address, slot),
		Chain:       model.ChainSolana,
		Kind:        model.EventTokenMint,
		BlockNumber: slot,
		Data: model.EventData{
			Amount:        model.FormatUnits(new(big.Int).SetUint64(minted), decimals),
			TokenAddress:  address,
			TokenDecimals: &decimals,
		},
	}
	a.stamp(&evt)
	a.Emit(evt)
}

// handleLogs classifies program log lines into low-detail events keyed
// by the transaction signature.
func (a *Adapter) handleLogs(slot uint64, signature string, logs []string) {
	if slot > a.CurrentBlockNumber() {
		a.SetBlockNumber(slot)
	}
	kind, ok := classifyLogs(logs)
	if !ok {
		return
	}
	evt := model.CanonicalEvent{
		ID:          model.EventID(model.ChainSolana, signature),
		Chain:       model.ChainSolana,
		Kind:        kind,
		BlockNumber: slot,
		TxHash:      signature,
	}
	a.stamp(&evt)
	a.Emit(evt)
}

// stamp marks events confirmed with a count of one when the configured
// commitment is confirmed or finalized. Slots do not carry a confirmation
// depth, so commitment stands in; at processed commitment events stay
// unconfirmed with a zero count.
func (a *Adapter) stamp(evt *model.CanonicalEvent) {
	if a.commitment == rpc.CommitmentProcessed {
		return
	}
	evt.Confirmed = true
	evt.ConfirmationCount = 1
}
