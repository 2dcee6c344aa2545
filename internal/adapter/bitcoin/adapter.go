// Package bitcoin implements the Bitcoin chain adapter over an
// Esplora-compatible API. Address targets keep a UTXO snapshot and each
// poll turns newly observed transactions into net-delta transfer events.
package bitcoin

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/mirador/chainwatch/internal/adapter"
	"github.com/mirador/chainwatch/internal/model"
)

const (
	defaultPollInterval = 30 * time.Second
	confirmationDepth   = 6
	feeTargetBlocks     = "6"
	typicalTxVBytes     = 140
)

// watchState is the per-address poll position: the unspent set keyed by
// txid:vout and the transactions already turned into events.
type watchState struct {
	utxos  map[string]uint64
	seen   map[string]struct{}
	seeded bool
}

// Adapter monitors Bitcoin addresses.
type Adapter struct {
	*adapter.Base

	cfg          adapter.Config
	client       *Client
	params       *chaincfg.Params
	pollInterval time.Duration

	stateMu sync.Mutex
	watch   map[string]*watchState

	monMu     sync.Mutex
	monCancel context.CancelFunc
	monWG     sync.WaitGroup
}

var _ adapter.Adapter = (*Adapter)(nil)

// NewAdapter builds a Bitcoin adapter from cfg. Network selects the
// address encoding: "testnet" for testnet3, anything else is mainnet.
func NewAdapter(cfg adapter.Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: bitcoin api url is required", model.ErrConfig)
	}
	params := &chaincfg.MainNetParams
	if cfg.Network == "testnet" {
		params = &chaincfg.TestNet3Params
	}
	poll := cfg.PollingInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Adapter{
		Base:         adapter.NewBase(model.ChainBitcoin, cfg.MaxRetryAttempts, logger),
		cfg:          cfg,
		client:       NewClient(cfg.RPCURL),
		params:       params,
		pollInterval: poll,
		watch:        make(map[string]*watchState),
	}, nil
}

// Connect checks the endpoint, seeds the tip height and starts the
// heartbeat. Idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	if s := a.State(); s == model.StateConnected || s == model.StateMonitoring {
		return nil
	}
	a.SetState(model.StateConnecting)

	var tip uint64
	err := a.RetryOp(ctx, "connect", func(ctx context.Context) error {
		var err error
		tip, err = a.client.TipHeight(ctx)
		return err
	})
	if err != nil {
		a.SetState(model.StateError)
		return err
	}
	a.SetBlockNumber(tip)

	a.StartHeartbeat(ctx, a.client.TipHeight)
	a.SetState(model.StateConnected)
	a.Logger().Info("connected", "height", tip)
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
		return fmt.Errorf("%w: bitcoin is %s, connect first", model.ErrNotConnected, s)
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

// AddTarget registers an address; its UTXO snapshot is seeded on the
// next poll tick.
func (a *Adapter) AddTarget(target model.MonitoringTarget) error {
	return a.AddTargetChecked(target, a.ValidateAddress)
}

// RemoveTarget drops an address and its poll state.
func (a *Adapter) RemoveTarget(address string) error {
	if _, err := a.RemoveTargetEntry(address); err != nil {
		return err
	}
	a.stateMu.Lock()
	delete(a.watch, address)
	a.stateMu.Unlock()
	return nil
}

// ValidateAddress accepts any address decodable for the configured
// network: P2PKH, P2SH and bech32 forms.
func (a *Adapter) ValidateAddress(address string) bool {
	addr, err := btcutil.DecodeAddress(address, a.params)
	if err != nil {
		return false
	}
	return addr.IsForNet(a.params)
}

// EstimateFee quotes a typical transfer at the 6-block fee rate, in
// satoshis.
func (a *Adapter) EstimateFee(ctx context.Context, req adapter.FeeRequest) (adapter.FeeEstimate, error) {
	estimates, err := a.client.FeeEstimates(ctx)
	if err != nil {
		return adapter.FeeEstimate{}, err
	}
	rate, ok := estimates[feeTargetBlocks]
	if !ok {
		rate = estimates["1"]
	}
	sats := uint64(math.Ceil(rate * typicalTxVBytes))
	return adapter.FeeEstimate{
		Amount:   strconv.FormatUint(sats, 10),
		Currency: "BTC",
		Metadata: map[string]string{
			"sat_per_vbyte": strconv.FormatFloat(rate, 'f', -1, 64),
			"target_blocks": feeTargetBlocks,
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
	tip, err := a.client.TipHeight(ctx)
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
		if err := a.pollAddress(ctx, target); err != nil {
			a.EmitError(fmt.Errorf("poll %s: %w", target.Address, err))
		}
	}
}

// pollAddress advances one address. The first poll snapshots the UTXO
// set and records existing transactions without emitting, so history is
// not replayed.
func (a *Adapter) pollAddress(ctx context.Context, target model.MonitoringTarget) error {
	a.stateMu.Lock()
	ws, ok := a.watch[target.Address]
	if !ok {
		ws = &watchState{
			utxos: make(map[string]uint64),
			seen:  make(map[string]struct{}),
		}
		a.watch[target.Address] = ws
	}
	a.stateMu.Unlock()

	if !ws.seeded {
		utxos, err := a.client.AddressUTXOs(ctx, target.Address)
		if err != nil {
			return err
		}
		for _, u := range utxos {
			ws.utxos[outpointKey(u.TxID, u.Vout)] = u.Value
		}
		txs, err := a.client.AddressTxs(ctx, target.Address)
		if err != nil {
			return err
		}
		for i := range txs {
			ws.seen[txs[i].TxID] = struct{}{}
		}
		ws.seeded = true
		a.Logger().Debug("address seeded",
			"address", target.Address, "utxos", len(ws.utxos), "history", len(ws.seen))
		return nil
	}

	txs, err := a.client.AddressTxs(ctx, target.Address)
	if err != nil {
		return err
	}
	// The API returns newest first; walk backwards to emit in chain order.
	for i := len(txs) - 1; i >= 0; i-- {
		tx := &txs[i]
		if _, done := ws.seen[tx.TxID]; done {
			continue
		}
		ws.seen[tx.TxID] = struct{}{}
		a.applyTx(ws, tx, target)
	}
	return nil
}

// applyTx updates the UTXO snapshot with tx and emits the net-delta
// transfer for the target address.
func (a *Adapter) applyTx(ws *watchState, tx *Tx, target model.MonitoringTarget) {
	var spent, received uint64
	for _, in := range tx.Vin {
		if in.PrevOut.Address != target.Address {
			continue
		}
		spent += in.PrevOut.Value
		delete(ws.utxos, outpointKey(in.TxID, in.Vout))
	}
	for vout, out := range tx.Vout {
		if out.Address != target.Address {
			continue
		}
		received += out.Value
		ws.utxos[outpointKey(tx.TxID, uint32(vout))] = out.Value
	}
	if spent == received {
		return
	}

	incoming := received > spent
	var delta uint64
	if incoming {
		delta = received - spent
	} else {
		delta = spent - received
	}

	if !target.WatchesKind(model.EventNativeTransfer) {
		return
	}

	evt := model.CanonicalEvent{
		ID:          model.EventID(model.ChainBitcoin, tx.TxID),
		Chain:       model.ChainBitcoin,
		Kind:        model.EventNativeTransfer,
		BlockNumber: tx.Status.BlockHeight,
		TxHash:      tx.TxID,
		Confirmed:   tx.Status.Confirmed,
		Data: model.EventData{
			Amount: strconv.FormatUint(delta, 10),
			Fee:    strconv.FormatUint(tx.Fee, 10),
		},
	}
	if tx.Status.Confirmed {
		evt.ConfirmationCount = confirmationDepth
	}
	if tx.Status.BlockTime > 0 {
		evt.Timestamp = tx.Status.BlockTime * 1000
	}
	if incoming {
		evt.Data.To = target.Address
	} else {
		evt.Data.From = target.Address
	}
	evt.Data.SetMeta("is_incoming", strconv.FormatBool(incoming))
	evt.Data.SetMeta("input_count", strconv.Itoa(len(tx.Vin)))
	evt.Data.SetMeta("output_count", strconv.Itoa(len(tx.Vout)))
	evt.Data.SetMeta("vsize", strconv.FormatUint(tx.VSize, 10))
	a.Emit(evt)
}

func outpointKey(txid string, vout uint32) string {
	return txid + ":" + strconv.FormatUint(uint64(vout), 10)
}
