package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mirador/chainwatch/internal/adapter"
	"github.com/mirador/chainwatch/internal/model"
)

const defaultPollInterval = 5 * time.Second

// Gas limits used for fee quoting.
const (
	gasNativeTransfer = 21_000
	gasTokenTransfer  = 65_000
)

// Adapter monitors an EVM chain: head subscription (or polling) drives
// the tip, per-block log queries pick up ERC-20/721 Transfers for the
// registered targets, and block transaction scans surface native value
// moves.
type Adapter struct {
	*adapter.Base

	cfg     adapter.Config
	client  *Client
	variant Variant

	confirmDepth uint64
	pollInterval time.Duration

	// chainID is resolved during Connect, before any monitor goroutine
	// starts, and is read-only afterwards.
	chainID *big.Int

	monMu     sync.Mutex
	monCancel context.CancelFunc
	monWG     sync.WaitGroup
	retarget  chan struct{}
}

var _ adapter.Adapter = (*Adapter)(nil)

// NewAdapter builds an adapter for chain against cfg. Options override
// the chain variant, which is how the Base58-addressed TRX deployment
// reuses this adapter.
func NewAdapter(chain model.ChainKind, cfg adapter.Config, logger *slog.Logger, opts ...Option) (*Adapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: %s rpc url is required", model.ErrConfig, chain)
	}

	variant := VariantFor(chain)
	for _, opt := range opts {
		opt(&variant)
	}

	depth := cfg.BlockConfirmationCount
	if depth == 0 {
		depth = variant.Confirmations
	}
	poll := cfg.PollingInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	base := adapter.NewBase(chain, cfg.MaxRetryAttempts, logger)
	return &Adapter{
		Base:         base,
		cfg:          cfg,
		client:       NewClient(cfg.RPCURL, cfg.WebsocketURL, base.Logger()),
		variant:      variant,
		confirmDepth: depth,
		pollInterval: poll,
		retarget:     make(chan struct{}, 1),
	}, nil
}

// Connect dials the endpoints, verifies the chain id when one is
// configured, seeds the tip and starts the heartbeat. Calling it on a
// connected adapter is a no-op.
func (a *Adapter) Connect(ctx context.Context) error {
	if s := a.State(); s == model.StateConnected || s == model.StateMonitoring {
		return nil
	}
	a.SetState(model.StateConnecting)

	err := a.RetryOp(ctx, "connect", func(ctx context.Context) error {
		return a.client.Connect(ctx)
	})
	if err != nil {
		a.SetState(model.StateError)
		return err
	}

	id, err := a.client.ChainID(ctx)
	if err != nil {
		a.SetState(model.StateError)
		return fmt.Errorf("%w: chain id: %v", model.ErrTransport, err)
	}
	if a.cfg.ChainID != 0 && id.Uint64() != a.cfg.ChainID {
		a.SetState(model.StateError)
		return fmt.Errorf("%w: chain id mismatch: want %d, got %d", model.ErrConfig, a.cfg.ChainID, id.Uint64())
	}
	a.chainID = id

	tip, err := a.client.BlockNumber(ctx)
	if err != nil {
		a.SetState(model.StateError)
		return fmt.Errorf("%w: block number: %v", model.ErrTransport, err)
	}
	a.SetBlockNumber(tip)

	a.StartHeartbeat(ctx, a.client.BlockNumber)
	a.SetState(model.StateConnected)
	a.Logger().Info("connected", "tip", tip, "websocket", a.client.HasWebsocket())
	return nil
}

// Disconnect stops monitoring, the heartbeat, and closes the transport.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if err := a.StopMonitoring(ctx); err != nil {
		return err
	}
	a.StopHeartbeat()
	a.client.Close()
	a.SetState(model.StateDisconnected)
	a.Logger().Info("disconnected")
	return nil
}

// StartMonitoring launches the head loop. It requires a prior Connect.
func (a *Adapter) StartMonitoring(ctx context.Context) error {
	if s := a.State(); s != model.StateConnected && s != model.StateMonitoring {
		return fmt.Errorf("%w: %s is %s, connect first", model.ErrNotConnected, a.Chain(), s)
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
		a.runHeadLoop(monCtx)
	}()

	a.SetState(model.StateMonitoring)
	return nil
}

// StopMonitoring cancels the head loop and waits for it to drain.
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

// AddTarget registers a monitoring target and re-wires the log
// subscription to include it.
func (a *Adapter) AddTarget(target model.MonitoringTarget) error {
	if err := a.AddTargetChecked(target, a.ValidateAddress); err != nil {
		return err
	}
	a.signalRetarget()
	return nil
}

// RemoveTarget drops a target and re-wires the log subscription.
func (a *Adapter) RemoveTarget(address string) error {
	if _, err := a.RemoveTargetEntry(address); err != nil {
		return err
	}
	a.signalRetarget()
	return nil
}

func (a *Adapter) signalRetarget() {
	select {
	case a.retarget <- struct{}{}:
	default:
	}
}

// ValidateAddress applies the variant's address rule, 0x hex by default.
func (a *Adapter) ValidateAddress(address string) bool {
	return a.variant.ValidateAddress(address)
}

// EstimateFee quotes gas price times a transfer gas limit in base units.
func (a *Adapter) EstimateFee(ctx context.Context, req adapter.FeeRequest) (adapter.FeeEstimate, error) {
	price, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return adapter.FeeEstimate{}, fmt.Errorf("%w: gas price: %v", model.ErrTransport, err)
	}

	gas := int64(gasNativeTransfer)
	switch req.Kind {
	case model.EventTransfer, model.EventTokenMint, model.EventTokenBurn,
		model.EventNFTTransfer, model.EventNFTMint:
		gas = gasTokenTransfer
	}

	fee := new(big.Int).Mul(price, big.NewInt(gas))
	return adapter.FeeEstimate{
		Amount:   fee.String(),
		Currency: a.variant.NativeCurrency,
		Metadata: map[string]string{
			"gas_price": price.String(),
			"gas_limit": fmt.Sprintf("%d", gas),
		},
	}, nil
}

// stamp fills the confirmation fields from the current tip. Emit zeroes
// the count again if the tip has fallen behind the event's block.
func (a *Adapter) stamp(evt *model.CanonicalEvent) {
	tip := a.CurrentBlockNumber()
	if tip >= evt.BlockNumber {
		evt.ConfirmationCount = tip - evt.BlockNumber
		evt.Confirmed = evt.ConfirmationCount >= a.confirmDepth
	}
}

// watchedContracts returns the contract and token target addresses as
// checksummed common.Address values for log filtering.
func (a *Adapter) watchedContracts() []common.Address {
	var out []common.Address
	for _, t := range a.Targets() {
		if t.Kind == model.TargetContract || t.Kind == model.TargetToken {
			out = append(out, common.HexToAddress(t.Address))
		}
	}
	return out
}

// wantsAddressEvents reports whether any address target exists, which
// switches on the per-block native scan and unfiltered Transfer match.
func (a *Adapter) wantsAddressEvents() bool {
	for _, t := range a.Targets() {
		if t.Kind == model.TargetAddress {
			return true
		}
	}
	return false
}

// eventWatched reports whether some enabled target claims the event.
func (a *Adapter) eventWatched(evt *model.CanonicalEvent) bool {
	for _, addr := range []string{evt.Data.ContractAddress, evt.Data.TokenAddress, evt.Data.From, evt.Data.To} {
		if addr == "" {
			continue
		}
		t, ok := a.Target(addr)
		if !ok || !t.Enabled {
			continue
		}
		if t.WatchesKind(evt.Kind) && t.AppliesToChain(a.Chain()) {
			return true
		}
	}
	return false
}
