package evm

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/mirador/chainwatch/internal/adapter"
	"github.com/mirador/chainwatch/internal/model"
)

func newTestAdapter(t *testing.T, chain model.ChainKind, opts ...Option) *Adapter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := NewAdapter(chain, adapter.Config{RPCURL: "http://localhost:8545"}, logger, opts...)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return a
}

func TestNewAdapterRequiresRPCURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewAdapter(model.ChainEthereum, adapter.Config{}, logger); !errors.Is(err, model.ErrConfig) {
		t.Errorf("got %v, want ErrConfig", err)
	}
}

func TestVariantDefaults(t *testing.T) {
	eth := newTestAdapter(t, model.ChainEthereum)
	if eth.confirmDepth != 12 || eth.variant.NativeCurrency != "ETH" {
		t.Errorf("ethereum variant = depth %d currency %s", eth.confirmDepth, eth.variant.NativeCurrency)
	}

	bsc := newTestAdapter(t, model.ChainBSC)
	if bsc.confirmDepth != 6 || bsc.variant.NativeCurrency != "BNB" {
		t.Errorf("bsc variant = depth %d currency %s", bsc.confirmDepth, bsc.variant.NativeCurrency)
	}
}

func TestConfigOverridesConfirmationDepth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := NewAdapter(model.ChainEthereum, adapter.Config{
		RPCURL:                 "http://localhost:8545",
		BlockConfirmationCount: 6,
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if a.confirmDepth != 6 {
		t.Errorf("depth = %d, want 6", a.confirmDepth)
	}
}

func TestAddressValidatorOption(t *testing.T) {
	a := newTestAdapter(t, model.ChainEthereum,
		WithAddressValidator(func(addr string) bool { return addr == "TSpecial" }),
		WithNativeCurrency("TRX"),
	)
	if !a.ValidateAddress("TSpecial") || a.ValidateAddress("0xa1b2000000000000000000000000000000000001") {
		t.Error("custom validator must replace the hex rule")
	}
	if a.variant.NativeCurrency != "TRX" {
		t.Errorf("currency = %s", a.variant.NativeCurrency)
	}
}

func TestValidateAddressHexRule(t *testing.T) {
	a := newTestAdapter(t, model.ChainEthereum)
	cases := []struct {
		addr string
		ok   bool
	}{
		{"0xa1b2000000000000000000000000000000000001", true},
		{"0xA1B2000000000000000000000000000000000001", true},
		{"a1b2000000000000000000000000000000000001", true},
		{"0xa1b2", false},
		{"not-an-address", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := a.ValidateAddress(tc.addr); got != tc.ok {
			t.Errorf("ValidateAddress(%q) = %v, want %v", tc.addr, got, tc.ok)
		}
	}
}

func TestStampConfirmations(t *testing.T) {
	a := newTestAdapter(t, model.ChainEthereum)
	a.confirmDepth = 6
	a.SetBlockNumber(106)

	evt := model.NewTransferEvent(model.ChainEthereum, "0xtx", 100, "0xf", "0xt", "1", "0xtok")
	a.stamp(&evt)
	if !evt.Confirmed || evt.ConfirmationCount != 6 {
		t.Errorf("stamp = confirmed %v count %d, want true 6", evt.Confirmed, evt.ConfirmationCount)
	}

	fresh := model.NewTransferEvent(model.ChainEthereum, "0xtx2", 104, "0xf", "0xt", "1", "0xtok")
	a.stamp(&fresh)
	if fresh.Confirmed || fresh.ConfirmationCount != 2 {
		t.Errorf("stamp = confirmed %v count %d, want false 2", fresh.Confirmed, fresh.ConfirmationCount)
	}
}

func TestAddTargetValidatesAddress(t *testing.T) {
	a := newTestAdapter(t, model.ChainEthereum)
	err := a.AddTarget(model.MonitoringTarget{
		Kind:       model.TargetContract,
		Address:    "bogus",
		EventKinds: []model.EventKind{model.EventTransfer},
	})
	if !errors.Is(err, model.ErrInvalidAddress) {
		t.Errorf("got %v, want ErrInvalidAddress", err)
	}
}

func TestEventWatchedMatchesTargets(t *testing.T) {
	a := newTestAdapter(t, model.ChainEthereum)
	contract := testContract.Hex()
	wallet := testTo.Hex()

	mustAdd := func(target model.MonitoringTarget) {
		t.Helper()
		if err := a.AddTarget(target); err != nil {
			t.Fatal(err)
		}
	}
	mustAdd(model.MonitoringTarget{
		Kind:       model.TargetToken,
		Address:    contract,
		Enabled:    true,
		EventKinds: []model.EventKind{model.EventTransfer},
	})
	mustAdd(model.MonitoringTarget{
		Kind:       model.TargetAddress,
		Address:    wallet,
		Enabled:    true,
		EventKinds: []model.EventKind{model.EventNativeTransfer},
	})

	byContract := model.NewTransferEvent(model.ChainEthereum, "0xtx", 1, "0xf", "0xt", "5", contract)
	if !a.eventWatched(&byContract) {
		t.Error("token target must match its contract's transfers")
	}

	native := model.NewNativeTransferEvent(model.ChainEthereum, "0xtx2", 1, "0xf", wallet, "5")
	if !a.eventWatched(&native) {
		t.Error("address target must match native transfers to it")
	}

	unwatchedKind := model.NewTransferEvent(model.ChainEthereum, "0xtx3", 1, "0xf", wallet, "5", "0xother")
	if a.eventWatched(&unwatchedKind) {
		t.Error("address target watching only native transfers must not match token transfers")
	}

	stranger := model.NewTransferEvent(model.ChainEthereum, "0xtx4", 1, "0xf", "0xt", "5", "0xother")
	if a.eventWatched(&stranger) {
		t.Error("event touching no target must not match")
	}
}

func TestTransferQueryNarrowsToContracts(t *testing.T) {
	a := newTestAdapter(t, model.ChainEthereum)
	if err := a.AddTarget(model.MonitoringTarget{
		Kind:       model.TargetContract,
		Address:    testContract.Hex(),
		Enabled:    true,
		EventKinds: []model.EventKind{model.EventTransfer},
	}); err != nil {
		t.Fatal(err)
	}

	query := a.transferQuery(nil, nil)
	if len(query.Addresses) != 1 || query.Addresses[0] != testContract {
		t.Errorf("addresses = %v", query.Addresses)
	}
	if len(query.Topics) != 1 || query.Topics[0][0] != TransferTopic {
		t.Errorf("topics = %v", query.Topics)
	}

	// An address target widens the query so topic matches are possible.
	if err := a.AddTarget(model.MonitoringTarget{
		Kind:       model.TargetAddress,
		Address:    testTo.Hex(),
		Enabled:    true,
		EventKinds: []model.EventKind{model.EventTransfer},
	}); err != nil {
		t.Fatal(err)
	}
	if wide := a.transferQuery(nil, nil); len(wide.Addresses) != 0 {
		t.Errorf("query must widen with address targets, got %v", wide.Addresses)
	}
}

func TestStartMonitoringRequiresConnect(t *testing.T) {
	a := newTestAdapter(t, model.ChainEthereum)
	if err := a.StartMonitoring(t.Context()); !errors.Is(err, model.ErrNotConnected) {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
}
