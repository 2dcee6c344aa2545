package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mirador/chainwatch/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func acceptAll(string) bool { return true }

func TestDedupeSetEviction(t *testing.T) {
	d := newDedupeSet(3)

	for _, id := range []string{"a", "b", "c"} {
		if d.Observe(id) {
			t.Errorf("first observation of %s reported duplicate", id)
		}
	}
	if !d.Observe("a") {
		t.Error("second observation of a should be duplicate")
	}

	// Inserting d evicts the oldest entry (a).
	if d.Observe("d") {
		t.Error("d is new")
	}
	if d.Observe("a") {
		t.Error("a should have been evicted and count as new again")
	}
	if d.Len() > 3+1 {
		t.Errorf("set grew past ceiling: %d", d.Len())
	}
}

func TestEmitDeduplicates(t *testing.T) {
	b := NewBase(model.ChainEthereum, 3, testLogger())

	evt := model.NewTransferEvent(model.ChainEthereum, "0xsame", 1, "0xf", "0xt", "1", "0xtok")
	b.Emit(evt)
	b.Emit(evt)

	if got := len(b.events); got != 1 {
		t.Fatalf("events buffered = %d, want 1", got)
	}
	if m := b.Metrics(); m.EventsEmitted != 1 || m.Duplicates != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestEmitRejectsMalformed(t *testing.T) {
	b := NewBase(model.ChainEthereum, 3, testLogger())
	b.Emit(model.CanonicalEvent{Chain: model.ChainEthereum, Kind: model.EventTransfer})
	if len(b.events) != 0 {
		t.Error("malformed event must not be emitted")
	}
}

func TestEmitNeverNegativeConfirmations(t *testing.T) {
	b := NewBase(model.ChainEthereum, 3, testLogger())
	b.SetBlockNumber(100)

	evt := model.NewTransferEvent(model.ChainEthereum, "0xahead", 105, "0xf", "0xt", "1", "0xtok")
	evt.ConfirmationCount = 7
	evt.Confirmed = true
	b.Emit(evt)

	got := <-b.events
	if got.ConfirmationCount != 0 || got.Confirmed {
		t.Errorf("event ahead of tip must emit unconfirmed with zero count: %+v", got)
	}
}

func TestEmitDropsOnFullChannel(t *testing.T) {
	b := NewBase(model.ChainEthereum, 3, testLogger())
	b.events = make(chan model.CanonicalEvent, 1)

	for i := 0; i < 3; i++ {
		evt := model.NewTransferEvent(model.ChainEthereum, fmt.Sprintf("0xtx%d", i), 1, "0xf", "0xt", "1", "0xtok")
		b.Emit(evt)
	}
	if m := b.Metrics(); m.EventsEmitted != 1 || m.EventsDropped != 2 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestTargetRegistry(t *testing.T) {
	b := NewBase(model.ChainEthereum, 3, testLogger())

	target := model.MonitoringTarget{
		Kind:       model.TargetAddress,
		Address:    "0xABCD000000000000000000000000000000000001",
		EventKinds: []model.EventKind{model.EventTransfer},
	}
	if err := b.AddTargetChecked(target, acceptAll); err != nil {
		t.Fatalf("AddTargetChecked: %v", err)
	}

	// EVM addresses fold case.
	if _, ok := b.Target("0xabcd000000000000000000000000000000000001"); !ok {
		t.Error("target lookup should be case-insensitive on ethereum")
	}

	if err := b.AddTargetChecked(target, func(string) bool { return false }); !errors.Is(err, model.ErrInvalidAddress) {
		t.Errorf("failed validation: got %v", err)
	}

	if _, err := b.RemoveTargetEntry(target.Address); err != nil {
		t.Fatalf("RemoveTargetEntry: %v", err)
	}
	if _, err := b.RemoveTargetEntry(target.Address); !errors.Is(err, model.ErrTargetNotFound) {
		t.Errorf("second remove: got %v", err)
	}
}

func TestSolanaTargetCaseSensitive(t *testing.T) {
	b := NewBase(model.ChainSolana, 3, testLogger())
	target := model.MonitoringTarget{
		Kind:       model.TargetAddress,
		Address:    "CaseSensitiveKey",
		EventKinds: []model.EventKind{model.EventTransfer},
	}
	if err := b.AddTargetChecked(target, acceptAll); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.Target("casesensitivekey"); ok {
		t.Error("solana target lookup must be exact")
	}
}

func TestStatusLifecycle(t *testing.T) {
	b := NewBase(model.ChainBSC, 3, testLogger())

	if got := b.State(); got != model.StateRegistered {
		t.Errorf("initial state = %s", got)
	}
	b.SetState(model.StateMonitoring)
	st := b.Status()
	if !st.Connected || st.State != model.StateMonitoring {
		t.Errorf("status = %+v", st)
	}

	select {
	case update := <-b.StatusChanges():
		if update.State != model.StateMonitoring {
			t.Errorf("status update = %+v", update)
		}
	default:
		t.Error("SetState should publish a status update")
	}
}

func TestEmitError(t *testing.T) {
	b := NewBase(model.ChainSui, 3, testLogger())
	b.EmitError(fmt.Errorf("%w: rpc down", model.ErrTransport))

	select {
	case ae := <-b.Errors():
		if ae.Chain != model.ChainSui {
			t.Errorf("chain = %s", ae.Chain)
		}
		if !errors.Is(ae, model.ErrTransport) {
			t.Errorf("error should unwrap to ErrTransport: %v", ae)
		}
	default:
		t.Fatal("no error on channel")
	}
	if b.Status().LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestHeartbeatRefreshesTip(t *testing.T) {
	b := NewBase(model.ChainEthereum, 3, testLogger())
	ctx := context.Background()

	b.StartHeartbeat(ctx, func(ctx context.Context) (uint64, error) {
		return 42, nil
	})
	defer b.StopHeartbeat()

	if b.LastHeartbeat().IsZero() {
		t.Error("starting the heartbeat should record liveness")
	}
	// Second start is a no-op.
	b.StartHeartbeat(ctx, func(ctx context.Context) (uint64, error) { return 0, nil })
}

func TestStopHeartbeatWaits(t *testing.T) {
	b := NewBase(model.ChainEthereum, 3, testLogger())
	b.StartHeartbeat(context.Background(), func(ctx context.Context) (uint64, error) {
		return 1, nil
	})

	done := make(chan struct{})
	go func() {
		b.StopHeartbeat()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StopHeartbeat did not return")
	}
	// Idempotent.
	b.StopHeartbeat()
}
