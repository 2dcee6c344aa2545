package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mirador/chainwatch/internal/adapter"
	"github.com/mirador/chainwatch/internal/model"
	"github.com/mirador/chainwatch/internal/pipeline"
)

// fakeAdapter is a scriptable in-memory adapter.
type fakeAdapter struct {
	*adapter.Base

	mu          sync.Mutex
	connectErr  error
	connects    int
	disconnects int
	starts      int
	stops       int
}

func newFake(t *testing.T, chain model.ChainKind) *fakeAdapter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fakeAdapter{Base: adapter.NewBase(chain, 1, logger)}
}

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	f.mu.Unlock()
	if err != nil {
		f.SetState(model.StateError)
		return err
	}
	f.SetState(model.StateConnected)
	return nil
}

func (f *fakeAdapter) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.SetState(model.StateDisconnected)
	return nil
}

func (f *fakeAdapter) StartMonitoring(ctx context.Context) error {
	if s := f.State(); s != model.StateConnected && s != model.StateMonitoring {
		return model.ErrNotConnected
	}
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	f.SetState(model.StateMonitoring)
	return nil
}

func (f *fakeAdapter) StopMonitoring(ctx context.Context) error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	if f.State() == model.StateMonitoring {
		f.SetState(model.StateConnected)
	}
	return nil
}

func (f *fakeAdapter) AddTarget(target model.MonitoringTarget) error {
	return f.AddTargetChecked(target, func(string) bool { return true })
}

func (f *fakeAdapter) RemoveTarget(address string) error {
	_, err := f.RemoveTargetEntry(address)
	return err
}

func (f *fakeAdapter) ValidateAddress(string) bool { return true }

func (f *fakeAdapter) EstimateFee(ctx context.Context, req adapter.FeeRequest) (adapter.FeeEstimate, error) {
	return adapter.FeeEstimate{}, nil
}

func (f *fakeAdapter) counts() (connects, disconnects, starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, f.starts, f.stops
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(pipeline.New(logger), logger, opts)
}

func testEvent(chain model.ChainKind, tx string) model.CanonicalEvent {
	return model.CanonicalEvent{
		ID:          model.EventID(chain, tx),
		Chain:       chain,
		Kind:        model.EventTransfer,
		BlockNumber: 1,
		TxHash:      tx,
		Timestamp:   time.Now().UnixMilli(),
		Data:        model.EventData{From: "a", To: "b", Amount: "1"},
	}
}

func TestRegisterRejectsDuplicateChain(t *testing.T) {
	m := newTestManager(t, Options{})
	if err := m.Register(newFake(t, model.ChainEthereum)); err != nil {
		t.Fatal(err)
	}
	err := m.Register(newFake(t, model.ChainEthereum))
	if !errors.Is(err, model.ErrChainRegistered) {
		t.Errorf("err = %v, want ErrChainRegistered", err)
	}
	if err := m.Register(newFake(t, model.ChainSolana)); err != nil {
		t.Errorf("second chain rejected: %v", err)
	}
	if got := m.Chains(); len(got) != 2 || got[0] != model.ChainEthereum || got[1] != model.ChainSolana {
		t.Errorf("chains = %v", got)
	}
}

func TestStartSettlesAllDespiteFailure(t *testing.T) {
	m := newTestManager(t, Options{})
	healthy := newFake(t, model.ChainEthereum)
	broken := newFake(t, model.ChainSolana)
	broken.connectErr = errors.New("rpc down")
	for _, a := range []*fakeAdapter{healthy, broken} {
		if err := m.Register(a); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(context.Background())

	if healthy.State() != model.StateMonitoring {
		t.Errorf("healthy adapter state = %s", healthy.State())
	}
	if broken.State() == model.StateMonitoring {
		t.Error("broken adapter must not be monitoring")
	}
	select {
	case aerr := <-m.AdapterErrors():
		if aerr.Chain != model.ChainSolana {
			t.Errorf("error chain = %s", aerr.Chain)
		}
	case <-time.After(time.Second):
		t.Fatal("connect failure not surfaced")
	}
}

func TestEventsFlowThroughPipeline(t *testing.T) {
	m := newTestManager(t, Options{})
	fake := newFake(t, model.ChainEthereum)
	if err := m.Register(fake); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(context.Background())

	fake.Emit(testEvent(model.ChainEthereum, "0xaaa"))

	select {
	case processed := <-m.Processed():
		if processed.Original.TxHash != "0xaaa" {
			t.Errorf("processed = %+v", processed.Original)
		}
		if processed.Metadata.CorrelationID == "" {
			t.Error("correlation id missing")
		}
	case <-time.After(time.Second):
		t.Fatal("event never surfaced")
	}
}

func TestFilteredEventsAreSilent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := pipeline.New(logger)
	if err := p.AddFilter(pipeline.NewEventKindFilter([]model.EventKind{model.EventTokenBurn})); err != nil {
		t.Fatal(err)
	}
	m := New(p, logger, Options{})
	fake := newFake(t, model.ChainEthereum)
	if err := m.Register(fake); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(context.Background())

	fake.Emit(testEvent(model.ChainEthereum, "0xbbb"))

	select {
	case processed := <-m.Processed():
		t.Fatalf("filtered event surfaced: %+v", processed.Original)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReconnectCyclesAdapter(t *testing.T) {
	m := newTestManager(t, Options{ReconnectDelay: 10 * time.Millisecond})
	fake := newFake(t, model.ChainEthereum)
	if err := m.Register(fake); err != nil {
		t.Fatal(err)
	}
	if err := fake.Connect(t.Context()); err != nil {
		t.Fatal(err)
	}

	if err := m.Reconnect(t.Context(), model.ChainEthereum); err != nil {
		t.Fatal(err)
	}
	connects, disconnects, starts, _ := fake.counts()
	if connects != 2 || disconnects != 1 || starts != 1 {
		t.Errorf("counts = %d connects, %d disconnects, %d starts", connects, disconnects, starts)
	}
	if fake.State() != model.StateMonitoring {
		t.Errorf("state = %s", fake.State())
	}

	if err := m.Reconnect(t.Context(), model.ChainBitcoin); !errors.Is(err, model.ErrUnknownChain) {
		t.Errorf("unknown chain = %v, want ErrUnknownChain", err)
	}
}

func TestSweepReconnectsStaleAdapter(t *testing.T) {
	m := newTestManager(t, Options{
		HealthCheckInterval: 20 * time.Millisecond,
		ReconnectDelay:      time.Millisecond,
		AutoReconnect:       true,
	})
	fake := newFake(t, model.ChainEthereum)
	if err := m.Register(fake); err != nil {
		t.Fatal(err)
	}
	if err := fake.Connect(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := fake.StartMonitoring(t.Context()); err != nil {
		t.Fatal(err)
	}
	// The heartbeat was never touched, so the adapter reads as stale.

	m.sweepOnce(t.Context())

	deadline := time.After(time.Second)
	for {
		if connects, _, _, _ := fake.counts(); connects >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("stale adapter never reconnected")
		case <-time.After(5 * time.Millisecond):
		}
	}
	m.wg.Wait()
}

func TestSweepLeavesFreshAdaptersAlone(t *testing.T) {
	m := newTestManager(t, Options{
		HealthCheckInterval: time.Minute,
		AutoReconnect:       true,
	})
	fake := newFake(t, model.ChainEthereum)
	if err := m.Register(fake); err != nil {
		t.Fatal(err)
	}
	if err := fake.Connect(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := fake.StartMonitoring(t.Context()); err != nil {
		t.Fatal(err)
	}
	fake.TouchHeartbeat()

	m.sweepOnce(t.Context())
	time.Sleep(20 * time.Millisecond)
	if connects, _, _, _ := fake.counts(); connects != 1 {
		t.Errorf("fresh adapter reconnected: %d connects", connects)
	}
}

func TestStopWindsDownInReverseOrder(t *testing.T) {
	m := newTestManager(t, Options{})
	first := newFake(t, model.ChainEthereum)
	second := newFake(t, model.ChainSolana)
	for _, a := range []*fakeAdapter{first, second} {
		if err := m.Register(a); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, a := range []*fakeAdapter{first, second} {
		_, disconnects, _, stops := a.counts()
		if disconnects != 1 || stops != 1 {
			t.Errorf("%s counts = %d disconnects, %d stops", a.Chain(), disconnects, stops)
		}
		if a.State() != model.StateDisconnected {
			t.Errorf("%s state = %s", a.Chain(), a.State())
		}
	}

	// A second stop is a no-op.
	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}
