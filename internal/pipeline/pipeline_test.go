package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirador/chainwatch/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFilter struct {
	id       string
	priority int
	enabled  bool
	result   bool
	err      error
	calls    *atomic.Int32
}

func (f *fakeFilter) ID() string    { return f.id }
func (f *fakeFilter) Name() string  { return f.id }
func (f *fakeFilter) Enabled() bool { return f.enabled }
func (f *fakeFilter) Priority() int { return f.priority }
func (f *fakeFilter) Apply(evt *model.CanonicalEvent) (bool, error) {
	if f.calls != nil {
		f.calls.Add(1)
	}
	return f.result, f.err
}

type fakeNotifier struct {
	id     string
	record model.NotificationRecord
	calls  atomic.Int32
}

func (n *fakeNotifier) ID() string    { return n.id }
func (n *fakeNotifier) Enabled() bool { return true }
func (n *fakeNotifier) Notify(ctx context.Context, evt *model.ProcessedEvent) model.NotificationRecord {
	n.calls.Add(1)
	rec := n.record
	rec.Channel = n.id
	rec.Timestamp = time.Now().UnixMilli()
	return rec
}

func TestExecutePasses(t *testing.T) {
	p := New(testLogger())
	evt := transferEvent()

	processed, err := p.Execute(context.Background(), evt)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if processed == nil {
		t.Fatal("event with no filters should pass")
	}
	if processed.ID != "processed_"+evt.ID {
		t.Errorf("processed id = %s", processed.ID)
	}
	if processed.Metadata.CorrelationID == "" {
		t.Error("correlation id missing")
	}
	// With no processor registered the default classification applies.
	if processed.Metadata.Classification.Category != model.CategoryMediumValue ||
		processed.Metadata.Classification.Confidence != 0.5 {
		t.Errorf("default classification = %+v", processed.Metadata.Classification)
	}
}

func TestFilterShortCircuit(t *testing.T) {
	p := New(testLogger())

	var lowCalls atomic.Int32
	rejecting := &fakeFilter{id: "high", priority: 10, enabled: true, result: false}
	lower := &fakeFilter{id: "low", priority: 5, enabled: true, result: true, calls: &lowCalls}
	if err := p.AddFilter(lower); err != nil {
		t.Fatal(err)
	}
	if err := p.AddFilter(rejecting); err != nil {
		t.Fatal(err)
	}

	processed, err := p.Execute(context.Background(), transferEvent())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if processed != nil {
		t.Fatal("rejected event must return nil")
	}
	if lowCalls.Load() != 0 {
		t.Error("lower priority filter must not run after rejection")
	}

	stats := p.Stats()
	if stats.Executed != 1 || stats.Filtered != 1 || stats.Passed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFilterErrorRejects(t *testing.T) {
	p := New(testLogger())
	p.AddFilter(&fakeFilter{id: "broken", priority: 10, enabled: true, result: true, err: errors.New("boom")})

	processed, err := p.Execute(context.Background(), transferEvent())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if processed != nil {
		t.Fatal("filter error must reject the event")
	}
}

func TestDisabledFilterSkipped(t *testing.T) {
	p := New(testLogger())
	p.AddFilter(&fakeFilter{id: "off", priority: 10, enabled: false, result: false})

	processed, err := p.Execute(context.Background(), transferEvent())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if processed == nil {
		t.Fatal("disabled filter must not reject")
	}
}

func TestDuplicateIDs(t *testing.T) {
	p := New(testLogger())
	if err := p.AddFilter(&fakeFilter{id: "f", priority: 1, enabled: true, result: true}); err != nil {
		t.Fatal(err)
	}
	if err := p.AddFilter(&fakeFilter{id: "f", priority: 2, enabled: true, result: true}); !errors.Is(err, model.ErrDuplicateID) {
		t.Errorf("duplicate filter: got %v", err)
	}

	if err := p.AddNotifier(&fakeNotifier{id: "n"}); err != nil {
		t.Fatal(err)
	}
	if err := p.AddNotifier(&fakeNotifier{id: "n"}); !errors.Is(err, model.ErrDuplicateID) {
		t.Errorf("duplicate notifier: got %v", err)
	}

	if err := p.AddProcessor(NewClassifierProcessor("", "")); err != nil {
		t.Fatal(err)
	}
	if err := p.AddProcessor(NewClassifierProcessor("", "")); !errors.Is(err, model.ErrDuplicateID) {
		t.Errorf("duplicate processor: got %v", err)
	}

	if err := p.AddEnricher(NewMetadataEnricher()); err != nil {
		t.Fatal(err)
	}
	if err := p.AddEnricher(NewMetadataEnricher()); !errors.Is(err, model.ErrDuplicateID) {
		t.Errorf("duplicate enricher: got %v", err)
	}
}

// One notifier fails on every attempt, the other succeeds immediately;
// both outcomes are recorded and the failure does not block the success.
func TestNotificationFanOut(t *testing.T) {
	p := New(testLogger())

	failing := &fakeNotifier{id: "sink-down", record: model.NotificationRecord{
		Success: false, Error: "sink-down", RetryCount: 3,
	}}
	succeeding := &fakeNotifier{id: "sink-up", record: model.NotificationRecord{
		Success: true,
	}}
	p.AddNotifier(failing)
	p.AddNotifier(succeeding)

	processed, err := p.Execute(context.Background(), transferEvent())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if processed == nil {
		t.Fatal("event should pass")
	}
	if len(processed.Notifications) != 2 {
		t.Fatalf("notifications = %d, want 2", len(processed.Notifications))
	}

	byChannel := make(map[string]model.NotificationRecord)
	for _, rec := range processed.Notifications {
		byChannel[rec.Channel] = rec
	}
	down := byChannel["sink-down"]
	if down.Success || down.Error == "" || down.RetryCount != 3 {
		t.Errorf("failing record = %+v", down)
	}
	up := byChannel["sink-up"]
	if !up.Success || up.Error != "" {
		t.Errorf("succeeding record = %+v", up)
	}

	stats := p.Stats()
	if stats.Passed != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

type failingEnricher struct{}

func (failingEnricher) ID() string { return "broken-enricher" }
func (failingEnricher) Enrich(evt *model.CanonicalEvent) (*model.CanonicalEvent, error) {
	return nil, errors.New("enrich boom")
}

func TestEnricherErrorPassesThrough(t *testing.T) {
	p := New(testLogger())
	p.AddEnricher(failingEnricher{})

	processed, err := p.Execute(context.Background(), transferEvent())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if processed == nil {
		t.Fatal("enricher failure must not drop the event")
	}
	if len(processed.Errors) != 1 || processed.Errors[0].Stage != "enrich:broken-enricher" {
		t.Errorf("errors = %+v", processed.Errors)
	}
	if !processed.Errors[0].Recoverable {
		t.Error("enricher failure should be recoverable")
	}
}

func TestMetadataEnricher(t *testing.T) {
	e := NewMetadataEnricher()
	evt := transferEvent()
	out, err := e.Enrich(evt)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if out.Data.Metadata["source_chain"] != "ethereum" {
		t.Errorf("metadata = %v", out.Data.Metadata)
	}
	if _, ok := out.Data.Metadata["observed_at"]; !ok {
		t.Error("observed_at missing")
	}
	// The source event must stay untouched.
	if len(evt.Data.Metadata) != 0 {
		t.Error("enricher mutated the source event")
	}
}

func TestClassifierProcessor(t *testing.T) {
	proc := NewClassifierProcessor("1000", "1000000")
	tests := []struct {
		amount string
		want   string
	}{
		{"", model.CategoryMediumValue},
		{"0", model.CategorySpam},
		{"500", model.CategoryLowValue},
		{"5000", model.CategoryMediumValue},
		{"2000000", model.CategoryHighValue},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			evt := transferEvent()
			evt.Data.Amount = tt.amount
			out, err := proc.Process(evt)
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if out.Metadata.Classification.Category != tt.want {
				t.Errorf("amount %q classified %s, want %s",
					tt.amount, out.Metadata.Classification.Category, tt.want)
			}
		})
	}
}

func TestStandardFilterOrdering(t *testing.T) {
	p := New(testLogger())
	p.AddFilter(NewConfirmationFilter(0))
	p.AddFilter(NewAddressFilter(nil))
	p.AddFilter(NewEventKindFilter(nil))

	p.mu.RLock()
	defer p.mu.RUnlock()
	for i := 1; i < len(p.filters); i++ {
		if p.filters[i-1].Priority() < p.filters[i].Priority() {
			t.Fatalf("filters not in descending priority: %s before %s",
				p.filters[i-1].ID(), p.filters[i].ID())
		}
	}
}
