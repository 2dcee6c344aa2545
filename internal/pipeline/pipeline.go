package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirador/chainwatch/internal/model"
)

// Notifier delivers a processed event to one sink and reports the outcome,
// retries included, as a NotificationRecord.
type Notifier interface {
	ID() string
	Enabled() bool
	Notify(ctx context.Context, evt *model.ProcessedEvent) model.NotificationRecord
}

// Stats are the pipeline's running counters.
type Stats struct {
	Executed uint64 `json:"executed"`
	Passed   uint64 `json:"passed"`
	Filtered uint64 `json:"filtered"`
	Failed   uint64 `json:"failed"`
}

// Pipeline runs filters, enrichers, processors and notifier fan-out over
// canonical events. Execute is reentrant; registration is expected to
// finish before events flow.
type Pipeline struct {
	logger *slog.Logger

	mu         sync.RWMutex
	filters    []Filter
	enrichers  []Enricher
	processors []Processor
	notifiers  []Notifier

	statsMu sync.Mutex
	stats   Stats
}

// New builds an empty pipeline.
func New(logger *slog.Logger) *Pipeline {
	return &Pipeline{
		logger: logger.With("component", "pipeline"),
	}
}

// AddFilter registers a filter. Re-registering an id is an error. Filters
// are kept in descending priority order.
func (p *Pipeline) AddFilter(f Filter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.filters {
		if existing.ID() == f.ID() {
			return fmt.Errorf("%w: filter %s", model.ErrDuplicateID, f.ID())
		}
	}
	p.filters = append(p.filters, f)
	sort.SliceStable(p.filters, func(i, j int) bool {
		return p.filters[i].Priority() > p.filters[j].Priority()
	})
	return nil
}

// AddEnricher registers an enricher, run in insertion order.
func (p *Pipeline) AddEnricher(e Enricher) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.enrichers {
		if existing.ID() == e.ID() {
			return fmt.Errorf("%w: enricher %s", model.ErrDuplicateID, e.ID())
		}
	}
	p.enrichers = append(p.enrichers, e)
	return nil
}

// AddProcessor registers a processor, run in insertion order.
func (p *Pipeline) AddProcessor(proc Processor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.processors {
		if existing.ID() == proc.ID() {
			return fmt.Errorf("%w: processor %s", model.ErrDuplicateID, proc.ID())
		}
	}
	p.processors = append(p.processors, proc)
	return nil
}

// AddNotifier registers a notification sink.
func (p *Pipeline) AddNotifier(n Notifier) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.notifiers {
		if existing.ID() == n.ID() {
			return fmt.Errorf("%w: notifier %s", model.ErrDuplicateID, n.ID())
		}
	}
	p.notifiers = append(p.notifiers, n)
	return nil
}

// Execute runs one event through the pipeline. A nil ProcessedEvent with a
// nil error means the event was filtered out.
func (p *Pipeline) Execute(ctx context.Context, evt *model.CanonicalEvent) (*model.ProcessedEvent, error) {
	start := time.Now()
	correlationID := newCorrelationID(start)

	p.statsMu.Lock()
	p.stats.Executed++
	p.statsMu.Unlock()

	p.mu.RLock()
	filters := p.filters
	enrichers := p.enrichers
	processors := p.processors
	notifiers := p.notifiers
	p.mu.RUnlock()

	var applied []string
	for _, f := range filters {
		if !f.Enabled() {
			continue
		}
		applied = append(applied, f.ID())
		ok, err := f.Apply(evt)
		if err != nil {
			p.logger.Warn("filter error, rejecting event",
				"filter", f.ID(), "event_id", evt.ID, "correlation_id", correlationID, "error", err)
			ok = false
		}
		if !ok {
			p.statsMu.Lock()
			p.stats.Filtered++
			p.statsMu.Unlock()
			p.logger.Debug("event filtered",
				"filter", f.ID(), "event_id", evt.ID, "correlation_id", correlationID)
			return nil, nil
		}
	}

	var stageErrors []model.ProcessingError
	current := evt
	for _, e := range enrichers {
		enriched, err := e.Enrich(current)
		if err != nil {
			p.logger.Warn("enricher failed, passing event through",
				"enricher", e.ID(), "event_id", evt.ID, "error", err)
			stageErrors = append(stageErrors, model.ProcessingError{
				Stage:       "enrich:" + e.ID(),
				Error:       err.Error(),
				Timestamp:   time.Now().UnixMilli(),
				Recoverable: true,
			})
			continue
		}
		current = enriched
	}

	var processed *model.ProcessedEvent
	for _, proc := range processors {
		out, err := proc.Process(current)
		if err != nil {
			p.logger.Warn("processor failed",
				"processor", proc.ID(), "event_id", evt.ID, "error", err)
			stageErrors = append(stageErrors, model.ProcessingError{
				Stage:       "process:" + proc.ID(),
				Error:       err.Error(),
				Timestamp:   time.Now().UnixMilli(),
				Recoverable: true,
			})
			continue
		}
		if out != nil {
			processed = out
			break
		}
	}
	if processed == nil {
		processed = defaultProcessedEvent(current)
	}

	processed.Metadata.CorrelationID = correlationID
	processed.Metadata.FiltersApplied = applied
	processed.Errors = append(processed.Errors, stageErrors...)

	p.fanOut(ctx, notifiers, processed)

	processed.ProcessingDuration = time.Since(start).Milliseconds()

	p.statsMu.Lock()
	p.stats.Passed++
	if notificationFailed(processed.Notifications) {
		p.stats.Failed++
	}
	p.statsMu.Unlock()

	return processed, nil
}

// fanOut delivers concurrently to every enabled notifier. One sink's
// failure never blocks the others.
func (p *Pipeline) fanOut(ctx context.Context, notifiers []Notifier, processed *model.ProcessedEvent) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, n := range notifiers {
		if !n.Enabled() {
			continue
		}
		wg.Add(1)
		go func(n Notifier) {
			defer wg.Done()
			record := n.Notify(ctx, processed)
			mu.Lock()
			processed.Notifications = append(processed.Notifications, record)
			mu.Unlock()
			if !record.Success {
				p.logger.Warn("notification failed",
					"channel", record.Channel, "event_id", processed.Original.ID,
					"retries", record.RetryCount, "error", record.Error)
			}
		}(n)
	}
	wg.Wait()
}

func notificationFailed(records []model.NotificationRecord) bool {
	for _, r := range records {
		if !r.Success {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the running counters.
func (p *Pipeline) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func newCorrelationID(t time.Time) string {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("%d_%s", t.UnixMilli(), suffix)
}
