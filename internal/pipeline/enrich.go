package pipeline

import (
	"strconv"
	"time"

	"github.com/mirador/chainwatch/internal/model"
)

// Enricher augments an accepted event before processing. Enrichers run in
// insertion order; a failing enricher is logged and the event passes
// through unchanged.
type Enricher interface {
	ID() string
	Enrich(evt *model.CanonicalEvent) (*model.CanonicalEvent, error)
}

// MetadataEnricher annotates events with observation bookkeeping.
type MetadataEnricher struct {
	now func() time.Time
}

// NewMetadataEnricher returns the default enricher.
func NewMetadataEnricher() *MetadataEnricher {
	return &MetadataEnricher{now: time.Now}
}

func (e *MetadataEnricher) ID() string { return "metadata" }

func (e *MetadataEnricher) Enrich(evt *model.CanonicalEvent) (*model.CanonicalEvent, error) {
	out := *evt
	// Copy the map so the source event stays untouched.
	meta := make(map[string]string, len(evt.Data.Metadata)+2)
	for k, v := range evt.Data.Metadata {
		meta[k] = v
	}
	meta["observed_at"] = strconv.FormatInt(e.now().UnixMilli(), 10)
	meta["source_chain"] = string(evt.Chain)
	out.Data.Metadata = meta
	return &out, nil
}
