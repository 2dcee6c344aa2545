package pipeline

import (
	"math/big"
	"time"

	"github.com/mirador/chainwatch/internal/model"
)

// Processor turns an accepted event into a ProcessedEvent. Processors run
// in insertion order; the first success wins.
type Processor interface {
	ID() string
	Process(evt *model.CanonicalEvent) (*model.ProcessedEvent, error)
}

// ClassifierProcessor assigns a value classification from the decimal
// amount.
type ClassifierProcessor struct {
	highThreshold *big.Rat
	lowThreshold  *big.Rat
}

// NewClassifierProcessor classifies amounts: >= high is high_value,
// < low is low_value, zero is spam, in between is medium_value. Empty
// thresholds disable that boundary.
func NewClassifierProcessor(lowThreshold, highThreshold string) *ClassifierProcessor {
	p := &ClassifierProcessor{}
	p.lowThreshold, _ = model.ParseDecimal(lowThreshold)
	p.highThreshold, _ = model.ParseDecimal(highThreshold)
	return p
}

func (p *ClassifierProcessor) ID() string { return "classifier" }

func (p *ClassifierProcessor) Process(evt *model.CanonicalEvent) (*model.ProcessedEvent, error) {
	out := newProcessedEvent(evt)
	out.Metadata.Classification = p.classify(evt)
	return out, nil
}

func (p *ClassifierProcessor) classify(evt *model.CanonicalEvent) model.EventClassification {
	amount, ok := model.ParseDecimal(evt.Data.Amount)
	if !ok {
		return model.EventClassification{Category: model.CategoryMediumValue, Confidence: 0.5}
	}
	if amount.Sign() == 0 {
		return model.EventClassification{Category: model.CategorySpam, Confidence: 0.9}
	}
	if p.highThreshold != nil && amount.Cmp(p.highThreshold) >= 0 {
		return model.EventClassification{Category: model.CategoryHighValue, Confidence: 0.9}
	}
	if p.lowThreshold != nil && amount.Cmp(p.lowThreshold) < 0 {
		return model.EventClassification{Category: model.CategoryLowValue, Confidence: 0.7}
	}
	return model.EventClassification{Category: model.CategoryMediumValue, Confidence: 0.6}
}

func newProcessedEvent(evt *model.CanonicalEvent) *model.ProcessedEvent {
	return &model.ProcessedEvent{
		ID:          model.ProcessedEventID(evt.ID),
		Original:    *evt,
		ProcessedAt: time.Now().UnixMilli(),
	}
}

// defaultProcessedEvent is the fallback when no processor succeeds.
func defaultProcessedEvent(evt *model.CanonicalEvent) *model.ProcessedEvent {
	out := newProcessedEvent(evt)
	out.Metadata.Classification = model.EventClassification{
		Category:   model.CategoryMediumValue,
		Confidence: 0.5,
	}
	return out
}
