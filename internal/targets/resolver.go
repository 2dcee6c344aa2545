// Package targets merges global filter defaults with per-target overrides
// so filters see one resolved view per contract address.
package targets

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mirador/chainwatch/internal/model"
)

// Defaults are the global filter settings overridden per target.
type Defaults struct {
	MinAmount            string
	MaxAmount            string
	ExcludeSelfTransfers bool
	RequireConfirmation  bool
	MinConfirmations     uint64
}

// ResolvedFilters is the effective filter view for one event. Zero-value
// ranges mean unbounded.
type ResolvedFilters struct {
	MinAmount            string
	MaxAmount            string
	ExcludeSelfTransfers bool
	RequireConfirmation  bool
	MinConfirmations     uint64
	MinTimestamp         int64
	MaxTimestamp         int64
	CustomRules          []model.CustomRule
	Priority             model.TargetPriority
	TargetID             string
}

// Resolver holds enhanced targets keyed by address and overlays their
// filter overrides on the global defaults.
type Resolver struct {
	mu       sync.RWMutex
	defaults Defaults
	byAddr   map[string]model.MonitoringTarget
	byID     map[string]string
}

// NewResolver builds a resolver from defaults and the configured targets.
// Targets with invalid shapes are rejected.
func NewResolver(defaults Defaults, targets []model.MonitoringTarget) (*Resolver, error) {
	r := &Resolver{
		defaults: defaults,
		byAddr:   make(map[string]model.MonitoringTarget),
		byID:     make(map[string]string),
	}
	for i := range targets {
		if err := r.Upsert(targets[i]); err != nil {
			return nil, fmt.Errorf("target %q: %w", targets[i].ID, err)
		}
	}
	return r, nil
}

func addrKey(address string) string {
	return strings.ToLower(address)
}

// Upsert adds or replaces a target. Keyed by address; the id index is kept
// for removal by id.
func (r *Resolver) Upsert(t model.MonitoringTarget) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAddr[addrKey(t.Address)] = t
	if t.ID != "" {
		r.byID[t.ID] = addrKey(t.Address)
	}
	return nil
}

// Remove deletes the target for an address.
func (r *Resolver) Remove(address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := addrKey(address)
	t, ok := r.byAddr[key]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrTargetNotFound, address)
	}
	delete(r.byAddr, key)
	if t.ID != "" {
		delete(r.byID, t.ID)
	}
	return nil
}

// RemoveByID deletes the target registered under id.
func (r *Resolver) RemoveByID(id string) error {
	r.mu.RLock()
	key, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: id %s", model.ErrTargetNotFound, id)
	}
	return r.Remove(key)
}

// Get returns the target registered under id.
func (r *Resolver) Get(id string) (model.MonitoringTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byID[id]
	if !ok {
		return model.MonitoringTarget{}, false
	}
	t, ok := r.byAddr[key]
	return t, ok
}

// Targets returns a snapshot of all registered targets.
func (r *Resolver) Targets() []model.MonitoringTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.MonitoringTarget, 0, len(r.byAddr))
	for _, t := range r.byAddr {
		out = append(out, t)
	}
	return out
}

// Resolve returns the effective filter view for a contract address on a
// chain. When no target matches, or the target restricts chains and the
// requested chain is excluded, the global defaults are returned.
func (r *Resolver) Resolve(contractAddress string, chain model.ChainKind) ResolvedFilters {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resolved := ResolvedFilters{
		MinAmount:            r.defaults.MinAmount,
		MaxAmount:            r.defaults.MaxAmount,
		ExcludeSelfTransfers: r.defaults.ExcludeSelfTransfers,
		RequireConfirmation:  r.defaults.RequireConfirmation,
		MinConfirmations:     r.defaults.MinConfirmations,
	}

	t, ok := r.byAddr[addrKey(contractAddress)]
	if !ok || !t.Enabled || !t.AppliesToChain(chain) {
		return resolved
	}

	resolved.Priority = t.Priority
	resolved.TargetID = t.ID
	if t.Filters == nil {
		return resolved
	}

	fo := t.Filters
	if fo.MinAmount != nil {
		resolved.MinAmount = *fo.MinAmount
	}
	if fo.MaxAmount != nil {
		resolved.MaxAmount = *fo.MaxAmount
	}
	if fo.ExcludeSelfTransfers != nil {
		resolved.ExcludeSelfTransfers = *fo.ExcludeSelfTransfers
	}
	if fo.RequireConfirmation != nil {
		resolved.RequireConfirmation = *fo.RequireConfirmation
	}
	if fo.MinConfirmations != nil {
		resolved.MinConfirmations = *fo.MinConfirmations
	}
	if fo.MinTimestamp != nil {
		resolved.MinTimestamp = *fo.MinTimestamp
	}
	if fo.MaxTimestamp != nil {
		resolved.MaxTimestamp = *fo.MaxTimestamp
	}
	if len(fo.CustomRules) > 0 {
		resolved.CustomRules = append([]model.CustomRule(nil), fo.CustomRules...)
	}
	return resolved
}
