package model

import "fmt"

// TargetKind distinguishes what a monitoring target points at.
type TargetKind string

const (
	TargetAddress  TargetKind = "address"
	TargetContract TargetKind = "contract"
	TargetToken    TargetKind = "token"
)

// Valid reports whether t names a known target kind.
func (t TargetKind) Valid() bool {
	switch t {
	case TargetAddress, TargetContract, TargetToken:
		return true
	}
	return false
}

// TargetPriority orders targets for the priority filter.
type TargetPriority string

const (
	PriorityLow    TargetPriority = "low"
	PriorityMedium TargetPriority = "medium"
	PriorityHigh   TargetPriority = "high"
)

// Rank maps a priority to a comparable integer. Unknown values rank lowest.
func (p TargetPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// CustomRule is one field/operator/value predicate evaluated by the
// custom-rules filter. Field supports one level of metadata dot notation
// (metadata.<key>).
type CustomRule struct {
	Field       string `json:"field"`
	Operator    string `json:"operator"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// Custom rule operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpContains    = "contains"
	OpRegex       = "regex"
)

// ValidOperator reports whether op is a recognized rule operator.
func ValidOperator(op string) bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpRegex:
		return true
	}
	return false
}

// FilterOverrides holds per-target filter settings. Nil pointers mean
// "inherit the global default"; the resolver overlays field by field.
type FilterOverrides struct {
	MinAmount            *string      `json:"minAmount,omitempty"`
	MaxAmount            *string      `json:"maxAmount,omitempty"`
	ExcludeSelfTransfers *bool        `json:"excludeSelfTransfers,omitempty"`
	RequireConfirmation  *bool        `json:"requireConfirmation,omitempty"`
	MinConfirmations     *uint64      `json:"minConfirmations,omitempty"`
	MinTimestamp         *int64       `json:"minTimestamp,omitempty"`
	MaxTimestamp         *int64       `json:"maxTimestamp,omitempty"`
	CustomRules          []CustomRule `json:"customRules,omitempty"`
}

// MonitoringTarget is a user declaration of on-chain interest.
type MonitoringTarget struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name,omitempty"`
	Kind                 TargetKind       `json:"type"`
	Address              string           `json:"address"`
	EventKinds           []EventKind      `json:"eventTypes"`
	Chains               []ChainKind      `json:"chains,omitempty"`
	Enabled              bool             `json:"enabled"`
	Priority             TargetPriority   `json:"priority,omitempty"`
	Tags                 []string         `json:"tags,omitempty"`
	Description          string           `json:"description,omitempty"`
	NotificationChannels []string         `json:"notificationChannels,omitempty"`
	Filters              *FilterOverrides `json:"filters,omitempty"`
}

// Validate checks the target's structural invariants. Address validity is
// chain-specific and checked by the owning adapter, not here.
func (t *MonitoringTarget) Validate() error {
	if t.Address == "" {
		return fmt.Errorf("%w: target address is empty", ErrValidation)
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: unknown target kind %q", ErrValidation, t.Kind)
	}
	if len(t.EventKinds) == 0 {
		return fmt.Errorf("%w: target %s has no event kinds", ErrValidation, t.Address)
	}
	for _, k := range t.EventKinds {
		if !k.Valid() {
			return fmt.Errorf("%w: unknown event kind %q on target %s", ErrValidation, k, t.Address)
		}
	}
	for _, c := range t.Chains {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown chain %q on target %s", ErrValidation, c, t.Address)
		}
	}
	if t.Filters != nil {
		for _, r := range t.Filters.CustomRules {
			if !ValidOperator(r.Operator) {
				return fmt.Errorf("%w: unknown operator %q in custom rule", ErrValidation, r.Operator)
			}
		}
	}
	return nil
}

// WatchesKind reports whether the target declared interest in kind.
func (t *MonitoringTarget) WatchesKind(kind EventKind) bool {
	for _, k := range t.EventKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// AppliesToChain reports whether the target is active on chain. An empty
// chain restriction means every chain.
func (t *MonitoringTarget) AppliesToChain(chain ChainKind) bool {
	if len(t.Chains) == 0 {
		return true
	}
	for _, c := range t.Chains {
		if c == chain {
			return true
		}
	}
	return false
}
