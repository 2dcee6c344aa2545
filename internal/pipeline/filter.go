// Package pipeline implements the ordered filter, enrichment, processing
// and notification fan-out applied to every canonical event.
package pipeline

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/mirador/chainwatch/internal/model"
	"github.com/mirador/chainwatch/internal/targets"
)

// Filter gates canonical events. Filters run in descending Priority order
// and the pipeline short-circuits on the first rejection. A filter error
// counts as a rejection.
type Filter interface {
	ID() string
	Name() string
	Enabled() bool
	Priority() int
	Apply(evt *model.CanonicalEvent) (bool, error)
}

// Standard filter priorities.
const (
	PriorityAddressFilter      = 10
	PriorityContractFilter     = 9
	PriorityAmountFilter       = 8
	PriorityEventKindFilter    = 7
	PrioritySelfTransferFilter = 6
	PriorityConfirmationFilter = 5
	PriorityTimestampFilter    = 4
	PriorityCustomRulesFilter  = 3
	PriorityPriorityFilter     = 2
)

type baseFilter struct {
	id       string
	name     string
	enabled  bool
	priority int
}

func (b *baseFilter) ID() string    { return b.id }
func (b *baseFilter) Name() string  { return b.name }
func (b *baseFilter) Enabled() bool { return b.enabled }
func (b *baseFilter) Priority() int { return b.priority }

// evmCaseInsensitive reports whether address comparisons on chain fold case.
func evmCaseInsensitive(chain model.ChainKind) bool {
	return chain == model.ChainEthereum || chain == model.ChainBSC || chain == model.ChainTron
}

func normalizeAddr(chain model.ChainKind, addr string) string {
	if evmCaseInsensitive(chain) {
		return strings.ToLower(addr)
	}
	return addr
}

// AddressFilter passes events whose from or to is in the watched set.
type AddressFilter struct {
	baseFilter
	addresses map[string]struct{}
	folded    map[string]struct{}
}

// NewAddressFilter watches the given addresses. EVM addresses are compared
// case-insensitively, other chains exactly.
func NewAddressFilter(addresses []string) *AddressFilter {
	f := &AddressFilter{
		baseFilter: baseFilter{id: "address", name: "Watched addresses", enabled: true, priority: PriorityAddressFilter},
		addresses:  make(map[string]struct{}, len(addresses)),
		folded:     make(map[string]struct{}, len(addresses)),
	}
	for _, a := range addresses {
		f.addresses[a] = struct{}{}
		f.folded[strings.ToLower(a)] = struct{}{}
	}
	return f
}

func (f *AddressFilter) Apply(evt *model.CanonicalEvent) (bool, error) {
	if len(f.addresses) == 0 {
		return true, nil
	}
	for _, addr := range []string{evt.Data.From, evt.Data.To} {
		if addr == "" {
			continue
		}
		if _, ok := f.addresses[addr]; ok {
			return true, nil
		}
		if evmCaseInsensitive(evt.Chain) {
			if _, ok := f.folded[strings.ToLower(addr)]; ok {
				return true, nil
			}
		}
	}
	return false, nil
}

// ContractFilter passes events whose token or contract address is in the
// fungible or NFT contract set.
type ContractFilter struct {
	baseFilter
	contracts map[string]struct{}
}

// NewContractFilter watches the union of fungible and NFT contract sets.
func NewContractFilter(fungible, nft []string) *ContractFilter {
	f := &ContractFilter{
		baseFilter: baseFilter{id: "contract", name: "Watched contracts", enabled: true, priority: PriorityContractFilter},
		contracts:  make(map[string]struct{}),
	}
	for _, a := range append(append([]string{}, fungible...), nft...) {
		f.contracts[a] = struct{}{}
		f.contracts[strings.ToLower(a)] = struct{}{}
	}
	return f
}

func (f *ContractFilter) Apply(evt *model.CanonicalEvent) (bool, error) {
	if len(f.contracts) == 0 {
		return true, nil
	}
	for _, addr := range []string{evt.Data.TokenAddress, evt.Data.ContractAddress} {
		if addr == "" {
			continue
		}
		if _, ok := f.contracts[normalizeAddr(evt.Chain, addr)]; ok {
			return true, nil
		}
		if _, ok := f.contracts[addr]; ok {
			return true, nil
		}
	}
	return false, nil
}

// AmountFilter passes events whose decimal amount is within [min, max].
// A missing or unparsable amount is neutral (pass). When a resolver is
// attached, bounds are resolved per contract address.
type AmountFilter struct {
	baseFilter
	min      *big.Rat
	max      *big.Rat
	resolver *targets.Resolver
}

// NewAmountFilter bounds amounts with fixed limits. Empty strings mean
// unbounded on that side.
func NewAmountFilter(minAmount, maxAmount string) *AmountFilter {
	f := &AmountFilter{
		baseFilter: baseFilter{id: "amount", name: "Amount range", enabled: true, priority: PriorityAmountFilter},
	}
	f.min, _ = model.ParseDecimal(minAmount)
	f.max, _ = model.ParseDecimal(maxAmount)
	return f
}

// NewTargetAwareAmountFilter resolves bounds through the resolver keyed by
// the event's contract address.
func NewTargetAwareAmountFilter(resolver *targets.Resolver) *AmountFilter {
	return &AmountFilter{
		baseFilter: baseFilter{id: "amount_target", name: "Per-target amount range", enabled: true, priority: PriorityAmountFilter},
		resolver:   resolver,
	}
}

func (f *AmountFilter) Apply(evt *model.CanonicalEvent) (bool, error) {
	amount, ok := model.ParseDecimal(evt.Data.Amount)
	if !ok {
		return true, nil
	}
	min, max := f.min, f.max
	if f.resolver != nil {
		resolved := f.resolver.Resolve(eventContract(evt), evt.Chain)
		min, _ = model.ParseDecimal(resolved.MinAmount)
		max, _ = model.ParseDecimal(resolved.MaxAmount)
	}
	if min != nil && amount.Cmp(min) < 0 {
		return false, nil
	}
	if max != nil && amount.Cmp(max) > 0 {
		return false, nil
	}
	return true, nil
}

func eventContract(evt *model.CanonicalEvent) string {
	if evt.Data.TokenAddress != "" {
		return evt.Data.TokenAddress
	}
	return evt.Data.ContractAddress
}

// EventKindFilter passes events whose kind is in the allowed set.
type EventKindFilter struct {
	baseFilter
	allowed map[model.EventKind]struct{}
}

func NewEventKindFilter(kinds []model.EventKind) *EventKindFilter {
	f := &EventKindFilter{
		baseFilter: baseFilter{id: "event_kind", name: "Event kinds", enabled: true, priority: PriorityEventKindFilter},
		allowed:    make(map[model.EventKind]struct{}, len(kinds)),
	}
	for _, k := range kinds {
		f.allowed[k] = struct{}{}
	}
	return f
}

func (f *EventKindFilter) Apply(evt *model.CanonicalEvent) (bool, error) {
	if len(f.allowed) == 0 {
		return true, nil
	}
	_, ok := f.allowed[evt.Kind]
	return ok, nil
}

// SelfTransferFilter rejects events where from equals to.
type SelfTransferFilter struct {
	baseFilter
}

func NewSelfTransferFilter() *SelfTransferFilter {
	return &SelfTransferFilter{
		baseFilter: baseFilter{id: "self_transfer", name: "Exclude self transfers", enabled: true, priority: PrioritySelfTransferFilter},
	}
}

func (f *SelfTransferFilter) Apply(evt *model.CanonicalEvent) (bool, error) {
	from, to := evt.Data.From, evt.Data.To
	if from == "" || to == "" {
		return true, nil
	}
	return normalizeAddr(evt.Chain, from) != normalizeAddr(evt.Chain, to), nil
}

// ConfirmationFilter requires a minimum confirmation count.
type ConfirmationFilter struct {
	baseFilter
	required uint64
}

func NewConfirmationFilter(required uint64) *ConfirmationFilter {
	return &ConfirmationFilter{
		baseFilter: baseFilter{id: "confirmation", name: "Confirmation depth", enabled: true, priority: PriorityConfirmationFilter},
		required:   required,
	}
}

func (f *ConfirmationFilter) Apply(evt *model.CanonicalEvent) (bool, error) {
	return evt.ConfirmationCount >= f.required, nil
}

// TimestampFilter bounds the event timestamp. Zero bounds are open.
type TimestampFilter struct {
	baseFilter
	min int64
	max int64
}

func NewTimestampFilter(min, max int64) *TimestampFilter {
	return &TimestampFilter{
		baseFilter: baseFilter{id: "timestamp", name: "Timestamp range", enabled: true, priority: PriorityTimestampFilter},
		min:        min,
		max:        max,
	}
}

func (f *TimestampFilter) Apply(evt *model.CanonicalEvent) (bool, error) {
	if f.min != 0 && evt.Timestamp < f.min {
		return false, nil
	}
	if f.max != 0 && evt.Timestamp > f.max {
		return false, nil
	}
	return true, nil
}

// CustomRulesFilter evaluates the per-target rule list resolved for the
// event's contract. All rules must pass.
type CustomRulesFilter struct {
	baseFilter
	resolver *targets.Resolver
}

func NewCustomRulesFilter(resolver *targets.Resolver) *CustomRulesFilter {
	return &CustomRulesFilter{
		baseFilter: baseFilter{id: "custom_rules", name: "Custom rules", enabled: true, priority: PriorityCustomRulesFilter},
		resolver:   resolver,
	}
}

func (f *CustomRulesFilter) Apply(evt *model.CanonicalEvent) (bool, error) {
	resolved := f.resolver.Resolve(eventContract(evt), evt.Chain)
	for _, rule := range resolved.CustomRules {
		ok, err := evalRule(evt, rule)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// ruleField extracts a field value by name, with one level of metadata.*
// dot notation.
func ruleField(evt *model.CanonicalEvent, field string) (string, bool) {
	if key, ok := strings.CutPrefix(field, "metadata."); ok {
		v, present := evt.Data.Metadata[key]
		return v, present
	}
	switch field {
	case "id":
		return evt.ID, true
	case "chain":
		return string(evt.Chain), true
	case "kind", "event_type":
		return string(evt.Kind), true
	case "from":
		return evt.Data.From, evt.Data.From != ""
	case "to":
		return evt.Data.To, evt.Data.To != ""
	case "amount":
		return evt.Data.Amount, evt.Data.Amount != ""
	case "token_address":
		return evt.Data.TokenAddress, evt.Data.TokenAddress != ""
	case "contract_address":
		return evt.Data.ContractAddress, evt.Data.ContractAddress != ""
	case "token_symbol":
		return evt.Data.TokenSymbol, evt.Data.TokenSymbol != ""
	case "tx_hash":
		return evt.TxHash, true
	}
	return "", false
}

func evalRule(evt *model.CanonicalEvent, rule model.CustomRule) (bool, error) {
	value, present := ruleField(evt, rule.Field)
	switch rule.Operator {
	case model.OpEquals:
		return present && value == rule.Value, nil
	case model.OpNotEquals:
		return !present || value != rule.Value, nil
	case model.OpContains:
		return present && strings.Contains(value, rule.Value), nil
	case model.OpGreaterThan, model.OpLessThan:
		if !present {
			return false, nil
		}
		lhs, ok1 := model.ParseDecimal(value)
		rhs, ok2 := model.ParseDecimal(rule.Value)
		if !ok1 || !ok2 {
			return false, nil
		}
		if rule.Operator == model.OpGreaterThan {
			return lhs.Cmp(rhs) > 0, nil
		}
		return lhs.Cmp(rhs) < 0, nil
	case model.OpRegex:
		re, err := regexp.Compile(rule.Value)
		if err != nil {
			return false, fmt.Errorf("custom rule %s: %w", rule.Field, err)
		}
		return present && re.MatchString(value), nil
	}
	return false, fmt.Errorf("custom rule %s: unknown operator %q", rule.Field, rule.Operator)
}

// PriorityFilter requires the event's resolved target priority to meet a
// configured minimum. Events with no contract pass.
type PriorityFilter struct {
	baseFilter
	minimum  model.TargetPriority
	resolver *targets.Resolver
}

func NewPriorityFilter(minimum model.TargetPriority, resolver *targets.Resolver) *PriorityFilter {
	return &PriorityFilter{
		baseFilter: baseFilter{id: "priority", name: "Target priority", enabled: true, priority: PriorityPriorityFilter},
		minimum:    minimum,
		resolver:   resolver,
	}
}

func (f *PriorityFilter) Apply(evt *model.CanonicalEvent) (bool, error) {
	contract := eventContract(evt)
	if contract == "" {
		return true, nil
	}
	resolved := f.resolver.Resolve(contract, evt.Chain)
	if resolved.TargetID == "" {
		return true, nil
	}
	return resolved.Priority.Rank() >= f.minimum.Rank(), nil
}
