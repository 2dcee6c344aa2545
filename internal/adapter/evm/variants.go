package evm

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/mirador/chainwatch/internal/model"
)

// Variant captures the per-network knobs of an EVM deployment: how deep
// a block must be buried to count as confirmed, the native currency
// quoted by fee estimates, and the address syntax rule.
type Variant struct {
	Confirmations   uint64
	NativeCurrency  string
	ValidateAddress func(string) bool
}

// Option adjusts a Variant at adapter construction.
type Option func(*Variant)

// WithAddressValidator replaces the 0x hex rule, used by networks with
// EVM semantics but a different address encoding.
func WithAddressValidator(validate func(string) bool) Option {
	return func(v *Variant) { v.ValidateAddress = validate }
}

// WithNativeCurrency overrides the fee currency symbol.
func WithNativeCurrency(symbol string) Option {
	return func(v *Variant) { v.NativeCurrency = symbol }
}

// WithConfirmations overrides the default confirmation depth.
func WithConfirmations(depth uint64) Option {
	return func(v *Variant) { v.Confirmations = depth }
}

// VariantFor returns the default profile for chain.
func VariantFor(chain model.ChainKind) Variant {
	switch chain {
	case model.ChainBSC:
		return Variant{
			Confirmations:   6,
			NativeCurrency:  "BNB",
			ValidateAddress: common.IsHexAddress,
		}
	default:
		return Variant{
			Confirmations:   12,
			NativeCurrency:  "ETH",
			ValidateAddress: common.IsHexAddress,
		}
	}
}
