package model

import (
	"fmt"
	"strings"
)

// EventData is the structured payload of a CanonicalEvent. Only the fields
// relevant to the event's kind are populated; the constructors below keep
// unused fields absent so a native transfer never carries token fields.
type EventData struct {
	From            string            `json:"from,omitempty"`
	To              string            `json:"to,omitempty"`
	Amount          string            `json:"amount,omitempty"`
	TokenAddress    string            `json:"tokenAddress,omitempty"`
	TokenSymbol     string            `json:"tokenSymbol,omitempty"`
	TokenDecimals   *uint8            `json:"tokenDecimals,omitempty"`
	ContractAddress string            `json:"contractAddress,omitempty"`
	TokenID         string            `json:"tokenId,omitempty"`
	Minter          string            `json:"minter,omitempty"`
	GasUsed         string            `json:"gasUsed,omitempty"`
	GasPrice        string            `json:"gasPrice,omitempty"`
	Fee             string            `json:"fee,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// SetMeta attaches a metadata key, allocating the map on first use.
func (d *EventData) SetMeta(key, value string) {
	if d.Metadata == nil {
		d.Metadata = make(map[string]string)
	}
	d.Metadata[key] = value
}

// CanonicalEvent is the single record shape crossing the adapter to
// pipeline boundary. JSON tags match the webhook wire format.
type CanonicalEvent struct {
	ID                string    `json:"id"`
	Chain             ChainKind `json:"chainType"`
	Kind              EventKind `json:"eventType"`
	BlockNumber       uint64    `json:"blockNumber"`
	TxHash            string    `json:"transactionHash"`
	Timestamp         int64     `json:"timestamp"`
	Confirmed         bool      `json:"confirmed"`
	ConfirmationCount uint64    `json:"confirmationCount"`
	Data              EventData `json:"data"`
}

// EventID builds the canonical event id <chain>_<txHash> with an optional
// sub-index for transactions carrying multiple observations.
func EventID(chain ChainKind, txHash string, subIndex ...uint) string {
	if len(subIndex) > 0 {
		return fmt.Sprintf("%s_%s_%d", chain, txHash, subIndex[0])
	}
	return fmt.Sprintf("%s_%s", chain, txHash)
}

// SyntheticEventID builds a stable id for observations with no transaction
// hash, such as account-change pushes: <kind>_<address>_<slot>.
func SyntheticEventID(kind, address string, slot uint64) string {
	return fmt.Sprintf("%s_%s_%d", kind, address, slot)
}

// NewTransferEvent constructs a token transfer event.
func NewTransferEvent(chain ChainKind, txHash string, block uint64, from, to, amount, tokenAddress string) CanonicalEvent {
	return CanonicalEvent{
		ID:          EventID(chain, txHash),
		Chain:       chain,
		Kind:        EventTransfer,
		BlockNumber: block,
		TxHash:      txHash,
		Data: EventData{
			From:         from,
			To:           to,
			Amount:       amount,
			TokenAddress: tokenAddress,
		},
	}
}

// NewNativeTransferEvent constructs a native value transfer event. Amount
// is in base units of the chain's native asset.
func NewNativeTransferEvent(chain ChainKind, txHash string, block uint64, from, to, amount string) CanonicalEvent {
	return CanonicalEvent{
		ID:          EventID(chain, txHash),
		Chain:       chain,
		Kind:        EventNativeTransfer,
		BlockNumber: block,
		TxHash:      txHash,
		Data: EventData{
			From:   from,
			To:     to,
			Amount: amount,
		},
	}
}

// NewMintEvent constructs a token mint event.
func NewMintEvent(chain ChainKind, txHash string, block uint64, to, amount, tokenAddress string) CanonicalEvent {
	return CanonicalEvent{
		ID:          EventID(chain, txHash),
		Chain:       chain,
		Kind:        EventTokenMint,
		BlockNumber: block,
		TxHash:      txHash,
		Data: EventData{
			To:           to,
			Amount:       amount,
			TokenAddress: tokenAddress,
		},
	}
}

// NewBurnEvent constructs a token burn event.
func NewBurnEvent(chain ChainKind, txHash string, block uint64, from, amount, tokenAddress string) CanonicalEvent {
	return CanonicalEvent{
		ID:          EventID(chain, txHash),
		Chain:       chain,
		Kind:        EventTokenBurn,
		BlockNumber: block,
		TxHash:      txHash,
		Data: EventData{
			From:         from,
			Amount:       amount,
			TokenAddress: tokenAddress,
		},
	}
}

// NewNFTTransferEvent constructs an NFT transfer event keyed by token id.
func NewNFTTransferEvent(chain ChainKind, txHash string, block uint64, from, to, contract, tokenID string) CanonicalEvent {
	return CanonicalEvent{
		ID:          EventID(chain, txHash),
		Chain:       chain,
		Kind:        EventNFTTransfer,
		BlockNumber: block,
		TxHash:      txHash,
		Data: EventData{
			From:            from,
			To:              to,
			ContractAddress: contract,
			TokenID:         tokenID,
		},
	}
}

// Validate checks the non-optional field contract every adapter must honor
// before emission.
func (e *CanonicalEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty event id", ErrProtocol)
	}
	if !strings.HasPrefix(e.ID, string(e.Chain)+"_") && !isSyntheticID(e.ID) {
		return fmt.Errorf("%w: event id %q lacks chain prefix", ErrProtocol, e.ID)
	}
	if !e.Chain.Valid() {
		return fmt.Errorf("%w: unknown chain %q", ErrProtocol, e.Chain)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown event kind %q", ErrProtocol, e.Kind)
	}
	return nil
}

func isSyntheticID(id string) bool {
	// Synthetic ids start with an event purpose rather than a chain name,
	// e.g. account_change_<address>_<slot>.
	return strings.Count(id, "_") >= 2 && !strings.HasPrefix(id, "0x")
}
