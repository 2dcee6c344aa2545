package sui

import (
	"encoding/json"
	"strings"

	"github.com/mirador/chainwatch/internal/model"
)

// ClassifyEventType maps a Move event type to a canonical kind by string
// heuristics on the module path and the final type name. Unrecognized
// types are dropped.
func ClassifyEventType(moveType string) (model.EventKind, bool) {
	base := moveType
	if i := strings.IndexByte(base, '<'); i >= 0 {
		base = base[:i]
	}
	name := base
	if i := strings.LastIndex(base, "::"); i >= 0 {
		name = base[i+2:]
	}

	switch {
	case strings.Contains(base, "::coin::MintEvent"), strings.HasPrefix(name, "Mint"):
		return model.EventTokenMint, true
	case strings.HasSuffix(name, "BurnEvent"), strings.HasPrefix(name, "Burn"):
		return model.EventTokenBurn, true
	case strings.Contains(base, "::pay::"), strings.Contains(base, "::coin::"), strings.HasPrefix(name, "Transfer"):
		return model.EventTransfer, true
	case strings.Contains(base, "::package::"), strings.HasPrefix(name, "Publish"):
		return model.EventContractCreation, true
	}
	return "", false
}

// TokenTypeOf extracts the first angle-bracket type parameter of a Move
// type, the coin type a mint or burn acts on.
func TokenTypeOf(moveType string) string {
	start := strings.IndexByte(moveType, '<')
	end := strings.LastIndexByte(moveType, '>')
	if start < 0 || end <= start {
		return ""
	}
	inner := moveType[start+1 : end]
	// Multi-parameter generics keep only the first parameter.
	depth := 0
	for i, r := range inner {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				return strings.TrimSpace(inner[:i])
			}
		}
	}
	return strings.TrimSpace(inner)
}

// amountFrom pulls an "amount" field out of the event's parsed payload,
// tolerating both string and numeric encodings.
func amountFrom(parsed json.RawMessage) string {
	if len(parsed) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(parsed, &fields); err != nil {
		return ""
	}
	raw, ok := fields["amount"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
