package sui

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mirador/chainwatch/internal/adapter"
	"github.com/mirador/chainwatch/internal/model"
)

func newTestAdapter(t *testing.T, rpcURL string) *Adapter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := NewAdapter(adapter.Config{RPCURL: rpcURL}, logger)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return a
}

func TestNewAdapterRequiresRPCURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewAdapter(adapter.Config{}, logger); err == nil {
		t.Error("missing rpc url must fail")
	}
}

func TestValidateAddress(t *testing.T) {
	a := newTestAdapter(t, "http://localhost:9000")
	valid := []string{
		"0x2",
		"0xa1b2c3",
		"0x0000000000000000000000000000000000000000000000000000000000000002",
		"0x2::coin",
		"0x2::coin::MintEvent<0xdead::usdc::USDC>",
	}
	for _, addr := range valid {
		if !a.ValidateAddress(addr) {
			t.Errorf("%q must validate", addr)
		}
	}
	invalid := []string{"", "0x", "2::coin", "0xzz", "not-an-address"}
	for _, addr := range invalid {
		if a.ValidateAddress(addr) {
			t.Errorf("%q must not validate", addr)
		}
	}
}

func TestClassifyEventType(t *testing.T) {
	cases := []struct {
		moveType string
		kind     model.EventKind
		ok       bool
	}{
		{"0x2::coin::MintEvent<0xdead::usdc::USDC>", model.EventTokenMint, true},
		{"0xabc::vault::MintReceipt", model.EventTokenMint, true},
		{"0xabc::vault::CoinBurnEvent", model.EventTokenBurn, true},
		{"0xabc::vault::BurnRequest", model.EventTokenBurn, true},
		{"0x2::pay::PayEvent", model.EventTransfer, true},
		{"0x2::coin::CoinEvent", model.EventTransfer, true},
		{"0xabc::amm::TransferExecuted", model.EventTransfer, true},
		{"0x2::package::UpgradeEvent", model.EventContractCreation, true},
		{"0xabc::deployer::PublishRecord", model.EventContractCreation, true},
		{"0xabc::amm::SwapEvent", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		kind, ok := ClassifyEventType(tc.moveType)
		if kind != tc.kind || ok != tc.ok {
			t.Errorf("ClassifyEventType(%q) = %s %v, want %s %v", tc.moveType, kind, ok, tc.kind, tc.ok)
		}
	}
}

func TestTokenTypeOf(t *testing.T) {
	cases := []struct {
		moveType string
		want     string
	}{
		{"0x2::coin::MintEvent<0xdead::usdc::USDC>", "0xdead::usdc::USDC"},
		{"0xabc::pool::Swap<0x2::sui::SUI, 0xdead::usdc::USDC>", "0x2::sui::SUI"},
		{"0xabc::w::Wrap<0xabc::inner::Box<0x2::sui::SUI>, 0xdead::usdc::USDC>", "0xabc::inner::Box<0x2::sui::SUI>"},
		{"0x2::coin::MintEvent", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := TokenTypeOf(tc.moveType); got != tc.want {
			t.Errorf("TokenTypeOf(%q) = %q, want %q", tc.moveType, got, tc.want)
		}
	}
}

func TestSelectorFor(t *testing.T) {
	pkg := selectorFor("0xabc")
	if _, ok := pkg["Package"]; !ok {
		t.Errorf("bare address selector = %v", pkg)
	}

	mod := selectorFor("0xabc::amm")
	inner, ok := mod["MoveModule"].(map[string]any)
	if !ok || inner["package"] != "0xabc" || inner["module"] != "amm" {
		t.Errorf("module selector = %v", mod)
	}

	typ := selectorFor("0xabc::amm::SwapEvent")
	if typ["MoveEventType"] != "0xabc::amm::SwapEvent" {
		t.Errorf("type selector = %v", typ)
	}
}

func TestAmountFrom(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"amount":"1500"}`, "1500"},
		{`{"amount":1500}`, "1500"},
		{`{"value":"1500"}`, ""},
		{`not json`, ""},
		{``, ""},
	}
	for _, tc := range cases {
		if got := amountFrom(json.RawMessage(tc.raw)); got != tc.want {
			t.Errorf("amountFrom(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

// rpcStub serves canned suix_queryEvents pages and checkpoint numbers.
type rpcStub struct {
	checkpoint string
	pages      []eventPage
	queries    int
}

func (s *rpcStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var result any
		switch req.Method {
		case "sui_getLatestCheckpointSequenceNumber":
			result = s.checkpoint
		case "suix_queryEvents":
			page := s.pages[len(s.pages)-1]
			if s.queries < len(s.pages) {
				page = s.pages[s.queries]
			}
			s.queries++
			result = page
		default:
			http.Error(w, "unknown method "+req.Method, http.StatusBadRequest)
			return
		}
		raw, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(raw)})
	}
}

func TestPollTargetSeedsThenEmits(t *testing.T) {
	mintType := "0x2::coin::MintEvent<0xdead::usdc::USDC>"
	stub := &rpcStub{
		checkpoint: "4200",
		pages: []eventPage{
			// Seeding query returns the newest event only.
			{Data: []MoveEvent{{ID: EventID{TxDigest: "DigSeed", EventSeq: "0"}, Type: mintType}},
				NextCursor: &EventID{TxDigest: "DigSeed", EventSeq: "0"}},
			// Follow-up poll delivers two new events past the cursor.
			{Data: []MoveEvent{
				{
					ID:          EventID{TxDigest: "DigA", EventSeq: "0"},
					PackageID:   "0xabc",
					Module:      "vault",
					Sender:      "0xsender",
					Type:        mintType,
					ParsedJSON:  json.RawMessage(`{"amount":"1500"}`),
					TimestampMs: "1700000000000",
				},
				{
					ID:     EventID{TxDigest: "DigB", EventSeq: "1"},
					Sender: "0xsender",
					Type:   "0xabc::amm::SwapEvent",
				},
			}, NextCursor: &EventID{TxDigest: "DigB", EventSeq: "1"}},
			{},
		},
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	target := model.MonitoringTarget{
		Kind:       model.TargetContract,
		Address:    "0xabc",
		Enabled:    true,
		EventKinds: []model.EventKind{model.EventTokenMint},
	}
	if err := a.AddTarget(target); err != nil {
		t.Fatal(err)
	}
	ctx := t.Context()

	// First poll seeds the cursor without replaying history.
	if err := a.pollTarget(ctx, target, 4200); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-a.Events():
		t.Fatalf("seeding poll emitted %+v", evt)
	default:
	}

	if err := a.pollTarget(ctx, target, 4201); err != nil {
		t.Fatal(err)
	}
	evt := <-a.Events()
	if evt.Kind != model.EventTokenMint || evt.Chain != model.ChainSui {
		t.Fatalf("event = %+v", evt)
	}
	if evt.TxHash != "DigA" || evt.BlockNumber != 4201 {
		t.Errorf("provenance = %s @ %d", evt.TxHash, evt.BlockNumber)
	}
	if !evt.Confirmed || evt.ConfirmationCount != 1 {
		t.Errorf("confirmation = %v %d", evt.Confirmed, evt.ConfirmationCount)
	}
	if evt.Data.Amount != "1500" || evt.Data.TokenAddress != "0xdead::usdc::USDC" {
		t.Errorf("data = %+v", evt.Data)
	}
	if evt.Data.From != "" {
		t.Errorf("mint carried sender %q", evt.Data.From)
	}
	if evt.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d", evt.Timestamp)
	}
	if evt.Data.Metadata["move_event_type"] != mintType {
		t.Errorf("metadata = %v", evt.Data.Metadata)
	}

	// The swap event is unclassified and the mint-only target drops
	// anything else, so nothing further is queued.
	select {
	case evt := <-a.Events():
		t.Fatalf("unexpected second event %+v", evt)
	default:
	}
}

func TestEmitMoveEventRespectsTargetKinds(t *testing.T) {
	a := newTestAdapter(t, "http://localhost:9000")
	target := model.MonitoringTarget{
		Kind:       model.TargetContract,
		Address:    "0xabc",
		Enabled:    true,
		EventKinds: []model.EventKind{model.EventTokenBurn},
	}
	me := &MoveEvent{
		ID:   EventID{TxDigest: "DigX", EventSeq: "0"},
		Type: "0x2::coin::MintEvent<0xdead::usdc::USDC>",
	}
	a.emitMoveEvent(me, target, 10)
	select {
	case evt := <-a.Events():
		t.Fatalf("burn-only target received %+v", evt)
	default:
	}
}

func TestEmitMoveEventDeduplicates(t *testing.T) {
	a := newTestAdapter(t, "http://localhost:9000")
	target := model.MonitoringTarget{
		Kind:       model.TargetContract,
		Address:    "0xabc",
		Enabled:    true,
		EventKinds: []model.EventKind{model.EventTransfer},
	}
	me := &MoveEvent{
		ID:     EventID{TxDigest: "DigY", EventSeq: "2"},
		Sender: "0xsender",
		Type:   "0x2::pay::PayEvent",
	}
	a.emitMoveEvent(me, target, 10)
	if evt := <-a.Events(); evt.Kind != model.EventTransfer {
		t.Fatalf("event = %+v", evt)
	}
	a.emitMoveEvent(me, target, 11)
	select {
	case evt := <-a.Events():
		t.Fatalf("duplicate emitted %+v", evt)
	default:
	}
}

func TestRemoveTargetDropsCursor(t *testing.T) {
	a := newTestAdapter(t, "http://localhost:9000")
	target := model.MonitoringTarget{
		Kind:       model.TargetContract,
		Address:    "0xabc",
		Enabled:    true,
		EventKinds: []model.EventKind{model.EventTransfer},
	}
	if err := a.AddTarget(target); err != nil {
		t.Fatal(err)
	}
	a.cursorMu.Lock()
	a.cursors["0xabc"] = &EventID{TxDigest: "Dig", EventSeq: "0"}
	a.cursorMu.Unlock()

	if err := a.RemoveTarget("0xabc"); err != nil {
		t.Fatal(err)
	}
	a.cursorMu.Lock()
	_, ok := a.cursors["0xabc"]
	a.cursorMu.Unlock()
	if ok {
		t.Error("cursor survived target removal")
	}
}

func TestClientErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]any{"code": -32602, "message": "invalid filter"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, _, err := c.QueryEvents(t.Context(), map[string]any{"Package": "0xabc"}, nil, 1, true)
	if err == nil {
		t.Fatal("rpc error must surface")
	}
	if got := fmt.Sprint(err); got == "" {
		t.Error("error text empty")
	}
}
