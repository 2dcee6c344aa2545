package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"

	"github.com/mirador/chainwatch/internal/model"
)

const maxReconnectBackoff = 30 * time.Second

// wsSession is one live JSON-RPC WebSocket connection. Subscriptions are
// tracked by "<purpose>_<address>" keys so a target removal can tear
// down everything registered for that address.
type wsSession struct {
	adapter *Adapter
	ctx     context.Context
	conn    *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]string
	subs    map[string]uint64
	bySub   map[uint64]string
}

// runSession dials, subscribes and reads until the context ends,
// reconnecting with exponential backoff on failure.
func (a *Adapter) runSession(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		start := time.Now()
		err := a.streamOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.EmitError(fmt.Errorf("%w: websocket session: %v", model.ErrTransport, err))
		}
		a.RecordReconnect()

		if time.Since(start) > maxReconnectBackoff {
			backoff = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

func (a *Adapter) streamOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.websocketURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	sess := &wsSession{
		adapter: a,
		ctx:     ctx,
		conn:    conn,
		pending: make(map[uint64]string),
		subs:    make(map[string]uint64),
		bySub:   make(map[uint64]string),
	}
	a.setSession(sess)
	defer a.closeSession()

	if err := sess.request("slot", "slotSubscribe", nil); err != nil {
		return err
	}
	if err := sess.request("logs_"+solana.TokenProgramID.String(), "logsSubscribe", []any{
		map[string]any{"mentions": []string{solana.TokenProgramID.String()}},
		map[string]any{"commitment": string(a.commitment)},
	}); err != nil {
		return err
	}
	for _, target := range a.Targets() {
		if err := sess.subscribeTarget(target); err != nil {
			return err
		}
	}
	a.Logger().Info("websocket session established", "targets", len(a.Targets()))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		sess.handleMessage(message)
	}
}

// websocketURL prefers the configured endpoint and otherwise derives one
// from the HTTP RPC URL.
func (a *Adapter) websocketURL() string {
	if a.cfg.WebsocketURL != "" {
		return a.cfg.WebsocketURL
	}
	url := a.cfg.RPCURL
	switch {
	case strings.HasPrefix(url, "https"):
		return "wss" + url[len("https"):]
	case strings.HasPrefix(url, "http"):
		return "ws" + url[len("http"):]
	}
	return url
}

func (s *wsSession) close() {
	s.conn.Close()
}

// request sends a subscribe call and records the pending id so the
// response can be tied back to key.
func (s *wsSession) request(key, method string, params []any) error {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.pending[id] = key
	s.mu.Unlock()

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	return s.write(req)
}

func (s *wsSession) write(req map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(req)
}

// subscribeTarget registers the account-change subscription for a
// target's address.
func (s *wsSession) subscribeTarget(target model.MonitoringTarget) error {
	return s.request("account_"+target.Address, "accountSubscribe", []any{
		target.Address,
		map[string]any{
			"commitment": string(s.adapter.commitment),
			"encoding":   "base64",
		},
	})
}

// unsubscribeAddress tears down every subscription keyed to address.
func (s *wsSession) unsubscribeAddress(address string) {
	teardown := []struct {
		key    string
		method string
	}{
		{"account_" + address, "accountUnsubscribe"},
		{"logs_" + address, "logsUnsubscribe"},
	}
	for _, t := range teardown {
		s.mu.Lock()
		subID, ok := s.subs[t.key]
		if ok {
			delete(s.subs, t.key)
			delete(s.bySub, subID)
		}
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := s.write(map[string]any{
			"jsonrpc": "2.0",
			"id":      0,
			"method":  t.method,
			"params":  []any{subID},
		}); err != nil {
			s.adapter.Logger().Warn("unsubscribe failed", "key", t.key, "error", err)
		}
	}
}

func (s *wsSession) handleMessage(msg []byte) {
	var frame struct {
		ID     uint64          `json:"id"`
		Result json.RawMessage `json:"result"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return
	}

	if frame.Method == "" && frame.ID != 0 {
		s.handleResponse(frame.ID, frame.Result)
		return
	}

	switch frame.Method {
	case "slotNotification":
		s.handleSlot(frame.Params)
	case "accountNotification":
		s.handleAccount(frame.Params)
	case "logsNotification":
		s.handleLogs(frame.Params)
	}
}

func (s *wsSession) handleResponse(id uint64, result json.RawMessage) {
	s.mu.Lock()
	key, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	var subID uint64
	if err := json.Unmarshal(result, &subID); err != nil {
		s.adapter.Logger().Warn("unexpected subscribe response", "key", key, "result", string(result))
		return
	}
	s.mu.Lock()
	s.subs[key] = subID
	s.bySub[subID] = key
	s.mu.Unlock()
}

func (s *wsSession) subscriptionKey(subID uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.bySub[subID]
	return key, ok
}

func (s *wsSession) handleSlot(params json.RawMessage) {
	var p struct {
		Result struct {
			Slot uint64 `json:"slot"`
		} `json:"result"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	if p.Result.Slot > s.adapter.CurrentBlockNumber() {
		s.adapter.SetBlockNumber(p.Result.Slot)
	}
	s.adapter.TouchHeartbeat()
}

func (s *wsSession) handleAccount(params json.RawMessage) {
	var p struct {
		Subscription uint64 `json:"subscription"`
		Result       struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Lamports uint64 `json:"lamports"`
			} `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	key, ok := s.subscriptionKey(p.Subscription)
	if !ok || !strings.HasPrefix(key, "account_") {
		return
	}
	address := strings.TrimPrefix(key, "account_")
	s.adapter.handleAccountChange(s.ctx, address, p.Result.Context.Slot, p.Result.Value.Lamports)
}

func (s *wsSession) handleLogs(params json.RawMessage) {
	var p struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Signature string   `json:"signature"`
				Err       any      `json:"err"`
				Logs      []string `json:"logs"`
			} `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	if p.Result.Value.Err != nil {
		// Failed transactions still produce log notifications.
		return
	}
	s.adapter.handleLogs(p.Result.Context.Slot, p.Result.Value.Signature, p.Result.Value.Logs)
}

// classifyLogs maps SPL token program log lines to an event kind.
func classifyLogs(logs []string) (model.EventKind, bool) {
	for _, line := range logs {
		switch {
		case strings.Contains(line, "InitializeMint"):
			return model.EventContractCreation, true
		case strings.Contains(line, "MintTo"):
			return model.EventTokenMint, true
		case strings.Contains(line, "Transfer"):
			return model.EventTransfer, true
		}
	}
	return "", false
}
