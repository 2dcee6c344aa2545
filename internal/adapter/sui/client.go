package sui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mirador/chainwatch/internal/model"
)

// Client is a minimal JSON-RPC 2.0 client for the Sui fullnode API. No
// Go SDK from the ecosystem covers the suix_ namespace used here, so the
// wire format is spoken directly.
type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", model.ErrProtocol, method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrTransport, method, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", model.ErrTransport, method, res.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", model.ErrTransport, method, err)
	}
	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: %s response: %v", model.ErrProtocol, method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrProtocol, method, envelope.Error)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("%w: %s result: %v", model.ErrProtocol, method, err)
		}
	}
	return nil
}

// LatestCheckpoint returns the current checkpoint sequence number, the
// chain's block-height analogue.
func (c *Client) LatestCheckpoint(ctx context.Context) (uint64, error) {
	var seq string
	if err := c.call(ctx, "sui_getLatestCheckpointSequenceNumber", []any{}, &seq); err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: checkpoint %q: %v", model.ErrProtocol, seq, err)
	}
	return n, nil
}

// ReferenceGasPrice returns the epoch reference gas price in MIST.
func (c *Client) ReferenceGasPrice(ctx context.Context) (uint64, error) {
	var price string
	if err := c.call(ctx, "suix_getReferenceGasPrice", []any{}, &price); err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(price, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: gas price %q: %v", model.ErrProtocol, price, err)
	}
	return n, nil
}

// EventID identifies one event within a transaction.
type EventID struct {
	TxDigest string `json:"txDigest"`
	EventSeq string `json:"eventSeq"`
}

// MoveEvent is one entry of a suix_queryEvents page.
type MoveEvent struct {
	ID          EventID         `json:"id"`
	PackageID   string          `json:"packageId"`
	Module      string          `json:"transactionModule"`
	Sender      string          `json:"sender"`
	Type        string          `json:"type"`
	ParsedJSON  json.RawMessage `json:"parsedJson"`
	TimestampMs string          `json:"timestampMs"`
}

type eventPage struct {
	Data        []MoveEvent `json:"data"`
	NextCursor  *EventID    `json:"nextCursor"`
	HasNextPage bool        `json:"hasNextPage"`
}

// QueryEvents pages events matching filter after cursor in ascending
// order. A nil cursor with descending=true is used once to seed the
// poll position at the newest event.
func (c *Client) QueryEvents(ctx context.Context, filter map[string]any, cursor *EventID, limit int, descending bool) ([]MoveEvent, *EventID, error) {
	var cursorParam any
	if cursor != nil {
		cursorParam = cursor
	}
	var page eventPage
	err := c.call(ctx, "suix_queryEvents", []any{filter, cursorParam, limit, descending}, &page)
	if err != nil {
		return nil, nil, err
	}
	return page.Data, page.NextCursor, nil
}
