package tron

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mirador/chainwatch/internal/model"
)

// Client speaks the TronGrid REST surface: the /v1 event and account
// history endpoints plus the fullnode /wallet namespace.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransport, err)
	}
	return c.do(req, path, result)
}

func (c *Client) post(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransport, err)
	}
	return c.do(req, path, result)
}

func (c *Client) do(req *http.Request, path string, result any) error {
	req.Header.Set("Accept", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrTransport, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", model.ErrTransport, path, res.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", model.ErrTransport, path, err)
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("%w: %s response: %v", model.ErrProtocol, path, err)
	}
	return nil
}

// NowBlock returns the current block height.
func (c *Client) NowBlock(ctx context.Context) (uint64, error) {
	var block struct {
		BlockHeader struct {
			RawData struct {
				Number uint64 `json:"number"`
			} `json:"raw_data"`
		} `json:"block_header"`
	}
	if err := c.post(ctx, "/wallet/getnowblock", &block); err != nil {
		return 0, err
	}
	return block.BlockHeader.RawData.Number, nil
}

// ContractEvent is one smart-contract event record.
type ContractEvent struct {
	TransactionID  string          `json:"transaction_id"`
	BlockNumber    uint64          `json:"block_number"`
	BlockTimestamp int64           `json:"block_timestamp"`
	ContractAddr   string          `json:"contract_address"`
	EventName      string          `json:"event_name"`
	EventIndex     uint           `json:"event_index"`
	Result         map[string]any `json:"result"`
}

type eventEnvelope struct {
	Data    []ContractEvent `json:"data"`
	Success bool            `json:"success"`
	Error   string          `json:"error"`
}

// ContractEvents lists events of contract emitted at or after sinceMs.
func (c *Client) ContractEvents(ctx context.Context, contract string, sinceMs int64, limit int) ([]ContractEvent, error) {
	q := url.Values{}
	q.Set("min_block_timestamp", strconv.FormatInt(sinceMs, 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order_by", "block_timestamp,asc")

	var env eventEnvelope
	if err := c.get(ctx, "/v1/contracts/"+contract+"/events", q, &env); err != nil {
		return nil, err
	}
	if !env.Success && env.Error != "" {
		return nil, fmt.Errorf("%w: contract events: %s", model.ErrProtocol, env.Error)
	}
	return env.Data, nil
}

// TokenTransfer is one TRC-20 transfer from an account's history.
type TokenTransfer struct {
	TransactionID  string `json:"transaction_id"`
	BlockTimestamp int64  `json:"block_timestamp"`
	From           string `json:"from"`
	To             string `json:"to"`
	Value          string `json:"value"`
	TokenInfo      struct {
		Address  string `json:"address"`
		Symbol   string `json:"symbol"`
		Decimals uint8  `json:"decimals"`
	} `json:"token_info"`
}

type transferEnvelope struct {
	Data    []TokenTransfer `json:"data"`
	Success bool            `json:"success"`
	Error   string          `json:"error"`
}

// AccountTransfers lists TRC-20 transfers touching account at or after
// sinceMs, oldest first.
func (c *Client) AccountTransfers(ctx context.Context, account string, sinceMs int64, limit int) ([]TokenTransfer, error) {
	q := url.Values{}
	q.Set("min_timestamp", strconv.FormatInt(sinceMs, 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order_by", "block_timestamp,asc")

	var env transferEnvelope
	if err := c.get(ctx, "/v1/accounts/"+account+"/transactions/trc20", q, &env); err != nil {
		return nil, err
	}
	if !env.Success && env.Error != "" {
		return nil, fmt.Errorf("%w: account transfers: %s", model.ErrProtocol, env.Error)
	}
	return env.Data, nil
}

// TransactionFee returns the network's per-byte bandwidth fee in SUN
// from the live chain parameters.
func (c *Client) TransactionFee(ctx context.Context) (uint64, error) {
	var params struct {
		ChainParameter []struct {
			Key   string `json:"key"`
			Value int64  `json:"value"`
		} `json:"chainParameter"`
	}
	if err := c.post(ctx, "/wallet/getchainparameters", &params); err != nil {
		return 0, err
	}
	for _, p := range params.ChainParameter {
		if p.Key == "getTransactionFee" && p.Value >= 0 {
			return uint64(p.Value), nil
		}
	}
	return 0, fmt.Errorf("%w: getTransactionFee parameter missing", model.ErrProtocol)
}
