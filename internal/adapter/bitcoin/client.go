package bitcoin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mirador/chainwatch/internal/model"
)

// Client speaks an Esplora-compatible REST API (Blockstream-style).
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 20 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransport, err)
	}
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
	if s, ok := result.(*string); ok {
		*s = string(raw)
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("%w: %s response: %v", model.ErrProtocol, path, err)
	}
	return nil
}

// TipHeight returns the current chain tip height.
func (c *Client) TipHeight(ctx context.Context) (uint64, error) {
	var body string
	if err := c.get(ctx, "/blocks/tip/height", &body); err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(body, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: tip height %q: %v", model.ErrProtocol, body, err)
	}
	return n, nil
}

// UTXO is one unspent output of an address.
type UTXO struct {
	TxID  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Value uint64 `json:"value"`
}

// AddressUTXOs fetches the current unspent set of address.
func (c *Client) AddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var utxos []UTXO
	if err := c.get(ctx, "/address/"+address+"/utxo", &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}

// TxStatus is the confirmation state of a transaction.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height"`
	BlockTime   int64  `json:"block_time"`
}

// PrevOut is the output an input spends.
type PrevOut struct {
	Address string `json:"scriptpubkey_address"`
	Value   uint64 `json:"value"`
}

// TxVin is one transaction input with its spent previous output.
type TxVin struct {
	TxID    string  `json:"txid"`
	Vout    uint32  `json:"vout"`
	PrevOut PrevOut `json:"prevout"`
}

// TxVout is one transaction output.
type TxVout struct {
	Address string `json:"scriptpubkey_address"`
	Value   uint64 `json:"value"`
}

// Tx is one transaction touching a watched address.
type Tx struct {
	TxID   string   `json:"txid"`
	Fee    uint64   `json:"fee"`
	VSize  uint64   `json:"vsize"`
	Vin    []TxVin  `json:"vin"`
	Vout   []TxVout `json:"vout"`
	Status TxStatus `json:"status"`
}

// AddressTxs fetches the most recent transactions of address, newest
// first, mempool entries included.
func (c *Client) AddressTxs(ctx context.Context, address string) ([]Tx, error) {
	var txs []Tx
	if err := c.get(ctx, "/address/"+address+"/txs", &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// FeeEstimates returns the sat/vB estimates keyed by confirmation
// target in blocks.
func (c *Client) FeeEstimates(ctx context.Context) (map[string]float64, error) {
	var est map[string]float64
	if err := c.get(ctx, "/fee-estimates", &est); err != nil {
		return nil, err
	}
	return est, nil
}
