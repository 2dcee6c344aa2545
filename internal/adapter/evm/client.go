package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mirador/chainwatch/internal/model"
)

// Client wraps a required HTTP endpoint and an optional WebSocket
// endpoint. Reads go over HTTP; subscriptions require the WebSocket
// connection and error with ErrNotConnected without one.
type Client struct {
	httpURL string
	wsURL   string
	logger  *slog.Logger

	mu   sync.RWMutex
	http *ethclient.Client
	ws   *ethclient.Client
}

func NewClient(httpURL, wsURL string, logger *slog.Logger) *Client {
	return &Client{
		httpURL: httpURL,
		wsURL:   wsURL,
		logger:  logger.With("component", "evm-client"),
	}
}

// Connect dials the HTTP endpoint and, when configured, the WebSocket
// endpoint. A failed WebSocket dial degrades to HTTP polling instead of
// failing the connect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.http != nil {
		return nil
	}

	http, err := ethclient.DialContext(ctx, c.httpURL)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", model.ErrTransport, c.httpURL, err)
	}
	c.http = http

	if c.wsURL != "" {
		ws, err := ethclient.DialContext(ctx, c.wsURL)
		if err != nil {
			c.logger.Warn("websocket dial failed, falling back to polling", "url", c.wsURL, "error", err)
		} else {
			c.ws = ws
		}
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	if c.http != nil {
		c.http.Close()
		c.http = nil
	}
}

// HasWebsocket reports whether a live subscription transport exists.
func (c *Client) HasWebsocket() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ws != nil
}

func (c *Client) reader() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.http == nil {
		return nil, model.ErrNotConnected
	}
	return c.http, nil
}

func (c *Client) subscriber() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ws == nil {
		return nil, fmt.Errorf("%w: no websocket endpoint", model.ErrNotConnected)
	}
	return c.ws, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	client, err := c.reader()
	if err != nil {
		return nil, err
	}
	return client.ChainID(ctx)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	client, err := c.reader()
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

func (c *Client) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	client, err := c.reader()
	if err != nil {
		return nil, err
	}
	return client.BlockByNumber(ctx, number)
}

func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	client, err := c.reader()
	if err != nil {
		return nil, err
	}
	return client.FilterLogs(ctx, query)
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	client, err := c.reader()
	if err != nil {
		return nil, err
	}
	return client.SuggestGasPrice(ctx)
}

func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	client, err := c.subscriber()
	if err != nil {
		return nil, err
	}
	return client.SubscribeNewHead(ctx, ch)
}

func (c *Client) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan types.Log) (ethereum.Subscription, error) {
	client, err := c.subscriber()
	if err != nil {
		return nil, err
	}
	return client.SubscribeFilterLogs(ctx, query, ch)
}
