// Package wsclient is a client for swapd's "/ws" subscription endpoint (see
// package rpc's wsServer): today that endpoint answers exactly one method,
// swap_subscribeStatus, streaming a swap's status every time the daemon
// polls it until the swap reaches a terminal status.
//
// Grounded on noot-atomic-swap/rpcclient/wsclient/wsclient.go's connection
// and read-loop shape (a single *websocket.Conn guarded by separate
// read/write mutexes, one goroutine per subscription draining into a
// channel), narrowed to this protocol's one subscription method.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("rpcclient")

// WsClient subscribes to a swap's status over swapd's websocket endpoint.
type WsClient interface {
	Close()
	SubscribeSwapStatus(swapID string) (<-chan string, error)
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      uint64          `json:"id"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *responseError  `json:"error"`
	ID     uint64          `json:"id"`
}

type responseError struct {
	Message string `json:"message"`
}

type subscribeSwapStatusParams struct {
	SwapID string `json:"swapID"`
}

type subscribeSwapStatusResult struct {
	Status string `json:"status"`
}

type wsClient struct {
	wmu  sync.Mutex
	rmu  sync.Mutex
	conn *websocket.Conn
}

// NewWsClient dials endpoint (eg. "ws://127.0.0.1:5000/ws") and returns a
// WsClient over the resulting connection.
func NewWsClient(ctx context.Context, endpoint string) (WsClient, error) { //nolint:revive
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial endpoint: %w", err)
	}
	if err := resp.Body.Close(); err != nil {
		return nil, err
	}
	return &wsClient{conn: conn}, nil
}

func (c *wsClient) Close() {
	_ = c.conn.Close()
}

func (c *wsClient) writeJSON(msg *request) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *wsClient) read() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return message, nil
}

// SubscribeSwapStatus returns a channel written to every time swapID's
// status is polled, closed once the swap reaches a terminal status or the
// connection fails.
func (c *wsClient) SubscribeSwapStatus(swapID string) (<-chan string, error) {
	params, err := json.Marshal(&subscribeSwapStatusParams{SwapID: swapID})
	if err != nil {
		return nil, err
	}

	req := &request{
		JSONRPC: "2.0",
		Method:  "swap_subscribeStatus",
		Params:  params,
		ID:      0,
	}
	if err := c.writeJSON(req); err != nil {
		return nil, err
	}

	ch := make(chan string)
	go func() {
		defer close(ch)
		for {
			message, err := c.read()
			if err != nil {
				log.Warnf("failed to read websocket message: %s", err)
				return
			}

			var resp response
			if err := json.Unmarshal(message, &resp); err != nil {
				log.Warnf("failed to unmarshal response: %s", err)
				return
			}
			if resp.Error != nil {
				log.Warnf("websocket server returned error: %s", resp.Error.Message)
				return
			}

			var result subscribeSwapStatusResult
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				log.Warnf("failed to unmarshal swap status: %s", err)
				return
			}

			ch <- result.Status
			if result.Status != "Ongoing" {
				return
			}
		}
	}()

	return ch, nil
}
