// Package rpcclient is a thin client for swapd's JSON-RPC surface (see
// package rpc), used by cmd/swapcli. Each exported method POSTs a
// gorilla/rpc/v2 "<namespace>.<Method>" JSON-RPC 2.0 request and decodes the
// matching response type from package rpc.
//
// Grounded on the request/response shapes noot-atomic-swap/rpcclient/wsclient
// (rpctypes.Request/Response, sequential request IDs, a shared http.Client)
// uses for its websocket sibling, adapted here to a plain HTTP POST per call
// instead of one persistent connection.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/noot/xmrswap/rpc"
)

// Client is a blocking HTTP JSON-RPC client against a running swapd.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient returns a Client against endpoint (eg. "http://127.0.0.1:5000").
func NewClient(endpoint string) *Client {
	return &Client{endpoint: endpoint, http: new(http.Client)}
}

// jsonrpcRequest is a gorilla/rpc/v2/json2 request: Params must be a
// single-element JSON array wrapping the actual argument object, per that
// codec's ReadRequest implementation.
type jsonrpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  [1]interface{} `json:"params"`
	ID      uint64        `json:"id"`
}

type jsonrpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonrpcError   `json:"error"`
	ID     uint64          `json:"id"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonrpcError) Error() string { return e.Message }

// call performs one request/response round trip against method, decoding
// the result into out (a pointer to the matching rpc.*Response type).
func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	req := &jsonrpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  [1]interface{}{params},
		ID:      1,
	}

	bz, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bz))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	var rpcResp jsonrpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("rpcclient: failed to decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// Addresses returns the daemon's libp2p peer ID and listen addresses.
func (c *Client) Addresses(ctx context.Context) (*rpc.AddressesResponse, error) {
	resp := new(rpc.AddressesResponse)
	if err := c.call(ctx, "net.Addresses", struct{}{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Discover queries a rendezvous point for sellers registered under namespace.
func (c *Client) Discover(ctx context.Context, rendezvousMultiaddr, namespace string) (*rpc.DiscoverResponse, error) {
	resp := new(rpc.DiscoverResponse)
	req := &rpc.DiscoverRequest{RendezvousMultiaddr: rendezvousMultiaddr, Namespace: namespace}
	if err := c.call(ctx, "net.Discover", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Quote connects to a peer and requests its current offer IDs.
func (c *Client) Quote(ctx context.Context, multiaddr string) (*rpc.QuoteResponse, error) {
	resp := new(rpc.QuoteResponse)
	req := &rpc.QuoteRequest{Multiaddr: multiaddr}
	if err := c.call(ctx, "net.Quote", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// MakeOffer creates a new offer priced from the daemon's quote cache.
func (c *Client) MakeOffer(ctx context.Context, min, max float64) (*rpc.MakeOfferResponse, error) {
	resp := new(rpc.MakeOfferResponse)
	req := &rpc.MakeOfferRequest{MinAmount: min, MaxAmount: max}
	if err := c.call(ctx, "swap.MakeOffer", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetOffers lists every offer this seller currently has open.
func (c *Client) GetOffers(ctx context.Context) (*rpc.GetOffersResponse, error) {
	resp := new(rpc.GetOffersResponse)
	if err := c.call(ctx, "swap.GetOffers", struct{}{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// TakeOffer drives the buyer's half of the swap-setup handshake against a
// counterparty's offer and returns the new swap's ID.
func (c *Client) TakeOffer(ctx context.Context, multiaddr, offerID string, providesAmount float64) (*rpc.TakeOfferResponse, error) {
	resp := new(rpc.TakeOfferResponse)
	req := &rpc.TakeOfferRequest{Multiaddr: multiaddr, OfferID: offerID, ProvidesAmount: providesAmount}
	if err := c.call(ctx, "swap.TakeOffer", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetOngoingSwap returns a swap still in progress.
func (c *Client) GetOngoingSwap(ctx context.Context, swapID string) (*rpc.SwapInfoResponse, error) {
	resp := new(rpc.SwapInfoResponse)
	req := &rpc.SwapIDRequest{SwapID: swapID}
	if err := c.call(ctx, "swap.GetOngoingSwap", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetPastSwap returns a completed swap's record.
func (c *Client) GetPastSwap(ctx context.Context, swapID string) (*rpc.SwapInfoResponse, error) {
	resp := new(rpc.SwapInfoResponse)
	req := &rpc.SwapIDRequest{SwapID: swapID}
	if err := c.call(ctx, "swap.GetPastSwap", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetOngoingSwaps lists every swap still in progress.
func (c *Client) GetOngoingSwaps(ctx context.Context) (*rpc.GetOngoingSwapsResponse, error) {
	resp := new(rpc.GetOngoingSwapsResponse)
	if err := c.call(ctx, "swap.GetOngoingSwaps", struct{}{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Version returns the daemon's version string.
func (c *Client) Version(ctx context.Context) (*rpc.VersionResponse, error) {
	resp := new(rpc.VersionResponse)
	if err := c.call(ctx, "daemon.Version", struct{}{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Shutdown asks the daemon to cancel its root context and exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, "daemon.Shutdown", struct{}{}, new(rpc.ShutdownResponse))
}
