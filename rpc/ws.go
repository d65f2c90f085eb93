package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// pollInterval is how often subscribeSwapStatus re-checks a swap's status.
// swap.Info carries no push channel (unlike the teacher's OfferExtra.StatusCh),
// since this protocol's state machines persist through protocol/coordinator
// rather than holding a dedicated notification channel per swap.
const pollInterval = 2 * time.Second

var (
	errInvalidMethod = errors.New("rpc: invalid websocket method")
	errNoSwapWithID   = errors.New("rpc: no swap with that ID")
)

const subscribeSwapStatus = "swap_subscribeStatus"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsRequest mirrors a JSON-RPC 2.0 request; wsServer only understands
// subscribeSwapStatus, everything else is answered with an error.
type wsRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      uint64          `json:"id"`
}

type wsResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

type wsError struct {
	Message string `json:"message"`
}

type subscribeSwapStatusRequest struct {
	SwapID string `json:"swapID"`
}

type subscribeSwapStatusResponse struct {
	Status string `json:"status"`
}

// wsServer upgrades "/ws" connections and answers subscription requests
// websocket clients use to watch a swap's status live, grounded on
// noot-atomic-swap/rpc/ws.go's read-loop/dispatch shape.
type wsServer struct {
	ctx  context.Context
	swap *SwapService
}

func newWSServer(ctx context.Context, swap *SwapService) *wsServer {
	return &wsServer{ctx: ctx, swap: swap}
}

func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("rpc: failed to upgrade websocket connection: %s", err)
		return
	}
	defer conn.Close() //nolint:errcheck

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			_ = writeWSError(conn, req.ID, err)
			continue
		}

		if err := s.handle(conn, &req); err != nil {
			_ = writeWSError(conn, req.ID, err)
		}
	}
}

func (s *wsServer) handle(conn *websocket.Conn, req *wsRequest) error {
	switch req.Method {
	case subscribeSwapStatus:
		var params subscribeSwapStatusRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return err
		}
		return s.subscribeSwapStatus(conn, req.ID, params.SwapID)
	default:
		return errInvalidMethod
	}
}

// subscribeSwapStatus writes the swap's status every pollInterval until it
// reaches a terminal status or the connection/context closes.
func (s *wsServer) subscribeSwapStatus(conn *websocket.Conn, id uint64, swapIDStr string) error {
	swapID, err := uuid.Parse(swapIDStr)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		info, err := s.swap.manager.GetOngoingSwap(swapID)
		if err != nil {
			past, perr := s.swap.manager.GetPastSwap(swapID)
			if perr != nil {
				return errNoSwapWithID
			}
			return writeWSResult(conn, id, subscribeSwapStatusResponse{Status: past.Status.String()})
		}

		if err := writeWSResult(conn, id, subscribeSwapStatusResponse{Status: info.Status.String()}); err != nil {
			return err
		}
		if !info.IsOngoing() {
			return nil
		}

		select {
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func writeWSResult(conn *websocket.Conn, id uint64, result interface{}) error {
	bz, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return conn.WriteJSON(&wsResponse{JSONRPC: "2.0", ID: id, Result: bz})
}

func writeWSError(conn *websocket.Conn, id uint64, err error) error {
	return conn.WriteJSON(&wsResponse{JSONRPC: "2.0", ID: id, Error: &wsError{Message: err.Error()}})
}
