// Package rpc provides swapd's local JSON-RPC and websocket control plane:
// the coordinator/watcher machinery of protocol/coordinator and
// protocol/watcher is only operable from the outside through the namespaces
// registered here. Spec.md explicitly scopes full GUI/settings front-ends
// out, but a daemon with no control surface at all cannot be driven or
// tested end-to-end, so this package carries the same minimal surface the
// teacher ships.
//
// Grounded on bingcicle-atomic-swap/rpc/server.go's Server/Config/NewServer
// shape (gorilla/rpc/v2 JSON-RPC registered alongside a gorilla/mux router
// and a gorilla/websocket upgrade handler, wrapped in gorilla/handlers CORS),
// generalized from that repo's Ethereum-specific namespace set (personal,
// database) down to the three namespaces this protocol needs: daemon, net,
// swap.
package rpc

import (
	"context"
	"errors"
	"fmt"
	stdnet "net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	gorillarpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	logging "github.com/ipfs/go-log"

	"github.com/noot/xmrswap/net"
	"github.com/noot/xmrswap/protocol/swap"
	"github.com/noot/xmrswap/protocol/xmrmaker"
	"github.com/noot/xmrswap/protocol/xmrtaker"
	"github.com/noot/xmrswap/quote"
)

// Namespace names, each registered as a gorilla/rpc/v2 service: RPC methods
// are dispatched as "<namespace>.<Method>", eg. "swap.GetOngoingSwap".
const (
	DaemonNamespace = "daemon"
	NetNamespace    = "net"
	SwapNamespace   = "swap"
)

var log = logging.Logger("rpc")

// Config contains the dependencies and listen address needed to start a
// Server.
type Config struct {
	Ctx      context.Context
	Address  string // "host:port"
	Net      *net.Host
	Manager  swap.Manager
	XMRTaker *xmrtaker.Instance
	XMRMaker *xmrmaker.Instance
	Quotes   *quote.Cache
	Shutdown context.CancelFunc
}

// Server is the HTTP listener serving JSON-RPC requests at "/" and
// websocket subscriptions at "/ws".
type Server struct {
	ctx        context.Context
	listener   stdnet.Listener
	httpServer *http.Server
}

// NewServer registers the daemon/net/swap services against a new gorilla/rpc
// server, wires a websocket subscription handler alongside it, and binds
// cfg.Address without yet accepting connections (call Start for that).
func NewServer(cfg *Config) (*Server, error) {
	rpcServer := gorillarpc.NewServer()
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json")

	serverCtx, serverCancel := context.WithCancel(cfg.Ctx)

	swapService := newSwapService(cfg.Manager, cfg.XMRTaker, cfg.XMRMaker, cfg.Net)
	if cfg.Quotes != nil {
		swapService.SetQuoteCache(cfg.Quotes)
	}

	if err := rpcServer.RegisterService(newDaemonService(cfg.Shutdown), DaemonNamespace); err != nil {
		serverCancel()
		return nil, err
	}
	if err := rpcServer.RegisterService(newNetService(cfg.Net), NetNamespace); err != nil {
		serverCancel()
		return nil, err
	}
	if err := rpcServer.RegisterService(swapService, SwapNamespace); err != nil {
		serverCancel()
		return nil, err
	}

	ws := newWSServer(serverCtx, swapService)

	lc := stdnet.ListenConfig{}
	ln, err := lc.Listen(serverCtx, "tcp", cfg.Address)
	if err != nil {
		serverCancel()
		return nil, err
	}

	r := mux.NewRouter()
	r.Handle("/", rpcServer)
	r.Handle("/ws", ws)

	headersOk := handlers.AllowedHeaders([]string{"content-type"})
	methodsOk := handlers.AllowedMethods([]string{"GET", "HEAD", "POST", "PUT", "OPTIONS"})
	originsOk := handlers.AllowedOrigins([]string{"*"})

	httpServer := &http.Server{
		Addr:              ln.Addr().String(),
		ReadHeaderTimeout: time.Second,
		Handler:           handlers.CORS(headersOk, methodsOk, originsOk)(r),
		BaseContext: func(stdnet.Listener) context.Context {
			return serverCtx
		},
	}

	return &Server{
		ctx:        serverCtx,
		listener:   ln,
		httpServer: httpServer,
	}, nil
}

// HttpURL returns the URL used for HTTP JSON-RPC requests.
func (s *Server) HttpURL() string { //nolint:revive
	return fmt.Sprintf("http://%s", s.httpServer.Addr)
}

// WsURL returns the URL used for websocket subscriptions.
func (s *Server) WsURL() string {
	return fmt.Sprintf("ws://%s/ws", s.httpServer.Addr)
}

// Start serves JSON-RPC and websocket requests until ctx is cancelled or the
// underlying listener fails.
func (s *Server) Start() error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}

	log.Infof("starting RPC server on %s", s.HttpURL())
	log.Infof("starting websocket server on %s", s.WsURL())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-s.ctx.Done():
		err := s.httpServer.Shutdown(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("rpc server shutdown errored: %s", err)
		}
		return s.ctx.Err()
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("rpc server failed: %s", err)
		} else {
			log.Info("rpc server shut down")
		}
		return err
	}
}

// Stop gracefully shuts the server down, servicing already-connected clients
// until they disconnect.
func (s *Server) Stop() error {
	return s.httpServer.Shutdown(s.ctx)
}
