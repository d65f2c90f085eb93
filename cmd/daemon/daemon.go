// Package main is the entrypoint of swapd, the long-running daemon that
// holds a Bitcoin wallet and a Monero wallet-rpc connection, listens on
// libp2p for counterparty swap traffic, and drives the xmrtaker/xmrmaker
// state machines to completion.
//
// Grounded on noot-atomic-swap/cmd/daemon: the teacher retrieval only
// carried that package's wait_test.go, so daemon's shape (ctx/cancel
// fields, a wait() that blocks for SIGINT/SIGTERM) is rebuilt from that
// test's expectations, generalized beyond the teacher's single Ethereum
// client to this module's bitcoin.Wallet/monero.Client/net.Host/db.Database
// bundle.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/noot/xmrswap/bitcoin"
	"github.com/noot/xmrswap/db"
	"github.com/noot/xmrswap/monero"
	"github.com/noot/xmrswap/net"
	"github.com/noot/xmrswap/net/message"
	"github.com/noot/xmrswap/protocol/backend"
	"github.com/noot/xmrswap/protocol/swap"
	"github.com/noot/xmrswap/protocol/watcher"
	"github.com/noot/xmrswap/protocol/xmrmaker"
	"github.com/noot/xmrswap/protocol/xmrtaker"
	"github.com/noot/xmrswap/quote"
	"github.com/noot/xmrswap/rpc"
)

var log = logging.Logger("daemon")

// daemon bundles the long-lived components a swapd process owns.
type daemon struct {
	ctx    context.Context
	cancel context.CancelFunc

	btc  bitcoin.Wallet
	xmr  monero.Client
	host *net.Host
	db   db.Database

	backend   backend.Backend
	maker     *xmrmaker.Instance
	taker     *xmrtaker.Instance
	watcher   *watcher.Watcher
	rpcServer *rpc.Server
}

// wait blocks until the daemon's context is cancelled or the process
// receives SIGINT/SIGTERM, then stops the RPC server and closes the libp2p
// host and the database, in that order.
func (d *daemon) wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-d.ctx.Done():
	case sig := <-sigCh:
		log.Infof("received signal %s, shutting down", sig)
		d.cancel()
	}

	if err := d.rpcServer.Stop(); err != nil {
		log.Warnf("error stopping rpc server: %s", err)
	}

	if err := d.host.Close(); err != nil {
		log.Warnf("error closing libp2p host: %s", err)
	}

	if err := d.db.Close(); err != nil {
		log.Warnf("error closing database: %s", err)
	}
}

// newDaemon wires a backend and both protocol instances around the given
// component parts and registers a quote handler that answers with the
// offers the maker instance currently holds.
func newDaemon(
	ctx context.Context,
	cancel context.CancelFunc,
	cfg *daemonConfig,
	btc bitcoin.Wallet,
	xmr monero.Client,
	host *net.Host,
	database db.Database,
) (*daemon, error) {
	swapMgr, err := swap.NewManager(database)
	if err != nil {
		return nil, err
	}

	be := backend.New(ctx, cfg.protocolConfig, btc, xmr, host, database, swapMgr)

	maker, err := xmrmaker.NewInstance(&xmrmaker.Config{Backend: be})
	if err != nil {
		return nil, err
	}

	taker, err := xmrtaker.NewInstance(&xmrtaker.Config{Backend: be, Basepath: cfg.dataDir})
	if err != nil {
		return nil, err
	}

	host.SetQuoteHandler(func(_ context.Context, _ peer.ID) (*message.QueryResponse, error) {
		return &message.QueryResponse{Offers: maker.GetOffers()}, nil
	})

	w := watcher.New(swapMgr, btc, cfg.protocolConfig, maker, taker)
	w.Start(ctx)

	rateSource := quote.NewFixedRateSource(cfg.rate, cfg.spread)
	quotes := quote.NewCache(rateSource, xmr, nil)

	rpcServer, err := rpc.NewServer(&rpc.Config{
		Ctx:      ctx,
		Address:  cfg.rpcAddress,
		Net:      host,
		Manager:  swapMgr,
		XMRTaker: taker,
		XMRMaker: maker,
		Quotes:   quotes,
		Shutdown: cancel,
	})
	if err != nil {
		return nil, err
	}

	return &daemon{
		ctx:       ctx,
		cancel:    cancel,
		btc:       btc,
		xmr:       xmr,
		host:      host,
		db:        database,
		backend:   be,
		maker:     maker,
		taker:     taker,
		watcher:   w,
		rpcServer: rpcServer,
	}, nil
}
