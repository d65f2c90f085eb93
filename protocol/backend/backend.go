// Package backend bundles the capabilities both state machines need —
// wallets, network sender, database, swap manager — behind one injected
// interface, avoiding the cyclic references spec.md §9 warns against (no
// component holds a strong back-reference to the coordinator).
//
// Grounded on noot-atomic-swap/protocol/backend/backend_test.go's backend
// struct (there wrapping a single *ethclient.Client); generalized to wrap
// bitcoin.Wallet and monero.Client instead, plus the net/db/swap-manager
// capabilities this protocol's transport and persistence layers add.
package backend

import (
	"context"

	"github.com/noot/xmrswap/bitcoin"
	"github.com/noot/xmrswap/common"
	"github.com/noot/xmrswap/db"
	"github.com/noot/xmrswap/monero"
	"github.com/noot/xmrswap/net"
	"github.com/noot/xmrswap/protocol/swap"
)

// Backend is the capability interface injected into the buyer and seller
// state machines (protocol/xmrtaker, protocol/xmrmaker).
type Backend interface {
	Ctx() context.Context
	Env() common.Environment
	Config() *common.Config

	Bitcoin() bitcoin.Wallet
	Monero() monero.Client

	Net() *net.Host
	DB() db.Database
	SwapManager() swap.Manager
}

type backend struct {
	ctx    context.Context
	cfg    *common.Config
	btc    bitcoin.Wallet
	xmr    monero.Client
	host   *net.Host
	db     db.Database
	swapMgr swap.Manager
}

var _ Backend = (*backend)(nil)

// New constructs a Backend from its component parts.
func New(
	ctx context.Context,
	cfg *common.Config,
	btc bitcoin.Wallet,
	xmr monero.Client,
	host *net.Host,
	database db.Database,
	swapMgr swap.Manager,
) Backend {
	return &backend{
		ctx:     ctx,
		cfg:     cfg,
		btc:     btc,
		xmr:     xmr,
		host:    host,
		db:      database,
		swapMgr: swapMgr,
	}
}

func (b *backend) Ctx() context.Context       { return b.ctx }
func (b *backend) Env() common.Environment    { return b.cfg.Env }
func (b *backend) Config() *common.Config     { return b.cfg }
func (b *backend) Bitcoin() bitcoin.Wallet    { return b.btc }
func (b *backend) Monero() monero.Client      { return b.xmr }
func (b *backend) Net() *net.Host             { return b.host }
func (b *backend) DB() db.Database            { return b.db }
func (b *backend) SwapManager() swap.Manager  { return b.swapMgr }
