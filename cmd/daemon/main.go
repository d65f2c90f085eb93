package main

import (
	"context"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cockroachdb/apd/v3"
	logging "github.com/ipfs/go-log"
	"github.com/urfave/cli/v2"

	"github.com/noot/xmrswap/bitcoin"
	"github.com/noot/xmrswap/common"
	"github.com/noot/xmrswap/common/types"
	"github.com/noot/xmrswap/db"
	"github.com/noot/xmrswap/monero"
	"github.com/noot/xmrswap/net"
)

const (
	flagEnv              = "env"
	flagDataDir          = "data-dir"
	flagLibp2pPort       = "libp2p-port"
	flagBitcoinEndpoint  = "bitcoin-endpoint"
	flagBitcoinUser      = "bitcoin-user"
	flagBitcoinPassword  = "bitcoin-password"
	flagMoneroEndpoint   = "monero-endpoint"
	flagOfferMinAmount   = "min-amount"
	flagOfferMaxAmount   = "max-amount"
	flagOfferExchangeRate = "exchange-rate"
	flagOfferSpread      = "spread"
	flagRPCAddress       = "rpc-address"
	flagLogLevel         = "log-level"
)

type daemonConfig struct {
	env            common.Environment
	protocolConfig *common.Config
	dataDir        string
	libp2pPort     uint
	rpcAddress     string
	rate           *apd.Decimal // ask price, BTC per XMR; zero until an operator sets one
	spread         *apd.Decimal
}

func main() {
	app := &cli.App{
		Name:  "swapd",
		Usage: "BTC/XMR atomic swap daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagEnv, Value: "development", Usage: "mainnet, stagenet, or development"},
			&cli.StringFlag{Name: flagDataDir, Value: defaultDataDir(), Usage: "swapd data directory"},
			&cli.UintFlag{Name: flagLibp2pPort, Value: 9934, Usage: "libp2p listen port"},
			&cli.StringFlag{Name: flagBitcoinEndpoint, Value: "127.0.0.1:18443", Usage: "bitcoind RPC endpoint"},
			&cli.StringFlag{Name: flagBitcoinUser, Usage: "bitcoind RPC username"},
			&cli.StringFlag{Name: flagBitcoinPassword, Usage: "bitcoind RPC password"},
			&cli.StringFlag{Name: flagMoneroEndpoint, Value: "127.0.0.1:18083/json_rpc", Usage: "monero-wallet-rpc endpoint"},
			&cli.Float64Flag{Name: flagOfferMinAmount, Usage: "minimum XMR offered for sale, if running as a seller"},
			&cli.Float64Flag{Name: flagOfferMaxAmount, Usage: "maximum XMR offered for sale, if running as a seller"},
			&cli.StringFlag{Name: flagOfferExchangeRate, Usage: "BTC-per-XMR ask price quoted over RPC, if running as a seller"},
			&cli.StringFlag{Name: flagOfferSpread, Value: "0", Usage: "spread applied on top of the ask price, eg. 0.02 for 2%"},
			&cli.StringFlag{Name: flagRPCAddress, Value: "127.0.0.1:5000", Usage: "listen address for the local JSON-RPC/websocket control plane"},
			&cli.StringFlag{Name: flagLogLevel, Value: "info", Usage: "log level: debug, info, warn, error"},
		},
		Action: runDaemon,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".swapd"
	}
	return home + "/.swapd"
}

func runDaemon(c *cli.Context) error {
	if err := logging.SetLogLevel("*", c.String(flagLogLevel)); err != nil {
		return err
	}

	env, protocolCfg, err := parseEnv(c.String(flagEnv))
	if err != nil {
		return err
	}

	dataDir := c.String(flagDataDir)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	params := chainParamsForEnv(env)
	btcWallet, err := bitcoin.NewRPCWallet(
		c.String(flagBitcoinEndpoint),
		c.String(flagBitcoinUser),
		c.String(flagBitcoinPassword),
		params,
	)
	if err != nil {
		return fmt.Errorf("connecting to bitcoind: %w", err)
	}

	xmrClient := monero.NewClient(c.String(flagMoneroEndpoint), env)

	host, err := net.NewHost(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", c.Uint(flagLibp2pPort)))
	if err != nil {
		return fmt.Errorf("starting libp2p host: %w", err)
	}

	database, err := db.NewDatabase(dataDir)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	askRate := apd.New(0, 0)
	if s := c.String(flagOfferExchangeRate); s != "" {
		parsed, _, err := apd.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", flagOfferExchangeRate, err)
		}
		askRate = parsed
	}
	spread, _, err := apd.NewFromString(c.String(flagOfferSpread))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", flagOfferSpread, err)
	}

	ctx, cancel := context.WithCancel(c.Context)
	d, err := newDaemon(ctx, cancel, &daemonConfig{
		env:            env,
		protocolConfig: protocolCfg,
		dataDir:        dataDir,
		libp2pPort:     c.Uint(flagLibp2pPort),
		rpcAddress:     c.String(flagRPCAddress),
		rate:           askRate,
		spread:         spread,
	}, btcWallet, xmrClient, host, database)
	if err != nil {
		cancel()
		return err
	}

	host.Start()
	log.Infof("swapd listening on %v, peer ID %s", host.Addrs(), host.PeerID())
	go func() {
		if err := d.rpcServer.Start(); err != nil && err != ctx.Err() {
			log.Warnf("rpc server exited: %s", err)
		}
	}()
	log.Infof("rpc server listening on %s", d.rpcServer.HttpURL())

	if c.String(flagOfferExchangeRate) != "" {
		offer := types.NewOffer(c.Float64(flagOfferMinAmount), c.Float64(flagOfferMaxAmount), askRate)
		if err := offer.Validate(); err != nil {
			cancel()
			return fmt.Errorf("invalid offer: %w", err)
		}
		d.maker.MakeOffer(offer)
		log.Infof("offering %s (offer ID %s)", offer, offer.ID)
	}

	d.wait()
	return nil
}

func parseEnv(s string) (common.Environment, *common.Config, error) {
	switch s {
	case "mainnet":
		return common.Mainnet, common.DefaultMainnetConfig(), nil
	case "stagenet":
		cfg := common.DefaultMainnetConfig()
		cfg.Env = common.Stagenet
		cfg.BitcoinNetwork = "testnet"
		cfg.MoneroNetwork = "stagenet"
		return common.Stagenet, cfg, nil
	case "development":
		return common.Development, common.DefaultDevelopmentConfig(), nil
	default:
		return 0, nil, fmt.Errorf("unknown environment %q", s)
	}
}

func chainParamsForEnv(env common.Environment) *chaincfg.Params {
	switch env {
	case common.Mainnet:
		return &chaincfg.MainNetParams
	case common.Stagenet:
		return &chaincfg.TestNet3Params
	default:
		return &chaincfg.RegressionNetParams
	}
}
