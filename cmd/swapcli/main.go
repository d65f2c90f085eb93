// Package main provides swapcli, a command-line client for a locally
// running swapd.
//
// Grounded on bingcicle-atomic-swap/cmd/swapcli/main.go's urfave/cli
// command set and flag naming (addresses, discover, make, take, ongoing,
// past, version, shutdown), narrowed to this module's BTC/XMR offer shape
// and extended with show-offer --qr per spec.md §3's offer-sharing need,
// using github.com/skip2/go-qrcode the same way that file's xmr-address
// command does.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"

	"github.com/noot/xmrswap/rpcclient"
)

const swapcliVersion = "0.1.0"

const (
	flagSwapdAddress   = "swapd-address"
	flagMinAmount      = "min-amount"
	flagMaxAmount      = "max-amount"
	flagMultiaddr      = "multiaddr"
	flagOfferID        = "offer-id"
	flagProvidesAmount = "provides-amount"
	flagSwapID         = "swap-id"
	flagNamespace      = "namespace"
	flagQR             = "qr"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	swapdAddrFlag := &cli.StringFlag{
		Name:  flagSwapdAddress,
		Usage: "address of the swapd RPC server",
		Value: "http://127.0.0.1:5000",
	}

	return &cli.App{
		Name:                 "swapcli",
		Usage:                "client for swapd",
		Version:              swapcliVersion,
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:   "addresses",
				Usage:  "list swapd's libp2p listening addresses",
				Action: runAddresses,
				Flags:  []cli.Flag{swapdAddrFlag},
			},
			{
				Name:   "discover",
				Usage:  "find sellers registered at a rendezvous point",
				Action: runDiscover,
				Flags: []cli.Flag{
					swapdAddrFlag,
					&cli.StringFlag{Name: flagMultiaddr, Usage: "rendezvous point multiaddr", Required: true},
					&cli.StringFlag{Name: flagNamespace, Usage: "rendezvous namespace", Required: true},
				},
			},
			{
				Name:   "quote",
				Usage:  "request a counterparty's currently open offer IDs",
				Action: runQuote,
				Flags: []cli.Flag{
					swapdAddrFlag,
					&cli.StringFlag{Name: flagMultiaddr, Usage: "counterparty multiaddr", Required: true},
				},
			},
			{
				Name:   "make",
				Usage:  "make a new offer, priced from swapd's quote cache",
				Action: runMake,
				Flags: []cli.Flag{
					swapdAddrFlag,
					&cli.Float64Flag{Name: flagMinAmount, Usage: "minimum XMR to sell", Required: true},
					&cli.Float64Flag{Name: flagMaxAmount, Usage: "maximum XMR to sell", Required: true},
				},
			},
			{
				Name:   "show-offer",
				Usage:  "print an offer ID alongside swapd's connection addresses, for sharing",
				Action: runShowOffer,
				Flags: []cli.Flag{
					swapdAddrFlag,
					&cli.StringFlag{Name: flagOfferID, Usage: "offer ID to display", Required: true},
					&cli.BoolFlag{Name: flagQR, Usage: "also print the offer as a QR code"},
				},
			},
			{
				Name:   "take",
				Usage:  "take a counterparty's offer",
				Action: runTake,
				Flags: []cli.Flag{
					swapdAddrFlag,
					&cli.StringFlag{Name: flagMultiaddr, Usage: "counterparty multiaddr", Required: true},
					&cli.StringFlag{Name: flagOfferID, Usage: "offer ID to take", Required: true},
					&cli.Float64Flag{Name: flagProvidesAmount, Usage: "BTC to provide", Required: true},
				},
			},
			{
				Name:   "ongoing",
				Usage:  "get an ongoing swap's info",
				Action: runGetOngoingSwap,
				Flags:  []cli.Flag{swapdAddrFlag, &cli.StringFlag{Name: flagSwapID, Required: true}},
			},
			{
				Name:   "past",
				Usage:  "get a completed swap's info",
				Action: runGetPastSwap,
				Flags:  []cli.Flag{swapdAddrFlag, &cli.StringFlag{Name: flagSwapID, Required: true}},
			},
			{
				Name:   "ongoing-all",
				Usage:  "list every swap still in progress",
				Action: runGetOngoingSwaps,
				Flags:  []cli.Flag{swapdAddrFlag},
			},
			{
				Name:   "offers",
				Usage:  "list our own currently open offers",
				Action: runGetOffers,
				Flags:  []cli.Flag{swapdAddrFlag},
			},
			{
				Name:   "version",
				Usage:  "print swapd's version",
				Action: runVersion,
				Flags:  []cli.Flag{swapdAddrFlag},
			},
			{
				Name:   "shutdown",
				Usage:  "ask swapd to shut down",
				Action: runShutdown,
				Flags:  []cli.Flag{swapdAddrFlag},
			},
		},
	}
}

func client(c *cli.Context) *rpcclient.Client {
	return rpcclient.NewClient(c.String(flagSwapdAddress))
}

func runAddresses(c *cli.Context) error {
	resp, err := client(c).Addresses(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("peer ID: %s\n", resp.PeerID)
	for _, a := range resp.Addresses {
		fmt.Println(a)
	}
	return nil
}

func runDiscover(c *cli.Context) error {
	resp, err := client(c).Discover(context.Background(), c.String(flagMultiaddr), c.String(flagNamespace))
	if err != nil {
		return err
	}
	for _, p := range resp.Peers {
		fmt.Printf("%s %v\n", p.PeerID, p.Addrs)
	}
	return nil
}

func runQuote(c *cli.Context) error {
	resp, err := client(c).Quote(context.Background(), c.String(flagMultiaddr))
	if err != nil {
		return err
	}
	for _, id := range resp.OfferIDs {
		fmt.Println(id)
	}
	return nil
}

func runMake(c *cli.Context) error {
	resp, err := client(c).MakeOffer(context.Background(), c.Float64(flagMinAmount), c.Float64(flagMaxAmount))
	if err != nil {
		return err
	}
	fmt.Printf("offer ID: %s\n", resp.OfferID)
	return nil
}

func runShowOffer(c *cli.Context) error {
	offerID := c.String(flagOfferID)
	if _, err := uuid.Parse(offerID); err != nil {
		return fmt.Errorf("invalid offer ID: %w", err)
	}

	addrs, err := client(c).Addresses(context.Background())
	if err != nil {
		return err
	}

	connStr := fmt.Sprintf("%s/p2p/%s?offer=%s", firstOrEmpty(addrs.Addresses), addrs.PeerID, offerID)
	fmt.Println(connStr)

	if !c.Bool(flagQR) {
		return nil
	}
	code, err := qrcode.New(connStr, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Println(code.ToString(false))
	return nil
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func runTake(c *cli.Context) error {
	resp, err := client(c).TakeOffer(
		context.Background(),
		c.String(flagMultiaddr),
		c.String(flagOfferID),
		c.Float64(flagProvidesAmount),
	)
	if err != nil {
		return err
	}
	fmt.Printf("swap ID: %s\n", resp.SwapID)
	return nil
}

func runGetOngoingSwap(c *cli.Context) error {
	resp, err := client(c).GetOngoingSwap(context.Background(), c.String(flagSwapID))
	if err != nil {
		return err
	}
	fmt.Printf("%+v\n", resp.Info)
	return nil
}

func runGetPastSwap(c *cli.Context) error {
	resp, err := client(c).GetPastSwap(context.Background(), c.String(flagSwapID))
	if err != nil {
		return err
	}
	fmt.Printf("%+v\n", resp.Info)
	return nil
}

func runGetOngoingSwaps(c *cli.Context) error {
	resp, err := client(c).GetOngoingSwaps(context.Background())
	if err != nil {
		return err
	}
	for _, s := range resp.Swaps {
		fmt.Printf("%+v\n", *s)
	}
	return nil
}

func runGetOffers(c *cli.Context) error {
	resp, err := client(c).GetOffers(context.Background())
	if err != nil {
		return err
	}
	for _, o := range resp.Offers {
		fmt.Println(o.String())
	}
	return nil
}

func runVersion(c *cli.Context) error {
	resp, err := client(c).Version(context.Background())
	if err != nil {
		return err
	}
	fmt.Println(resp.Version)
	return nil
}

func runShutdown(c *cli.Context) error {
	return client(c).Shutdown(context.Background())
}
