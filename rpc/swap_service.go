package rpc

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/noot/xmrswap/bitcoin"
	"github.com/noot/xmrswap/common"
	"github.com/noot/xmrswap/common/types"
	"github.com/noot/xmrswap/net"
	"github.com/noot/xmrswap/protocol/swap"
	"github.com/noot/xmrswap/protocol/xmrmaker"
	"github.com/noot/xmrswap/protocol/xmrtaker"
	"github.com/noot/xmrswap/quote"
)

var (
	errSwapNotFound  = errors.New("rpc: no swap with that ID")
	errOfferNotFound = errors.New("rpc: counterparty has no offer with that ID")
)

// SwapService answers swap_* RPC requests: offer management, taking a
// counterparty's offer, and looking up ongoing/past swaps.
type SwapService struct {
	manager swap.Manager
	taker   *xmrtaker.Instance
	maker   *xmrmaker.Instance
	host    *net.Host
	quotes  *quote.Cache
}

func newSwapService(manager swap.Manager, taker *xmrtaker.Instance, maker *xmrmaker.Instance, host *net.Host) *SwapService {
	return &SwapService{manager: manager, taker: taker, maker: maker, host: host}
}

// SetQuoteCache wires the quote cache MakeOffer uses to price new offers; it
// is set once during daemon startup, after both the rate source and Monero
// balance source it depends on exist.
func (s *SwapService) SetQuoteCache(c *quote.Cache) {
	s.quotes = c
}

// MakeOfferRequest bounds the XMR amount range of the offer to create; the
// exchange rate itself comes from the quote cache, per spec.md §4.7.
type MakeOfferRequest struct {
	MinAmount float64 `json:"minAmount"`
	MaxAmount float64 `json:"maxAmount"`
}

// MakeOfferResponse carries the newly created offer's ID.
type MakeOfferResponse struct {
	OfferID string `json:"offerID"`
}

// MakeOffer computes a quote for [MinAmount, MaxAmount] and registers the
// resulting offer so inbound swap-setup streams can accept it.
func (s *SwapService) MakeOffer(_ *http.Request, req *MakeOfferRequest, resp *MakeOfferResponse) error {
	if s.quotes == nil {
		return errors.New("rpc: quote cache not configured")
	}

	rate, min, max, err := s.quotes.Get(req.MinAmount, req.MaxAmount)
	if err != nil {
		return err
	}

	decRate, _, err := apd.NewFromString(strconv.FormatFloat(float64(rate), 'f', -1, 64))
	if err != nil {
		return err
	}

	offer := types.NewOffer(min, max, decRate)
	if err := offer.Validate(); err != nil {
		return err
	}

	s.maker.MakeOffer(offer)
	resp.OfferID = offer.ID.String()
	return nil
}

// GetOffersResponse carries every offer this seller currently has open.
type GetOffersResponse struct {
	Offers []*types.Offer `json:"offers"`
}

// GetOffers returns every offer this seller currently has open.
func (s *SwapService) GetOffers(_ *http.Request, _ *struct{}, resp *GetOffersResponse) error {
	resp.Offers = s.maker.GetOffers()
	return nil
}

// TakeOfferRequest names a counterparty and the offer to take from it.
type TakeOfferRequest struct {
	Multiaddr      string  `json:"multiaddr"`
	OfferID        string  `json:"offerID"`
	ProvidesAmount float64 `json:"providesAmount"`
}

// TakeOfferResponse carries the new swap's ID.
type TakeOfferResponse struct {
	SwapID string `json:"swapID"`
}

// TakeOffer connects to a counterparty, requests its current offers, and
// drives the buyer's half of the swap-setup handshake against the one
// matching req.OfferID.
func (s *SwapService) TakeOffer(r *http.Request, req *TakeOfferRequest, resp *TakeOfferResponse) error {
	addr, err := ma.NewMultiaddr(req.Multiaddr)
	if err != nil {
		return errInvalidMultiaddr
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return errInvalidMultiaddr
	}

	ctx := r.Context()
	if err := s.host.Connect(ctx, *info); err != nil {
		return err
	}

	qr, err := s.host.RequestQuote(ctx, info.ID)
	if err != nil {
		return err
	}

	offerID, err := uuid.Parse(req.OfferID)
	if err != nil {
		return err
	}

	var offer *types.Offer
	for _, o := range qr.Offers {
		if o.ID == offerID {
			offer = o
			break
		}
	}
	if offer == nil {
		return errOfferNotFound
	}

	swapID, err := s.taker.InitiateSwap(
		ctx,
		info.ID,
		offer,
		common.BitcoinToSat(req.ProvidesAmount),
		bitcoin.AlwaysApprove,
		nil,
	)
	if err != nil {
		return err
	}

	resp.SwapID = swapID.String()
	return nil
}

// SwapIDRequest names a single swap by ID, used by every lookup method below.
type SwapIDRequest struct {
	SwapID string `json:"swapID"`
}

// SwapInfoResponse wraps a swap.Info for JSON transport.
type SwapInfoResponse struct {
	Info swap.Info `json:"info"`
}

// GetOngoingSwap returns a swap still in progress, preferring the live
// in-memory copy over the persisted one if a goroutine is driving it.
func (s *SwapService) GetOngoingSwap(_ *http.Request, req *SwapIDRequest, resp *SwapInfoResponse) error {
	id, err := uuid.Parse(req.SwapID)
	if err != nil {
		return err
	}

	if info, ok := s.taker.GetOngoingSwap(id); ok {
		resp.Info = *info
		return nil
	}
	if info, ok := s.maker.GetOngoingSwap(id); ok {
		resp.Info = *info
		return nil
	}

	info, err := s.manager.GetOngoingSwap(id)
	if err != nil {
		return errSwapNotFound
	}
	resp.Info = info
	return nil
}

// GetPastSwap returns a completed swap's record.
func (s *SwapService) GetPastSwap(_ *http.Request, req *SwapIDRequest, resp *SwapInfoResponse) error {
	id, err := uuid.Parse(req.SwapID)
	if err != nil {
		return err
	}
	info, err := s.manager.GetPastSwap(id)
	if err != nil {
		return errSwapNotFound
	}
	resp.Info = *info
	return nil
}

// GetOngoingSwapsResponse lists every swap still in progress.
type GetOngoingSwapsResponse struct {
	Swaps []*swap.Info `json:"swaps"`
}

// GetOngoingSwaps lists every swap still in progress.
func (s *SwapService) GetOngoingSwaps(_ *http.Request, _ *struct{}, resp *GetOngoingSwapsResponse) error {
	swaps, err := s.manager.GetOngoingSwaps()
	if err != nil {
		return err
	}
	resp.Swaps = swaps
	return nil
}
