package rpc

import (
	"errors"
	"net/http"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/noot/xmrswap/net"
	"github.com/noot/xmrswap/net/message"
)

var errInvalidMultiaddr = errors.New("rpc: invalid or missing multiaddr")

// NetService answers net_* RPC requests: this host's own identity/addresses,
// rendezvous discovery of sellers, and quote requests against a known
// counterparty.
type NetService struct {
	host *net.Host
}

func newNetService(host *net.Host) *NetService {
	return &NetService{host: host}
}

// AddressesResponse carries this daemon's libp2p identity and listen addresses.
type AddressesResponse struct {
	PeerID    string   `json:"peerID"`
	Addresses []string `json:"addresses"`
}

// Addresses returns this daemon's libp2p peer ID and listen multiaddrs.
func (s *NetService) Addresses(_ *http.Request, _ *struct{}, resp *AddressesResponse) error {
	resp.PeerID = s.host.PeerID().String()
	resp.Addresses = s.host.Addrs()
	return nil
}

// DiscoverRequest names a rendezvous point and namespace to search.
type DiscoverRequest struct {
	RendezvousMultiaddr string `json:"rendezvousMultiaddr"`
	Namespace           string `json:"namespace"`
}

// DiscoverResponse carries the sellers found registered at a rendezvous point.
type DiscoverResponse struct {
	Peers []message.RendezvousPeer `json:"peers"`
}

// Discover queries a rendezvous point for sellers registered under a
// namespace (spec.md §4.5's discovery sub-protocol).
func (s *NetService) Discover(r *http.Request, req *DiscoverRequest, resp *DiscoverResponse) error {
	addr, err := ma.NewMultiaddr(req.RendezvousMultiaddr)
	if err != nil {
		return errInvalidMultiaddr
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return errInvalidMultiaddr
	}

	peers, err := s.host.DiscoverSellers(r.Context(), *info, req.Namespace)
	if err != nil {
		return err
	}
	resp.Peers = peers
	return nil
}

// QuoteRequest names a peer to request a live quote from.
type QuoteRequest struct {
	Multiaddr string `json:"multiaddr"`
}

// QuoteResponse carries a counterparty's currently open offer IDs.
type QuoteResponse struct {
	OfferIDs []string `json:"offerIDs"`
}

// Quote connects to a peer (if not already connected) and requests its
// current offers.
func (s *NetService) Quote(r *http.Request, req *QuoteRequest, resp *QuoteResponse) error {
	addr, err := ma.NewMultiaddr(req.Multiaddr)
	if err != nil {
		return errInvalidMultiaddr
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return errInvalidMultiaddr
	}

	if err := s.host.Connect(r.Context(), *info); err != nil {
		return err
	}

	qr, err := s.host.RequestQuote(r.Context(), info.ID)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(qr.Offers))
	for _, o := range qr.Offers {
		ids = append(ids, o.ID.String())
	}
	resp.OfferIDs = ids
	return nil
}
