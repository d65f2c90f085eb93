package net

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/noot/xmrswap/net/message"
)

// rendezvousProtocolID is the wire protocol a rendezvous point answers
// register/query requests on, per spec.md §4.5's "Rendezvous: client.
// Seller registers itself under a namespace; buyer queries to discover
// sellers." Any Host can serve as a rendezvous point; it just needs to be
// dialable at a known address both parties configure out of band.
const rendezvousProtocolID = protocol.ID("/xmrswap/rendezvous/1")

// rendezvousRegistry is the in-memory namespace -> registered peers table a
// Host keeps when acting as a rendezvous point.
type rendezvousRegistry struct {
	mu    sync.Mutex
	peers map[string][]message.RendezvousPeer // namespace -> registrants
}

func newRendezvousRegistry() *rendezvousRegistry {
	return &rendezvousRegistry{peers: make(map[string][]message.RendezvousPeer)}
}

func (r *rendezvousRegistry) register(namespace string, p message.RendezvousPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.peers[namespace] {
		if existing.PeerID == p.PeerID {
			r.peers[namespace][i] = p
			return
		}
	}
	r.peers[namespace] = append(r.peers[namespace], p)
}

func (r *rendezvousRegistry) query(namespace string) []message.RendezvousPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]message.RendezvousPeer, len(r.peers[namespace]))
	copy(out, r.peers[namespace])
	return out
}

// ServeRendezvous installs the rendezvous-point stream handler on this
// Host, so other peers can register/query namespaces against it.
func (n *Host) ServeRendezvous() {
	n.rendezvous = newRendezvousRegistry()
	n.h.SetStreamHandler(rendezvousProtocolID, n.handleRendezvousStream)
}

func (n *Host) handleRendezvousStream(s network.Stream) {
	defer s.Close() //nolint:errcheck
	if n.rendezvous == nil {
		return
	}
	fs := newFramedStream(s)
	m, err := fs.ReadMessage()
	if err != nil {
		return
	}
	req, ok := m.(*message.Rendezvous)
	if !ok {
		return
	}

	switch req.Action {
	case message.RendezvousRegister:
		n.rendezvous.register(req.Namespace, message.RendezvousPeer{PeerID: req.PeerID, Addrs: req.Addrs})
		_ = fs.WriteMessage(&message.Rendezvous{Action: message.RendezvousRegister, Namespace: req.Namespace})
	case message.RendezvousQuery:
		peers := n.rendezvous.query(req.Namespace)
		_ = fs.WriteMessage(&message.Rendezvous{Action: message.RendezvousQuery, Namespace: req.Namespace, Peers: peers})
	}
}

// RegisterRendezvous announces this host under namespace at the given
// rendezvous point.
func (n *Host) RegisterRendezvous(ctx context.Context, rendezvousPoint peer.AddrInfo, namespace string) error {
	if err := n.Connect(ctx, rendezvousPoint); err != nil {
		return err
	}
	s, err := n.h.NewStream(ctx, rendezvousPoint.ID, rendezvousProtocolID)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	fs := newFramedStream(s)
	req := &message.Rendezvous{
		Action:    message.RendezvousRegister,
		Namespace: namespace,
		PeerID:    n.PeerID().String(),
		Addrs:     n.Addrs(),
	}
	if err := fs.WriteMessage(req); err != nil {
		return err
	}
	_, err = fs.ReadMessage()
	return err
}

// DiscoverSellers queries rendezvousPoint for peers registered under
// namespace.
func (n *Host) DiscoverSellers(ctx context.Context, rendezvousPoint peer.AddrInfo, namespace string) ([]message.RendezvousPeer, error) {
	if err := n.Connect(ctx, rendezvousPoint); err != nil {
		return nil, err
	}
	s, err := n.h.NewStream(ctx, rendezvousPoint.ID, rendezvousProtocolID)
	if err != nil {
		return nil, err
	}
	defer s.Close() //nolint:errcheck

	fs := newFramedStream(s)
	req := &message.Rendezvous{Action: message.RendezvousQuery, Namespace: namespace}
	if err := fs.WriteMessage(req); err != nil {
		return nil, err
	}
	resp, err := fs.ReadMessage()
	if err != nil {
		return nil, err
	}
	r, ok := resp.(*message.Rendezvous)
	if !ok {
		return nil, errUnexpectedResponseType
	}
	return r.Peers, nil
}
