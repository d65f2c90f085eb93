// Package net implements the peer-to-peer transport and request/response
// layer of SPEC_FULL.md §4.5/§4.9: a single-threaded cooperative event loop
// built on a libp2p host, carrying the protocol's five sub-protocols (quote,
// swap-setup, transfer-proof, encrypted-signature, cooperative-redeem) plus
// rendezvous-based seller discovery.
//
// New code: the teacher (noot-atomic-swap) retrieval only carried its
// message-framing package (net/message/message.go), not the libp2p host
// wiring that used it, so this file is built directly against
// github.com/libp2p/go-libp2p (already in the teacher's go.mod) following
// the request/ACK pairing style that package's Message types imply and the
// connection-loss buffering spec.md §4.5 describes.
package net

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	logging "github.com/ipfs/go-log"

	"github.com/noot/xmrswap/net/message"
)

var log = logging.Logger("net")

// Protocol IDs for the sub-protocols of spec.md §4.5.
const (
	quoteProtocolID              = protocol.ID("/xmrswap/quote/1")
	swapSetupProtocolID          = protocol.ID("/xmrswap/swapsetup/1")
	transferProofProtocolID      = protocol.ID("/xmrswap/transferproof/1")
	encryptedSignatureProtocolID = protocol.ID("/xmrswap/encsig/1")
	cooperativeRedeemProtocolID  = protocol.ID("/xmrswap/cooperativeredeem/1")
)

// maxMessageSize bounds a single framed message, guarding against a
// misbehaving peer claiming an enormous length prefix.
const maxMessageSize = 1 << 20

// retryInitialInterval/retryMaxInterval bound the exponential backoff used
// for the transfer-proof and encrypted-signature sub-protocols, per
// spec.md §5's "indispensable steps" retry policy.
const (
	retryInitialInterval = 100 * time.Millisecond
	retryMaxInterval     = 60 * time.Second
)

// SwapSetupHandler handles an inbound swap-setup stream: it should read and
// write the multi-round messages itself and close the stream when done.
type SwapSetupHandler func(ctx context.Context, peerID peer.ID, s Stream)

// QuoteHandler answers an inbound quote request.
type QuoteHandler func(ctx context.Context, peerID peer.ID) (*message.QueryResponse, error)

// TransferProofHandler processes an inbound transfer proof and returns
// whether to ACK it (true unless the swap ID is unknown).
type TransferProofHandler func(ctx context.Context, peerID peer.ID, m *message.TransferProof) bool

// EncryptedSignatureHandler processes an inbound encrypted signature. It is
// invoked for every re-send too: the idempotent-ACK discipline of spec.md
// §4.3/§8 lives in the caller (protocol/xmrmaker), not here.
type EncryptedSignatureHandler func(ctx context.Context, peerID peer.ID, m *message.EncryptedSignature) bool

// CooperativeRedeemHandler answers an inbound cooperative-redeem request.
type CooperativeRedeemHandler func(ctx context.Context, peerID peer.ID, m *message.CooperativeRedeem) *message.CooperativeRedeemResponse

// Stream is the minimal framed read/write surface a swap-setup handler
// needs; it is satisfied by network.Stream.
type Stream interface {
	io.Closer
	ReadMessage() (message.Message, error)
	WriteMessage(m message.Message) error
}

type framedStream struct {
	network.Stream
	r *bufio.Reader
}

func newFramedStream(s network.Stream) *framedStream {
	return &framedStream{Stream: s, r: bufio.NewReader(s)}
}

func (f *framedStream) ReadMessage() (message.Message, error) {
	b, err := readFrame(f.r)
	if err != nil {
		return nil, err
	}
	return message.DecodeMessage(b)
}

func (f *framedStream) WriteMessage(m message.Message) error {
	b, err := m.Encode()
	if err != nil {
		return err
	}
	return writeFrame(f.Stream, b)
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxMessageSize {
		return nil, fmt.Errorf("net: frame of %d bytes exceeds max %d", n, maxMessageSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// pendingTransferProof is a transfer proof parked because its target peer
// was not connected when the seller tried to send it (spec.md §4.5's
// connection-loss buffering).
type pendingTransferProof struct {
	swapID string
	msg    *message.TransferProof
}

// Host is the event loop described in spec.md §4.5/§9: it owns the libp2p
// swarm, dispatches sub-protocol handlers, and retries/buffers the
// at-least-once-delivery messages (transfer proof, encrypted signature).
// It is single-threaded from the caller's perspective in the sense that all
// public methods are safe to call concurrently but each per-swap send is
// serialized by its own retry loop — per spec.md §5, ordering is preserved
// per swap, not globally.
type Host struct {
	h host.Host

	mu               sync.Mutex
	bufferedProofs   map[peer.ID][]pendingTransferProof // drained on reconnect
	rendezvous       *rendezvousRegistry                // non-nil once ServeRendezvous is called

	setupHandler   SwapSetupHandler
	quoteHandler   QuoteHandler
	proofHandler   TransferProofHandler
	encSigHandler  EncryptedSignatureHandler
	coopHandler    CooperativeRedeemHandler
}

// errUnexpectedResponseType is returned when a req/resp exchange decodes to
// a Message of the wrong concrete type.
var errUnexpectedResponseType = errors.New("net: unexpected response type")

// NewHost constructs a Host listening on the given multiaddr string (eg.
// "/ip4/0.0.0.0/tcp/9900"). Handlers are registered with the SetXHandler
// methods before Start is called.
func NewHost(listenAddr string) (*Host, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, err
	}
	return &Host{h: h, bufferedProofs: make(map[peer.ID][]pendingTransferProof)}, nil
}

// PeerID returns this host's stable libp2p peer identity.
func (n *Host) PeerID() peer.ID { return n.h.ID() }

// Addrs returns this host's currently known listen multiaddrs.
func (n *Host) Addrs() []string {
	addrs := make([]string, 0, len(n.h.Addrs()))
	for _, a := range n.h.Addrs() {
		addrs = append(addrs, a.String())
	}
	return addrs
}

// SetSwapSetupHandler registers the handler for inbound swap-setup streams.
func (n *Host) SetSwapSetupHandler(f SwapSetupHandler) { n.setupHandler = f }

// SetQuoteHandler registers the handler for inbound quote requests.
func (n *Host) SetQuoteHandler(f QuoteHandler) { n.quoteHandler = f }

// SetTransferProofHandler registers the handler for inbound transfer proofs.
func (n *Host) SetTransferProofHandler(f TransferProofHandler) { n.proofHandler = f }

// SetEncryptedSignatureHandler registers the handler for inbound encrypted signatures.
func (n *Host) SetEncryptedSignatureHandler(f EncryptedSignatureHandler) { n.encSigHandler = f }

// SetCooperativeRedeemHandler registers the handler for inbound cooperative-redeem requests.
func (n *Host) SetCooperativeRedeemHandler(f CooperativeRedeemHandler) { n.coopHandler = f }

// Start installs the libp2p stream handlers and the connection-established
// notifee that drains buffered transfer proofs (spec.md §4.5).
func (n *Host) Start() {
	n.h.SetStreamHandler(swapSetupProtocolID, n.handleSwapSetupStream)
	n.h.SetStreamHandler(quoteProtocolID, n.handleQuoteStream)
	n.h.SetStreamHandler(transferProofProtocolID, n.handleTransferProofStream)
	n.h.SetStreamHandler(encryptedSignatureProtocolID, n.handleEncSigStream)
	n.h.SetStreamHandler(cooperativeRedeemProtocolID, n.handleCooperativeRedeemStream)

	n.h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			n.drainBuffered(conn.RemotePeer())
		},
	})
}

// Close shuts down the underlying libp2p host.
func (n *Host) Close() error { return n.h.Close() }

// Connect dials a peer at the given addresses and adds it to the peerstore.
func (n *Host) Connect(ctx context.Context, info peer.AddrInfo) error {
	return n.h.Connect(ctx, info)
}

func (n *Host) connected(p peer.ID) bool {
	return n.h.Network().Connectedness(p) == network.Connected
}

// --- swap setup (streamed multi-message, spec.md §4.5) ---

func (n *Host) handleSwapSetupStream(s network.Stream) {
	defer s.Close() //nolint:errcheck
	if n.setupHandler == nil {
		return
	}
	n.setupHandler(context.Background(), s.Conn().RemotePeer(), newFramedStream(s))
}

// OpenSwapSetup opens a new stream to peerID for the multi-round swap-setup
// exchange; the caller drives it directly with Stream.ReadMessage/WriteMessage.
func (n *Host) OpenSwapSetup(ctx context.Context, p peer.ID) (Stream, error) {
	s, err := n.h.NewStream(ctx, p, swapSetupProtocolID)
	if err != nil {
		return nil, err
	}
	return newFramedStream(s), nil
}

// --- quote (req/resp, spec.md §4.7) ---

func (n *Host) handleQuoteStream(s network.Stream) {
	defer s.Close() //nolint:errcheck
	fs := newFramedStream(s)
	if _, err := fs.ReadMessage(); err != nil {
		return
	}
	if n.quoteHandler == nil {
		return
	}
	resp, err := n.quoteHandler(context.Background(), s.Conn().RemotePeer())
	if err != nil {
		log.Warnf("quote handler error: %s", err)
		return
	}
	_ = fs.WriteMessage(resp)
}

// RequestQuote asks peerID for its current quote.
func (n *Host) RequestQuote(ctx context.Context, p peer.ID) (*message.QueryResponse, error) {
	s, err := n.h.NewStream(ctx, p, quoteProtocolID)
	if err != nil {
		return nil, err
	}
	defer s.Close() //nolint:errcheck

	fs := newFramedStream(s)
	if err := fs.WriteMessage(&message.QuoteRequest{}); err != nil {
		return nil, err
	}
	m, err := fs.ReadMessage()
	if err != nil {
		return nil, err
	}
	resp, ok := m.(*message.QueryResponse)
	if !ok {
		return nil, errors.New("net: unexpected quote response type")
	}
	return resp, nil
}

// --- transfer proof (req/resp with ACK, spec.md §4.5) ---

func (n *Host) handleTransferProofStream(s network.Stream) {
	defer s.Close() //nolint:errcheck
	fs := newFramedStream(s)
	m, err := fs.ReadMessage()
	if err != nil {
		return
	}
	proof, ok := m.(*message.TransferProof)
	if !ok {
		return
	}
	accepted := true
	if n.proofHandler != nil {
		accepted = n.proofHandler(context.Background(), s.Conn().RemotePeer(), proof)
	}
	if accepted {
		_ = fs.WriteMessage(&message.TransferProofAck{})
	}
}

// SendTransferProof sends proof to p, retrying with exponential backoff
// (capped at 60s, unbounded total elapsed per spec.md §5) until ACK'd or ctx
// is cancelled. If p is not currently connected, the proof is buffered and
// retried once a ConnectionEstablished notification fires.
func (n *Host) SendTransferProof(ctx context.Context, p peer.ID, swapID string, proof *message.TransferProof) error {
	if !n.connected(p) {
		n.buffer(p, swapID, proof)
	}
	return n.retrySend(ctx, p, transferProofProtocolID, proof, func(m message.Message) bool {
		_, ok := m.(*message.TransferProofAck)
		return ok
	})
}

func (n *Host) buffer(p peer.ID, swapID string, proof *message.TransferProof) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bufferedProofs[p] = append(n.bufferedProofs[p], pendingTransferProof{swapID: swapID, msg: proof})
}

func (n *Host) drainBuffered(p peer.ID) {
	n.mu.Lock()
	pending := n.bufferedProofs[p]
	delete(n.bufferedProofs, p)
	n.mu.Unlock()

	for _, pp := range pending {
		go func(pp pendingTransferProof) {
			if err := n.SendTransferProof(context.Background(), p, pp.swapID, pp.msg); err != nil {
				log.Warnf("failed to re-send buffered transfer proof for swap %s: %s", pp.swapID, err)
			}
		}(pp)
	}
}

// --- encrypted signature (req/resp with ACK, spec.md §4.5) ---

func (n *Host) handleEncSigStream(s network.Stream) {
	defer s.Close() //nolint:errcheck
	fs := newFramedStream(s)
	m, err := fs.ReadMessage()
	if err != nil {
		return
	}
	encSig, ok := m.(*message.EncryptedSignature)
	if !ok {
		return
	}
	if n.encSigHandler != nil {
		n.encSigHandler(context.Background(), s.Conn().RemotePeer(), encSig)
	}
	// Always ACK: the seller's idempotent-ACK rule (spec.md §4.3) means a
	// re-send past EncSigLearned still gets exactly one ACK back, never
	// silence.
	_ = fs.WriteMessage(&message.EncryptedSignatureAck{})
}

// SendEncryptedSignature sends encSig to p, retrying indefinitely until
// ACK'd or ctx is cancelled (spec.md §4.4's EncSigSent retry policy).
func (n *Host) SendEncryptedSignature(ctx context.Context, p peer.ID, encSig *message.EncryptedSignature) error {
	return n.retrySend(ctx, p, encryptedSignatureProtocolID, encSig, func(m message.Message) bool {
		_, ok := m.(*message.EncryptedSignatureAck)
		return ok
	})
}

// --- cooperative redeem (req/resp, spec.md §4.5) ---

func (n *Host) handleCooperativeRedeemStream(s network.Stream) {
	defer s.Close() //nolint:errcheck
	fs := newFramedStream(s)
	m, err := fs.ReadMessage()
	if err != nil {
		return
	}
	req, ok := m.(*message.CooperativeRedeem)
	if !ok {
		return
	}
	var resp *message.CooperativeRedeemResponse
	if n.coopHandler != nil {
		resp = n.coopHandler(context.Background(), s.Conn().RemotePeer(), req)
	} else {
		resp = &message.CooperativeRedeemResponse{SwapID: req.SwapID, Reason: message.RejectUnknownSwap}
	}
	_ = fs.WriteMessage(resp)
}

// RequestCooperativeRedeem asks p (the seller) for its Monero key share
// after tx_punish has been observed (spec.md §4.4's cooperative-redeem
// path), bounded by the seller's normal request/response timeout via ctx.
func (n *Host) RequestCooperativeRedeem(ctx context.Context, p peer.ID, req *message.CooperativeRedeem) (*message.CooperativeRedeemResponse, error) {
	s, err := n.h.NewStream(ctx, p, cooperativeRedeemProtocolID)
	if err != nil {
		return nil, err
	}
	defer s.Close() //nolint:errcheck

	fs := newFramedStream(s)
	if err := fs.WriteMessage(req); err != nil {
		return nil, err
	}
	m, err := fs.ReadMessage()
	if err != nil {
		return nil, err
	}
	resp, ok := m.(*message.CooperativeRedeemResponse)
	if !ok {
		return nil, errors.New("net: unexpected cooperative-redeem response type")
	}
	return resp, nil
}

// retrySend opens a fresh stream and sends m, retrying with exponential
// backoff (100ms initial, 60s cap, unbounded total elapsed) until accept
// reports the response as the expected ACK or ctx is cancelled.
func (n *Host) retrySend(
	ctx context.Context,
	p peer.ID,
	proto protocol.ID,
	m message.Message,
	accept func(message.Message) bool,
) error {
	interval := retryInitialInterval
	for {
		if err := n.sendOnce(ctx, p, proto, m, accept); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > retryMaxInterval {
			interval = retryMaxInterval
		}
	}
}

func (n *Host) sendOnce(ctx context.Context, p peer.ID, proto protocol.ID, m message.Message, accept func(message.Message) bool) error {
	s, err := n.h.NewStream(ctx, p, proto)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	fs := newFramedStream(s)
	if err := fs.WriteMessage(m); err != nil {
		return err
	}
	resp, err := fs.ReadMessage()
	if err != nil {
		return err
	}
	if !accept(resp) {
		return errors.New("net: unexpected response")
	}
	return nil
}
