// Package message defines the wire messages exchanged between a buyer and
// seller over the lifetime of a swap: the kept teacher shape
// (noot-atomic-swap/net/message/message.go: a byte-prefixed Type enum, a
// Message interface of String/Encode/Type, and a DecodeMessage switch) now
// carries the BTC/XMR protocol's own rounds instead of the teacher's
// Ethereum-contract notifications (spec.md §5's SwapSetup/TransferProof/
// EncryptedSignature/CooperativeRedeem/Rendezvous sub-protocols).
package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/noot/xmrswap/common/types"
)

// Type identifies the concrete message a Message payload decodes to.
type Type byte

const (
	// QueryResponseType carries the seller's current offers.
	QueryResponseType Type = iota
	// SwapSetupType begins a swap: the buyer proposes terms and key
	// shares, the seller replies with its own.
	SwapSetupType
	// SwapSetupSignaturesType exchanges each party's signature over the
	// other's tx_cancel/tx_early_refund spend, so either side can broadcast
	// those transactions unilaterally later without a further round trip.
	SwapSetupSignaturesType
	// TransferProofType is sent by the seller once its Monero lock
	// transaction is broadcast.
	TransferProofType
	// TransferProofAckType acknowledges a TransferProof, letting the
	// seller stop re-sending it (spec.md §5's idempotent re-ACK).
	TransferProofAckType
	// EncryptedSignatureType carries the buyer's adaptor-encrypted
	// signature for tx_redeem.
	EncryptedSignatureType
	// EncryptedSignatureAckType acknowledges an EncryptedSignature.
	EncryptedSignatureAckType
	// CooperativeRedeemType is exchanged during the cooperative-redeem-
	// after-punish sub-protocol.
	CooperativeRedeemType
	// CooperativeRedeemResponseType carries the seller's reply: either the
	// Monero key share or a typed rejection reason.
	CooperativeRedeemResponseType
	// QuoteRequestType requests a seller's current price/quantity quote.
	QuoteRequestType
	// RendezvousType is used by the rendezvous-point discovery flow.
	RendezvousType
	// NilType is a sentinel that follows the last message type; no message
	// carries it.
	NilType
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case QueryResponseType:
		return "QueryResponse"
	case SwapSetupType:
		return "SwapSetup"
	case SwapSetupSignaturesType:
		return "SwapSetupSignatures"
	case TransferProofType:
		return "TransferProof"
	case TransferProofAckType:
		return "TransferProofAck"
	case EncryptedSignatureType:
		return "EncryptedSignature"
	case EncryptedSignatureAckType:
		return "EncryptedSignatureAck"
	case CooperativeRedeemType:
		return "CooperativeRedeem"
	case CooperativeRedeemResponseType:
		return "CooperativeRedeemResponse"
	case QuoteRequestType:
		return "QuoteRequest"
	case RendezvousType:
		return "Rendezvous"
	default:
		return "unknown"
	}
}

// Message must be implemented by all network messages.
type Message interface {
	String() string
	Encode() ([]byte, error)
	Type() Type
}

// DecodeMessage decodes the given bytes into a Message.
func DecodeMessage(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, errors.New("invalid message bytes")
	}

	switch Type(b[0]) {
	case QueryResponseType:
		var m *QueryResponse
		if err := json.Unmarshal(b[1:], &m); err != nil {
			return nil, err
		}
		return m, nil
	case SwapSetupType:
		var m *SwapSetup
		if err := json.Unmarshal(b[1:], &m); err != nil {
			return nil, err
		}
		return m, nil
	case SwapSetupSignaturesType:
		var m *SwapSetupSignatures
		if err := json.Unmarshal(b[1:], &m); err != nil {
			return nil, err
		}
		return m, nil
	case TransferProofType:
		var m *TransferProof
		if err := json.Unmarshal(b[1:], &m); err != nil {
			return nil, err
		}
		return m, nil
	case TransferProofAckType:
		var m *TransferProofAck
		if err := json.Unmarshal(b[1:], &m); err != nil {
			return nil, err
		}
		return m, nil
	case EncryptedSignatureType:
		var m *EncryptedSignature
		if err := json.Unmarshal(b[1:], &m); err != nil {
			return nil, err
		}
		return m, nil
	case EncryptedSignatureAckType:
		var m *EncryptedSignatureAck
		if err := json.Unmarshal(b[1:], &m); err != nil {
			return nil, err
		}
		return m, nil
	case CooperativeRedeemType:
		var m *CooperativeRedeem
		if err := json.Unmarshal(b[1:], &m); err != nil {
			return nil, err
		}
		return m, nil
	case CooperativeRedeemResponseType:
		var m *CooperativeRedeemResponse
		if err := json.Unmarshal(b[1:], &m); err != nil {
			return nil, err
		}
		return m, nil
	case QuoteRequestType:
		var m *QuoteRequest
		if err := json.Unmarshal(b[1:], &m); err != nil {
			return nil, err
		}
		return m, nil
	case RendezvousType:
		var m *Rendezvous
		if err := json.Unmarshal(b[1:], &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, errors.New("invalid message type")
	}
}

func encode(t Type, m interface{}) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(t)}, b...), nil
}

// QueryResponse carries the seller's currently-open offers.
type QueryResponse struct {
	Offers []*types.Offer
}

func (m *QueryResponse) String() string           { return fmt.Sprintf("QueryResponse Offers=%v", m.Offers) }
func (m *QueryResponse) Encode() ([]byte, error)  { return encode(QueryResponseType, m) }
func (m *QueryResponse) Type() Type               { return QueryResponseType }

// SwapSetup is the first message of a swap: sent by the buyer to propose an
// offer and its own key shares, and sent back by the seller with its key
// shares and DLEQ proof once it accepts.
type SwapSetup struct {
	OfferID             string
	ProvidedAmount      float64
	PublicSpendKeyShare string // hex-encoded ed25519 point; the DLEQ-proven share of the joint spend key
	PrivateViewKeyShare string // hex-encoded ed25519 scalar; view keys aren't spend-secret, so shared directly
	Secp256k1PublicKey  string // hex-encoded compressed secp256k1 point; same scalar as PublicSpendKeyShare, proven by DLEqProof
	DLEqProof           string // hex-encoded crypto/dleq.Proof
}

func (m *SwapSetup) String() string {
	return fmt.Sprintf(
		"SwapSetup OfferID=%s ProvidedAmount=%v PublicSpendKeyShare=%s Secp256k1PublicKey=%s DLEqProof=%s", //nolint:lll
		m.OfferID, m.ProvidedAmount, m.PublicSpendKeyShare, m.Secp256k1PublicKey, m.DLEqProof,
	)
}
func (m *SwapSetup) Encode() ([]byte, error) { return encode(SwapSetupType, m) }
func (m *SwapSetup) Type() Type              { return SwapSetupType }

// SwapSetupSignatures carries one party's signature over the other's
// tx_cancel and tx_early_refund spends of tx_lock, exchanged in both
// directions once both sides have confirmed the offer (spec.md §4.3/§4.4
// "key and signature exchange" step). Both signatures spend the same 2-of-2
// tx_lock output, so each party needs the other's signature before either
// transaction becomes broadcastable.
//
// The buyer sends this first, and is the only side that knows tx_lock's
// outpoint before it's broadcast (the seller never builds or sees tx_lock
// itself), so the buyer's message also carries what the seller needs to
// reconstruct the exact same tx_cancel/tx_early_refund: the lock outpoint,
// the locked amount, and the buyer's own refund payout script for
// tx_early_refund. The seller's reply leaves those fields empty, except for
// RefundEncSig: tx_refund's OP_ELSE branch is itself a 2-of-2 between buyer
// and seller, and the seller's half must reach the buyer as an
// adaptor-encrypted pre-signature (mirroring EncryptedSignatureType's role
// for tx_redeem, just with the signer/beneficiary swapped) so that the
// seller can later recover the buyer's Monero key share by comparing this
// pre-signature against the completed one the buyer broadcasts.
type SwapSetupSignatures struct {
	OfferID        string
	CancelSig      string // hex-encoded DER signature over tx_cancel
	EarlyRefundSig string // hex-encoded DER signature over tx_early_refund
	RefundEncSig   string // hex-encoded adaptor.Signature over tx_refund, encrypted under the buyer's point; set by the seller only

	LockTxHash        string // hex-encoded txid of tx_lock, set by the buyer only
	LockAmount        uint64 // satoshis locked, set by the buyer only
	BuyerRefundScript string // hex-encoded scriptPubKey tx_early_refund and tx_refund pay the buyer, set by the buyer only
}

func (m *SwapSetupSignatures) String() string {
	return fmt.Sprintf("SwapSetupSignatures OfferID=%s", m.OfferID)
}
func (m *SwapSetupSignatures) Encode() ([]byte, error) { return encode(SwapSetupSignaturesType, m) }
func (m *SwapSetupSignatures) Type() Type              { return SwapSetupSignaturesType }

// TransferProof is sent by the seller once its share of the joint Monero
// output has been broadcast, so the buyer can begin watching for it.
type TransferProof struct {
	TxHash string
	TxKey  string // hex-encoded tx private key, lets the buyer verify the transfer without trusting the seller's view key alone
}

func (m *TransferProof) String() string          { return fmt.Sprintf("TransferProof TxHash=%s", m.TxHash) }
func (m *TransferProof) Encode() ([]byte, error) { return encode(TransferProofType, m) }
func (m *TransferProof) Type() Type              { return TransferProofType }

// TransferProofAck acknowledges a TransferProof. Re-sent idempotently:
// receiving a duplicate TransferProof after having already ACKed it should
// just re-emit the same ACK rather than re-processing the transfer.
type TransferProofAck struct{}

func (m *TransferProofAck) String() string          { return "TransferProofAck" }
func (m *TransferProofAck) Encode() ([]byte, error) { return encode(TransferProofAckType, m) }
func (m *TransferProofAck) Type() Type              { return TransferProofAckType }

// EncryptedSignature carries the buyer's adaptor-encrypted signature for
// tx_redeem, encrypted under the seller's Monero spend-key-share point, plus
// the buyer's own co-signature needed to finish tx_redeem's witness.
type EncryptedSignature struct {
	SwapID           string
	EncryptedSig     string // hex-encoded adaptor.Signature
	BuyerRedeemSig   string // hex-encoded DER signature
}

func (m *EncryptedSignature) String() string {
	return fmt.Sprintf("EncryptedSignature SwapID=%s", m.SwapID)
}
func (m *EncryptedSignature) Encode() ([]byte, error) { return encode(EncryptedSignatureType, m) }
func (m *EncryptedSignature) Type() Type              { return EncryptedSignatureType }

// EncryptedSignatureAck acknowledges an EncryptedSignature. Idempotent for
// the same reason as TransferProofAck.
type EncryptedSignatureAck struct{}

func (m *EncryptedSignatureAck) String() string { return "EncryptedSignatureAck" }
func (m *EncryptedSignatureAck) Encode() ([]byte, error) {
	return encode(EncryptedSignatureAckType, m)
}
func (m *EncryptedSignatureAck) Type() Type { return EncryptedSignatureAckType }

// CooperativeRedeem is exchanged during the cooperative-redeem-after-punish
// sub-protocol: after tx_punish has been broadcast, the seller may still
// offer the buyer its Monero key share directly in exchange for the buyer
// revealing nothing further, letting the buyer redeem the Monero anyway.
type CooperativeRedeem struct {
	SwapID           string
	PrivateKeyShare  string // hex-encoded ed25519 scalar
}

func (m *CooperativeRedeem) String() string {
	return fmt.Sprintf("CooperativeRedeem SwapID=%s", m.SwapID)
}
func (m *CooperativeRedeem) Encode() ([]byte, error) { return encode(CooperativeRedeemType, m) }
func (m *CooperativeRedeem) Type() Type              { return CooperativeRedeemType }

// CooperativeRedeemRejectReason is why a seller refused a CooperativeRedeem
// request, per spec.md §4.5.
type CooperativeRedeemRejectReason string

const (
	// RejectUnknownSwap means the seller has no record of SwapID.
	RejectUnknownSwap CooperativeRedeemRejectReason = "UnknownSwap"
	// RejectMaliciousRequest means the requesting peer is not the buyer
	// this swap was set up with.
	RejectMaliciousRequest CooperativeRedeemRejectReason = "MaliciousRequest"
	// RejectSwapInvalidState means the swap hasn't reached BtcPunished
	// yet, so the buyer could still refund on its own and should not be
	// handed the key share.
	RejectSwapInvalidState CooperativeRedeemRejectReason = "SwapInvalidState"
)

// CooperativeRedeemResponse is the seller's reply to a CooperativeRedeem
// request: either the requested key share, or a typed rejection.
type CooperativeRedeemResponse struct {
	SwapID          string
	PrivateKeyShare string                         // hex-encoded ed25519 scalar, set iff Reason == ""
	Reason          CooperativeRedeemRejectReason  // empty means granted
}

func (m *CooperativeRedeemResponse) String() string {
	if m.Reason != "" {
		return fmt.Sprintf("CooperativeRedeemResponse SwapID=%s Reason=%s", m.SwapID, m.Reason)
	}
	return fmt.Sprintf("CooperativeRedeemResponse SwapID=%s granted", m.SwapID)
}
func (m *CooperativeRedeemResponse) Encode() ([]byte, error) {
	return encode(CooperativeRedeemResponseType, m)
}
func (m *CooperativeRedeemResponse) Type() Type { return CooperativeRedeemResponseType }

// QuoteRequest asks a seller for its current (price, min_quantity,
// max_quantity), answered with a QueryResponse carrying every offer the
// seller currently holds (spec.md §4.7); a zero Offer (ZeroOffer()) means
// "do not swap".
type QuoteRequest struct{}

func (m *QuoteRequest) String() string          { return "QuoteRequest" }
func (m *QuoteRequest) Encode() ([]byte, error) { return encode(QuoteRequestType, m) }
func (m *QuoteRequest) Type() Type              { return QuoteRequestType }

// RendezvousAction distinguishes the two things a client can ask a
// rendezvous point to do.
type RendezvousAction byte

const (
	// RendezvousRegister announces Namespace/PeerID/Addrs at the rendezvous point.
	RendezvousRegister RendezvousAction = iota
	// RendezvousQuery asks for all peers currently registered under Namespace.
	RendezvousQuery
)

// RendezvousPeer is one registrant returned by a RendezvousQuery.
type RendezvousPeer struct {
	PeerID string
	Addrs  []string
}

// Rendezvous is both the request (Action=Register carries this host's own
// PeerID/Addrs under Namespace; Action=Query carries just Namespace) and the
// response (Peers, populated only for a Query reply) of the rendezvous
// sub-protocol: a seller registers itself under a namespace so a buyer can
// later discover it (spec.md §4.5).
type Rendezvous struct {
	Action    RendezvousAction
	Namespace string
	PeerID    string
	Addrs     []string
	Peers     []RendezvousPeer // populated in a query response only
}

func (m *Rendezvous) String() string {
	return fmt.Sprintf("Rendezvous Action=%d Namespace=%s PeerID=%s", m.Action, m.Namespace, m.PeerID)
}
func (m *Rendezvous) Encode() ([]byte, error) { return encode(RendezvousType, m) }
func (m *Rendezvous) Type() Type              { return RendezvousType }
