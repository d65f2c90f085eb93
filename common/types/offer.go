package types

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
)

var (
	errOfferIDNotSet     = errors.New(`offer ID is not set`)
	errMinGreaterThanMax = errors.New(`minAmount must be less than or equal to maxAmount`)
	errExchangeRateZero  = errors.New(`exchangeRate is not set`)
)

// Offer represents a seller's willingness to sell XMR for BTC within a given
// amount range at a given rate. OfferID is derived from the offer's content
// so that a buyer can prove, by showing the offer, exactly what was agreed.
type Offer struct {
	ID           uuid.UUID    `json:"offerID"`
	MinAmount    float64      `json:"minAmount"` // min XMR
	MaxAmount    float64      `json:"maxAmount"` // max XMR
	ExchangeRate *apd.Decimal `json:"exchangeRate"` // BTC per XMR
	Nonce        uint64       `json:"nonce"`
}

// NewOffer creates an Offer with a freshly generated nonce and derives its ID.
func NewOffer(minXMR, maxXMR float64, rate *apd.Decimal) *Offer {
	var n [8]byte
	if _, err := rand.Read(n[:]); err != nil {
		panic(err)
	}

	o := &Offer{
		MinAmount:    minXMR,
		MaxAmount:    maxXMR,
		ExchangeRate: rate,
		Nonce:        binary.BigEndian.Uint64(n[:]),
	}
	o.ID = o.deriveID()
	return o
}

// deriveID computes a stable swap-setup identifier from the offer's fields,
// so that re-deriving it from a received Offer and comparing catches tampering.
func (o *Offer) deriveID() uuid.UUID {
	b := fmt.Sprintf("%v,%v,%s,%d", o.MinAmount, o.MaxAmount, o.ExchangeRate.Text('f'), o.Nonce)
	return uuid.NewSHA1(uuid.Nil, []byte(b))
}

// Validate checks that the offer's fields are internally consistent.
func (o *Offer) Validate() error {
	if o.ID == uuid.Nil {
		return errOfferIDNotSet
	}
	if o.ExchangeRate == nil {
		return errExchangeRateZero
	}
	if o.MinAmount > o.MaxAmount {
		return errMinGreaterThanMax
	}
	if o.ID != o.deriveID() {
		return errors.New("offer ID does not match hash of offer fields")
	}
	return nil
}

// String ...
func (o *Offer) String() string {
	return fmt.Sprintf("Offer ID=%s MinAmount=%v MaxAmount=%v ExchangeRate=%s",
		o.ID, o.MinAmount, o.MaxAmount, o.ExchangeRate)
}

// ZeroOffer reports whether this is the sentinel "do not swap" quote described
// in spec.md §4.7: a clamped maximum below the configured minimum.
func (o *Offer) ZeroOffer() bool {
	return o.MinAmount == 0 && o.MaxAmount == 0
}

// MarshalOffer encodes an Offer as JSON.
func MarshalOffer(o *Offer) ([]byte, error) {
	return json.Marshal(o)
}

// UnmarshalOffer decodes an Offer from JSON and validates it.
func UnmarshalOffer(data []byte) (*Offer, error) {
	o := new(Offer)
	if err := json.Unmarshal(data, o); err != nil {
		return nil, err
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}
