// Package secp256k1 wraps the secp256k1 scalar/point arithmetic used both for
// Bitcoin keys and for the adaptor-signature encryption points shared with
// the cross-curve DLEQ proof in crypto/dleq.
package secp256k1

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// ErrInvalidScalar is returned when a byte slice does not decode to a
// scalar in the group order.
var ErrInvalidScalar = errors.New("invalid secp256k1 scalar")

// PrivateKey is a secp256k1 scalar.
type PrivateKey struct {
	key secp256k1.PrivateKey
}

// PublicKey is a secp256k1 point.
type PublicKey struct {
	key secp256k1.PublicKey
}

// GenerateKey returns a new random PrivateKey.
func GenerateKey() (*PrivateKey, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, err
	}
	return NewPrivateKeyFromBytes(b[:])
}

// NewPrivateKeyFromBytes interprets the given 32 bytes as a scalar.
func NewPrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, ErrInvalidScalar
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(b); overflow {
		return nil, ErrInvalidScalar
	}
	if s.IsZero() {
		return nil, ErrInvalidScalar
	}
	var sb [32]byte
	s.PutBytesUnchecked(&sb)
	pk := secp256k1.PrivKeyFromBytes(sb[:])
	return &PrivateKey{key: *pk}, nil
}

// Bytes returns the scalar's canonical 32-byte big-endian encoding.
func (k *PrivateKey) Bytes() [32]byte {
	var b [32]byte
	s := k.key.Key
	s.PutBytesUnchecked(&b)
	return b
}

// Public returns the corresponding PublicKey (scalar * G).
func (k *PrivateKey) Public() *PublicKey {
	return &PublicKey{key: *k.key.PubKey()}
}

// Scalar exposes the underlying mod-N scalar for use by crypto/adaptor and
// crypto/dleq, which need direct field arithmetic.
func (k *PrivateKey) Scalar() *secp256k1.ModNScalar {
	s := k.key.Key
	return &s
}

// sigHashAll is txscript.SigHashAll's value, repeated here so this package
// doesn't need to import btcsuite/btcd/txscript just for one constant.
const sigHashAll = 0x01

// Sign produces a DER-encoded ECDSA signature over hash with the
// SIGHASH_ALL byte appended, the witness-item form the bitcoin package's
// Finalize* helpers expect.
func (k *PrivateKey) Sign(hash []byte) []byte {
	sig := ecdsa.Sign(&k.key, hash)
	return append(sig.Serialize(), sigHashAll)
}

// ErrInvalidSignature is returned by Verify when sig does not validate
// against hash and pub.
var ErrInvalidSignature = errors.New("invalid secp256k1 signature")

// Verify checks a DER-encoded ECDSA signature produced by Sign (with its
// trailing SIGHASH_ALL byte, which is stripped before verification) against
// hash and pub.
func Verify(pub *PublicKey, hash, sig []byte) error {
	if len(sig) == 0 {
		return ErrInvalidSignature
	}
	der := sig[:len(sig)-1] // drop the appended SIGHASH_ALL byte
	parsed, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}
	if !parsed.Verify(hash, &pub.key) {
		return ErrInvalidSignature
	}
	return nil
}

// NewPublicKeyFromPoint builds a PublicKey from a secp256k1.PublicKey.
func NewPublicKeyFromPoint(p *secp256k1.PublicKey) *PublicKey {
	return &PublicKey{key: *p}
}

// Point exposes the underlying ecdsa/EC point.
func (p *PublicKey) Point() *secp256k1.PublicKey {
	return &p.key
}

// Compressed returns the 33-byte SEC1-compressed encoding.
func (p *PublicKey) Compressed() []byte {
	return p.key.SerializeCompressed()
}

// String returns the hex-encoded compressed public key.
func (p *PublicKey) String() string {
	return hex.EncodeToString(p.Compressed())
}

// ParsePublicKey parses a compressed or uncompressed SEC1 public key.
func ParsePublicKey(b []byte) (*PublicKey, error) {
	pk, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, err
	}
	return &PublicKey{key: *pk}, nil
}

// Add returns the point addition p + q.
func (p *PublicKey) Add(q *PublicKey) *PublicKey {
	var result, p1, p2 secp256k1.JacobianPoint
	p.key.AsJacobian(&p1)
	q.key.AsJacobian(&p2)
	secp256k1.AddNonConst(&p1, &p2, &result)
	result.ToAffine()
	pub := secp256k1.NewPublicKey(&result.X, &result.Y)
	return &PublicKey{key: *pub}
}

// Equal reports whether p and q encode the same point.
func (p *PublicKey) Equal(q *PublicKey) bool {
	return p.key.IsEqual(&q.key)
}
