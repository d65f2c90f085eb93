// Package monero implements the Monero-side key material used by the swap
// protocol: spend/view key shares, their sums, and address derivation. It is
// deliberately independent of the monero-wallet-rpc client in package
// "monero" (this package is pure cryptography; that one talks to a wallet).
package monero

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"filippo.io/edwards25519"

	"github.com/noot/xmrswap/common"
)

// ErrInvalidScalar is returned when 32 bytes do not canonically encode an
// ed25519 scalar.
var ErrInvalidScalar = errors.New("invalid ed25519 scalar")

// PrivateSpendKey is one party's share s_A or s_B of the joint Monero spend key.
type PrivateSpendKey struct {
	scalar *edwards25519.Scalar
}

// PrivateViewKey is one party's share v_A or v_B of the joint Monero view key.
type PrivateViewKey struct {
	scalar *edwards25519.Scalar
}

// PublicKey is an ed25519 point: a public spend or view key share, or their sum.
type PublicKey struct {
	point *edwards25519.Point
}

// NewPrivateSpendKeyFromScalarBytes reduces 32 arbitrary bytes (eg. output of
// a secp256k1-to-ed25519 scalar reduction) into a canonical ed25519 scalar
// and wraps it as a spend key.
func NewPrivateSpendKeyFromScalarBytes(b [32]byte) (*PrivateSpendKey, error) {
	wide := make([]byte, 64)
	copy(wide, b[:])
	s, err := new(edwards25519.Scalar).SetUniformBytes(wide)
	if err != nil {
		return nil, err
	}
	return &PrivateSpendKey{scalar: s}, nil
}

// NewPrivateSpendKeyFromCanonicalBytes parses an already-canonical scalar,
// eg. one decoded from a wallet export or a persisted key.
func NewPrivateSpendKeyFromCanonicalBytes(b []byte) (*PrivateSpendKey, error) {
	if len(b) != 32 {
		return nil, ErrInvalidScalar
	}
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(b)
	if err != nil {
		return nil, ErrInvalidScalar
	}
	return &PrivateSpendKey{scalar: s}, nil
}

// Bytes returns the scalar's canonical 32-byte little-endian encoding.
func (k *PrivateSpendKey) Bytes() [32]byte {
	var b [32]byte
	copy(b[:], k.scalar.Bytes())
	return b
}

// Public returns the corresponding public spend key, scalar * B.
func (k *PrivateSpendKey) Public() *PublicKey {
	p := new(edwards25519.Point).ScalarBaseMult(k.scalar)
	return &PublicKey{point: p}
}

// View derives a deterministic view key from this spend key, in the absence
// of an independently-shared view key share: SHA-256 of the spend key,
// reduced mod l. Monero wallets derive the view key with Keccak-256
// instead, so the result differs from theirs.
func (k *PrivateSpendKey) View() (*PrivateViewKey, error) {
	h := sha256.Sum256(k.scalar.Bytes())
	wide := make([]byte, 64)
	copy(wide, h[:])
	s, err := new(edwards25519.Scalar).SetUniformBytes(wide)
	if err != nil {
		return nil, err
	}
	return &PrivateViewKey{scalar: s}, nil
}

// NewPrivateViewKeyFromCanonicalBytes parses an already-canonical scalar as
// a view key share, the wire-format counterpart to
// NewPrivateSpendKeyFromCanonicalBytes used when the transmitted share is
// known to be a view key rather than a spend key.
func NewPrivateViewKeyFromCanonicalBytes(b []byte) (*PrivateViewKey, error) {
	if len(b) != 32 {
		return nil, ErrInvalidScalar
	}
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(b)
	if err != nil {
		return nil, ErrInvalidScalar
	}
	return &PrivateViewKey{scalar: s}, nil
}

// Bytes returns the scalar's canonical 32-byte little-endian encoding.
func (k *PrivateViewKey) Bytes() [32]byte {
	var b [32]byte
	copy(b[:], k.scalar.Bytes())
	return b
}

// Public returns the corresponding public view key, scalar * B.
func (k *PrivateViewKey) Public() *PublicKey {
	p := new(edwards25519.Point).ScalarBaseMult(k.scalar)
	return &PublicKey{point: p}
}

// SumPrivateSpendKeys returns a's share plus b's share, mod the ed25519 group
// order: this is how the winning party reconstructs the full spend key s
// from s_A and s_B (spec.md §3, "Adaptor signature relationship").
func SumPrivateSpendKeys(a, b *PrivateSpendKey) *PrivateSpendKey {
	return &PrivateSpendKey{scalar: new(edwards25519.Scalar).Add(a.scalar, b.scalar)}
}

// SumPrivateViewKeys sums two view key shares into the joint view key v.
func SumPrivateViewKeys(a, b *PrivateViewKey) *PrivateViewKey {
	return &PrivateViewKey{scalar: new(edwards25519.Scalar).Add(a.scalar, b.scalar)}
}

// SumPublicKeys adds two public key shares, eg. S_A + S_B = S.
func SumPublicKeys(a, b *PublicKey) *PublicKey {
	return &PublicKey{point: new(edwards25519.Point).Add(a.point, b.point)}
}

// Bytes returns the point's canonical 32-byte encoding.
func (p *PublicKey) Bytes() [32]byte {
	var b [32]byte
	copy(b[:], p.point.Bytes())
	return b
}

// Hex returns the hex-encoded point.
func (p *PublicKey) Hex() string {
	b := p.Bytes()
	return hex.EncodeToString(b[:])
}

// PublicKeyFromBytes parses a compressed ed25519 point.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return nil, err
	}
	return &PublicKey{point: p}, nil
}

// PrivateKeyPair bundles a spend and view key share, eg. one party's session
// keys for a single swap.
type PrivateKeyPair struct {
	sk *PrivateSpendKey
	vk *PrivateViewKey
}

// NewPrivateKeyPair ...
func NewPrivateKeyPair(sk *PrivateSpendKey, vk *PrivateViewKey) *PrivateKeyPair {
	return &PrivateKeyPair{sk: sk, vk: vk}
}

// SpendKey ...
func (kp *PrivateKeyPair) SpendKey() *PrivateSpendKey { return kp.sk }

// ViewKey ...
func (kp *PrivateKeyPair) ViewKey() *PrivateViewKey { return kp.vk }

// PublicKeyPair bundles the public halves of a PrivateKeyPair, eg. what one
// party sends to the other during swap setup.
type PublicKeyPair struct {
	sk *PublicKey
	vk *PublicKey
}

// NewPublicKeyPair ...
func NewPublicKeyPair(sk, vk *PublicKey) *PublicKeyPair {
	return &PublicKeyPair{sk: sk, vk: vk}
}

// SpendKey ...
func (kp *PublicKeyPair) SpendKey() *PublicKey { return kp.sk }

// ViewKey ...
func (kp *PublicKeyPair) ViewKey() *PublicKey { return kp.vk }

// PublicKeyPair derives the public halves of this PrivateKeyPair.
func (kp *PrivateKeyPair) PublicKeyPair() *PublicKeyPair {
	return &PublicKeyPair{sk: kp.sk.Public(), vk: kp.vk.Public()}
}

// SumSpendAndViewKeys combines the two parties' public key pairs into the
// joint public key pair (S, v.public()) that the XMR lock output is sent to.
func SumSpendAndViewKeys(a, b *PublicKeyPair) *PublicKeyPair {
	return &PublicKeyPair{
		sk: SumPublicKeys(a.sk, b.sk),
		vk: SumPublicKeys(a.vk, b.vk),
	}
}

// Address derives the standard Monero address encoding of this key pair's
// public spend/view keys for the given network environment.
func (kp *PublicKeyPair) Address(env common.Environment) Address {
	return EncodeAddress(kp.sk, kp.vk, env)
}
