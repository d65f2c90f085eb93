// Package dleq implements the cross-curve discrete-log-equality proof
// described in spec.md §4.1: a proof that the same scalar x is used both as
// a secp256k1 private key (the Bitcoin-side adaptor secret) and as an
// ed25519 scalar (a Monero spend-key share).
//
// The construction keeps the teacher's Proof/Interface shape
// (noot-atomic-swap/dleq/dleq.go) but fills in real arithmetic: a linked
// Schnorr sigma-protocol run in parallel over both groups with a shared
// nonce and response. Soundness relies on x and the nonce k both being drawn
// from [0, l), the (smaller) ed25519 group order — since l < n (the
// secp256k1 group order), any such x is automatically a valid secp256k1
// scalar too, so no group-specific reduction of x ever occurs and a single
// linear response binds both group equations. This is a simplified
// alternative to the bit-decomposition / range-proof construction used by
// production cross-group DLEQ implementations, traded for implementation
// size; see DESIGN.md.
package dleq

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"filippo.io/edwards25519"

	msecp256k1 "github.com/noot/xmrswap/crypto/secp256k1"
)

// ErrDleqInvalid is returned by Verify when the proof does not demonstrate
// that the same scalar underlies both public keys.
var ErrDleqInvalid = errors.New("DleqInvalid: proof does not verify")

// secp256k1Order is n, the order of the secp256k1 group.
var secp256k1Order = func() *big.Int {
	n, _ := new(big.Int).SetString("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141", 16)
	return n
}()

// ed25519Order is l, the order of the ed25519 prime-order subgroup.
var ed25519Order = func() *big.Int {
	l, _ := new(big.Int).SetString("1000000000000000000000000000000014DEF9DEA2F79CD65812631A5CF5D3ED", 16)
	return l
}()

// challengeBytes bounds the Fiat-Shamir challenge so that e*x stays a
// manageable size; 128 bits matches the ~128-bit security level of both
// curves.
const challengeBytes = 16

// Proof is a cross-curve DLEQ proof together with (when generated locally)
// the secret scalar it was built from.
type Proof struct {
	secret [32]byte // only populated on the proving side
	r1     *secp256k1.PublicKey
	r2     *edwards25519.Point
	s      []byte // big-endian encoding of the Schnorr response
}

// NewProofWithoutSecret reconstructs a Proof received over the network from
// its encoded bytes (see Encode/Decode).
func NewProofWithoutSecret(b []byte) (*Proof, error) {
	return decodeProof(b)
}

// NewProofWithSecret wraps a secret scalar with no generated proof bytes.
func NewProofWithSecret(s [32]byte) *Proof {
	return &Proof{secret: s}
}

// Secret returns the proof's 32-byte secret scalar (only set on the prover's
// own Proof, never on one received from a peer).
func (p *Proof) Secret() [32]byte {
	return p.secret
}

// Encode serialises the proof (excluding the secret) for transmission.
func (p *Proof) Encode() []byte {
	out := make([]byte, 0, 33+32+len(p.s)+2)
	out = append(out, p.r1.SerializeCompressed()...)
	out = append(out, p.r2.Bytes()...)
	var sLen [2]byte
	sLen[0] = byte(len(p.s) >> 8)
	sLen[1] = byte(len(p.s))
	out = append(out, sLen[:]...)
	out = append(out, p.s...)
	return out
}

func decodeProof(b []byte) (*Proof, error) {
	if len(b) < 33+32+2 {
		return nil, errors.New("dleq proof too short")
	}
	r1, err := secp256k1.ParsePubKey(b[:33])
	if err != nil {
		return nil, err
	}
	r2, err := new(edwards25519.Point).SetBytes(b[33:65])
	if err != nil {
		return nil, err
	}
	sLen := int(b[65])<<8 | int(b[66])
	if len(b) < 67+sLen {
		return nil, errors.New("dleq proof truncated")
	}
	return &Proof{r1: r1, r2: r2, s: b[67 : 67+sLen]}, nil
}

// GenerateKeysAndProof samples a fresh scalar x uniformly from [0, l) (the
// ed25519 group order, which is smaller than secp256k1's), derives its
// secp256k1 and ed25519 public keys, and produces a DLEQ proof binding them.
func GenerateKeysAndProof() (x [32]byte, secpPub *msecp256k1.PublicKey, edPub *edwards25519.Point, proof *Proof, err error) {
	xInt, err := rand.Int(rand.Reader, ed25519Order)
	if err != nil {
		return x, nil, nil, nil, err
	}

	xBytes := make([]byte, 32)
	xInt.FillBytes(xBytes)
	copy(x[:], xBytes)

	secpPriv, err := msecp256k1.NewPrivateKeyFromBytes(xBytes)
	if err != nil {
		return x, nil, nil, nil, err
	}
	secpPub = secpPriv.Public()

	edScalar, err := new(edwards25519.Scalar).SetCanonicalBytes(bigToEdBytes(xInt))
	if err != nil {
		return x, nil, nil, nil, err
	}
	edPub = new(edwards25519.Point).ScalarBaseMult(edScalar)

	proof, err = prove(xInt, secpPub.Point(), edPub)
	if err != nil {
		return x, nil, nil, nil, err
	}
	proof.secret = x

	return x, secpPub, edPub, proof, nil
}

// Prove builds a DLEQ proof for a secret already known to be < l, given its
// two public keys.
func Prove(x [32]byte, secpPub *msecp256k1.PublicKey, edPub *edwards25519.Point) (*Proof, error) {
	xInt := new(big.Int).SetBytes(x[:])
	if xInt.Cmp(ed25519Order) >= 0 {
		return nil, errors.New("secret is not reduced mod the ed25519 group order")
	}
	p, err := prove(xInt, secpPub.Point(), edPub)
	if err != nil {
		return nil, err
	}
	p.secret = x
	return p, nil
}

func prove(x *big.Int, secpPub *secp256k1.PublicKey, edPub *edwards25519.Point) (*Proof, error) {
	k, err := rand.Int(rand.Reader, ed25519Order)
	if err != nil {
		return nil, err
	}

	r1 := scalarMultSecp(k)
	r2 := scalarMultEd(k)

	e := challenge(secpPub, edPub, r1, r2)

	s := new(big.Int).Mul(e, x)
	s.Add(s, k)

	return &Proof{r1: r1, r2: r2, s: s.Bytes()}, nil
}

// Verify checks that p demonstrates the same scalar underlies secpPub and
// edPub, returning ErrDleqInvalid if not.
func Verify(p *Proof, secpPub *msecp256k1.PublicKey, edPub *edwards25519.Point) error {
	sp := secpPub.Point()
	e := challenge(sp, edPub, p.r1, p.r2)
	s := new(big.Int).SetBytes(p.s)

	// check s*G1 == R1 + e*X1
	lhs1 := scalarMultSecp(s)
	rhs1 := addSecp(p.r1, scalarMultPubSecp(e, sp))
	if !lhs1.IsEqual(rhs1) {
		return ErrDleqInvalid
	}

	// check s*G2 == R2 + e*X2
	lhs2 := scalarMultEd(s)
	rhs2 := new(edwards25519.Point).Add(p.r2, scalarMultPubEd(e, edPub))
	if lhs2.Equal(rhs2) != 1 {
		return ErrDleqInvalid
	}

	return nil
}

func challenge(secpPub *secp256k1.PublicKey, edPub *edwards25519.Point, r1 *secp256k1.PublicKey, r2 *edwards25519.Point) *big.Int {
	h := sha256.New()
	h.Write(secpPub.SerializeCompressed()) //nolint:errcheck
	h.Write(edPub.Bytes())                 //nolint:errcheck
	h.Write(r1.SerializeCompressed())      //nolint:errcheck
	h.Write(r2.Bytes())                    //nolint:errcheck
	sum := h.Sum(nil)

	e := new(big.Int).SetBytes(sum[:challengeBytes])
	return e
}

func scalarMultSecp(k *big.Int) *secp256k1.PublicKey {
	var s secp256k1.ModNScalar
	reduced := new(big.Int).Mod(k, secp256k1Order)
	var b [32]byte
	reduced.FillBytes(b[:])
	s.SetBytes(&b)

	var j secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s, &j)
	j.ToAffine()
	return secp256k1.NewPublicKey(&j.X, &j.Y)
}

func scalarMultPubSecp(k *big.Int, p *secp256k1.PublicKey) *secp256k1.PublicKey {
	var s secp256k1.ModNScalar
	reduced := new(big.Int).Mod(k, secp256k1Order)
	var b [32]byte
	reduced.FillBytes(b[:])
	s.SetBytes(&b)

	var pj, rj secp256k1.JacobianPoint
	p.AsJacobian(&pj)
	secp256k1.ScalarMultNonConst(&s, &pj, &rj)
	rj.ToAffine()
	return secp256k1.NewPublicKey(&rj.X, &rj.Y)
}

func addSecp(a, b *secp256k1.PublicKey) *secp256k1.PublicKey {
	var aj, bj, rj secp256k1.JacobianPoint
	a.AsJacobian(&aj)
	b.AsJacobian(&bj)
	secp256k1.AddNonConst(&aj, &bj, &rj)
	rj.ToAffine()
	return secp256k1.NewPublicKey(&rj.X, &rj.Y)
}

func scalarMultEd(k *big.Int) *edwards25519.Point {
	reduced := new(big.Int).Mod(k, ed25519Order)
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(bigToEdBytes(reduced))
	if err != nil {
		// reduced is guaranteed < l, so this should not happen.
		panic(err)
	}
	return new(edwards25519.Point).ScalarBaseMult(s)
}

func scalarMultPubEd(k *big.Int, p *edwards25519.Point) *edwards25519.Point {
	reduced := new(big.Int).Mod(k, ed25519Order)
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(bigToEdBytes(reduced))
	if err != nil {
		panic(err)
	}
	return new(edwards25519.Point).ScalarMult(s, p)
}

// bigToEdBytes encodes x (assumed < l) as the little-endian 32-byte form
// edwards25519.Scalar.SetCanonicalBytes expects.
func bigToEdBytes(x *big.Int) []byte {
	be := make([]byte, 32)
	x.FillBytes(be)
	for i, j := 0, len(be)-1; i < j; i, j = i+1, j-1 {
		be[i], be[j] = be[j], be[i]
	}
	return be
}
