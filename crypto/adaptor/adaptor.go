// Package adaptor implements ECDSA adaptor ("scriptless script") signatures
// over secp256k1: EncSign produces a pre-signature that verifies against an
// encryption point Y=yG without revealing y; Decrypt uses the secret y to
// turn it into an ordinary ECDSA signature; Recover extracts y from a
// decrypted signature and its pre-signature. This is the mechanism spec.md
// §4.1 calls the "adaptor signature relationship": the buyer publishes an
// encrypted signature for tx_redeem under the seller's Monero-key-share
// point, and decrypting tx_redeem's broadcast signature reveals that share.
//
// New code: the teacher (noot-atomic-swap) settles by calling an EVM
// contract's Claim() rather than publishing a Bitcoin signature, so it has
// no adaptor-signature logic to adapt. Grounded on the general two-party
// ECDSA adaptor-signature construction used across Bitcoin-based atomic-swap
// implementations, built on top of the same secp256k1 arithmetic already
// adopted in crypto/secp256k1 and crypto/dleq.
package adaptor

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	msecp256k1 "github.com/noot/xmrswap/crypto/secp256k1"
)

// ErrInvalidSignature is returned when EncVerify rejects a pre-signature.
var ErrInvalidSignature = errors.New("adaptor: pre-signature does not verify")

// ErrRecoveryFailed is returned by Recover when neither candidate for y
// matches the expected encryption point.
var ErrRecoveryFailed = errors.New("adaptor: could not recover encryption secret")

// proof is a Chaum-Pedersen proof that the same scalar k satisfies
// RHat = k*G and R = k*Y, linking the two nonce points in a Signature
// without revealing k.
type proof struct {
	a1 *secp256k1.PublicKey
	a2 *secp256k1.PublicKey
	z  *secp256k1.ModNScalar
}

// Signature is a pre-signature (also called an encrypted signature): it
// verifies against the signer's key and the encryption point Y, but only
// decrypts to a spendable ECDSA signature once y (with Y=yG) is known.
type Signature struct {
	RHat *secp256k1.PublicKey    // k*G
	R    *secp256k1.PublicKey    // k*Y
	r    *secp256k1.ModNScalar   // R.x mod n, cached
	S    *secp256k1.ModNScalar   // k^-1 * (e + r*x) mod n
	pf   *proof
}

func hashToScalar(hash []byte) *secp256k1.ModNScalar {
	var e secp256k1.ModNScalar
	e.SetByteSlice(hash) //nolint:errcheck
	return &e
}

func fieldToScalar(f *secp256k1.FieldVal) *secp256k1.ModNScalar {
	f.Normalize()
	b := f.Bytes()
	var s secp256k1.ModNScalar
	s.SetByteSlice(b[:]) //nolint:errcheck
	return &s
}

func randomScalar() (*secp256k1.ModNScalar, error) {
	for {
		var b [32]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, err
		}
		var s secp256k1.ModNScalar
		overflow := s.SetBytes(&b)
		if overflow != 0 || s.IsZero() {
			continue
		}
		return &s, nil
	}
}

func scalarBaseMult(k *secp256k1.ModNScalar) *secp256k1.PublicKey {
	var j secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(k, &j)
	j.ToAffine()
	return secp256k1.NewPublicKey(&j.X, &j.Y)
}

func scalarMult(k *secp256k1.ModNScalar, p *secp256k1.PublicKey) *secp256k1.PublicKey {
	var pj, rj secp256k1.JacobianPoint
	p.AsJacobian(&pj)
	secp256k1.ScalarMultNonConst(k, &pj, &rj)
	rj.ToAffine()
	return secp256k1.NewPublicKey(&rj.X, &rj.Y)
}

func addPoints(a, b *secp256k1.PublicKey) *secp256k1.PublicKey {
	var aj, bj, rj secp256k1.JacobianPoint
	a.AsJacobian(&aj)
	b.AsJacobian(&bj)
	secp256k1.AddNonConst(&aj, &bj, &rj)
	rj.ToAffine()
	return secp256k1.NewPublicKey(&rj.X, &rj.Y)
}

func chaumPedersenProve(k *secp256k1.ModNScalar, rHat, r, y *secp256k1.PublicKey) (*proof, error) {
	w, err := randomScalar()
	if err != nil {
		return nil, err
	}
	a1 := scalarBaseMult(w)
	a2 := scalarMult(w, y)

	c := chaumPedersenChallenge(rHat, r, y, a1, a2)

	var z secp256k1.ModNScalar
	z.Set(c).Mul(k).Add(w)

	return &proof{a1: a1, a2: a2, z: &z}, nil
}

func chaumPedersenVerify(pf *proof, rHat, r, y *secp256k1.PublicKey) bool {
	c := chaumPedersenChallenge(rHat, r, y, pf.a1, pf.a2)

	lhs1 := scalarBaseMult(pf.z)
	rhs1 := addPoints(pf.a1, scalarMult(c, rHat))
	if !lhs1.IsEqual(rhs1) {
		return false
	}

	lhs2 := scalarMult(pf.z, y)
	rhs2 := addPoints(pf.a2, scalarMult(c, r))
	return lhs2.IsEqual(rhs2)
}

func chaumPedersenChallenge(rHat, r, y, a1, a2 *secp256k1.PublicKey) *secp256k1.ModNScalar {
	h := sha256.New()
	h.Write(rHat.SerializeCompressed()) //nolint:errcheck
	h.Write(r.SerializeCompressed())    //nolint:errcheck
	h.Write(y.SerializeCompressed())    //nolint:errcheck
	h.Write(a1.SerializeCompressed())   //nolint:errcheck
	h.Write(a2.SerializeCompressed())   //nolint:errcheck
	return hashToScalar(h.Sum(nil))
}

// EncSign produces a pre-signature on hash (the sighash of a Bitcoin
// transaction, eg. tx_redeem's) under private key x, encrypted against the
// public encryption point y (the counterparty's Monero-key-share point, per
// spec.md §4.1).
func EncSign(x *msecp256k1.PrivateKey, y *msecp256k1.PublicKey, hash []byte) (*Signature, error) {
	e := hashToScalar(hash)
	xScalar := x.Scalar()
	yPoint := y.Point()

	for {
		k, err := randomScalar()
		if err != nil {
			return nil, err
		}

		rHat := scalarBaseMult(k)
		r := scalarMult(k, yPoint)

		var rj secp256k1.JacobianPoint
		r.AsJacobian(&rj)
		rScalar := fieldToScalar(&rj.X)
		if rScalar.IsZero() {
			continue
		}

		var kInv secp256k1.ModNScalar
		kInv.Set(k).InverseNonConst()

		var s secp256k1.ModNScalar
		s.Set(rScalar).Mul(xScalar).Add(e).Mul(&kInv)
		if s.IsZero() {
			continue
		}

		pf, err := chaumPedersenProve(k, rHat, r, yPoint)
		if err != nil {
			return nil, err
		}

		return &Signature{RHat: rHat, R: r, r: rScalar, S: &s, pf: pf}, nil
	}
}

// EncVerify checks that sig is a valid pre-signature on hash under public
// key x, encrypted against encryption point y.
func EncVerify(x *msecp256k1.PublicKey, y *msecp256k1.PublicKey, hash []byte, sig *Signature) error {
	yPoint := y.Point()
	if !chaumPedersenVerify(sig.pf, sig.RHat, sig.R, yPoint) {
		return ErrInvalidSignature
	}

	var rj secp256k1.JacobianPoint
	sig.R.AsJacobian(&rj)
	wantR := fieldToScalar(&rj.X)
	if wantR.Bytes() != sig.r.Bytes() {
		return ErrInvalidSignature
	}

	e := hashToScalar(hash)

	var sInv secp256k1.ModNScalar
	sInv.Set(sig.S).InverseNonConst()

	var u1, u2 secp256k1.ModNScalar
	u1.Set(&sInv).Mul(e)
	u2.Set(&sInv).Mul(sig.r)

	rComputed := addPoints(scalarBaseMult(&u1), scalarMult(&u2, x.Point()))
	if !rComputed.IsEqual(sig.RHat) {
		return ErrInvalidSignature
	}

	return nil
}

// Decrypt turns a pre-signature into an ordinary, broadcastable ECDSA
// signature using the encryption secret y (Y=yG must be the point sig was
// encrypted against). The returned signature is normalized to low-S.
func Decrypt(sig *Signature, y *msecp256k1.PrivateKey) *ecdsa.Signature {
	var yInv secp256k1.ModNScalar
	yInv.Set(y.Scalar()).InverseNonConst()

	var s secp256k1.ModNScalar
	s.Set(sig.S).Mul(&yInv)
	s = normalizeLowS(s)

	return ecdsa.NewSignature(sig.r, &s)
}

// Recover extracts the encryption secret y from a decrypted signature's s
// value together with the original pre-signature, returning the matching
// private key such that Public() == the Y the pre-signature was encrypted
// against. The caller supplies Y to disambiguate the sign flip introduced by
// low-S normalization.
func Recover(sig *Signature, decryptedS *secp256k1.ModNScalar, y *msecp256k1.PublicKey) (*msecp256k1.PrivateKey, error) {
	var sInv secp256k1.ModNScalar
	sInv.Set(decryptedS).InverseNonConst()

	var candidate secp256k1.ModNScalar
	candidate.Set(sig.S).Mul(&sInv)

	for _, c := range []secp256k1.ModNScalar{candidate, negate(candidate)} {
		b := c.Bytes()
		priv, err := msecp256k1.NewPrivateKeyFromBytes(b[:])
		if err != nil {
			continue
		}
		if priv.Public().Equal(y) {
			return priv, nil
		}
	}

	return nil, ErrRecoveryFailed
}

// Encode serializes sig for wire transmission: RHat, R (33-byte compressed
// points each), S (32 bytes), then the Chaum-Pedersen proof's a1, a2, z in
// the same encodings.
func (sig *Signature) Encode() []byte {
	var sBytes, zBytes [32]byte
	sig.S.PutBytesUnchecked(&sBytes)
	sig.pf.z.PutBytesUnchecked(&zBytes)

	b := make([]byte, 0, 33*4+32*2)
	b = append(b, sig.RHat.SerializeCompressed()...)
	b = append(b, sig.R.SerializeCompressed()...)
	b = append(b, sBytes[:]...)
	b = append(b, sig.pf.a1.SerializeCompressed()...)
	b = append(b, sig.pf.a2.SerializeCompressed()...)
	b = append(b, zBytes[:]...)
	return b
}

// DecodeSignature parses the wire format Encode produces.
func DecodeSignature(b []byte) (*Signature, error) {
	const pointLen = 33
	const scalarLen = 32
	want := pointLen*4 + scalarLen*2
	if len(b) != want {
		return nil, errors.New("adaptor: invalid encoded signature length")
	}

	rHat, err := secp256k1.ParsePubKey(b[0:pointLen])
	if err != nil {
		return nil, err
	}
	r, err := secp256k1.ParsePubKey(b[pointLen : 2*pointLen])
	if err != nil {
		return nil, err
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(b[2*pointLen : 2*pointLen+scalarLen]); overflow {
		return nil, errors.New("adaptor: invalid S scalar")
	}

	off := 2*pointLen + scalarLen
	a1, err := secp256k1.ParsePubKey(b[off : off+pointLen])
	if err != nil {
		return nil, err
	}
	a2, err := secp256k1.ParsePubKey(b[off+pointLen : off+2*pointLen])
	if err != nil {
		return nil, err
	}
	var z secp256k1.ModNScalar
	if overflow := z.SetByteSlice(b[off+2*pointLen:]); overflow {
		return nil, errors.New("adaptor: invalid z scalar")
	}

	var rj secp256k1.JacobianPoint
	r.AsJacobian(&rj)
	rScalar := fieldToScalar(&rj.X)

	return &Signature{RHat: rHat, R: r, r: rScalar, S: &s, pf: &proof{a1: a1, a2: a2, z: &z}}, nil
}

// derSignature is the ASN.1 shape of a DER-encoded ECDSA signature.
type derSignature struct {
	R *big.Int
	S *big.Int
}

// ExtractWitnessSignatureS recovers the s-scalar from a witness-stack
// signature item (a DER-encoded signature with the sighash-type byte
// FinalizeMultiSigWitness appends), the form the buyer reads back off a
// seller's broadcast tx_redeem in order to call Recover.
func ExtractWitnessSignatureS(witnessSig []byte) (*secp256k1.ModNScalar, error) {
	if len(witnessSig) < 2 {
		return nil, errors.New("adaptor: signature too short")
	}
	der := witnessSig[:len(witnessSig)-1] // strip the trailing sighash-type byte
	var sig derSignature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, err
	}
	b := sig.S.Bytes()
	var buf [32]byte
	copy(buf[32-len(b):], b)
	var s secp256k1.ModNScalar
	if overflow := s.SetBytes(&buf); overflow != 0 {
		return nil, errors.New("adaptor: s scalar overflows group order")
	}
	return &s, nil
}

func negate(s secp256k1.ModNScalar) secp256k1.ModNScalar {
	var n secp256k1.ModNScalar
	n.Set(&s).Negate()
	return n
}

// normalizeLowS returns s if it is already <= n/2, or n-s otherwise, per
// Bitcoin's canonical low-S signature malleability rule.
func normalizeLowS(s secp256k1.ModNScalar) secp256k1.ModNScalar {
	if s.IsOverHalfOrder() {
		s.Negate()
	}
	return s
}
