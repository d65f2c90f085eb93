package monero

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/sha3"

	"github.com/noot/xmrswap/common"
)

// Address is a standard Monero base58 address string.
type Address string

// network prefix bytes for standard (non-integrated, non-subaddress)
// addresses, per the Monero base58 address format.
const (
	mainnetPrefix    = 18
	stagenetPrefix   = 24
	testnetPrefix    = 53 // used for regtest/development in this repo
)

var errInvalidAddress = errors.New("invalid monero address")

func networkPrefix(env common.Environment) byte {
	switch env {
	case common.Mainnet:
		return mainnetPrefix
	case common.Stagenet:
		return stagenetPrefix
	default:
		return testnetPrefix
	}
}

// keccak256Checksum4 returns the first 4 bytes of the legacy Keccak-256 hash
// of b, the checksum Monero appends to its base58-encoded addresses.
func keccak256Checksum4(b []byte) [4]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(b) //nolint:errcheck
	sum := h.Sum(nil)
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}

// EncodeAddress builds the base58 address string for a public spend/view key
// pair on the given network, per Monero's address format: prefix || spend ||
// view || checksum, base58-encoded in 8-byte blocks.
func EncodeAddress(spend, view *PublicKey, env common.Environment) Address {
	prefix := networkPrefix(env)
	sb := spend.Bytes()
	vb := view.Bytes()

	payload := make([]byte, 0, 1+32+32)
	payload = append(payload, prefix)
	payload = append(payload, sb[:]...)
	payload = append(payload, vb[:]...)

	checksum := keccak256Checksum4(payload)
	payload = append(payload, checksum[:]...)

	return Address(base58.Encode(payload))
}

// DecodeAddress parses a base58 Monero address into its public spend/view keys.
func DecodeAddress(addr Address) (*PublicKeyPair, common.Environment, error) {
	raw := base58.Decode(string(addr))
	if len(raw) != 1+32+32+4 {
		return nil, 0, errInvalidAddress
	}

	payload := raw[:1+32+32]
	checksum := raw[1+32+32:]
	want := keccak256Checksum4(payload)
	if string(checksum) != string(want[:]) {
		return nil, 0, errInvalidAddress
	}

	var env common.Environment
	switch payload[0] {
	case mainnetPrefix:
		env = common.Mainnet
	case stagenetPrefix:
		env = common.Stagenet
	case testnetPrefix:
		env = common.Development
	default:
		return nil, 0, errInvalidAddress
	}

	spend, err := PublicKeyFromBytes(payload[1:33])
	if err != nil {
		return nil, 0, err
	}
	view, err := PublicKeyFromBytes(payload[33:65])
	if err != nil {
		return nil, 0, err
	}

	return NewPublicKeyPair(spend, view), env, nil
}

// ValidateAddress checks that addr decodes cleanly on the given network.
func ValidateAddress(addr Address, env common.Environment) error {
	_, gotEnv, err := DecodeAddress(addr)
	if err != nil {
		return err
	}
	if gotEnv != env {
		return errInvalidAddress
	}
	return nil
}
