// Package address implements the SS58 address codec used by
// Substrate-style chains. Addresses carry a network prefix and a
// checksum; equality of two addresses is decided on the decoded 32-byte
// account id, independent of the prefix they were rendered with.
package address

import (
	"bytes"

	"github.com/btcsuite/btcutil/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/grantflow-labs/payout-engine/pkg/types"
)

const (
	// AccountIDLength is the raw public key width (AccountId32).
	AccountIDLength = 32

	checksumLength = 2

	// maxNetworkPrefix is the largest representable SS58 network id.
	maxNetworkPrefix = 0x3FFF
)

// ss58 checksum domain separator, per the SS58 registry.
var checksumPrefix = []byte("SS58PRE")

// Decode parses an SS58 address and returns the raw 32-byte account id.
// Fails with types.ErrMalformedAddress on bad base58, unexpected length
// or checksum mismatch.
func Decode(addr string) ([]byte, error) {
	raw, _, err := decode(addr)
	return raw, err
}

// DecodeWithPrefix parses an SS58 address and returns both the raw
// account id and the network prefix it was encoded with.
func DecodeWithPrefix(addr string) ([]byte, uint16, error) {
	return decode(addr)
}

func decode(addr string) ([]byte, uint16, error) {
	if addr == "" {
		return nil, 0, errors.Wrap(types.ErrMalformedAddress, "empty address")
	}

	data := base58.Decode(addr)
	if len(data) == 0 {
		return nil, 0, errors.Wrapf(types.ErrMalformedAddress, "not base58: %q", addr)
	}

	// One byte prefixes cover network ids 0..63, two bytes the rest.
	var prefix uint16
	prefixLen := 1
	switch {
	case data[0] < 64:
		prefix = uint16(data[0])
	case data[0] < 128:
		if len(data) < 2 {
			return nil, 0, errors.Wrap(types.ErrMalformedAddress, "truncated prefix")
		}
		prefixLen = 2
		lower := uint16(data[0]&0x3F) << 2
		upper := uint16(data[1])
		prefix = lower | upper>>6 | (upper&0x3F)<<8
	default:
		return nil, 0, errors.Wrapf(types.ErrMalformedAddress, "reserved prefix byte %d", data[0])
	}

	want := prefixLen + AccountIDLength + checksumLength
	if len(data) != want {
		return nil, 0, errors.Wrapf(types.ErrMalformedAddress,
			"unexpected length %d, want %d", len(data), want)
	}

	body := data[:prefixLen+AccountIDLength]
	sum := checksum(body)
	if !bytes.Equal(sum, data[prefixLen+AccountIDLength:]) {
		return nil, 0, errors.Wrapf(types.ErrMalformedAddress, "checksum mismatch for %q", addr)
	}

	raw := make([]byte, AccountIDLength)
	copy(raw, data[prefixLen:prefixLen+AccountIDLength])
	return raw, prefix, nil
}

// Encode renders a raw 32-byte account id as an SS58 address with the
// given network prefix.
func Encode(raw []byte, prefix uint16) (string, error) {
	if len(raw) != AccountIDLength {
		return "", errors.Wrapf(types.ErrMalformedAddress,
			"account id must be %d bytes, got %d", AccountIDLength, len(raw))
	}
	if prefix > maxNetworkPrefix {
		return "", errors.Wrapf(types.ErrMalformedAddress, "network prefix %d out of range", prefix)
	}

	var body []byte
	if prefix < 64 {
		body = append([]byte{byte(prefix)}, raw...)
	} else {
		first := byte(prefix&0xFC)>>2 | 0x40
		second := byte(prefix>>8) | byte(prefix&0x03)<<6
		body = append([]byte{first, second}, raw...)
	}

	body = append(body, checksum(body)...)
	return base58.Encode(body), nil
}

// Normalize decodes an address to its raw account id bytes. This is the
// universal comparison key: two addresses are the same account exactly
// when their normalized bytes are equal.
func Normalize(addr string) ([]byte, error) {
	return Decode(addr)
}

// Equal reports whether two SS58 addresses refer to the same account,
// regardless of the network prefix either was encoded with. Malformed
// addresses are never equal to anything.
func Equal(a, b string) bool {
	ra, err := Normalize(a)
	if err != nil {
		return false
	}
	rb, err := Normalize(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

func checksum(body []byte) []byte {
	h, _ := blake2b.New512(nil)
	h.Write(checksumPrefix)
	h.Write(body)
	return h.Sum(nil)[:checksumLength]
}
