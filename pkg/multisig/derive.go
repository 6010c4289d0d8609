// Package multisig derives deterministic multisig account addresses the
// same way the chain runtime does. The derivation is a hard external
// contract: any divergence in sort order, domain separator or byte
// widths silently yields an address that is not the funds-controlling
// account, so votes would be tallied against the wrong account.
package multisig

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/grantflow-labs/payout-engine/pkg/address"
	"github.com/grantflow-labs/payout-engine/pkg/types"
)

// entropyPrefix is the runtime's domain separator for multisig account
// derivation (pallet utility / multisig).
var entropyPrefix = []byte("modlpy/utilisuba")

// MinSignatories is the smallest meaningful multisig membership.
const MinSignatories = 2

// Derive computes the canonical multisig account for the signatory set
// and threshold, rendered with the requested SS58 network prefix.
//
// The result is invariant under permutation of the signatories and
// under re-encoding any signatory with a different network prefix:
// signatories are normalized to raw account ids and sorted
// lexicographically before hashing.
func Derive(signatories []string, threshold int, networkPrefix uint16) (string, error) {
	raw, err := normalizeAll(signatories)
	if err != nil {
		return "", err
	}

	accountID, err := deriveRaw(raw, threshold)
	if err != nil {
		return "", err
	}

	return address.Encode(accountID, networkPrefix)
}

// DeriveAccountID is Derive without the final SS58 encoding step.
func DeriveAccountID(signatories []string, threshold int) ([]byte, error) {
	raw, err := normalizeAll(signatories)
	if err != nil {
		return nil, err
	}
	return deriveRaw(raw, threshold)
}

func normalizeAll(signatories []string) ([][]byte, error) {
	raw := make([][]byte, 0, len(signatories))
	for _, s := range signatories {
		r, err := address.Normalize(s)
		if err != nil {
			return nil, errors.Wrapf(err, "signatory %q", s)
		}
		raw = append(raw, r)
	}
	return raw, nil
}

// deriveRaw hashes the runtime's multisig entropy layout:
//
//	blake2b_256("modlpy/utilisuba" ++ compact(len) ++ sorted keys ++ u16le threshold)
func deriveRaw(raw [][]byte, threshold int) ([]byte, error) {
	if len(raw) < MinSignatories {
		return nil, errors.Wrapf(types.ErrInsufficientSignatories,
			"need at least %d signatories, got %d", MinSignatories, len(raw))
	}
	if threshold < 1 || threshold > len(raw) {
		return nil, errors.Wrapf(types.ErrInvalidThreshold,
			"threshold %d outside 1..%d", threshold, len(raw))
	}

	sorted := make([][]byte, len(raw))
	copy(sorted, raw)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})

	// Reject duplicate members: the set must be unique after
	// normalization, whatever prefixes the caller supplied.
	for i := 1; i < len(sorted); i++ {
		if bytes.Equal(sorted[i-1], sorted[i]) {
			return nil, errors.Wrap(types.ErrInsufficientSignatories, "duplicate signatory")
		}
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, errors.Wrap(err, "blake2b init")
	}
	h.Write(entropyPrefix)
	h.Write(compactUint(uint64(len(sorted))))
	for _, key := range sorted {
		h.Write(key)
	}
	var thresholdLE [2]byte
	binary.LittleEndian.PutUint16(thresholdLE[:], uint16(threshold))
	h.Write(thresholdLE[:])

	return h.Sum(nil), nil
}

// compactUint is the SCALE compact integer encoding. Signatory counts
// fit the single-byte mode, but the full layout is implemented so the
// hash matches the runtime for any input.
func compactUint(n uint64) []byte {
	switch {
	case n < 1<<6:
		return []byte{byte(n << 2)}
	case n < 1<<14:
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(n<<2)|0b01)
		return buf[:]
	case n < 1<<30:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(n<<2)|0b10)
		return buf[:]
	default:
		var le [8]byte
		binary.LittleEndian.PutUint64(le[:], n)
		size := 8
		for size > 4 && le[size-1] == 0 {
			size--
		}
		out := make([]byte, 0, size+1)
		out = append(out, byte(size-4)<<2|0b11)
		return append(out, le[:size]...)
	}
}

// ValidationResult is the diagnostic triple returned by ValidateConfig.
type ValidationResult struct {
	Valid           bool   `json:"valid"`
	ComputedAddress string `json:"computedAddress"`
	ExpectedAddress string `json:"expectedAddress"`
	FailureReason   string `json:"failureReason,omitempty"`
}

// ValidateConfig derives the multisig address for (signatories,
// threshold) and compares it to expected. It never fails: derivation
// and decoding problems are reported through Valid=false with both
// addresses preserved for diagnostics.
func ValidateConfig(expected string, signatories []string, threshold int, networkPrefix uint16) ValidationResult {
	res := ValidationResult{ExpectedAddress: expected}

	computed, err := Derive(signatories, threshold, networkPrefix)
	if err != nil {
		res.FailureReason = err.Error()
		return res
	}
	res.ComputedAddress = computed

	if !address.Equal(expected, computed) {
		res.FailureReason = types.ErrAddressMismatch.Error()
		return res
	}

	res.Valid = true
	return res
}
