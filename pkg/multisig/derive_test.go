package multisig

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantflow-labs/payout-engine/pkg/address"
	"github.com/grantflow-labs/payout-engine/pkg/types"
)

// testSignatory builds a valid SS58 address from a fixed byte pattern.
func testSignatory(t *testing.T, fill byte, prefix uint16) string {
	t.Helper()
	raw := make([]byte, address.AccountIDLength)
	for i := range raw {
		raw[i] = fill
	}
	addr, err := address.Encode(raw, prefix)
	require.NoError(t, err)
	return addr
}

func TestDerive_Deterministic(t *testing.T) {
	a := testSignatory(t, 0x01, 42)
	b := testSignatory(t, 0x02, 42)
	c := testSignatory(t, 0x03, 42)

	first, err := Derive([]string{a, b, c}, 2, 42)
	require.NoError(t, err)
	second, err := Derive([]string{a, b, c}, 2, 42)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// The derived address is itself a decodable account.
	_, err = address.Decode(first)
	require.NoError(t, err)
}

func TestDerive_PermutationInvariant(t *testing.T) {
	a := testSignatory(t, 0x01, 42)
	b := testSignatory(t, 0x02, 42)
	c := testSignatory(t, 0x03, 42)

	orders := [][]string{
		{a, b, c},
		{c, b, a},
		{b, a, c},
		{c, a, b},
	}

	want, err := Derive(orders[0], 2, 42)
	require.NoError(t, err)

	for _, order := range orders[1:] {
		got, err := Derive(order, 2, 42)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDerive_PrefixReencodingInvariant(t *testing.T) {
	// Same accounts, rendered for different networks.
	want, err := Derive([]string{
		testSignatory(t, 0x01, 42),
		testSignatory(t, 0x02, 42),
	}, 2, 42)
	require.NoError(t, err)

	got, err := Derive([]string{
		testSignatory(t, 0x01, 0),
		testSignatory(t, 0x02, 2),
	}, 2, 42)
	require.NoError(t, err)

	assert.Equal(t, want, got)
}

func TestDerive_ThresholdChangesAddress(t *testing.T) {
	signatories := []string{
		testSignatory(t, 0x01, 42),
		testSignatory(t, 0x02, 42),
		testSignatory(t, 0x03, 42),
	}

	at2, err := Derive(signatories, 2, 42)
	require.NoError(t, err)
	at3, err := Derive(signatories, 3, 42)
	require.NoError(t, err)

	assert.NotEqual(t, at2, at3)
}

func TestDerive_Validation(t *testing.T) {
	a := testSignatory(t, 0x01, 42)
	b := testSignatory(t, 0x02, 42)

	_, err := Derive([]string{a, b}, 0, 42)
	assert.True(t, errors.Is(err, types.ErrInvalidThreshold))

	_, err = Derive([]string{a, b}, 3, 42)
	assert.True(t, errors.Is(err, types.ErrInvalidThreshold))

	_, err = Derive([]string{a}, 1, 42)
	assert.True(t, errors.Is(err, types.ErrInsufficientSignatories))

	// Same account under two prefixes is still one member.
	aPolkadot := testSignatory(t, 0x01, 0)
	_, err = Derive([]string{a, aPolkadot}, 1, 42)
	assert.True(t, errors.Is(err, types.ErrInsufficientSignatories))

	_, err = Derive([]string{a, "not-an-address"}, 1, 42)
	assert.True(t, errors.Is(err, types.ErrMalformedAddress))
}

func TestValidateConfig(t *testing.T) {
	signatories := []string{
		testSignatory(t, 0x01, 42),
		testSignatory(t, 0x02, 42),
		testSignatory(t, 0x03, 42),
	}

	derived, err := Derive(signatories, 2, 42)
	require.NoError(t, err)

	res := ValidateConfig(derived, signatories, 2, 42)
	assert.True(t, res.Valid)
	assert.Equal(t, derived, res.ComputedAddress)
	assert.Equal(t, derived, res.ExpectedAddress)

	// Expected address re-encoded for another network still validates.
	raw, err := address.Decode(derived)
	require.NoError(t, err)
	reencoded, err := address.Encode(raw, 0)
	require.NoError(t, err)
	res = ValidateConfig(reencoded, signatories, 2, 42)
	assert.True(t, res.Valid)

	// Mismatched expectation reports both addresses, no error.
	other := testSignatory(t, 0xAA, 42)
	res = ValidateConfig(other, signatories, 2, 42)
	assert.False(t, res.Valid)
	assert.Equal(t, derived, res.ComputedAddress)
	assert.Equal(t, other, res.ExpectedAddress)
	assert.NotEmpty(t, res.FailureReason)

	// Derivation failure is diagnostic, not an error.
	res = ValidateConfig(derived, signatories, 0, 42)
	assert.False(t, res.Valid)
	assert.Empty(t, res.ComputedAddress)
}

func TestCompactUint(t *testing.T) {
	cases := []struct {
		n    uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x04}},
		{42, []byte{0xA8}},
		{63, []byte{0xFC}},
		{64, []byte{0x01, 0x01}},
		{16383, []byte{0xFD, 0xFF}},
		{16384, []byte{0x02, 0x00, 0x01, 0x00}},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, compactUint(tc.n), "n=%d", tc.n)
	}
}
