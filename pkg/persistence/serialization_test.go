package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantflow-labs/payout-engine/pkg/types"
)

func TestMarshalApproval_RoundtripPreservesTimepoint(t *testing.T) {
	approval := &types.ApprovalRequest{
		ID:          "apr-1",
		MilestoneID: "ms-1",
		CommitteeID: "com-1",
		Recipient:   "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY",
		Amount:      1_500_000_000_000,
		CallHash:    "0xabcd",
		Timepoint:   &types.Timepoint{Height: 12345, Index: 2},
		Status:      types.StatusThresholdMet,
		CreatedAt:   1700000000,
	}

	data, err := MarshalApproval(approval)
	require.NoError(t, err)

	got, err := UnmarshalApproval(data)
	require.NoError(t, err)
	assert.Equal(t, approval, got)
}

func TestMarshal_NilInputs(t *testing.T) {
	_, err := MarshalApproval(nil)
	assert.Error(t, err)

	_, err = MarshalVote(nil)
	assert.Error(t, err)

	_, err = MarshalMultisigConfig(nil)
	assert.Error(t, err)
}

func TestUnmarshal_EmptyAndGarbage(t *testing.T) {
	_, err := UnmarshalApproval(nil)
	assert.Error(t, err)

	_, err = UnmarshalVote([]byte("{not json"))
	assert.Error(t, err)

	_, err = UnmarshalMultisigConfig([]byte{})
	assert.Error(t, err)
}
