package executor

import (
	"bytes"
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantflow-labs/payout-engine/pkg/address"
	"github.com/grantflow-labs/payout-engine/pkg/chain/mockchain"
	"github.com/grantflow-labs/payout-engine/pkg/logger"
	"github.com/grantflow-labs/payout-engine/pkg/types"
)

// testAddr produces a valid SS58 address whose 32-byte account id is
// the fill byte repeated.
func testAddr(t *testing.T, fill byte) string {
	t.Helper()
	raw := bytes.Repeat([]byte{fill}, address.AccountIDLength)
	encoded, err := address.Encode(raw, 42)
	require.NoError(t, err)
	return encoded
}

func testExecutor(t *testing.T) (*ChainExecutor, *mockchain.MockChainClient) {
	t.Helper()
	testLogger, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)

	client := mockchain.NewMockChainClient()
	exec, err := NewChainExecutor(client, nil, testLogger)
	require.NoError(t, err)
	return exec, client
}

func TestExecutePayout_Success(t *testing.T) {
	exec, client := testExecutor(t)

	a := testAddr(t, 0x01)
	b := testAddr(t, 0x02)
	c := testAddr(t, 0x03)

	config := &types.MultisigConfig{
		CommitteeID: "com-1",
		Signatories: []string{c, a, b},
		Threshold:   2,
	}
	approval := &types.ApprovalRequest{
		ID:          "apr-1",
		MilestoneID: "ms-1",
		Recipient:   testAddr(t, 0xAA),
		Amount:      750_000,
		CallHash:    "0xdeadbeef",
		Timepoint:   &types.Timepoint{Height: 99, Index: 2},
	}

	receipt, err := exec.ExecutePayout(context.Background(), approval, config, b)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.NotEmpty(t, receipt.TxHash)
	assert.NotZero(t, receipt.BlockNumber)

	subs := client.Submissions()
	require.Len(t, subs, 1)
	sub := subs[0]
	assert.Equal(t, b, sub.Signer)
	assert.Equal(t, 2, sub.Threshold)
	assert.Equal(t, "0xdeadbeef", sub.CallHash)
	assert.Equal(t, approval.Timepoint, sub.Timepoint)

	// Signer excluded, remainder sorted by raw account id.
	assert.Equal(t, []string{a, c}, sub.OtherSignatories)
}

func TestExecutePayout_SignerNotAMember(t *testing.T) {
	exec, _ := testExecutor(t)

	config := &types.MultisigConfig{
		Signatories: []string{testAddr(t, 0x01), testAddr(t, 0x02)},
		Threshold:   2,
	}
	approval := &types.ApprovalRequest{ID: "apr-1", Recipient: testAddr(t, 0xAA), Amount: 1}

	_, err := exec.ExecutePayout(context.Background(), approval, config, testAddr(t, 0x09))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotASignatory))
}

func TestExecutePayout_TypedErrorPassesThrough(t *testing.T) {
	exec, client := testExecutor(t)
	client.SubmitErr = types.NewChainError(types.ChainErrInsufficientBalance, errors.New("balance too low"))

	config := &types.MultisigConfig{
		Signatories: []string{testAddr(t, 0x01), testAddr(t, 0x02)},
		Threshold:   2,
	}
	approval := &types.ApprovalRequest{ID: "apr-1", Recipient: testAddr(t, 0xAA), Amount: 1}

	_, err := exec.ExecutePayout(context.Background(), approval, config, testAddr(t, 0x01))
	require.Error(t, err)
	assert.Equal(t, types.ChainErrInsufficientBalance, types.ChainErrorKindOf(err))
}

func TestExecutePayout_UntypedErrorBecomesNetworkError(t *testing.T) {
	exec, client := testExecutor(t)
	client.SubmitErr = errors.New("connection reset by peer")

	config := &types.MultisigConfig{
		Signatories: []string{testAddr(t, 0x01), testAddr(t, 0x02)},
		Threshold:   2,
	}
	approval := &types.ApprovalRequest{ID: "apr-1", Recipient: testAddr(t, 0xAA), Amount: 1}

	_, err := exec.ExecutePayout(context.Background(), approval, config, testAddr(t, 0x01))
	require.Error(t, err)
	assert.Equal(t, types.ChainErrNetworkError, types.ChainErrorKindOf(err))
}

func TestExecutePayout_CanceledContextIsTimeout(t *testing.T) {
	exec, client := testExecutor(t)
	client.SubmitErr = context.Canceled

	config := &types.MultisigConfig{
		Signatories: []string{testAddr(t, 0x01), testAddr(t, 0x02)},
		Threshold:   2,
	}
	approval := &types.ApprovalRequest{ID: "apr-1", Recipient: testAddr(t, 0xAA), Amount: 1}

	_, err := exec.ExecutePayout(context.Background(), approval, config, testAddr(t, 0x01))
	require.Error(t, err)
	assert.Equal(t, types.ChainErrTransactionTimeout, types.ChainErrorKindOf(err))
}
