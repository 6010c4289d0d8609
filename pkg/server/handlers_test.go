package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantflow-labs/payout-engine/pkg/address"
	"github.com/grantflow-labs/payout-engine/pkg/approval"
	"github.com/grantflow-labs/payout-engine/pkg/chain"
	"github.com/grantflow-labs/payout-engine/pkg/chain/discovery"
	"github.com/grantflow-labs/payout-engine/pkg/chain/mockchain"
	"github.com/grantflow-labs/payout-engine/pkg/executor"
	"github.com/grantflow-labs/payout-engine/pkg/logger"
	"github.com/grantflow-labs/payout-engine/pkg/multisig"
	"github.com/grantflow-labs/payout-engine/pkg/persistence/memory"
	"github.com/grantflow-labs/payout-engine/pkg/types"
)

const testPrefix uint16 = 42

func testAddr(t *testing.T, fill byte) string {
	t.Helper()
	raw := bytes.Repeat([]byte{fill}, address.AccountIDLength)
	encoded, err := address.Encode(raw, testPrefix)
	require.NoError(t, err)
	return encoded
}

type serverFixture struct {
	handler http.Handler
	client  *mockchain.MockChainClient

	alice   string
	bob     string
	charlie string
	outside string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	testLogger, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)

	store := memory.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	client := mockchain.NewMockChainClient()
	exec, err := executor.NewChainExecutor(client, nil, testLogger)
	require.NoError(t, err)
	engine, err := approval.NewEngine(store, exec, testPrefix, testLogger)
	require.NoError(t, err)
	disc := discovery.NewDiscoverer(client, 0, testLogger)

	srv := NewServer(engine, disc, store, client, testPrefix, 0, testLogger)

	f := &serverFixture{
		handler: srv.GetHandler(),
		client:  client,
		alice:   testAddr(t, 0x01),
		bob:     testAddr(t, 0x02),
		charlie: testAddr(t, 0x03),
		outside: testAddr(t, 0x99),
	}

	// Committee "com-1" is a 2-of-3 of alice, bob, charlie.
	rec := f.do(t, http.MethodPut, "/committees/com-1/multisig", map[string]any{
		"signatories": []string{f.alice, f.bob, f.charlie},
		"threshold":   2,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	return f
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) initiate(t *testing.T, milestoneID string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/milestones/"+milestoneID+"/approvals", map[string]any{
		"committeeId":      "com-1",
		"recipientAddress": f.outside,
		"payoutAmount":     250_000,
		"initiatorAddress": f.alice,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Approval types.ApprovalRequest `json:"approval"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Approval.ID
}

func TestHandleSetMultisigConfig(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/committees/com-1/multisig", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Config types.MultisigConfig `json:"config"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Config.Threshold)
	assert.NotEmpty(t, resp.Config.Address)

	// Bad threshold is rejected.
	rec = f.do(t, http.MethodPut, "/committees/com-2/multisig", map[string]any{
		"signatories": []string{f.alice, f.bob},
		"threshold":   5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/committees/com-2/multisig", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleInitiate(t *testing.T) {
	f := newServerFixture(t)

	id := f.initiate(t, "ms-1")
	assert.NotEmpty(t, id)

	// Duplicate for the same milestone conflicts.
	rec := f.do(t, http.MethodPost, "/milestones/ms-1/approvals", map[string]any{
		"committeeId":      "com-1",
		"recipientAddress": f.outside,
		"payoutAmount":     250_000,
		"initiatorAddress": f.bob,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown committee.
	rec = f.do(t, http.MethodPost, "/milestones/ms-2/approvals", map[string]any{
		"committeeId":      "nope",
		"recipientAddress": f.outside,
		"payoutAmount":     1,
		"initiatorAddress": f.alice,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Non-signatory initiator.
	rec = f.do(t, http.MethodPost, "/milestones/ms-2/approvals", map[string]any{
		"committeeId":      "com-1",
		"recipientAddress": f.outside,
		"payoutAmount":     1,
		"initiatorAddress": f.outside,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Missing fields.
	rec = f.do(t, http.MethodPost, "/milestones/ms-2/approvals", map[string]any{
		"committeeId": "com-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetMilestoneApproval(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/milestones/ms-none/approvals", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	id := f.initiate(t, "ms-1")
	rec = f.do(t, http.MethodGet, "/milestones/ms-1/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Approval types.ApprovalRequest `json:"approval"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.Approval.ID)
}

func TestHandleVote(t *testing.T) {
	f := newServerFixture(t)
	id := f.initiate(t, "ms-1")

	rec := f.do(t, http.MethodPost, "/milestones/ms-1/approvals/"+id+"/vote", map[string]any{
		"signatoryAddress": f.bob,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		ApproveCount int  `json:"approveCount"`
		ThresholdMet bool `json:"thresholdMet"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.ApproveCount)
	assert.True(t, resp.ThresholdMet)

	// Initiator voting again is forbidden.
	rec = f.do(t, http.MethodPost, "/milestones/ms-1/approvals/"+id+"/vote", map[string]any{
		"signatoryAddress": f.alice,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Outsider is forbidden.
	rec = f.do(t, http.MethodPost, "/milestones/ms-1/approvals/"+id+"/vote", map[string]any{
		"signatoryAddress": f.outside,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleCanVote(t *testing.T) {
	f := newServerFixture(t)
	id := f.initiate(t, "ms-1")

	rec := f.do(t, http.MethodGet, "/milestones/ms-1/approvals/"+id+"/can-vote?signatoryAddress="+f.bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp approval.CanVoteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.CanVote)
	assert.True(t, resp.IsFinalVoter)

	rec = f.do(t, http.MethodGet, "/milestones/ms-1/approvals/"+id+"/can-vote?signatoryAddress="+f.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.CanVote)
	assert.NotEmpty(t, resp.Reason)
}

func TestHandleExecute(t *testing.T) {
	f := newServerFixture(t)
	id := f.initiate(t, "ms-1")

	// Before the threshold is met execution conflicts.
	rec := f.do(t, http.MethodPost, "/milestones/ms-1/approvals/"+id+"/execute", map[string]any{
		"finalSignatoryAddress": f.alice,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/milestones/ms-1/approvals/"+id+"/vote", map[string]any{
		"signatoryAddress": f.bob,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Charlie never voted: 400.
	rec = f.do(t, http.MethodPost, "/milestones/ms-1/approvals/"+id+"/execute", map[string]any{
		"finalSignatoryAddress": f.charlie,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/milestones/ms-1/approvals/"+id+"/execute", map[string]any{
		"finalSignatoryAddress": f.bob,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Approval  types.ApprovalRequest  `json:"approval"`
		Execution types.ExecutionReceipt `json:"execution"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, types.StatusExecuted, resp.Approval.Status)
	assert.NotEmpty(t, resp.Execution.TxHash)

	// Exactly once.
	rec = f.do(t, http.MethodPost, "/milestones/ms-1/approvals/"+id+"/execute", map[string]any{
		"finalSignatoryAddress": f.bob,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, f.client.Submissions(), 1)
}

func TestHandleValidateMultisigConfig(t *testing.T) {
	f := newServerFixture(t)

	signatories := []string{f.alice, f.bob, f.charlie}
	derived, err := multisig.Derive(signatories, 2, testPrefix)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/committees/com-1/multisig/validate", map[string]any{
		"signatories":     signatories,
		"threshold":       2,
		"expectedAddress": derived,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result multisig.ValidationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Valid)

	// Wrong expected address reports the diagnostic triple.
	rec = f.do(t, http.MethodPost, "/committees/com-1/multisig/validate", map[string]any{
		"signatories":     signatories,
		"threshold":       3,
		"expectedAddress": derived,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.FailureReason)
}

func TestHandleValidateMultisigConfig_AgainstBounty(t *testing.T) {
	f := newServerFixture(t)

	signatories := []string{f.alice, f.bob, f.charlie}
	derived, err := multisig.Derive(signatories, 2, testPrefix)
	require.NoError(t, err)

	f.client.SetBounty(&chain.Bounty{
		ID:     7,
		Status: chain.BountyStatus{Kind: chain.BountyActive, Curator: derived},
	})

	rec := f.do(t, http.MethodPost, "/committees/com-1/multisig/validate", map[string]any{
		"signatories":     signatories,
		"threshold":       2,
		"expectedAddress": derived,
		"bountyId":        7,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result multisig.ValidationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Valid)

	// A different committee shape does not control the bounty.
	rec = f.do(t, http.MethodPost, "/committees/com-1/multisig/validate", map[string]any{
		"signatories":     signatories,
		"threshold":       3,
		"expectedAddress": mustDerive(t, signatories, 3),
		"bountyId":        7,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.FailureReason)
}

func mustDerive(t *testing.T, signatories []string, threshold int) string {
	t.Helper()
	derived, err := multisig.Derive(signatories, threshold, testPrefix)
	require.NoError(t, err)
	return derived
}

func TestHandleListCommitteeApprovals(t *testing.T) {
	f := newServerFixture(t)

	f.initiate(t, "ms-1")
	f.initiate(t, "ms-2")

	rec := f.do(t, http.MethodGet, "/committees/com-1/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Approvals []types.ApprovalRequest `json:"approvals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Approvals, 2)

	rec = f.do(t, http.MethodGet, "/committees/empty/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Approvals)
}

func TestHandleBountyStructure(t *testing.T) {
	f := newServerFixture(t)

	curator := testAddr(t, 0x42)
	delegate := testAddr(t, 0x43)
	f.client.SetBounty(&chain.Bounty{
		ID:          12,
		Status:      chain.BountyStatus{Kind: chain.BountyActive, Curator: curator},
		Description: []byte("infrastructure grants"),
	})
	f.client.SetProxies(curator, []chain.ProxyDelegation{
		{Delegate: delegate, ProxyType: "Any"},
	})

	rec := f.do(t, http.MethodGet, "/bounties/12/structure", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result discovery.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, curator, result.Curator)
	assert.Equal(t, delegate, result.EffectiveMultisig)

	// No such bounty.
	rec = f.do(t, http.MethodGet, "/bounties/999/structure", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Not yet curated.
	f.client.SetBounty(&chain.Bounty{ID: 13, Status: chain.BountyStatus{Kind: chain.BountyFunded}})
	rec = f.do(t, http.MethodGet, "/bounties/13/structure", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/bounties/not-a-number/structure", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealthz(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}
