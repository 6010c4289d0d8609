package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantflow-labs/payout-engine/pkg/types"
)

func TestMemoryStore_SaveAndLoadConfig(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()

	cfg := &types.MultisigConfig{
		CommitteeID: "com-1",
		Signatories: []string{"addr-a", "addr-b", "addr-c"},
		Threshold:   2,
		Address:     "addr-multi",
		UpdatedAt:   100,
	}
	require.NoError(t, store.SaveMultisigConfig(cfg))

	loaded, err := store.LoadMultisigConfig("com-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, cfg, loaded)

	// Mutating the loaded copy must not leak back into the store.
	loaded.Signatories[0] = "tampered"
	again, err := store.LoadMultisigConfig("com-1")
	require.NoError(t, err)
	assert.Equal(t, "addr-a", again.Signatories[0])
}

func TestMemoryStore_LoadConfig_NotFound(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()

	loaded, err := store.LoadMultisigConfig("nope")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestMemoryStore_ApprovalByMilestone_Newest(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()

	older := &types.ApprovalRequest{ID: "a1", MilestoneID: "ms-1", CommitteeID: "com-1", Status: types.StatusRejected, CreatedAt: 100}
	newer := &types.ApprovalRequest{ID: "a2", MilestoneID: "ms-1", CommitteeID: "com-1", Status: types.StatusActive, CreatedAt: 200}
	require.NoError(t, store.SaveApproval(older))
	require.NoError(t, store.SaveApproval(newer))

	got, err := store.LoadApprovalByMilestone("ms-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a2", got.ID)

	none, err := store.LoadApprovalByMilestone("ms-unknown")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryStore_ListApprovalsByCommittee_NewestFirst(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()

	for i, ms := range []string{"ms-1", "ms-2", "ms-3"} {
		require.NoError(t, store.SaveApproval(&types.ApprovalRequest{
			ID:          fmt.Sprintf("a%d", i),
			MilestoneID: ms,
			CommitteeID: "com-1",
			CreatedAt:   int64(100 * (i + 1)),
		}))
	}
	require.NoError(t, store.SaveApproval(&types.ApprovalRequest{
		ID: "other", MilestoneID: "ms-9", CommitteeID: "com-2", CreatedAt: 999,
	}))

	list, err := store.ListApprovalsByCommittee("com-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a2", list[0].ID)
	assert.Equal(t, "a0", list[2].ID)
}

func TestMemoryStore_SaveVote_Duplicate(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()

	vote := &types.Vote{ID: "v1", ApprovalID: "a1", Signatory: "addr-a", Decision: types.DecisionApprove}
	require.NoError(t, store.SaveVote(vote))

	dup := &types.Vote{ID: "v2", ApprovalID: "a1", Signatory: "addr-a", Decision: types.DecisionReject}
	err := store.SaveVote(dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAlreadyVoted))

	// The original vote is untouched.
	votes, err := store.ListVotes("a1")
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, "v1", votes[0].ID)
	assert.Equal(t, types.DecisionApprove, votes[0].Decision)

	// Same signatory on a different approval is fine.
	require.NoError(t, store.SaveVote(&types.Vote{ID: "v3", ApprovalID: "a2", Signatory: "addr-a"}))
}

func TestMemoryStore_ConcurrentVotes_OneWinner(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()

	const racers = 16
	var wg sync.WaitGroup
	errCh := make(chan error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errCh <- store.SaveVote(&types.Vote{
				ID:         fmt.Sprintf("v%d", i),
				ApprovalID: "a1",
				Signatory:  "addr-a",
			})
		}(i)
	}
	wg.Wait()
	close(errCh)

	var ok, dup int
	for err := range errCh {
		if err == nil {
			ok++
		} else if errors.Is(err, types.ErrAlreadyVoted) {
			dup++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, racers-1, dup)
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())
	require.NoError(t, store.Close()) // idempotent

	assert.Error(t, store.HealthCheck())
	assert.Error(t, store.SaveApproval(&types.ApprovalRequest{ID: "a"}))
	_, err := store.LoadApproval("a")
	assert.Error(t, err)
}
