package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/grantflow-labs/payout-engine/pkg/persistence"
	"github.com/grantflow-labs/payout-engine/pkg/types"
)

// MemoryStore is an in-memory implementation of IApprovalStore.
// This implementation is intended for TESTING ONLY.
//
// All data is stored in memory and will be lost when the process exits.
// Thread-safe using sync.RWMutex for concurrent access.
// Deep copies data to prevent external mutation.
type MemoryStore struct {
	mu sync.RWMutex

	// committee id -> config
	configs map[string]*types.MultisigConfig

	// approval id -> approval
	approvals map[string]*types.ApprovalRequest

	// approval id -> votes in signing order
	votes map[string][]*types.Vote

	closed bool
}

// NewMemoryStore creates a new in-memory approval store.
// Prints a loud warning since this should only be used for testing.
func NewMemoryStore() *MemoryStore {
	fmt.Println("⚠️  WARNING: Using in-memory approval store - ALL DATA WILL BE LOST ON RESTART")
	fmt.Println("⚠️  This should ONLY be used for testing. Set PAYOUT_PERSISTENCE_TYPE=badger for production")

	return &MemoryStore{
		configs:   make(map[string]*types.MultisigConfig),
		approvals: make(map[string]*types.ApprovalRequest),
		votes:     make(map[string][]*types.Vote),
	}
}

// SaveMultisigConfig persists a committee config.
func (m *MemoryStore) SaveMultisigConfig(cfg *types.MultisigConfig) error {
	if cfg == nil {
		return fmt.Errorf("cannot save nil MultisigConfig")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("approval store is closed")
	}

	m.configs[cfg.CommitteeID] = copyConfig(cfg)
	return nil
}

// LoadMultisigConfig retrieves a committee config.
func (m *MemoryStore) LoadMultisigConfig(committeeID string) (*types.MultisigConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	cfg, exists := m.configs[committeeID]
	if !exists {
		return nil, nil // Not found is not an error
	}
	return copyConfig(cfg), nil
}

// SaveApproval upserts an approval request.
func (m *MemoryStore) SaveApproval(approval *types.ApprovalRequest) error {
	if approval == nil {
		return fmt.Errorf("cannot save nil ApprovalRequest")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("approval store is closed")
	}

	m.approvals[approval.ID] = copyApproval(approval)
	return nil
}

// LoadApproval retrieves an approval by id.
func (m *MemoryStore) LoadApproval(approvalID string) (*types.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	a, exists := m.approvals[approvalID]
	if !exists {
		return nil, nil // Not found is not an error
	}
	return copyApproval(a), nil
}

// LoadApprovalByMilestone returns the newest approval for a milestone.
func (m *MemoryStore) LoadApprovalByMilestone(milestoneID string) (*types.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	var newest *types.ApprovalRequest
	for _, a := range m.approvals {
		if a.MilestoneID != milestoneID {
			continue
		}
		if newest == nil || a.CreatedAt > newest.CreatedAt {
			newest = a
		}
	}
	if newest == nil {
		return nil, nil
	}
	return copyApproval(newest), nil
}

// ListApprovalsByCommittee returns a committee's approvals, newest first.
func (m *MemoryStore) ListApprovalsByCommittee(committeeID string) ([]*types.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	result := make([]*types.ApprovalRequest, 0)
	for _, a := range m.approvals {
		if a.CommitteeID == committeeID {
			result = append(result, copyApproval(a))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt > result[j].CreatedAt
	})
	return result, nil
}

// SaveVote appends a vote, rejecting duplicates per (approval, signatory).
func (m *MemoryStore) SaveVote(vote *types.Vote) error {
	if vote == nil {
		return fmt.Errorf("cannot save nil Vote")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("approval store is closed")
	}

	for _, existing := range m.votes[vote.ApprovalID] {
		if existing.Signatory == vote.Signatory {
			return errors.Wrapf(types.ErrAlreadyVoted,
				"approval %s, signatory %s", vote.ApprovalID, vote.Signatory)
		}
	}

	m.votes[vote.ApprovalID] = append(m.votes[vote.ApprovalID], copyVote(vote))
	return nil
}

// ListVotes returns all votes for an approval in append order.
func (m *MemoryStore) ListVotes(approvalID string) ([]*types.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	result := make([]*types.Vote, 0, len(m.votes[approvalID]))
	for _, v := range m.votes[approvalID] {
		result = append(result, copyVote(v))
	}
	return result, nil
}

// Close shuts down the store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// HealthCheck verifies the store is operational.
func (m *MemoryStore) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("approval store is closed")
	}
	return nil
}

// Deep copy helpers

func copyConfig(cfg *types.MultisigConfig) *types.MultisigConfig {
	if cfg == nil {
		return nil
	}
	out := *cfg
	out.Signatories = append([]string(nil), cfg.Signatories...)
	return &out
}

func copyApproval(a *types.ApprovalRequest) *types.ApprovalRequest {
	if a == nil {
		return nil
	}
	out := *a
	if a.CallData != nil {
		out.CallData = append([]byte(nil), a.CallData...)
	}
	if a.Timepoint != nil {
		tp := *a.Timepoint
		out.Timepoint = &tp
	}
	return &out
}

func copyVote(v *types.Vote) *types.Vote {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

var _ persistence.IApprovalStore = (*MemoryStore)(nil)
