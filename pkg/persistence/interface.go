package persistence

import "github.com/grantflow-labs/payout-engine/pkg/types"

// IApprovalStore defines the interface for persisting committee
// multisig configs, approval requests and votes. All implementations
// must be thread-safe as engine operations are concurrent.
//
// Store-level invariants every backend must enforce:
//   - at most one Vote per (approvalId, signatoryAddress): SaveVote
//     fails with types.ErrAlreadyVoted on a duplicate, never overwrites
//   - approvals are upserted by id and never deleted (audit records)
//
// Not-found reads return nil without an error; errors are reserved for
// storage failures.
type IApprovalStore interface {
	// Multisig Config Management

	// SaveMultisigConfig persists a committee's signatory set, threshold
	// and computed address, keyed by committee id. Overwrites.
	SaveMultisigConfig(cfg *types.MultisigConfig) error

	// LoadMultisigConfig retrieves a committee's config.
	// Returns nil if none exists, error only on storage failure.
	LoadMultisigConfig(committeeID string) (*types.MultisigConfig, error)

	// Approval Management

	// SaveApproval persists an approval request keyed by id. Used both
	// to create and to advance an approval's status; overwrites.
	SaveApproval(approval *types.ApprovalRequest) error

	// LoadApproval retrieves an approval by id.
	// Returns nil if none exists, error only on storage failure.
	LoadApproval(approvalID string) (*types.ApprovalRequest, error)

	// LoadApprovalByMilestone returns the most recently created approval
	// for a milestone, or nil when the milestone has none.
	LoadApprovalByMilestone(milestoneID string) (*types.ApprovalRequest, error)

	// ListApprovalsByCommittee returns a committee's approvals, newest
	// first. Empty slice when there are none.
	ListApprovalsByCommittee(committeeID string) ([]*types.ApprovalRequest, error)

	// Vote Management

	// SaveVote appends a vote. Fails with types.ErrAlreadyVoted when the
	// signatory already voted on the approval.
	SaveVote(vote *types.Vote) error

	// ListVotes returns all votes for an approval in a deterministic
	// order. Empty slice when there are none.
	ListVotes(approvalID string) ([]*types.Vote, error)

	// Lifecycle Management

	// Close cleanly shuts down the store. Idempotent; after Close all
	// other operations return errors.
	Close() error

	// HealthCheck verifies the store is operational. Called during
	// startup to fail fast.
	HealthCheck() error
}
