// Package approval implements the payout approval state machine:
// initiation, vote collection against a committee threshold, and
// exactly-once execution through the payout executor.
package approval

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/grantflow-labs/payout-engine/pkg/address"
	"github.com/grantflow-labs/payout-engine/pkg/executor"
	"github.com/grantflow-labs/payout-engine/pkg/multisig"
	"github.com/grantflow-labs/payout-engine/pkg/persistence"
	"github.com/grantflow-labs/payout-engine/pkg/types"
)

// Engine drives approvals through their lifecycle. All state lives in
// the store; the engine adds the transition rules and per-key
// serialization so concurrent requests cannot race a status change.
type Engine struct {
	store         persistence.IApprovalStore
	executor      executor.IPayoutExecutor
	logger        *zap.Logger
	networkPrefix uint16

	milestoneLocks keyedMutex
	approvalLocks  keyedMutex

	now func() int64
}

// NewEngine constructs the approval engine. networkPrefix selects the
// SS58 network for derived multisig addresses.
func NewEngine(store persistence.IApprovalStore, exec executor.IPayoutExecutor, networkPrefix uint16, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("approval store is required")
	}
	if exec == nil {
		return nil, errors.New("payout executor is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Engine{
		store:         store,
		executor:      exec,
		logger:        logger,
		networkPrefix: networkPrefix,
		now:           func() int64 { return time.Now().Unix() },
	}, nil
}

// SetMultisigConfig validates and stores a committee's signatory set
// and threshold, deriving the multisig address from them. The stored
// address is always recomputed, never taken from the caller.
func (e *Engine) SetMultisigConfig(committeeID string, signatories []string, threshold int) (*types.MultisigConfig, error) {
	if committeeID == "" {
		return nil, errors.New("committee id is required")
	}

	derived, err := multisig.Derive(signatories, threshold, e.networkPrefix)
	if err != nil {
		return nil, err
	}

	cfg := &types.MultisigConfig{
		CommitteeID: committeeID,
		Signatories: signatories,
		Threshold:   threshold,
		Address:     derived,
		UpdatedAt:   e.now(),
	}
	if err := e.store.SaveMultisigConfig(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to save multisig config")
	}

	e.logger.Sugar().Infow("multisig config saved",
		"committeeId", committeeID,
		"signatories", len(signatories),
		"threshold", threshold,
		"address", derived,
	)
	return cfg, nil
}

// GetMultisigConfig loads a committee's config, failing with
// types.ErrNotFound when none exists.
func (e *Engine) GetMultisigConfig(committeeID string) (*types.MultisigConfig, error) {
	cfg, err := e.store.LoadMultisigConfig(committeeID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load multisig config")
	}
	if cfg == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "committee %s has no multisig config", committeeID)
	}
	return cfg, nil
}

// InitiateParams carries the inputs for a new approval request.
type InitiateParams struct {
	MilestoneID string
	CommitteeID string
	Recipient   string
	Amount      uint64
	Pattern     string
	Initiator   string
}

// Initiate opens an approval request for a milestone payout and records
// the initiator's implicit approve vote. At most one non-terminal
// approval may exist per milestone; a second attempt fails with
// types.ErrDuplicateRequest.
func (e *Engine) Initiate(ctx context.Context, params InitiateParams) (*types.ApprovalRequest, error) {
	if params.MilestoneID == "" {
		return nil, errors.New("milestone id is required")
	}
	if params.Amount == 0 {
		return nil, errors.New("payout amount must be positive")
	}

	cfg, err := e.GetMultisigConfig(params.CommitteeID)
	if err != nil {
		return nil, err
	}

	initiator, err := canonicalSignatory(cfg, params.Initiator)
	if err != nil {
		return nil, err
	}

	recipientRaw, err := address.Normalize(params.Recipient)
	if err != nil {
		return nil, errors.Wrapf(types.ErrMalformedAddress, "recipient %s", params.Recipient)
	}

	unlock := e.milestoneLocks.lock(params.MilestoneID)
	defer unlock()

	existing, err := e.store.LoadApprovalByMilestone(params.MilestoneID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check for existing approval")
	}
	if existing != nil && !existing.Status.Terminal() {
		return nil, errors.Wrapf(types.ErrDuplicateRequest, "approval %s", existing.ID)
	}

	now := e.now()
	approval := &types.ApprovalRequest{
		ID:          uuid.New().String(),
		MilestoneID: params.MilestoneID,
		CommitteeID: params.CommitteeID,
		Recipient:   params.Recipient,
		Amount:      params.Amount,
		Pattern:     params.Pattern,
		CallHash:    computeCallHash(recipientRaw, params.Amount, params.MilestoneID),
		Initiator:   initiator,
		Status:      types.StatusActive,
		CreatedAt:   now,
	}
	if cfg.Threshold == 1 {
		approval.Status = types.StatusThresholdMet
	}

	if err := e.store.SaveApproval(approval); err != nil {
		return nil, errors.Wrap(err, "failed to save approval")
	}

	vote := &types.Vote{
		ID:              uuid.New().String(),
		ApprovalID:      approval.ID,
		Signatory:       initiator,
		Decision:        types.DecisionApprove,
		SignedAt:        now,
		IsInitiator:     true,
		IsFinalApproval: cfg.Threshold == 1,
	}
	if err := e.store.SaveVote(vote); err != nil {
		return nil, errors.Wrap(err, "failed to record initiator vote")
	}

	e.logger.Sugar().Infow("approval initiated",
		"approvalId", approval.ID,
		"milestoneId", params.MilestoneID,
		"committeeId", params.CommitteeID,
		"amount", params.Amount,
		"status", approval.Status,
	)
	return approval, nil
}

// VoteResult is the outcome of a recorded vote.
type VoteResult struct {
	Approval     *types.ApprovalRequest
	Vote         *types.Vote
	ApproveCount int
	ThresholdMet bool
}

// Vote records a signatory's decision on an active approval. The vote
// that brings approve count to the threshold flips the approval to
// threshold_met; a reject that makes the threshold unreachable flips it
// to rejected.
func (e *Engine) Vote(ctx context.Context, approvalID, signatory string, decision types.VoteDecision) (*VoteResult, error) {
	if decision != types.DecisionApprove && decision != types.DecisionReject {
		return nil, errors.Errorf("invalid decision %q", decision)
	}

	unlock := e.approvalLocks.lock(approvalID)
	defer unlock()

	approval, err := e.loadApproval(approvalID)
	if err != nil {
		return nil, err
	}
	cfg, err := e.GetMultisigConfig(approval.CommitteeID)
	if err != nil {
		return nil, err
	}
	voter, err := canonicalSignatory(cfg, signatory)
	if err != nil {
		return nil, err
	}

	votes, err := e.store.ListVotes(approvalID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list votes")
	}

	// A signatory who already voted gets the duplicate error whatever
	// state the approval has since reached.
	for _, v := range votes {
		if v.Signatory == voter {
			return nil, errors.Wrapf(types.ErrAlreadyVoted, "%s on approval %s", voter, approvalID)
		}
	}

	if reconcileStatus(approval, cfg, votes) {
		if err := e.store.SaveApproval(approval); err != nil {
			return nil, errors.Wrap(err, "failed to update approval status")
		}
	}
	if approval.Status != types.StatusActive {
		if approval.Status == types.StatusExecuted {
			return nil, errors.Wrapf(types.ErrAlreadyExecuted, "approval %s", approvalID)
		}
		return nil, errors.Wrapf(types.ErrNotActive, "approval %s is %s", approvalID, approval.Status)
	}

	approveCount, rejectCount := tally(votes)

	vote := &types.Vote{
		ID:         uuid.New().String(),
		ApprovalID: approvalID,
		Signatory:  voter,
		Decision:   decision,
		SignedAt:   e.now(),
	}

	thresholdMet := false
	switch decision {
	case types.DecisionApprove:
		approveCount++
		if approveCount >= cfg.Threshold {
			thresholdMet = true
			vote.IsFinalApproval = true
		}
	case types.DecisionReject:
		rejectCount++
	}

	if err := e.store.SaveVote(vote); err != nil {
		if errors.Is(err, types.ErrAlreadyVoted) {
			return nil, errors.Wrapf(types.ErrAlreadyVoted, "%s on approval %s", voter, approvalID)
		}
		return nil, errors.Wrap(err, "failed to save vote")
	}

	if thresholdMet {
		approval.Status = types.StatusThresholdMet
	} else if decision == types.DecisionReject && len(cfg.Signatories)-rejectCount < cfg.Threshold {
		// Not enough members remain to ever reach the threshold.
		approval.Status = types.StatusRejected
	}
	if approval.Status != types.StatusActive {
		if err := e.store.SaveApproval(approval); err != nil {
			return nil, errors.Wrap(err, "failed to update approval status")
		}
	}

	e.logger.Sugar().Infow("vote recorded",
		"approvalId", approvalID,
		"signatory", voter,
		"decision", decision,
		"status", approval.Status,
	)
	return &VoteResult{Approval: approval, Vote: vote, ApproveCount: approveCount, ThresholdMet: thresholdMet}, nil
}

// CanVoteResult answers a read-only eligibility check.
type CanVoteResult struct {
	CanVote bool   `json:"canVote"`
	Reason  string `json:"reason,omitempty"`

	// IsFinalVoter is set when one more approve vote would meet the
	// threshold.
	IsFinalVoter bool `json:"isFinalVoter"`
}

// CanVote reports whether the signatory may vote on the approval right
// now, with a human-readable reason when they may not. Purely a read;
// the answer can go stale the moment it is returned.
func (e *Engine) CanVote(approvalID, signatory string) (*CanVoteResult, error) {
	approval, err := e.loadApproval(approvalID)
	if err != nil {
		return nil, err
	}
	cfg, err := e.GetMultisigConfig(approval.CommitteeID)
	if err != nil {
		return nil, err
	}
	voter, err := canonicalSignatory(cfg, signatory)
	if err != nil {
		if errors.Is(err, types.ErrNotASignatory) {
			return &CanVoteResult{Reason: "address is not a signatory of the committee"}, nil
		}
		return nil, err
	}

	votes, err := e.store.ListVotes(approvalID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list votes")
	}
	for _, v := range votes {
		if v.Signatory == voter {
			return &CanVoteResult{Reason: "signatory has already voted"}, nil
		}
	}

	// Answer from the reconciled status, but leave persisting the
	// repair to the mutating paths.
	reconcileStatus(approval, cfg, votes)
	if approval.Status != types.StatusActive {
		return &CanVoteResult{Reason: "approval is " + string(approval.Status)}, nil
	}

	approveCount, _ := tally(votes)
	return &CanVoteResult{
		CanVote:      true,
		IsFinalVoter: approveCount+1 >= cfg.Threshold,
	}, nil
}

// Execute submits the threshold-met approval on-chain through the
// payout executor. The executing signatory must hold an approve vote;
// success is terminal and a second execute fails with
// types.ErrAlreadyExecuted. A failed submission leaves the approval at
// threshold_met so execution can be retried.
func (e *Engine) Execute(ctx context.Context, approvalID, signatory string) (*types.ApprovalRequest, error) {
	unlock := e.approvalLocks.lock(approvalID)
	defer unlock()

	approval, err := e.loadApproval(approvalID)
	if err != nil {
		return nil, err
	}
	cfg, err := e.GetMultisigConfig(approval.CommitteeID)
	if err != nil {
		return nil, err
	}
	votes, err := e.store.ListVotes(approvalID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list votes")
	}

	if reconcileStatus(approval, cfg, votes) {
		if err := e.store.SaveApproval(approval); err != nil {
			return nil, errors.Wrap(err, "failed to update approval status")
		}
	}
	switch approval.Status {
	case types.StatusThresholdMet:
	case types.StatusExecuted:
		return nil, errors.Wrapf(types.ErrAlreadyExecuted, "approval %s", approvalID)
	default:
		return nil, errors.Wrapf(types.ErrThresholdNotMet, "approval %s is %s", approvalID, approval.Status)
	}

	executorAddr, err := canonicalSignatory(cfg, signatory)
	if err != nil {
		return nil, err
	}
	if !hasApproveVote(votes, executorAddr) {
		return nil, errors.Wrapf(types.ErrVoteRequired, "%s on approval %s", executorAddr, approvalID)
	}

	receipt, err := e.executor.ExecutePayout(ctx, approval, cfg, executorAddr)
	if err != nil {
		e.logger.Sugar().Errorw("payout execution failed",
			"approvalId", approvalID,
			"kind", types.ChainErrorKindOf(err),
			"error", err,
		)
		return nil, err
	}

	approval.Status = types.StatusExecuted
	approval.TxHash = receipt.TxHash
	approval.BlockNumber = receipt.BlockNumber
	if receipt.Timepoint != nil {
		approval.Timepoint = receipt.Timepoint
	}
	if err := e.store.SaveApproval(approval); err != nil {
		// The chain call landed but the status write failed. The status
		// guard above makes a retry fail at SubmitAsMulti with
		// already_approved instead of double-spending.
		return nil, errors.Wrap(err, "payout submitted but failed to persist executed status")
	}

	e.logger.Sugar().Infow("payout executed",
		"approvalId", approvalID,
		"milestoneId", approval.MilestoneID,
		"txHash", receipt.TxHash,
		"blockNumber", receipt.BlockNumber,
	)
	return approval, nil
}

// GetApproval loads an approval and its votes, failing with
// types.ErrNotFound when the approval does not exist.
func (e *Engine) GetApproval(approvalID string) (*types.ApprovalRequest, []*types.Vote, error) {
	approval, err := e.loadApproval(approvalID)
	if err != nil {
		return nil, nil, err
	}
	votes, err := e.store.ListVotes(approvalID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to list votes")
	}
	return approval, votes, nil
}

// GetApprovalByMilestone returns the milestone's most recent approval,
// failing with types.ErrNotFound when it has none.
func (e *Engine) GetApprovalByMilestone(milestoneID string) (*types.ApprovalRequest, error) {
	approval, err := e.store.LoadApprovalByMilestone(milestoneID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load approval")
	}
	if approval == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "milestone %s has no approval", milestoneID)
	}
	return approval, nil
}

// ListApprovalsByCommittee returns a committee's approvals, newest first.
func (e *Engine) ListApprovalsByCommittee(committeeID string) ([]*types.ApprovalRequest, error) {
	approvals, err := e.store.ListApprovalsByCommittee(committeeID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list approvals")
	}
	return approvals, nil
}

func (e *Engine) loadApproval(approvalID string) (*types.ApprovalRequest, error) {
	approval, err := e.store.LoadApproval(approvalID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load approval")
	}
	if approval == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "approval %s", approvalID)
	}
	return approval, nil
}

// canonicalSignatory resolves addr against the config's member list,
// returning the config's spelling so votes compare equal regardless of
// which SS58 network prefix the caller used.
func canonicalSignatory(cfg *types.MultisigConfig, addr string) (string, error) {
	if _, err := address.Normalize(addr); err != nil {
		return "", errors.Wrapf(types.ErrMalformedAddress, "%s", addr)
	}
	for _, s := range cfg.Signatories {
		if address.Equal(s, addr) {
			return s, nil
		}
	}
	return "", errors.Wrapf(types.ErrNotASignatory, "%s", addr)
}

// reconcileStatus flips an active approval whose recorded votes already
// decide it, and reports whether it changed anything. This covers a
// failure between a vote write and the matching status write: the tally
// in the store stays authoritative even when the status column lags.
func reconcileStatus(approval *types.ApprovalRequest, cfg *types.MultisigConfig, votes []*types.Vote) bool {
	if approval.Status != types.StatusActive {
		return false
	}
	approve, reject := tally(votes)
	switch {
	case approve >= cfg.Threshold:
		approval.Status = types.StatusThresholdMet
	case len(cfg.Signatories)-reject < cfg.Threshold:
		approval.Status = types.StatusRejected
	default:
		return false
	}
	return true
}

func tally(votes []*types.Vote) (approve, reject int) {
	for _, v := range votes {
		switch v.Decision {
		case types.DecisionApprove:
			approve++
		case types.DecisionReject:
			reject++
		}
	}
	return approve, reject
}

func hasApproveVote(votes []*types.Vote, signatory string) bool {
	for _, v := range votes {
		if v.Signatory == signatory && v.Decision == types.DecisionApprove {
			return true
		}
	}
	return false
}

// computeCallHash derives a stable identifier for the payout call from
// its economic content: recipient account, amount and milestone. The
// same payout always hashes the same, which is what lets the chain
// client deduplicate retried submissions.
func computeCallHash(recipientRaw []byte, amount uint64, milestoneID string) string {
	var amountLE [8]byte
	binary.LittleEndian.PutUint64(amountLE[:], amount)

	h, _ := blake2b.New256(nil)
	h.Write(recipientRaw)
	h.Write(amountLE[:])
	h.Write([]byte(milestoneID))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// keyedMutex serializes operations per string key. Lock entries are
// retained for the process lifetime; keys are approval and milestone
// ids, whose cardinality is bounded by committee activity.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
