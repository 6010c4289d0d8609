package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/grantflow-labs/payout-engine/pkg/address"
	"github.com/grantflow-labs/payout-engine/pkg/approval"
	"github.com/grantflow-labs/payout-engine/pkg/multisig"
	"github.com/grantflow-labs/payout-engine/pkg/types"
)

type initiateRequest struct {
	CommitteeID string `json:"committeeId"`
	Recipient   string `json:"recipientAddress"`
	Amount      uint64 `json:"payoutAmount"`
	Pattern     string `json:"approvalPattern,omitempty"`
	Initiator   string `json:"initiatorAddress"`
}

type initiateResult struct {
	ApproveCount int  `json:"approveCount"`
	ThresholdMet bool `json:"thresholdMet"`
}

// handleInitiate opens an approval request for a milestone payout.
func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	milestoneID := r.PathValue("milestoneId")

	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "failed to parse request"))
		return
	}
	if req.CommitteeID == "" || req.Recipient == "" || req.Initiator == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("committeeId, recipientAddress and initiatorAddress are required"))
		return
	}
	if req.Amount == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("payoutAmount must be a positive integer of minor units"))
		return
	}

	created, err := s.engine.Initiate(r.Context(), approval.InitiateParams{
		MilestoneID: milestoneID,
		CommitteeID: req.CommitteeID,
		Recipient:   req.Recipient,
		Amount:      req.Amount,
		Pattern:     req.Pattern,
		Initiator:   req.Initiator,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"approval": created,
		"result": initiateResult{
			ApproveCount: 1,
			ThresholdMet: created.Status == types.StatusThresholdMet,
		},
	})
}

// handleGetMilestoneApproval returns the milestone's latest approval.
func (s *Server) handleGetMilestoneApproval(w http.ResponseWriter, r *http.Request) {
	milestoneID := r.PathValue("milestoneId")

	found, err := s.engine.GetApprovalByMilestone(milestoneID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"approval": found})
}

type voteRequest struct {
	Signatory string `json:"signatoryAddress"`
	// Decision defaults to approve when omitted.
	Decision types.VoteDecision `json:"decision,omitempty"`
}

// handleVote records a signatory's vote on an approval.
func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	approvalID := r.PathValue("approvalId")

	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "failed to parse request"))
		return
	}
	if req.Signatory == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("signatoryAddress is required"))
		return
	}
	if req.Decision == "" {
		req.Decision = types.DecisionApprove
	}

	result, err := s.engine.Vote(r.Context(), approvalID, req.Signatory, req.Decision)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"approval":     result.Approval,
		"vote":         result.Vote,
		"approveCount": result.ApproveCount,
		"thresholdMet": result.ThresholdMet,
	})
}

// handleCanVote answers a read-only vote eligibility check.
func (s *Server) handleCanVote(w http.ResponseWriter, r *http.Request) {
	approvalID := r.PathValue("approvalId")
	signatory := r.URL.Query().Get("signatoryAddress")
	if signatory == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("signatoryAddress query parameter is required"))
		return
	}

	result, err := s.engine.CanVote(approvalID, signatory)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type executeRequest struct {
	FinalSignatory string `json:"finalSignatoryAddress"`
}

// handleExecute submits the threshold-met approval on-chain.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	approvalID := r.PathValue("approvalId")

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "failed to parse request"))
		return
	}
	if req.FinalSignatory == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("finalSignatoryAddress is required"))
		return
	}

	executed, err := s.engine.Execute(r.Context(), approvalID, req.FinalSignatory)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"approval": executed,
		"execution": types.ExecutionReceipt{
			TxHash:      executed.TxHash,
			BlockNumber: executed.BlockNumber,
			Timepoint:   executed.Timepoint,
		},
	})
}

type multisigConfigRequest struct {
	Signatories []string `json:"signatories"`
	Threshold   int      `json:"threshold"`
}

// handleSetMultisigConfig stores a committee's signatory set and
// threshold, returning the derived multisig address.
func (s *Server) handleSetMultisigConfig(w http.ResponseWriter, r *http.Request) {
	committeeID := r.PathValue("committeeId")

	var req multisigConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "failed to parse request"))
		return
	}

	cfg, err := s.engine.SetMultisigConfig(committeeID, req.Signatories, req.Threshold)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"config": cfg})
}

// handleGetMultisigConfig returns a committee's stored config.
func (s *Server) handleGetMultisigConfig(w http.ResponseWriter, r *http.Request) {
	committeeID := r.PathValue("committeeId")

	cfg, err := s.engine.GetMultisigConfig(committeeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"config": cfg})
}

type validateConfigRequest struct {
	Signatories     []string `json:"signatories"`
	Threshold       int      `json:"threshold"`
	ExpectedAddress string   `json:"expectedAddress"`

	// BountyID, when set, additionally checks the computed address
	// against the bounty's effective on-chain multisig.
	BountyID *uint32 `json:"bountyId,omitempty"`
}

// handleValidateMultisigConfig is a diagnostic endpoint: it never
// fails on mismatches, it reports them.
func (s *Server) handleValidateMultisigConfig(w http.ResponseWriter, r *http.Request) {
	var req validateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "failed to parse request"))
		return
	}

	result := multisig.ValidateConfig(req.ExpectedAddress, req.Signatories, req.Threshold, s.networkPrefix)

	if result.Valid && req.BountyID != nil {
		discovered, err := s.discoverer.Discover(r.Context(), *req.BountyID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		switch {
		case discovered == nil:
			result.Valid = false
			result.FailureReason = "bounty has no curator to compare against yet"
		case !address.Equal(result.ComputedAddress, discovered.EffectiveMultisig):
			result.Valid = false
			result.ExpectedAddress = discovered.EffectiveMultisig
			result.FailureReason = "computed address does not match the bounty's effective multisig"
		}
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleListCommitteeApprovals returns a committee's approvals, newest
// first.
func (s *Server) handleListCommitteeApprovals(w http.ResponseWriter, r *http.Request) {
	committeeID := r.PathValue("committeeId")

	approvals, err := s.engine.ListApprovalsByCommittee(committeeID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

// handleBountyStructure resolves a bounty to its controlling multisig.
func (s *Server) handleBountyStructure(w http.ResponseWriter, r *http.Request) {
	bountyID, err := strconv.ParseUint(r.PathValue("bountyId"), 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("bountyId must be an unsigned integer"))
		return
	}

	result, err := s.discoverer.Discover(r.Context(), uint32(bountyID))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if result == nil {
		s.writeError(w, http.StatusNotFound, errors.Errorf("bounty %d has no curator yet", bountyID))
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleHealthz reports persistence and chain reachability.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": "persistence: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.chainClient.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": "chain: " + err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// writeDomainError maps typed engine errors to HTTP statuses. Local
// validation and authorization failures never reach the store, so a
// 4xx here means nothing was mutated.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, types.ErrNotASignatory),
		errors.Is(err, types.ErrAlreadyVoted):
		s.writeError(w, http.StatusForbidden, err)
	case errors.Is(err, types.ErrDuplicateRequest),
		errors.Is(err, types.ErrAlreadyExecuted),
		errors.Is(err, types.ErrNotActive),
		errors.Is(err, types.ErrThresholdNotMet):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, types.ErrVoteRequired),
		errors.Is(err, types.ErrMalformedAddress),
		errors.Is(err, types.ErrInvalidThreshold),
		errors.Is(err, types.ErrInsufficientSignatories):
		s.writeError(w, http.StatusBadRequest, err)
	case types.ChainErrorKindOf(err) != "":
		s.logger.Sugar().Errorw("chain error surfaced to client", "kind", types.ChainErrorKindOf(err), "error", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": err.Error(),
			"kind":  types.ChainErrorKindOf(err),
		})
	default:
		s.logger.Sugar().Errorw("unexpected error", "error", err)
		s.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Sugar().Errorw("failed to encode response", "error", err)
	}
}
