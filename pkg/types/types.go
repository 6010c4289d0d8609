package types

// ApprovalStatus is the lifecycle state of an approval request.
// Approvals are audit records: they are created once, advanced by votes
// and execution, and never deleted.
type ApprovalStatus string

const (
	// StatusActive - votes are being collected.
	StatusActive ApprovalStatus = "active"
	// StatusThresholdMet - enough approve votes exist, execution may proceed.
	StatusThresholdMet ApprovalStatus = "threshold_met"
	// StatusExecuted - the payout call was submitted on-chain. Terminal.
	StatusExecuted ApprovalStatus = "executed"
	// StatusRejected - rejections made the threshold unreachable. Terminal.
	StatusRejected ApprovalStatus = "rejected"
)

// Terminal reports whether no further votes or executions are accepted.
func (s ApprovalStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusRejected
}

// VoteDecision is a signatory's recorded decision.
type VoteDecision string

const (
	DecisionApprove VoteDecision = "approve"
	DecisionReject  VoteDecision = "reject"
)

// Timepoint identifies when a pending multisig call was first seen
// on-chain: (block height, extrinsic index). It is required to locate
// the pending call for subsequent approvals.
type Timepoint struct {
	Height uint32 `json:"height"`
	Index  uint32 `json:"index"`
}

// MultisigConfig is a committee's signatory set and threshold.
//
// Address is always the deterministic derivation over (Signatories,
// Threshold); it is recomputed on every save and never stored
// independently of its inputs.
type MultisigConfig struct {
	CommitteeID string   `json:"committeeId"`
	Signatories []string `json:"signatories"`
	Threshold   int      `json:"threshold"`
	Address     string   `json:"address"`
	UpdatedAt   int64    `json:"updatedAt"`
}

// ApprovalRequest is a request to pay out a milestone from the
// committee's multisig. One non-terminal request may exist per
// milestone at a time.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	MilestoneID string         `json:"milestoneId"`
	CommitteeID string         `json:"committeeId"`
	Recipient   string         `json:"recipientAddress"`
	Amount      uint64         `json:"payoutAmount"`
	Pattern     string         `json:"approvalPattern,omitempty"`
	CallHash    string         `json:"callHash"`
	CallData    []byte         `json:"callData,omitempty"`
	Timepoint   *Timepoint     `json:"timepoint,omitempty"`
	Initiator   string         `json:"initiatorAddress"`
	Status      ApprovalStatus `json:"status"`
	TxHash      string         `json:"txHash,omitempty"`
	BlockNumber uint64         `json:"blockNumber,omitempty"`
	CreatedAt   int64          `json:"createdAt"`
}

// Vote is one signatory's decision on an approval request. Votes are
// append-only; a second vote from the same address is rejected, never
// overwritten.
type Vote struct {
	ID         string       `json:"id"`
	ApprovalID string       `json:"approvalId"`
	Signatory  string       `json:"signatoryAddress"`
	Decision   VoteDecision `json:"decision"`
	TxHash     string       `json:"txHash,omitempty"`
	SignedAt   int64        `json:"signedAt"`

	// IsInitiator marks the implicit approve recorded by initiate.
	IsInitiator bool `json:"isInitiator"`
	// IsFinalApproval marks the vote that crossed the threshold.
	IsFinalApproval bool `json:"isFinalApproval"`
}

// ExecutionReceipt is the chain client's report of a successful
// submission of the final multisig call.
type ExecutionReceipt struct {
	TxHash      string     `json:"txHash"`
	BlockNumber uint64     `json:"blockNumber"`
	Timepoint   *Timepoint `json:"timepoint,omitempty"`
}
