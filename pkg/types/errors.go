package types

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors for the approval engine. Callers classify with
// errors.Is; boundaries add context with errors.Wrap.
var (
	// ErrNotFound - approval, committee or config does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMalformedAddress - address failed SS58 decoding (bad checksum,
	// wrong length, unknown prefix layout).
	ErrMalformedAddress = errors.New("malformed address")

	// ErrInvalidThreshold - threshold outside 1..len(signatories).
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrInsufficientSignatories - fewer than two signatories.
	ErrInsufficientSignatories = errors.New("insufficient signatories")

	// ErrNotASignatory - the acting address is not in the multisig config.
	ErrNotASignatory = errors.New("address is not a signatory")

	// ErrDuplicateRequest - the milestone already has a non-terminal approval.
	ErrDuplicateRequest = errors.New("milestone already has an active approval")

	// ErrAlreadyVoted - the signatory has already voted on this approval.
	ErrAlreadyVoted = errors.New("signatory has already voted")

	// ErrNotActive - the approval left the voting phase.
	ErrNotActive = errors.New("approval is not accepting votes")

	// ErrAlreadyExecuted - execution is exactly-once and has happened.
	ErrAlreadyExecuted = errors.New("approval already executed")

	// ErrThresholdNotMet - execution requested before enough approvals.
	ErrThresholdNotMet = errors.New("approval threshold not met")

	// ErrVoteRequired - the executing signatory has not cast an approve vote.
	ErrVoteRequired = errors.New("final signatory must vote approve before executing")

	// ErrAddressMismatch - computed multisig address differs from the
	// on-chain discovered one.
	ErrAddressMismatch = errors.New("computed multisig address does not match expected")
)

// ChainErrorKind is the closed taxonomy of chain client failures. The
// engine never interprets chain-specific payloads beyond this mapping.
type ChainErrorKind string

const (
	ChainErrInsufficientBalance ChainErrorKind = "insufficient_balance"
	ChainErrAlreadyApproved     ChainErrorKind = "already_approved"
	ChainErrThresholdNotMet     ChainErrorKind = "threshold_not_met"
	ChainErrTimepointInvalid    ChainErrorKind = "timepoint_invalid"
	ChainErrTransactionTimeout  ChainErrorKind = "transaction_timeout"
	ChainErrNetworkError        ChainErrorKind = "network_error"
	ChainErrUserRejected        ChainErrorKind = "user_rejected"
	ChainErrPermissionDenied    ChainErrorKind = "permission_denied"
	ChainErrUnknown             ChainErrorKind = "unknown"
)

// ChainError wraps a chain client failure with its taxonomy kind.
type ChainError struct {
	Kind ChainErrorKind
	Err  error
}

func (e *ChainError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chain error: %s", e.Kind)
	}
	return fmt.Sprintf("chain error (%s): %v", e.Kind, e.Err)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// NewChainError builds a ChainError, defaulting the kind to unknown.
func NewChainError(kind ChainErrorKind, err error) *ChainError {
	if kind == "" {
		kind = ChainErrUnknown
	}
	return &ChainError{Kind: kind, Err: err}
}

// ChainErrorKindOf extracts the taxonomy kind from an error chain.
// Returns unknown for chain errors without a kind and the empty string
// when err is not a ChainError at all.
func ChainErrorKindOf(err error) ChainErrorKind {
	var ce *ChainError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
