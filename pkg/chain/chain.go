// Package chain defines the boundary to the funding chain. The engine
// only asks read questions (bounty state, proxy registrations) and
// submits the final multisig call; signing, broadcasting and finality
// tracking live behind this interface.
package chain

import (
	"context"

	"github.com/grantflow-labs/payout-engine/pkg/types"
)

// BountyStatusKind enumerates the bounty pallet's status variants.
type BountyStatusKind string

const (
	BountyProposed        BountyStatusKind = "proposed"
	BountyApproved        BountyStatusKind = "approved"
	BountyFunded          BountyStatusKind = "funded"
	BountyCuratorProposed BountyStatusKind = "curator_proposed"
	BountyActive          BountyStatusKind = "active"
	BountyPendingPayout   BountyStatusKind = "pending_payout"
)

// BountyStatus is a tagged variant. Curator is only meaningful on the
// variants that carry one; access goes through CuratorAddress.
type BountyStatus struct {
	Kind BountyStatusKind

	// Set on curator_proposed, active and pending_payout.
	Curator string

	// Set on active.
	UpdateDue uint32

	// Set on pending_payout.
	Beneficiary string
	UnlockAt    uint32
}

// CuratorAddress returns the curator and whether this status variant
// carries one.
func (s BountyStatus) CuratorAddress() (string, bool) {
	switch s.Kind {
	case BountyCuratorProposed, BountyActive, BountyPendingPayout:
		return s.Curator, s.Curator != ""
	default:
		return "", false
	}
}

// Bounty is the on-chain bounty record. Description holds the raw
// bounty metadata bytes as stored on-chain; it is descriptive, not
// authoritative, and may not be valid UTF-8.
type Bounty struct {
	ID          uint32
	Proposer    string
	Value       uint64
	Fee         uint64
	Status      BountyStatus
	Description []byte
}

// ProxyDelegation is one entry of an account's proxy registrations. For
// a pure proxy, Delegate is the account the proxy forwards authority to.
type ProxyDelegation struct {
	Delegate  string
	ProxyType string
	Delay     uint32
}

// MultisigSubmission is the prepared final call handed to the chain
// client once the approval threshold is met.
type MultisigSubmission struct {
	// Signer is the final signatory submitting the call.
	Signer string
	// OtherSignatories are the remaining members, sorted by account id.
	OtherSignatories []string
	Threshold        int

	CallHash  string
	CallData  []byte
	Timepoint *types.Timepoint

	Recipient string
	Amount    uint64
}

// IChainClient is everything the engine needs from the chain.
//
// Read methods must be side-effect free and safe for concurrent use.
// SubmitAsMulti must be idempotent per call hash: retrying a submission
// whose previous attempt landed must report already_approved rather
// than double-spend.
type IChainClient interface {
	// GetBounty returns the bounty record, or nil when no bounty with
	// that id exists.
	GetBounty(ctx context.Context, bountyID uint32) (*Bounty, error)

	// GetProxies returns the proxy delegations registered for the
	// account. Empty when the account is not a proxy.
	GetProxies(ctx context.Context, account string) ([]ProxyDelegation, error)

	// SubmitAsMulti submits the final approval of the prepared multisig
	// call. Failures must be typed as *types.ChainError.
	SubmitAsMulti(ctx context.Context, sub *MultisigSubmission) (*types.ExecutionReceipt, error)

	// Ping verifies chain connectivity.
	Ping(ctx context.Context) error
}
