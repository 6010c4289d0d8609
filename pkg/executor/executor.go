// Package executor submits threshold-met payouts to the chain. It is
// the only component that talks to the chain for writes; the approval
// engine hands it a fully-voted request and records the receipt.
package executor

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/grantflow-labs/payout-engine/pkg/address"
	"github.com/grantflow-labs/payout-engine/pkg/chain"
	"github.com/grantflow-labs/payout-engine/pkg/types"
)

const (
	// DefaultSubmitTimeout bounds a single chain submission, including
	// broadcast and inclusion wait.
	DefaultSubmitTimeout = 90 * time.Second

	// DefaultSubmitRate limits chain submissions across all committees.
	DefaultSubmitRate = rate.Limit(2)

	// DefaultSubmitBurst allows short bursts above the sustained rate.
	DefaultSubmitBurst = 4
)

// IPayoutExecutor submits the final multisig approval for a payout.
// Implementations must be safe for concurrent use; the engine serializes
// per-approval but distinct approvals execute in parallel.
type IPayoutExecutor interface {
	// ExecutePayout builds and submits the final multisig call for the
	// approval. finalSignatory is the member whose signature completes
	// the threshold and who signs the submission. A non-nil receipt
	// means the call landed; failures are typed *types.ChainError.
	ExecutePayout(ctx context.Context, approval *types.ApprovalRequest, config *types.MultisigConfig, finalSignatory string) (*types.ExecutionReceipt, error)
}

// ChainExecutor is the production IPayoutExecutor backed by an
// IChainClient.
type ChainExecutor struct {
	client  chain.IChainClient
	logger  *zap.Logger
	limiter *rate.Limiter
	timeout time.Duration
}

// ExecutorConfig holds the tunables for ChainExecutor. Zero values fall
// back to the package defaults.
type ExecutorConfig struct {
	SubmitTimeout time.Duration
	SubmitRate    rate.Limit
	SubmitBurst   int
}

// NewChainExecutor constructs a ChainExecutor.
func NewChainExecutor(client chain.IChainClient, cfg *ExecutorConfig, logger *zap.Logger) (*ChainExecutor, error) {
	if client == nil {
		return nil, errors.New("chain client is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg == nil {
		cfg = &ExecutorConfig{}
	}
	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	limit := cfg.SubmitRate
	if limit <= 0 {
		limit = DefaultSubmitRate
	}
	burst := cfg.SubmitBurst
	if burst <= 0 {
		burst = DefaultSubmitBurst
	}

	return &ChainExecutor{
		client:  client,
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
	}, nil
}

// ExecutePayout prepares the multisig submission and forwards it to the
// chain client. Errors coming back untyped are classified here so the
// rest of the system only ever sees the closed ChainError taxonomy.
func (e *ChainExecutor) ExecutePayout(ctx context.Context, approval *types.ApprovalRequest, config *types.MultisigConfig, finalSignatory string) (*types.ExecutionReceipt, error) {
	if approval == nil {
		return nil, errors.New("approval is required")
	}
	if config == nil {
		return nil, errors.New("multisig config is required")
	}

	others, err := otherSignatories(config.Signatories, finalSignatory)
	if err != nil {
		return nil, err
	}

	sub := &chain.MultisigSubmission{
		Signer:           finalSignatory,
		OtherSignatories: others,
		Threshold:        config.Threshold,
		CallHash:         approval.CallHash,
		CallData:         approval.CallData,
		Timepoint:        approval.Timepoint,
		Recipient:        approval.Recipient,
		Amount:           approval.Amount,
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, types.NewChainError(types.ChainErrTransactionTimeout, err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.logger.Sugar().Infow("submitting multisig payout",
		"approvalId", approval.ID,
		"milestoneId", approval.MilestoneID,
		"callHash", approval.CallHash,
		"signer", finalSignatory,
		"threshold", config.Threshold,
	)

	receipt, err := e.client.SubmitAsMulti(submitCtx, sub)
	if err != nil {
		classified := classify(err)
		e.logger.Sugar().Errorw("multisig payout submission failed",
			"approvalId", approval.ID,
			"kind", types.ChainErrorKindOf(classified),
			"error", err,
		)
		return nil, classified
	}

	e.logger.Sugar().Infow("multisig payout submitted",
		"approvalId", approval.ID,
		"txHash", receipt.TxHash,
		"blockNumber", receipt.BlockNumber,
	)
	return receipt, nil
}

// otherSignatories returns the member set minus the signer, sorted by
// raw account id as the multisig pallet requires.
func otherSignatories(signatories []string, signer string) ([]string, error) {
	signerRaw, err := address.Normalize(signer)
	if err != nil {
		return nil, errors.Wrap(types.ErrMalformedAddress, signer)
	}

	type member struct {
		addr string
		raw  []byte
	}
	members := make([]member, 0, len(signatories))
	for _, s := range signatories {
		raw, err := address.Normalize(s)
		if err != nil {
			return nil, errors.Wrap(types.ErrMalformedAddress, s)
		}
		if bytes.Equal(raw, signerRaw) {
			continue
		}
		members = append(members, member{addr: s, raw: raw})
	}
	if len(members) == len(signatories) {
		return nil, types.ErrNotASignatory
	}

	sort.Slice(members, func(i, j int) bool {
		return bytes.Compare(members[i].raw, members[j].raw) < 0
	})

	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.addr
	}
	return out, nil
}

// classify wraps untyped submission errors into the ChainError taxonomy.
// Typed errors pass through untouched.
func classify(err error) error {
	var ce *types.ChainError
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.NewChainError(types.ChainErrTransactionTimeout, err)
	}
	return types.NewChainError(types.ChainErrNetworkError, err)
}
