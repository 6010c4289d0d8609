// Package mockchain implements chain.IChainClient against in-memory
// fixtures. It backs package tests and the server's mock chain mode;
// production deployments attach a real RPC-backed client instead.
package mockchain

import (
	"context"
	"fmt"
	"sync"

	"github.com/grantflow-labs/payout-engine/pkg/chain"
	"github.com/grantflow-labs/payout-engine/pkg/types"
)

// MockChainClient serves canned bounty and proxy state and records
// submissions. Thread-safe.
type MockChainClient struct {
	mu sync.Mutex

	bounties map[uint32]*chain.Bounty
	proxies  map[string][]chain.ProxyDelegation

	// SubmitErr, when set, is returned by SubmitAsMulti instead of a
	// receipt. SubmitDelay simulates a slow chain.
	SubmitErr error

	nextBlock   uint64
	submissions []*chain.MultisigSubmission

	// Query counters for cache assertions.
	BountyQueries int
	ProxyQueries  int
}

func NewMockChainClient() *MockChainClient {
	return &MockChainClient{
		bounties:  make(map[uint32]*chain.Bounty),
		proxies:   make(map[string][]chain.ProxyDelegation),
		nextBlock: 1000,
	}
}

// SetBounty installs or replaces a bounty fixture.
func (m *MockChainClient) SetBounty(b *chain.Bounty) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bounties[b.ID] = b
}

// SetProxies installs the proxy delegations for an account.
func (m *MockChainClient) SetProxies(account string, delegations []chain.ProxyDelegation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proxies[account] = delegations
}

// Submissions returns everything passed to SubmitAsMulti so far.
func (m *MockChainClient) Submissions() []*chain.MultisigSubmission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*chain.MultisigSubmission, len(m.submissions))
	copy(out, m.submissions)
	return out
}

func (m *MockChainClient) GetBounty(ctx context.Context, bountyID uint32) (*chain.Bounty, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.BountyQueries++

	b, ok := m.bounties[bountyID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *MockChainClient) GetProxies(ctx context.Context, account string) ([]chain.ProxyDelegation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProxyQueries++

	out := make([]chain.ProxyDelegation, len(m.proxies[account]))
	copy(out, m.proxies[account])
	return out, nil
}

func (m *MockChainClient) SubmitAsMulti(ctx context.Context, sub *chain.MultisigSubmission) (*types.ExecutionReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}

	m.submissions = append(m.submissions, sub)
	m.nextBlock++

	return &types.ExecutionReceipt{
		TxHash:      fmt.Sprintf("0xmock%08d", len(m.submissions)),
		BlockNumber: m.nextBlock,
		Timepoint:   &types.Timepoint{Height: uint32(m.nextBlock), Index: 1},
	}, nil
}

func (m *MockChainClient) Ping(ctx context.Context) error {
	return ctx.Err()
}
