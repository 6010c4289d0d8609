// Package discovery resolves a funding target (a bounty id) to the
// effective multisig account that must approve payouts from it. The
// curator attached to a bounty is often a pure proxy; in that case the
// controlling delegate, not the curator itself, is the multisig the
// committee configures against.
package discovery

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/grantflow-labs/payout-engine/pkg/chain"
	"github.com/grantflow-labs/payout-engine/pkg/types"
)

// DefaultTTL bounds how stale a cached discovery may be. Discovery is
// purely read-only, so short staleness is acceptable.
const DefaultTTL = 30 * time.Second

// Result describes the on-chain structure controlling a bounty.
type Result struct {
	BountyID   uint32                 `json:"bountyId"`
	StatusKind chain.BountyStatusKind `json:"status"`
	Curator    string                 `json:"curator"`

	// ControllingMultisig is set when the curator is a pure proxy; it
	// is the delegate account that actually signs.
	ControllingMultisig string `json:"controllingMultisig,omitempty"`

	// EffectiveMultisig is the account committee configs must derive to.
	EffectiveMultisig string `json:"effectiveMultisig"`

	// Description is the bounty metadata decoded as UTF-8, best effort.
	// Nil when the on-chain bytes are not valid UTF-8.
	Description *string `json:"description,omitempty"`
}

type cacheEntry struct {
	result    *Result
	fetchedAt time.Time
}

// Discoverer issues read-only chain queries and caches results per
// bounty id. Safe for concurrent use; it never mutates chain state.
type Discoverer struct {
	client chain.IChainClient
	logger *zap.Logger
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[uint32]cacheEntry
}

func NewDiscoverer(client chain.IChainClient, ttl time.Duration, logger *zap.Logger) *Discoverer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Discoverer{
		client: client,
		logger: logger,
		ttl:    ttl,
		cache:  make(map[uint32]cacheEntry),
	}
}

// Discover resolves the bounty's effective multisig. Returns (nil, nil)
// when the bounty exists but has no curator attached in its current
// status variant (not yet curated), and an error only on query failure.
func (d *Discoverer) Discover(ctx context.Context, bountyID uint32) (*Result, error) {
	if cached := d.lookup(bountyID); cached != nil {
		return cached, nil
	}

	bounty, err := d.client.GetBounty(ctx, bountyID)
	if err != nil {
		return nil, errors.Wrapf(err, "query bounty %d", bountyID)
	}
	if bounty == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "bounty %d does not exist", bountyID)
	}

	curator, ok := bounty.Status.CuratorAddress()
	if !ok {
		d.logger.Sugar().Debugw("bounty has no curator yet",
			"bountyId", bountyID, "status", bounty.Status.Kind)
		return nil, nil
	}

	result := &Result{
		BountyID:          bountyID,
		StatusKind:        bounty.Status.Kind,
		Curator:           curator,
		EffectiveMultisig: curator,
		Description:       decodeDescription(bounty.Description),
	}

	delegations, err := d.client.GetProxies(ctx, curator)
	if err != nil {
		return nil, errors.Wrapf(err, "query proxies of curator %s", curator)
	}
	if delegate := pickDelegate(delegations); delegate != "" {
		result.ControllingMultisig = delegate
		result.EffectiveMultisig = delegate
	}

	d.store(bountyID, result)

	d.logger.Sugar().Infow("discovered bounty structure",
		"bountyId", bountyID,
		"curator", curator,
		"effectiveMultisig", result.EffectiveMultisig,
		"viaProxy", result.ControllingMultisig != "")

	return result, nil
}

// Invalidate drops the cached entry for a bounty, forcing the next
// Discover to re-query the chain.
func (d *Discoverer) Invalidate(bountyID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, bountyID)
}

func (d *Discoverer) lookup(bountyID uint32) *Result {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.cache[bountyID]
	if !ok || time.Since(entry.fetchedAt) > d.ttl {
		return nil
	}
	return copyResult(entry.result)
}

func (d *Discoverer) store(bountyID uint32, result *Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache[bountyID] = cacheEntry{result: copyResult(result), fetchedAt: time.Now()}
}

// copyResult detaches a result from the cache so callers cannot mutate
// the cached entry through the returned pointer.
func copyResult(result *Result) *Result {
	cp := *result
	if result.Description != nil {
		desc := *result.Description
		cp.Description = &desc
	}
	return &cp
}

// pickDelegate selects the controlling account from proxy delegations.
// A full-authority ("Any") delegation wins; otherwise the first entry.
func pickDelegate(delegations []chain.ProxyDelegation) string {
	for _, del := range delegations {
		if del.ProxyType == "Any" {
			return del.Delegate
		}
	}
	if len(delegations) > 0 {
		return delegations[0].Delegate
	}
	return ""
}

// decodeDescription decodes on-chain metadata bytes as UTF-8. The bytes
// are descriptive only, so invalid UTF-8 yields nil rather than an error.
func decodeDescription(raw []byte) *string {
	if len(raw) == 0 || !utf8.Valid(raw) {
		return nil
	}
	s := string(raw)
	return &s
}
