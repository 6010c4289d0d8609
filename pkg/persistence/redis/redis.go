package redis

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/grantflow-labs/payout-engine/pkg/persistence"
	"github.com/grantflow-labs/payout-engine/pkg/types"
)

// Key prefixes for namespacing in Redis
const (
	keyPrefixConfig    = "payout:config:"
	keyPrefixApproval  = "payout:approval:"
	keyPrefixMilestone = "payout:milestone:"
	keyPrefixVote      = "payout:vote:"
	keySchemaVersion   = "payout:metadata:schema_version"
	currentSchemaVer   = "v1"

	// Key sets for listing operations (Redis doesn't support prefix
	// iteration natively)
	keySetCommittee = "payout:committee:"
	keySetVotes     = "payout:votes:"
)

// RedisStore is an approval store backed by Redis, suitable for
// deployments where several dashboard replicas share one engine state.
type RedisStore struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string // Custom prefix for all keys
	mu        sync.RWMutex
	closed    bool
}

// RedisConfig holds the configuration for connecting to Redis
type RedisConfig struct {
	// Address is the Redis server address (host:port)
	Address string
	// Password is the optional Redis password
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is an optional custom prefix for all keys (for
	// multi-tenant setups). If set, keys become e.g.
	// "myapp:payout:approval:...".
	KeyPrefix string
}

// NewRedisStore creates a new Redis-backed approval store.
func NewRedisStore(cfg *RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	rs := &RedisStore{
		client:    client,
		logger:    logger,
		keyPrefix: cfg.KeyPrefix,
	}

	if err := rs.initSchema(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Sugar().Infow("Redis approval store initialized", "address", cfg.Address, "db", cfg.DB)

	return rs, nil
}

func (r *RedisStore) initSchema(ctx context.Context) error {
	key := r.key(keySchemaVersion)

	existing, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return r.client.Set(ctx, key, currentSchemaVer, 0).Err()
	}
	if err != nil {
		return err
	}
	if existing != currentSchemaVer {
		return fmt.Errorf("unsupported schema version: %s (expected: %s)", existing, currentSchemaVer)
	}
	return nil
}

func (r *RedisStore) key(k string) string {
	return r.keyPrefix + k
}

// SaveMultisigConfig persists a committee config
func (r *RedisStore) SaveMultisigConfig(cfg *types.MultisigConfig) error {
	if cfg == nil {
		return fmt.Errorf("cannot save nil MultisigConfig")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("approval store is closed")
	}

	data, err := persistence.MarshalMultisigConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal MultisigConfig: %w", err)
	}

	ctx := context.Background()
	return r.client.Set(ctx, r.key(keyPrefixConfig+cfg.CommitteeID), data, 0).Err()
}

// LoadMultisigConfig retrieves a committee config
func (r *RedisStore) LoadMultisigConfig(committeeID string) (*types.MultisigConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	ctx := context.Background()
	data, err := r.client.Get(ctx, r.key(keyPrefixConfig+committeeID)).Bytes()
	if err == redis.Nil {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load MultisigConfig: %w", err)
	}
	return persistence.UnmarshalMultisigConfig(data)
}

// SaveApproval upserts an approval and maintains the milestone pointer
// and committee index set
func (r *RedisStore) SaveApproval(approval *types.ApprovalRequest) error {
	if approval == nil {
		return fmt.Errorf("cannot save nil ApprovalRequest")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("approval store is closed")
	}

	data, err := persistence.MarshalApproval(approval)
	if err != nil {
		return fmt.Errorf("failed to marshal ApprovalRequest: %w", err)
	}

	ctx := context.Background()

	if err := r.client.Set(ctx, r.key(keyPrefixApproval+approval.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save ApprovalRequest: %w", err)
	}

	// Milestone pointer follows the newest approval for the milestone.
	current, err := r.loadApprovalByID(ctx, r.client.Get(ctx, r.key(keyPrefixMilestone+approval.MilestoneID)))
	if err != nil {
		return err
	}
	if current == nil || current.ID == approval.ID || current.CreatedAt <= approval.CreatedAt {
		if err := r.client.Set(ctx, r.key(keyPrefixMilestone+approval.MilestoneID), approval.ID, 0).Err(); err != nil {
			return fmt.Errorf("failed to update milestone index: %w", err)
		}
	}

	if err := r.client.SAdd(ctx, r.key(keySetCommittee+approval.CommitteeID), approval.ID).Err(); err != nil {
		return fmt.Errorf("failed to update committee index: %w", err)
	}
	return nil
}

// loadApprovalByID resolves a GET holding an approval id into the
// approval record. Nil when either hop misses.
func (r *RedisStore) loadApprovalByID(ctx context.Context, idCmd *redis.StringCmd) (*types.ApprovalRequest, error) {
	id, err := idCmd.Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read approval pointer: %w", err)
	}

	data, err := r.client.Get(ctx, r.key(keyPrefixApproval+id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ApprovalRequest %s: %w", id, err)
	}
	return persistence.UnmarshalApproval(data)
}

// LoadApproval retrieves an approval by id
func (r *RedisStore) LoadApproval(approvalID string) (*types.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	ctx := context.Background()
	data, err := r.client.Get(ctx, r.key(keyPrefixApproval+approvalID)).Bytes()
	if err == redis.Nil {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ApprovalRequest: %w", err)
	}
	return persistence.UnmarshalApproval(data)
}

// LoadApprovalByMilestone returns the newest approval for a milestone
func (r *RedisStore) LoadApprovalByMilestone(milestoneID string) (*types.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	ctx := context.Background()
	return r.loadApprovalByID(ctx, r.client.Get(ctx, r.key(keyPrefixMilestone+milestoneID)))
}

// ListApprovalsByCommittee returns a committee's approvals, newest first
func (r *RedisStore) ListApprovalsByCommittee(committeeID string) ([]*types.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	ctx := context.Background()
	ids, err := r.client.SMembers(ctx, r.key(keySetCommittee+committeeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list committee approvals: %w", err)
	}

	approvals := make([]*types.ApprovalRequest, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.key(keyPrefixApproval+id)).Bytes()
		if err == redis.Nil {
			r.logger.Sugar().Warnw("dangling committee index entry, skipping",
				"committeeId", committeeID, "approvalId", id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load ApprovalRequest %s: %w", id, err)
		}
		approval, err := persistence.UnmarshalApproval(data)
		if err != nil {
			r.logger.Sugar().Warnw("Failed to unmarshal ApprovalRequest, skipping",
				"approvalId", id, "error", err)
			continue
		}
		approvals = append(approvals, approval)
	}

	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].CreatedAt > approvals[j].CreatedAt
	})
	return approvals, nil
}

// SaveVote appends a vote. Uniqueness rides on SETNX: the first write
// for (approval, signatory) wins, any later one reports ErrAlreadyVoted.
func (r *RedisStore) SaveVote(vote *types.Vote) error {
	if vote == nil {
		return fmt.Errorf("cannot save nil Vote")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("approval store is closed")
	}

	data, err := persistence.MarshalVote(vote)
	if err != nil {
		return fmt.Errorf("failed to marshal Vote: %w", err)
	}

	ctx := context.Background()
	key := r.key(keyPrefixVote + vote.ApprovalID + ":" + vote.Signatory)

	set, err := r.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save Vote: %w", err)
	}
	if !set {
		return errors.Wrapf(types.ErrAlreadyVoted,
			"approval %s, signatory %s", vote.ApprovalID, vote.Signatory)
	}

	if err := r.client.SAdd(ctx, r.key(keySetVotes+vote.ApprovalID), vote.Signatory).Err(); err != nil {
		return fmt.Errorf("failed to update vote index: %w", err)
	}
	return nil
}

// ListVotes returns all votes for an approval
func (r *RedisStore) ListVotes(approvalID string) ([]*types.Vote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	ctx := context.Background()
	signatories, err := r.client.SMembers(ctx, r.key(keySetVotes+approvalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}

	votes := make([]*types.Vote, 0, len(signatories))
	for _, signatory := range signatories {
		data, err := r.client.Get(ctx, r.key(keyPrefixVote+approvalID+":"+signatory)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load Vote: %w", err)
		}
		vote, err := persistence.UnmarshalVote(data)
		if err != nil {
			r.logger.Sugar().Warnw("Failed to unmarshal Vote, skipping",
				"approvalId", approvalID, "signatory", signatory, "error", err)
			continue
		}
		votes = append(votes, vote)
	}

	sort.Slice(votes, func(i, j int) bool {
		if votes[i].SignedAt != votes[j].SignedAt {
			return votes[i].SignedAt < votes[j].SignedAt
		}
		return votes[i].Signatory < votes[j].Signatory
	})
	return votes, nil
}

// Close shuts down the store
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil // Already closed, idempotent
	}
	r.closed = true

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	r.logger.Sugar().Info("Redis approval store closed")
	return nil
}

// HealthCheck verifies the store is operational
func (r *RedisStore) HealthCheck() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("approval store is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

var _ persistence.IApprovalStore = (*RedisStore)(nil)
