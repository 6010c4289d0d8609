package badger

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/grantflow-labs/payout-engine/pkg/persistence"
	"github.com/grantflow-labs/payout-engine/pkg/types"
)

// Key prefixes for namespacing
const (
	keyPrefixConfig    = "config:"
	keyPrefixApproval  = "approval:"
	keyPrefixMilestone = "milestone:"
	keyPrefixCommittee = "commidx:"
	keyPrefixVote      = "vote:"
	keySchemaVersion   = "metadata:schema_version"
	currentSchemaVer   = "v1"
)

// BadgerStore is a production-ready approval store using Badger.
// Provides durable, disk-based storage with ACID guarantees; the
// duplicate-vote check runs inside a single Badger transaction.
type BadgerStore struct {
	db       *badgerdb.DB
	logger   *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// NewBadgerStore creates a new Badger-backed approval store.
// The database is opened at the specified path with SyncWrites enabled
// for durability. A background goroutine is started for garbage
// collection.
func NewBadgerStore(dataPath string, logger *zap.Logger) (*BadgerStore, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.SyncWrites = true // Approvals gate real payouts; fsync every write
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", absPath, err)
	}

	bs := &BadgerStore{
		db:     db,
		logger: logger,
	}

	if err := bs.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bs.gcCancel = cancel
	bs.gcWg.Add(1)
	go bs.runGC(ctx)

	logger.Sugar().Infow("Badger approval store initialized", "path", absPath)

	return bs, nil
}

// initSchema initializes or validates the schema version
func (b *BadgerStore) initSchema() error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVer))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		var existing string
		err = item.Value(func(val []byte) error {
			existing = string(val)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to read schema version value: %w", err)
		}

		if existing != currentSchemaVer {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existing, currentSchemaVer)
		}
		return nil
	})
}

// runGC runs periodic garbage collection in the background
func (b *BadgerStore) runGC(ctx context.Context) {
	defer b.gcWg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && err != badgerdb.ErrNoRewrite {
				b.logger.Sugar().Warnw("Badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// SaveMultisigConfig persists a committee config
func (b *BadgerStore) SaveMultisigConfig(cfg *types.MultisigConfig) error {
	if cfg == nil {
		return fmt.Errorf("cannot save nil MultisigConfig")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("approval store is closed")
	}

	data, err := persistence.MarshalMultisigConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal MultisigConfig: %w", err)
	}

	key := keyPrefixConfig + cfg.CommitteeID
	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// LoadMultisigConfig retrieves a committee config
func (b *BadgerStore) LoadMultisigConfig(committeeID string) (*types.MultisigConfig, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	data, err := b.getValue(keyPrefixConfig + committeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load MultisigConfig: %w", err)
	}
	if data == nil {
		return nil, nil // Not found
	}
	return persistence.UnmarshalMultisigConfig(data)
}

// SaveApproval upserts an approval and maintains the milestone and
// committee indexes
func (b *BadgerStore) SaveApproval(approval *types.ApprovalRequest) error {
	if approval == nil {
		return fmt.Errorf("cannot save nil ApprovalRequest")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("approval store is closed")
	}

	data, err := persistence.MarshalApproval(approval)
	if err != nil {
		return fmt.Errorf("failed to marshal ApprovalRequest: %w", err)
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set([]byte(keyPrefixApproval+approval.ID), data); err != nil {
			return err
		}

		// Milestone index points at the newest approval for the milestone.
		milestoneKey := []byte(keyPrefixMilestone + approval.MilestoneID)
		current, err := b.loadApprovalByPointer(txn, milestoneKey)
		if err != nil {
			return err
		}
		if current == nil || current.ID == approval.ID || current.CreatedAt <= approval.CreatedAt {
			if err := txn.Set(milestoneKey, []byte(approval.ID)); err != nil {
				return err
			}
		}

		committeeKey := keyPrefixCommittee + approval.CommitteeID + ":" + approval.ID
		return txn.Set([]byte(committeeKey), []byte(approval.ID))
	})
}

// loadApprovalByPointer resolves an index key holding an approval id.
func (b *BadgerStore) loadApprovalByPointer(txn *badgerdb.Txn, key []byte) (*types.ApprovalRequest, error) {
	item, err := txn.Get(key)
	if err == badgerdb.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var id string
	if err := item.Value(func(val []byte) error {
		id = string(val)
		return nil
	}); err != nil {
		return nil, err
	}

	item, err = txn.Get([]byte(keyPrefixApproval + id))
	if err == badgerdb.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var data []byte
	if err := item.Value(func(val []byte) error {
		data = append([]byte{}, val...) // Copy value
		return nil
	}); err != nil {
		return nil, err
	}
	return persistence.UnmarshalApproval(data)
}

// LoadApproval retrieves an approval by id
func (b *BadgerStore) LoadApproval(approvalID string) (*types.ApprovalRequest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	data, err := b.getValue(keyPrefixApproval + approvalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ApprovalRequest: %w", err)
	}
	if data == nil {
		return nil, nil // Not found
	}
	return persistence.UnmarshalApproval(data)
}

// LoadApprovalByMilestone returns the newest approval for a milestone
func (b *BadgerStore) LoadApprovalByMilestone(milestoneID string) (*types.ApprovalRequest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	var approval *types.ApprovalRequest
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		approval, err = b.loadApprovalByPointer(txn, []byte(keyPrefixMilestone+milestoneID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load approval for milestone %s: %w", milestoneID, err)
	}
	return approval, nil
}

// ListApprovalsByCommittee returns a committee's approvals, newest first
func (b *BadgerStore) ListApprovalsByCommittee(committeeID string) ([]*types.ApprovalRequest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	approvals := make([]*types.ApprovalRequest, 0)

	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixCommittee + committeeID + ":")

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()

			var id string
			if err := item.Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return fmt.Errorf("failed to read value: %w", err)
			}

			approval, err := b.loadApprovalByPointer(txn, item.Key())
			if err != nil {
				return err
			}
			if approval == nil {
				b.logger.Sugar().Warnw("dangling committee index entry, skipping",
					"committeeId", committeeID, "approvalId", id)
				continue
			}
			approvals = append(approvals, approval)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}

	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].CreatedAt > approvals[j].CreatedAt
	})
	return approvals, nil
}

// SaveVote appends a vote. The duplicate check and the write share one
// transaction, so two racing votes from the same signatory cannot both
// land.
func (b *BadgerStore) SaveVote(vote *types.Vote) error {
	if vote == nil {
		return fmt.Errorf("cannot save nil Vote")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("approval store is closed")
	}

	data, err := persistence.MarshalVote(vote)
	if err != nil {
		return fmt.Errorf("failed to marshal Vote: %w", err)
	}

	key := voteKey(vote.ApprovalID, vote.Signatory)
	return b.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return errors.Wrapf(types.ErrAlreadyVoted,
				"approval %s, signatory %s", vote.ApprovalID, vote.Signatory)
		}
		if err != badgerdb.ErrKeyNotFound {
			return err
		}
		return txn.Set([]byte(key), data)
	})
}

// ListVotes returns all votes for an approval
func (b *BadgerStore) ListVotes(approvalID string) ([]*types.Vote, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	votes := make([]*types.Vote, 0)

	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixVote + approvalID + ":")

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()

			var data []byte
			if err := item.Value(func(val []byte) error {
				data = append([]byte{}, val...) // Copy value
				return nil
			}); err != nil {
				return fmt.Errorf("failed to read value: %w", err)
			}

			vote, err := persistence.UnmarshalVote(data)
			if err != nil {
				b.logger.Sugar().Warnw("Failed to unmarshal Vote, skipping",
					"key", string(item.Key()), "error", err)
				continue
			}
			votes = append(votes, vote)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
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
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil // Already closed, idempotent
	}
	b.closed = true
	b.mu.Unlock()

	if b.gcCancel != nil {
		b.gcCancel()
	}
	b.gcWg.Wait()

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}

	b.logger.Sugar().Info("Badger approval store closed")
	return nil
}

// HealthCheck verifies the store is operational
func (b *BadgerStore) HealthCheck() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("approval store is closed")
	}

	return b.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return fmt.Errorf("schema version not found - database may be corrupted")
		}
		return err
	})
}

func (b *BadgerStore) getValue(key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badgerdb.ErrKeyNotFound {
			return nil // Not found is not an error
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...) // Copy value
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func voteKey(approvalID, signatory string) string {
	return keyPrefixVote + approvalID + ":" + signatory
}

var _ persistence.IApprovalStore = (*BadgerStore)(nil)
