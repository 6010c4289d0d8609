// Package postgres implements the approval store on PostgreSQL via
// GORM, for deployments that keep engine state next to the rest of the
// platform's relational data.
package postgres

import (
	"fmt"
	stdlog "log"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/grantflow-labs/payout-engine/pkg/persistence"
	"github.com/grantflow-labs/payout-engine/pkg/types"
)

// multisigConfigModel mirrors types.MultisigConfig. Signatories are
// stored comma-joined; SS58 addresses never contain commas.
type multisigConfigModel struct {
	CommitteeID string `gorm:"primaryKey;column:committee_id"`
	Signatories string `gorm:"column:signatories;not null"`
	Threshold   int    `gorm:"column:threshold;not null"`
	Address     string `gorm:"column:address;not null"`
	UpdatedAt   int64  `gorm:"column:updated_at"`
}

func (multisigConfigModel) TableName() string { return "multisig_configs" }

type approvalModel struct {
	ID          string  `gorm:"primaryKey;column:id"`
	MilestoneID string  `gorm:"column:milestone_id;index"`
	CommitteeID string  `gorm:"column:committee_id;index"`
	Recipient   string  `gorm:"column:recipient_address"`
	Amount      uint64  `gorm:"column:payout_amount"`
	Pattern     string  `gorm:"column:approval_pattern"`
	CallHash    string  `gorm:"column:call_hash"`
	CallData    []byte  `gorm:"column:call_data"`
	TpHeight    *uint32 `gorm:"column:timepoint_height"`
	TpIndex     *uint32 `gorm:"column:timepoint_index"`
	Initiator   string  `gorm:"column:initiator_address"`
	Status      string  `gorm:"column:status"`
	TxHash      string  `gorm:"column:tx_hash"`
	BlockNumber uint64  `gorm:"column:block_number"`
	CreatedAt   int64   `gorm:"column:created_at;index"`
}

func (approvalModel) TableName() string { return "approval_requests" }

type voteModel struct {
	ID              string `gorm:"primaryKey;column:id"`
	ApprovalID      string `gorm:"column:approval_id;uniqueIndex:idx_votes_approval_signatory"`
	Signatory       string `gorm:"column:signatory_address;uniqueIndex:idx_votes_approval_signatory"`
	Decision        string `gorm:"column:decision"`
	TxHash          string `gorm:"column:tx_hash"`
	SignedAt        int64  `gorm:"column:signed_at"`
	IsInitiator     bool   `gorm:"column:is_initiator"`
	IsFinalApproval bool   `gorm:"column:is_final_approval"`
}

func (voteModel) TableName() string { return "approval_votes" }

// PostgresStore is an approval store backed by PostgreSQL. The
// duplicate-vote invariant is enforced with a unique index, so it holds
// across process replicas.
type PostgresStore struct {
	db     *gorm.DB
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewPostgresStore opens a GORM connection and migrates the schema.
func NewPostgresStore(dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	// Silent gorm logging; errors surface through return values.
	gormLog := gormlogger.New(
		stdlog.New(os.Stdout, "", stdlog.LstdFlags),
		gormlogger.Config{
			LogLevel:                  gormlogger.Silent,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if err := db.AutoMigrate(&multisigConfigModel{}, &approvalModel{}, &voteModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	logger.Sugar().Infow("Postgres approval store initialized")

	return &PostgresStore{db: db, logger: logger}, nil
}

func (p *PostgresStore) SaveMultisigConfig(cfg *types.MultisigConfig) error {
	if cfg == nil {
		return fmt.Errorf("cannot save nil MultisigConfig")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("approval store is closed")
	}

	model := multisigConfigModel{
		CommitteeID: cfg.CommitteeID,
		Signatories: strings.Join(cfg.Signatories, ","),
		Threshold:   cfg.Threshold,
		Address:     cfg.Address,
		UpdatedAt:   cfg.UpdatedAt,
	}
	return p.db.Save(&model).Error
}

func (p *PostgresStore) LoadMultisigConfig(committeeID string) (*types.MultisigConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	var model multisigConfigModel
	err := p.db.First(&model, "committee_id = ?", committeeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load MultisigConfig: %w", err)
	}

	return &types.MultisigConfig{
		CommitteeID: model.CommitteeID,
		Signatories: strings.Split(model.Signatories, ","),
		Threshold:   model.Threshold,
		Address:     model.Address,
		UpdatedAt:   model.UpdatedAt,
	}, nil
}

func (p *PostgresStore) SaveApproval(approval *types.ApprovalRequest) error {
	if approval == nil {
		return fmt.Errorf("cannot save nil ApprovalRequest")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("approval store is closed")
	}

	return p.db.Save(approvalToModel(approval)).Error
}

func (p *PostgresStore) LoadApproval(approvalID string) (*types.ApprovalRequest, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	var model approvalModel
	err := p.db.First(&model, "id = ?", approvalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ApprovalRequest: %w", err)
	}
	return approvalFromModel(&model), nil
}

func (p *PostgresStore) LoadApprovalByMilestone(milestoneID string) (*types.ApprovalRequest, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	var model approvalModel
	err := p.db.Where("milestone_id = ?", milestoneID).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval for milestone %s: %w", milestoneID, err)
	}
	return approvalFromModel(&model), nil
}

func (p *PostgresStore) ListApprovalsByCommittee(committeeID string) ([]*types.ApprovalRequest, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	var models []approvalModel
	err := p.db.Where("committee_id = ?", committeeID).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}

	approvals := make([]*types.ApprovalRequest, 0, len(models))
	for i := range models {
		approvals = append(approvals, approvalFromModel(&models[i]))
	}
	return approvals, nil
}

func (p *PostgresStore) SaveVote(vote *types.Vote) error {
	if vote == nil {
		return fmt.Errorf("cannot save nil Vote")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("approval store is closed")
	}

	model := voteModel{
		ID:              vote.ID,
		ApprovalID:      vote.ApprovalID,
		Signatory:       vote.Signatory,
		Decision:        string(vote.Decision),
		TxHash:          vote.TxHash,
		SignedAt:        vote.SignedAt,
		IsInitiator:     vote.IsInitiator,
		IsFinalApproval: vote.IsFinalApproval,
	}

	err := p.db.Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Wrapf(types.ErrAlreadyVoted,
			"approval %s, signatory %s", vote.ApprovalID, vote.Signatory)
	}
	return err
}

func (p *PostgresStore) ListVotes(approvalID string) ([]*types.Vote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, fmt.Errorf("approval store is closed")
	}

	var models []voteModel
	err := p.db.Where("approval_id = ?", approvalID).
		Order("signed_at ASC, signatory_address ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}

	votes := make([]*types.Vote, 0, len(models))
	for _, m := range models {
		votes = append(votes, &types.Vote{
			ID:              m.ID,
			ApprovalID:      m.ApprovalID,
			Signatory:       m.Signatory,
			Decision:        types.VoteDecision(m.Decision),
			TxHash:          m.TxHash,
			SignedAt:        m.SignedAt,
			IsInitiator:     m.IsInitiator,
			IsFinalApproval: m.IsFinalApproval,
		})
	}
	return votes, nil
}

func (p *PostgresStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil // Already closed, idempotent
	}
	p.closed = true

	sqlDB, err := p.db.DB()
	if err != nil {
		return fmt.Errorf("failed to access underlying connection: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close postgres connection: %w", err)
	}

	p.logger.Sugar().Info("Postgres approval store closed")
	return nil
}

func (p *PostgresStore) HealthCheck() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return fmt.Errorf("approval store is closed")
	}

	sqlDB, err := p.db.DB()
	if err != nil {
		return fmt.Errorf("failed to access underlying connection: %w", err)
	}
	return sqlDB.Ping()
}

func approvalToModel(a *types.ApprovalRequest) *approvalModel {
	model := &approvalModel{
		ID:          a.ID,
		MilestoneID: a.MilestoneID,
		CommitteeID: a.CommitteeID,
		Recipient:   a.Recipient,
		Amount:      a.Amount,
		Pattern:     a.Pattern,
		CallHash:    a.CallHash,
		CallData:    a.CallData,
		Initiator:   a.Initiator,
		Status:      string(a.Status),
		TxHash:      a.TxHash,
		BlockNumber: a.BlockNumber,
		CreatedAt:   a.CreatedAt,
	}
	if a.Timepoint != nil {
		h, i := a.Timepoint.Height, a.Timepoint.Index
		model.TpHeight, model.TpIndex = &h, &i
	}
	return model
}

func approvalFromModel(m *approvalModel) *types.ApprovalRequest {
	a := &types.ApprovalRequest{
		ID:          m.ID,
		MilestoneID: m.MilestoneID,
		CommitteeID: m.CommitteeID,
		Recipient:   m.Recipient,
		Amount:      m.Amount,
		Pattern:     m.Pattern,
		CallHash:    m.CallHash,
		CallData:    m.CallData,
		Initiator:   m.Initiator,
		Status:      types.ApprovalStatus(m.Status),
		TxHash:      m.TxHash,
		BlockNumber: m.BlockNumber,
		CreatedAt:   m.CreatedAt,
	}
	if m.TpHeight != nil && m.TpIndex != nil {
		a.Timepoint = &types.Timepoint{Height: *m.TpHeight, Index: *m.TpIndex}
	}
	return a
}

var _ persistence.IApprovalStore = (*PostgresStore)(nil)
