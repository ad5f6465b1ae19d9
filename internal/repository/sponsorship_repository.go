package repository

import (
	"context"
	"errors"
	"time"

	"gasless-backend/internal/models"

	"gorm.io/gorm"
)

// SponsorshipRepository records sponsored operations for audit and
// reconciliation. Limit enforcement happens in memory; these rows are the
// durable trail.
type SponsorshipRepository interface {
	Create(ctx context.Context, op *models.SponsoredOperation) error
	GetByOpHash(ctx context.Context, userOpHash string) (*models.SponsoredOperation, error)
	MarkConfirmed(ctx context.Context, userOpHash string, actualCostWei string, txHash string, blockNumber uint64) error
	MarkFailed(ctx context.Context, userOpHash string, status models.SponsoredOperationStatus) error
	SpendSince(ctx context.Context, userID string, chainID int64, since time.Time) (string, error)
	CountSince(ctx context.Context, userID string, chainID int64, since time.Time) (int64, error)
	ListByUser(ctx context.Context, userID string, chainID int64, limit int) ([]*models.SponsoredOperation, error)
}

type sponsorshipRepository struct {
	db *gorm.DB
}

// NewSponsorshipRepository creates a SponsorshipRepository backed by gorm.
func NewSponsorshipRepository(db *gorm.DB) SponsorshipRepository {
	return &sponsorshipRepository{db: db}
}

func (r *sponsorshipRepository) Create(ctx context.Context, op *models.SponsoredOperation) error {
	return r.db.WithContext(ctx).Create(op).Error
}

func (r *sponsorshipRepository) GetByOpHash(ctx context.Context, userOpHash string) (*models.SponsoredOperation, error) {
	var op models.SponsoredOperation
	err := r.db.WithContext(ctx).Where("user_op_hash = ?", userOpHash).First(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (r *sponsorshipRepository) MarkConfirmed(ctx context.Context, userOpHash string, actualCostWei string, txHash string, blockNumber uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).
		Model(&models.SponsoredOperation{}).
		Where("user_op_hash = ?", userOpHash).
		Updates(map[string]interface{}{
			"status":          models.SponsoredOpStatusConfirmed,
			"actual_cost_wei": actualCostWei,
			"tx_hash":         txHash,
			"block_number":    blockNumber,
			"confirmed_at":    &now,
		}).Error
}

func (r *sponsorshipRepository) MarkFailed(ctx context.Context, userOpHash string, status models.SponsoredOperationStatus) error {
	return r.db.WithContext(ctx).
		Model(&models.SponsoredOperation{}).
		Where("user_op_hash = ?", userOpHash).
		Update("status", status).Error
}

// SpendSince sums confirmed and in-flight sponsored cost for a user on one
// chain since the given time. Estimated cost counts for rows that have not
// settled yet, so limits cannot be overshot by racing submissions.
func (r *sponsorshipRepository) SpendSince(ctx context.Context, userID string, chainID int64, since time.Time) (string, error) {
	var total string
	err := r.db.WithContext(ctx).
		Model(&models.SponsoredOperation{}).
		Select(`COALESCE(SUM(
			CASE WHEN actual_cost_wei <> '' THEN actual_cost_wei::numeric
			     ELSE estimated_cost_wei::numeric END), 0)::text`).
		Where("user_id = ? AND chain_id = ? AND created_at >= ? AND status IN ?",
			userID, chainID, since,
			[]models.SponsoredOperationStatus{models.SponsoredOpStatusSubmitted, models.SponsoredOpStatusConfirmed}).
		Scan(&total).Error
	if err != nil {
		return "0", err
	}
	if total == "" {
		total = "0"
	}
	return total, nil
}

func (r *sponsorshipRepository) CountSince(ctx context.Context, userID string, chainID int64, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.SponsoredOperation{}).
		Where("user_id = ? AND chain_id = ? AND created_at >= ? AND status IN ?",
			userID, chainID, since,
			[]models.SponsoredOperationStatus{models.SponsoredOpStatusSubmitted, models.SponsoredOpStatusConfirmed}).
		Count(&count).Error
	return count, err
}

func (r *sponsorshipRepository) ListByUser(ctx context.Context, userID string, chainID int64, limit int) ([]*models.SponsoredOperation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var ops []*models.SponsoredOperation
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND chain_id = ?", userID, chainID).
		Order("created_at DESC").
		Limit(limit).
		Find(&ops).Error
	if err != nil {
		return nil, err
	}
	return ops, nil
}
