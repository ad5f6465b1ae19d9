package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gasless-backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DelegationRepository is the persistence boundary for delegation lifecycle
// records. The delegation tracker only depends on this interface.
type DelegationRepository interface {
	Upsert(ctx context.Context, record *models.DelegationRecord) error
	Get(ctx context.Context, address string, chainID int64) (*models.DelegationRecord, error)
	MarkActive(ctx context.Context, address string, chainID int64, opHash string) error
	MarkRevoked(ctx context.Context, address string, chainID int64) error
	TouchVerified(ctx context.Context, address string, chainID int64) error
	ListByStatus(ctx context.Context, chainID int64, status models.DelegationRecordStatus) ([]*models.DelegationRecord, error)
}

type delegationRepository struct {
	db *gorm.DB
}

// NewDelegationRepository creates a DelegationRepository backed by gorm.
func NewDelegationRepository(db *gorm.DB) DelegationRepository {
	return &delegationRepository{db: db}
}

// Upsert inserts a record or replaces the mutable fields of the existing
// record for the same (address, chain) pair.
func (r *delegationRepository) Upsert(ctx context.Context, record *models.DelegationRecord) error {
	record.Address = strings.ToLower(record.Address)
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	existing, err := r.Get(ctx, record.Address, record.ChainID)
	if err != nil {
		return err
	}
	if existing == nil {
		return r.db.WithContext(ctx).Create(record).Error
	}

	return r.db.WithContext(ctx).
		Model(&models.DelegationRecord{}).
		Where("address = ? AND chain_id = ?", record.Address, record.ChainID).
		Updates(map[string]interface{}{
			"implementation":   record.Implementation,
			"status":           record.Status,
			"authorized_at":    record.AuthorizedAt,
			"last_verified_at": record.LastVerifiedAt,
		}).Error
}

// Get returns the record for (address, chain), or nil when none exists.
func (r *delegationRepository) Get(ctx context.Context, address string, chainID int64) (*models.DelegationRecord, error) {
	var record models.DelegationRecord
	err := r.db.WithContext(ctx).
		Where("address = ? AND chain_id = ?", strings.ToLower(address), chainID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *delegationRepository) MarkActive(ctx context.Context, address string, chainID int64, opHash string) error {
	now := time.Now()
	return r.db.WithContext(ctx).
		Model(&models.DelegationRecord{}).
		Where("address = ? AND chain_id = ?", strings.ToLower(address), chainID).
		Updates(map[string]interface{}{
			"status":             models.DelegationStatusActive,
			"activated_at":       &now,
			"last_verified_at":   &now,
			"activation_op_hash": opHash,
		}).Error
}

func (r *delegationRepository) MarkRevoked(ctx context.Context, address string, chainID int64) error {
	return r.db.WithContext(ctx).
		Model(&models.DelegationRecord{}).
		Where("address = ? AND chain_id = ?", strings.ToLower(address), chainID).
		Update("status", models.DelegationStatusRevoked).Error
}

func (r *delegationRepository) TouchVerified(ctx context.Context, address string, chainID int64) error {
	now := time.Now()
	return r.db.WithContext(ctx).
		Model(&models.DelegationRecord{}).
		Where("address = ? AND chain_id = ?", strings.ToLower(address), chainID).
		Update("last_verified_at", &now).Error
}

func (r *delegationRepository) ListByStatus(ctx context.Context, chainID int64, status models.DelegationRecordStatus) ([]*models.DelegationRecord, error) {
	var records []*models.DelegationRecord
	err := r.db.WithContext(ctx).
		Where("chain_id = ? AND status = ?", chainID, status).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
