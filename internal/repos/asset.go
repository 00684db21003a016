package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

type AssetRepo interface {
	Create(ctx context.Context, tx *gorm.DB, asset *types.Asset) (*types.Asset, error)
	GetByID(ctx context.Context, tx *gorm.DB, studyID, id uuid.UUID) (*types.Asset, error)
	GetByType(ctx context.Context, tx *gorm.DB, studyID uuid.UUID, assetType string) (*types.Asset, error)
	GetByFilename(ctx context.Context, tx *gorm.DB, studyID uuid.UUID, filename string) (*types.Asset, error)
	ListByStudy(ctx context.Context, tx *gorm.DB, studyID uuid.UUID) ([]*types.Asset, error)
	ListByTypes(ctx context.Context, tx *gorm.DB, studyID uuid.UUID, assetTypes []string) ([]*types.Asset, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	CountByStudy(ctx context.Context, tx *gorm.DB, studyID uuid.UUID) (int64, error)
}

type assetRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAssetRepo(db *gorm.DB, baseLog *logger.Logger) AssetRepo {
	return &assetRepo{
		db:  db,
		log: baseLog.With("repo", "AssetRepo"),
	}
}

func (r *assetRepo) Create(ctx context.Context, tx *gorm.DB, asset *types.Asset) (*types.Asset, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	if err := transaction.WithContext(ctx).Create(asset).Error; err != nil {
		return nil, err
	}
	return asset, nil
}

func (r *assetRepo) GetByID(ctx context.Context, tx *gorm.DB, studyID, id uuid.UUID) (*types.Asset, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var a types.Asset
	err := transaction.WithContext(ctx).
		Where("id = ? AND study_id = ?", id, studyID).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *assetRepo) GetByType(ctx context.Context, tx *gorm.DB, studyID uuid.UUID, assetType string) (*types.Asset, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var a types.Asset
	err := transaction.WithContext(ctx).
		Where("study_id = ? AND asset_type = ?", studyID, assetType).
		Order("created_at ASC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *assetRepo) GetByFilename(ctx context.Context, tx *gorm.DB, studyID uuid.UUID, filename string) (*types.Asset, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var a types.Asset
	err := transaction.WithContext(ctx).
		Where("study_id = ? AND filename = ?", studyID, filename).
		Order("created_at ASC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *assetRepo) ListByStudy(ctx context.Context, tx *gorm.DB, studyID uuid.UUID) ([]*types.Asset, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Asset
	err := transaction.WithContext(ctx).
		Where("study_id = ?", studyID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *assetRepo) ListByTypes(ctx context.Context, tx *gorm.DB, studyID uuid.UUID, assetTypes []string) ([]*types.Asset, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Asset
	if len(assetTypes) == 0 {
		return out, nil
	}
	err := transaction.WithContext(ctx).
		Where("study_id = ? AND asset_type IN ?", studyID, assetTypes).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *assetRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.Asset{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *assetRepo) CountByStudy(ctx context.Context, tx *gorm.DB, studyID uuid.UUID) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.Asset{}).
		Where("study_id = ?", studyID).
		Count(&count).Error
	return count, err
}
