package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

type StudyRepo interface {
	Create(ctx context.Context, tx *gorm.DB, study *types.Study) (*types.Study, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Study, error)
	GetByCode(ctx context.Context, tx *gorm.DB, code string) (*types.Study, error)
	GetWithRelations(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Study, error)
	List(ctx context.Context, tx *gorm.DB, limit, offset int) ([]*types.Study, error)
	CodeExists(ctx context.Context, tx *gorm.DB, code string) (bool, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// AppendProcessingError merges {stage: message} into processing_errors,
	// preserving existing keys, and is safe to call concurrently per record
	// (read-merge-write inside one transaction).
	AppendProcessingError(ctx context.Context, tx *gorm.DB, id uuid.UUID, stage, message string) error
	CountByStatus(ctx context.Context, tx *gorm.DB) (map[string]int64, error)
	// SetExclusiveVR clears is_vr on every study and sets it on the target,
	// inside a single transaction, so at most one study is ever VR-active.
	SetExclusiveVR(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	ClearVR(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type studyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStudyRepo(db *gorm.DB, baseLog *logger.Logger) StudyRepo {
	return &studyRepo{
		db:  db,
		log: baseLog.With("repo", "StudyRepo"),
	}
}

func (r *studyRepo) Create(ctx context.Context, tx *gorm.DB, study *types.Study) (*types.Study, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if study.ID == uuid.Nil {
		study.ID = uuid.New()
	}
	if err := transaction.WithContext(ctx).Create(study).Error; err != nil {
		return nil, err
	}
	return study, nil
}

func (r *studyRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Study, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var s types.Study
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *studyRepo) GetByCode(ctx context.Context, tx *gorm.DB, code string) (*types.Study, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var s types.Study
	err := transaction.WithContext(ctx).Where("code = ?", code).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *studyRepo) GetWithRelations(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Study, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var s types.Study
	err := transaction.WithContext(ctx).
		Preload("Patient").
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC, created_at ASC")
		}).
		Preload("Assets").
		Where("id = ?", id).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *studyRepo) List(ctx context.Context, tx *gorm.DB, limit, offset int) ([]*types.Study, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	var out []*types.Study
	err := transaction.WithContext(ctx).
		Preload("Patient").
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *studyRepo) CodeExists(ctx context.Context, tx *gorm.DB, code string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.Study{}).
		Where("code = ?", code).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *studyRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Study{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *studyRepo) AppendProcessingError(ctx context.Context, tx *gorm.DB, id uuid.UUID, stage, message string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || stage == "" {
		return nil
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var s types.Study
		if err := txx.Where("id = ?", id).First(&s).Error; err != nil {
			return err
		}
		merged := datatypes.JSONMap{}
		for k, v := range s.ProcessingErrors {
			merged[k] = v
		}
		merged[stage] = message
		return txx.Model(&types.Study{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"processing_errors": merged,
				"updated_at":        time.Now(),
			}).Error
	})
}

func (r *studyRepo) CountByStatus(ctx context.Context, tx *gorm.DB) (map[string]int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	type row struct {
		Status string
		Total  int64
	}
	var rows []row
	err := transaction.WithContext(ctx).
		Model(&types.Study{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, rr := range rows {
		out[rr.Status] = rr.Total
	}
	return out, nil
}

func (r *studyRepo) SetExclusiveVR(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Model(&types.Study{}).
			Where("is_vr = ?", true).
			Updates(map[string]interface{}{"is_vr": false, "updated_at": now}).Error; err != nil {
			return err
		}
		return txx.Model(&types.Study{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{"is_vr": true, "updated_at": now}).Error
	})
}

func (r *studyRepo) ClearVR(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.Study{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"is_vr": false, "updated_at": time.Now()}).Error
}
