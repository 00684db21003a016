package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

type StudyStepRepo interface {
	Create(ctx context.Context, tx *gorm.DB, step *types.StudyStep) (*types.StudyStep, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	ListByStudyOrdered(ctx context.Context, tx *gorm.DB, studyID uuid.UUID) ([]*types.StudyStep, error)
	// ExistsByName backs the marker-step idempotency guard.
	ExistsByName(ctx context.Context, tx *gorm.DB, studyID uuid.UUID, name string) (bool, error)
	// CancelRunning marks every in_progress step of a study cancelled.
	CancelRunning(ctx context.Context, tx *gorm.DB, studyID uuid.UUID, note string) (int64, error)
}

type studyStepRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStudyStepRepo(db *gorm.DB, baseLog *logger.Logger) StudyStepRepo {
	return &studyStepRepo{
		db:  db,
		log: baseLog.With("repo", "StudyStepRepo"),
	}
}

func (r *studyStepRepo) Create(ctx context.Context, tx *gorm.DB, step *types.StudyStep) (*types.StudyStep, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	if err := transaction.WithContext(ctx).Create(step).Error; err != nil {
		return nil, err
	}
	return step, nil
}

func (r *studyStepRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.StudyStep{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *studyStepRepo) ListByStudyOrdered(ctx context.Context, tx *gorm.DB, studyID uuid.UUID) ([]*types.StudyStep, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.StudyStep
	err := transaction.WithContext(ctx).
		Where("study_id = ?", studyID).
		Order("step_order ASC, created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *studyStepRepo) ExistsByName(ctx context.Context, tx *gorm.DB, studyID uuid.UUID, name string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.StudyStep{}).
		Where("study_id = ? AND name = ?", studyID, name).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *studyStepRepo) CancelRunning(ctx context.Context, tx *gorm.DB, studyID uuid.UUID, note string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	res := transaction.WithContext(ctx).
		Model(&types.StudyStep{}).
		Where("study_id = ? AND status = ?", studyID, types.StepStatusInProgress).
		Updates(map[string]interface{}{
			"status":       types.StepStatusCancelled,
			"completed_at": now,
			"notes":        note,
			"updated_at":   now,
		})
	return res.RowsAffected, res.Error
}
