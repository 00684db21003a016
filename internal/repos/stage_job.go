package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

type StageJobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *types.StageJob) (*types.StageJob, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.StageJob, error)
	// ClaimNextRunnable atomically picks the oldest runnable job and flips it
	// to running. Runnable means queued, or running with a heartbeat older
	// than staleRunning (a worker died mid-stage and the row must be
	// reclaimed). Uses FOR UPDATE SKIP LOCKED so concurrent workers never
	// claim the same row. Returns (nil, nil) when nothing is runnable.
	ClaimNextRunnable(ctx context.Context, staleRunning time.Duration) (*types.StageJob, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsUnlessStatus writes updates only while the job is NOT in the
	// given status. Guards terminal writes against a concurrent cancel.
	UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, unless string, updates map[string]interface{}) (int64, error)
	Heartbeat(ctx context.Context, id uuid.UUID) error
	ListByStudy(ctx context.Context, tx *gorm.DB, studyID uuid.UUID) ([]*types.StageJob, error)
	// CancelPendingForStudy cancels every queued job of a study. Running jobs
	// are left to observe cancellation cooperatively.
	CancelPendingForStudy(ctx context.Context, tx *gorm.DB, studyID uuid.UUID) (int64, error)
}

type stageJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStageJobRepo(db *gorm.DB, baseLog *logger.Logger) StageJobRepo {
	return &stageJobRepo{
		db:  db,
		log: baseLog.With("repo", "StageJobRepo"),
	}
}

func (r *stageJobRepo) Create(ctx context.Context, tx *gorm.DB, job *types.StageJob) (*types.StageJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = types.JobStatusQueued
	}
	if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *stageJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.StageJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var j types.StageJob
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *stageJobRepo) ClaimNextRunnable(ctx context.Context, staleRunning time.Duration) (*types.StageJob, error) {
	staleCutoff := time.Now().Add(-staleRunning)
	var claimed *types.StageJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		// sqlite has no row locks; the serialized write transaction is enough there.
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var j types.StageJob
		err := q.
			Where(`
				status = ?
				OR (
					status = ?
					AND heartbeat_at IS NOT NULL
					AND heartbeat_at < ?
				)
			`, types.JobStatusQueued, types.JobStatusRunning, staleCutoff).
			Order("created_at ASC").
			First(&j).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		now := time.Now()
		if err := tx.Model(&types.StageJob{}).
			Where("id = ?", j.ID).
			Updates(map[string]interface{}{
				"status":       types.JobStatusRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error; err != nil {
			return err
		}
		j.Status = types.JobStatusRunning
		j.Attempts++
		j.LockedAt = &now
		j.HeartbeatAt = &now
		claimed = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *stageJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.StageJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *stageJobRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, unless string, updates map[string]interface{}) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return 0, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := transaction.WithContext(ctx).
		Model(&types.StageJob{}).
		Where("id = ? AND status <> ?", id, unless).
		Updates(updates)
	return res.RowsAffected, res.Error
}

func (r *stageJobRepo) Heartbeat(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.db.WithContext(ctx).
		Model(&types.StageJob{}).
		Where("id = ? AND status = ?", id, types.JobStatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *stageJobRepo) ListByStudy(ctx context.Context, tx *gorm.DB, studyID uuid.UUID) ([]*types.StageJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.StageJob
	err := transaction.WithContext(ctx).
		Where("study_id = ?", studyID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stageJobRepo) CancelPendingForStudy(ctx context.Context, tx *gorm.DB, studyID uuid.UUID) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	res := transaction.WithContext(ctx).
		Model(&types.StageJob{}).
		Where("study_id = ? AND status = ?", studyID, types.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":     types.JobStatusCanceled,
			"error":      "study cancelled",
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}
