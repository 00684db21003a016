package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

type PatientRepo interface {
	Create(ctx context.Context, tx *gorm.DB, patient *types.Patient) (*types.Patient, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Patient, error)
	List(ctx context.Context, tx *gorm.DB, limit, offset int) ([]*types.Patient, error)
	Exists(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error)
}

type patientRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPatientRepo(db *gorm.DB, baseLog *logger.Logger) PatientRepo {
	return &patientRepo{
		db:  db,
		log: baseLog.With("repo", "PatientRepo"),
	}
}

func (r *patientRepo) Create(ctx context.Context, tx *gorm.DB, patient *types.Patient) (*types.Patient, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if patient.ID == uuid.Nil {
		patient.ID = uuid.New()
	}
	if err := transaction.WithContext(ctx).Create(patient).Error; err != nil {
		return nil, err
	}
	return patient, nil
}

func (r *patientRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Patient, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var p types.Patient
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepo) List(ctx context.Context, tx *gorm.DB, limit, offset int) ([]*types.Patient, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	var out []*types.Patient
	err := transaction.WithContext(ctx).
		Order("last_name ASC, first_name ASC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *patientRepo) Exists(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.Patient{}).
		Where("id = ?", id).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
