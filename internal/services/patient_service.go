package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/pkg/apperrors"
	"github.com/vitalscan/neurostudy-backend/internal/repos"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

type CreatePatientInput struct {
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	DateOfBirth    time.Time `json:"date_of_birth"`
	Gender         string    `json:"gender"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone"`
	MedicalHistory string    `json:"medical_history"`
}

type PatientService interface {
	Create(ctx context.Context, input CreatePatientInput) (*types.Patient, error)
	GetByID(ctx context.Context, id uuid.UUID) (*types.Patient, error)
	List(ctx context.Context, limit, offset int) ([]*types.Patient, error)
}

type patientService struct {
	db       *gorm.DB
	log      *logger.Logger
	patients repos.PatientRepo
}

func NewPatientService(db *gorm.DB, baseLog *logger.Logger, patients repos.PatientRepo) PatientService {
	return &patientService{
		db:       db,
		log:      baseLog.With("service", "PatientService"),
		patients: patients,
	}
}

func (s *patientService) Create(ctx context.Context, input CreatePatientInput) (*types.Patient, error) {
	if strings.TrimSpace(input.FirstName) == "" || strings.TrimSpace(input.LastName) == "" {
		return nil, fmt.Errorf("%w: first_name and last_name are required", apperrors.ErrInvalidArgument)
	}
	return s.patients.Create(ctx, nil, &types.Patient{
		FirstName:      strings.TrimSpace(input.FirstName),
		LastName:       strings.TrimSpace(input.LastName),
		DateOfBirth:    input.DateOfBirth,
		Gender:         input.Gender,
		Email:          input.Email,
		Phone:          input.Phone,
		MedicalHistory: input.MedicalHistory,
	})
}

func (s *patientService) GetByID(ctx context.Context, id uuid.UUID) (*types.Patient, error) {
	p, err := s.patients.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: patient %s", apperrors.ErrNotFound, id)
	}
	return p, nil
}

func (s *patientService) List(ctx context.Context, limit, offset int) ([]*types.Patient, error) {
	return s.patients.List(ctx, nil, limit, offset)
}
