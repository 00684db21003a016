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
	"github.com/vitalscan/neurostudy-backend/internal/storage"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

type CreateStudyInput struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	PatientID   uuid.UUID `json:"patient_id"`
	SourceDir   string    `json:"source_dir"`
	StudyDate   time.Time `json:"study_date"`
}

// StudyService is the orchestrator's front door: intake, pipeline start,
// cancellation, status projection, VR flagging, and asset downloads.
type StudyService interface {
	Create(ctx context.Context, input CreateStudyInput) (*types.Study, error)
	StartPipeline(ctx context.Context, studyID uuid.UUID) error
	Cancel(ctx context.Context, studyID uuid.UUID) (*types.Study, error)
	Snapshot(ctx context.Context, studyID uuid.UUID) (*types.Study, error)
	List(ctx context.Context, limit, offset int) ([]*types.Study, error)
	Stats(ctx context.Context) (map[string]int64, error)
	SendToVR(ctx context.Context, studyID uuid.UUID) (*types.Study, error)
	ClearVR(ctx context.Context, studyID uuid.UUID) (*types.Study, error)
	ResolveAssetFile(ctx context.Context, studyID, assetID uuid.UUID) (*types.Asset, string, error)
}

type studyService struct {
	db       *gorm.DB
	log      *logger.Logger
	studies  repos.StudyRepo
	steps    repos.StudyStepRepo
	assets   repos.AssetRepo
	patients repos.PatientRepo
	jobs     StageJobService
	disk     storage.LocalDisk
}

func NewStudyService(
	db *gorm.DB,
	baseLog *logger.Logger,
	studies repos.StudyRepo,
	steps repos.StudyStepRepo,
	assets repos.AssetRepo,
	patients repos.PatientRepo,
	jobs StageJobService,
	disk storage.LocalDisk,
) StudyService {
	return &studyService{
		db:       db,
		log:      baseLog.With("service", "StudyService"),
		studies:  studies,
		steps:    steps,
		assets:   assets,
		patients: patients,
		jobs:     jobs,
		disk:     disk,
	}
}

func (s *studyService) Create(ctx context.Context, input CreateStudyInput) (*types.Study, error) {
	if strings.TrimSpace(input.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", apperrors.ErrInvalidArgument)
	}
	if input.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", apperrors.ErrInvalidArgument)
	}
	if strings.TrimSpace(input.SourceDir) == "" {
		return nil, fmt.Errorf("%w: source_dir is required", apperrors.ErrInvalidArgument)
	}
	exists, err := s.patients.Exists(ctx, nil, input.PatientID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: patient %s", apperrors.ErrNotFound, input.PatientID)
	}

	code, err := s.generateCode(ctx)
	if err != nil {
		return nil, err
	}

	studyDate := input.StudyDate
	if studyDate.IsZero() {
		studyDate = time.Now()
	}
	study, err := s.studies.Create(ctx, nil, &types.Study{
		Code:        code,
		Title:       strings.TrimSpace(input.Title),
		Description: input.Description,
		PatientID:   input.PatientID,
		Status:      types.StudyStatusPending,
		SourceDir:   strings.Trim(input.SourceDir, "/"),
		StudyDate:   studyDate,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("study created", "study_code", study.Code, "patient_id", study.PatientID)

	if err := s.StartPipeline(ctx, study.ID); err != nil {
		return study, err
	}
	return s.studies.GetByID(ctx, nil, study.ID)
}

// generateCode produces a unique STU-XXXXXXXX code, retrying on the
// (unlikely) collision.
func (s *studyService) generateCode(ctx context.Context) (string, error) {
	for i := 0; i < 10; i++ {
		raw := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
		code := "STU-" + raw[:8]
		exists, err := s.studies.CodeExists(ctx, nil, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to generate a unique study code")
}

// StartPipeline flips the study to in_progress, records the idempotent
// marker step, and enqueues the first stage.
func (s *studyService) StartPipeline(ctx context.Context, studyID uuid.UUID) error {
	study, err := s.studies.GetByID(ctx, nil, studyID)
	if err != nil {
		return err
	}
	if study == nil {
		return fmt.Errorf("%w: study %s", apperrors.ErrNotFound, studyID)
	}
	if study.IsTerminal() {
		return fmt.Errorf("%w: study %s is %s", apperrors.ErrConflict, study.Code, study.Status)
	}

	now := time.Now()
	if err := s.studies.UpdateFields(ctx, nil, study.ID, map[string]interface{}{
		"status":                types.StudyStatusInProgress,
		"processing_started_at": now,
	}); err != nil {
		return err
	}

	hasMarker, err := s.steps.ExistsByName(ctx, nil, study.ID, types.StepNamePipelineStarted)
	if err != nil {
		return err
	}
	if !hasMarker {
		if _, err := s.steps.Create(ctx, nil, &types.StudyStep{
			StudyID:     study.ID,
			Name:        types.StepNamePipelineStarted,
			Description: "Study processing pipeline has been initiated",
			Status:      types.StepStatusCompleted,
			StepOrder:   types.StepOrderPipelineStarted,
			StartedAt:   &now,
			CompletedAt: &now,
		}); err != nil {
			return err
		}
	}

	_, err = s.jobs.EnqueueStage(ctx, study.ID, types.JobTypeQualityCheck)
	if err != nil {
		return err
	}
	s.log.Info("pipeline started", "study_code", study.Code)
	return nil
}

// Cancel stops an in_progress study: status flips to cancelled, running
// steps are closed with a note, and queued stage jobs are cancelled.
// In-flight external work is not interrupted; the stage-entry guard stops
// the chain at the next boundary.
func (s *studyService) Cancel(ctx context.Context, studyID uuid.UUID) (*types.Study, error) {
	study, err := s.studies.GetByID(ctx, nil, studyID)
	if err != nil {
		return nil, err
	}
	if study == nil {
		return nil, fmt.Errorf("%w: study %s", apperrors.ErrNotFound, studyID)
	}
	if study.Status != types.StudyStatusInProgress {
		return nil, fmt.Errorf("%w: study %s is %s, only in_progress studies can be cancelled", apperrors.ErrConflict, study.Code, study.Status)
	}

	now := time.Now()
	if err := s.studies.UpdateFields(ctx, nil, study.ID, map[string]interface{}{
		"status":                  types.StudyStatusCancelled,
		"processing_completed_at": now,
	}); err != nil {
		return nil, err
	}
	if _, err := s.steps.CancelRunning(ctx, nil, study.ID, "Study cancelled by user"); err != nil {
		return nil, err
	}
	if _, err := s.jobs.CancelPendingForStudy(ctx, nil, study.ID); err != nil {
		return nil, err
	}

	s.log.Info("study cancelled", "study_code", study.Code)
	return s.studies.GetByID(ctx, nil, study.ID)
}

func (s *studyService) Snapshot(ctx context.Context, studyID uuid.UUID) (*types.Study, error) {
	study, err := s.studies.GetWithRelations(ctx, nil, studyID)
	if err != nil {
		return nil, err
	}
	if study == nil {
		return nil, fmt.Errorf("%w: study %s", apperrors.ErrNotFound, studyID)
	}
	return study, nil
}

func (s *studyService) List(ctx context.Context, limit, offset int) ([]*types.Study, error) {
	return s.studies.List(ctx, nil, limit, offset)
}

func (s *studyService) Stats(ctx context.Context) (map[string]int64, error) {
	counts, err := s.studies.CountByStatus(ctx, nil)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	counts["total"] = total
	return counts, nil
}

// SendToVR flips the exclusive VR flag to this study. Only completed
// studies have the full asset set the VR station needs.
func (s *studyService) SendToVR(ctx context.Context, studyID uuid.UUID) (*types.Study, error) {
	study, err := s.studies.GetByID(ctx, nil, studyID)
	if err != nil {
		return nil, err
	}
	if study == nil {
		return nil, fmt.Errorf("%w: study %s", apperrors.ErrNotFound, studyID)
	}
	if study.Status != types.StudyStatusCompleted {
		return nil, fmt.Errorf("%w: study %s is %s, only completed studies can be sent to VR", apperrors.ErrConflict, study.Code, study.Status)
	}
	if err := s.studies.SetExclusiveVR(ctx, nil, study.ID); err != nil {
		return nil, err
	}
	s.log.Info("study sent to VR", "study_code", study.Code)
	return s.studies.GetByID(ctx, nil, study.ID)
}

func (s *studyService) ClearVR(ctx context.Context, studyID uuid.UUID) (*types.Study, error) {
	study, err := s.studies.GetByID(ctx, nil, studyID)
	if err != nil {
		return nil, err
	}
	if study == nil {
		return nil, fmt.Errorf("%w: study %s", apperrors.ErrNotFound, studyID)
	}
	if err := s.studies.ClearVR(ctx, nil, study.ID); err != nil {
		return nil, err
	}
	return s.studies.GetByID(ctx, nil, study.ID)
}

// ResolveAssetFile returns the asset row and its absolute path on the
// staging disk, erroring when either the record or the file is missing.
func (s *studyService) ResolveAssetFile(ctx context.Context, studyID, assetID uuid.UUID) (*types.Asset, string, error) {
	asset, err := s.assets.GetByID(ctx, nil, studyID, assetID)
	if err != nil {
		return nil, "", err
	}
	if asset == nil {
		return nil, "", fmt.Errorf("%w: asset %s", apperrors.ErrNotFound, assetID)
	}
	if !s.disk.Exists(asset.FilePath) {
		return nil, "", fmt.Errorf("%w: file %s", apperrors.ErrNotFound, asset.FilePath)
	}
	return asset, s.disk.AbsPath(asset.FilePath), nil
}
