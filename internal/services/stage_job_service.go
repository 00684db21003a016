package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"gorm.io/gorm"

	pipeline "github.com/vitalscan/neurostudy-backend/internal/jobs/pipeline/study"
	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/repos"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

// StageJobService owns the durable queue rows and their dispatch. With a
// Temporal client configured, each job gets a workflow keyed by the row id;
// without one the DB worker pool picks rows up on its own.
type StageJobService interface {
	pipeline.Enqueuer
	Dispatch(ctx context.Context, jobID uuid.UUID) error
	// CancelPendingForStudy cancels queued jobs and, when Temporal is
	// active, their workflows. Running jobs observe cancellation through
	// the study's terminal status.
	CancelPendingForStudy(ctx context.Context, tx *gorm.DB, studyID uuid.UUID) (int64, error)
	ListByStudy(ctx context.Context, studyID uuid.UUID) ([]*types.StageJob, error)
}

type stageJobService struct {
	db                *gorm.DB
	log               *logger.Logger
	repo              repos.StageJobRepo
	temporal          temporalsdkclient.Client
	temporalTaskQueue string
}

func NewStageJobService(
	db *gorm.DB,
	baseLog *logger.Logger,
	repo repos.StageJobRepo,
	tc temporalsdkclient.Client,
	taskQueue string,
) StageJobService {
	return &stageJobService{
		db:                db,
		log:               baseLog.With("service", "StageJobService"),
		repo:              repo,
		temporal:          tc,
		temporalTaskQueue: strings.TrimSpace(taskQueue),
	}
}

func (s *stageJobService) EnqueueStage(ctx context.Context, studyID uuid.UUID, jobType string) (*types.StageJob, error) {
	if studyID == uuid.Nil {
		return nil, fmt.Errorf("missing study id")
	}
	if jobType == "" {
		return nil, fmt.Errorf("missing job_type")
	}

	job, err := s.repo.Create(ctx, nil, &types.StageJob{
		StudyID: studyID,
		JobType: jobType,
		Status:  types.JobStatusQueued,
		Payload: pipeline.NewStagePayload(studyID),
	})
	if err != nil {
		return nil, fmt.Errorf("create stage job: %w", err)
	}
	s.log.Info("stage job enqueued", "study_id", studyID, "job_type", jobType, "job_id", job.ID)

	if s.temporal == nil {
		// DB worker pool will claim the queued row.
		return job, nil
	}
	if err := s.Dispatch(ctx, job.ID); err != nil {
		return job, err
	}
	return job, nil
}

func (s *stageJobService) Dispatch(ctx context.Context, jobID uuid.UUID) error {
	if s == nil || s.temporal == nil {
		return fmt.Errorf("temporal not configured (TEMPORAL_ADDRESS)")
	}
	if jobID == uuid.Nil {
		return fmt.Errorf("missing job id")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	err := s.startStageWorkflow(ctx, jobID)
	if err == nil {
		return nil
	}
	if _, ok := err.(*serviceerror.WorkflowExecutionAlreadyStarted); ok {
		return nil
	}

	// Best-effort: a job we could not dispatch must not sit queued forever.
	now := time.Now()
	_ = s.repo.UpdateFields(ctx, nil, jobID, map[string]interface{}{
		"status":        types.JobStatusFailed,
		"error":         err.Error(),
		"last_error_at": now,
		"updated_at":    now,
	})
	return fmt.Errorf("start temporal workflow: %w", err)
}

func (s *stageJobService) startStageWorkflow(ctx context.Context, jobID uuid.UUID) error {
	tq := s.temporalTaskQueue
	if tq == "" {
		tq = "neurostudy"
	}
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                    jobID.String(),
		TaskQueue:             tq,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    30 * time.Second,
			BackoffCoefficient: 1.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	}
	// Keep the workflow name literal to avoid an import cycle with stagejob.
	_, err := s.temporal.ExecuteWorkflow(ctx, opts, "stage_job")
	return err
}

func (s *stageJobService) CancelPendingForStudy(ctx context.Context, tx *gorm.DB, studyID uuid.UUID) (int64, error) {
	if studyID == uuid.Nil {
		return 0, nil
	}
	var pendingIDs []uuid.UUID
	if s.temporal != nil {
		jobs, err := s.repo.ListByStudy(ctx, tx, studyID)
		if err != nil {
			return 0, err
		}
		for _, j := range jobs {
			if j.Status == types.JobStatusQueued {
				pendingIDs = append(pendingIDs, j.ID)
			}
		}
	}

	n, err := s.repo.CancelPendingForStudy(ctx, tx, studyID)
	if err != nil {
		return n, err
	}

	for _, id := range pendingIDs {
		if cerr := s.temporal.CancelWorkflow(ctx, id.String(), ""); cerr != nil {
			if _, ok := cerr.(*serviceerror.NotFound); !ok {
				s.log.Warn("failed to cancel stage workflow", "job_id", id, "error", cerr)
			}
		}
	}
	return n, nil
}

func (s *stageJobService) ListByStudy(ctx context.Context, studyID uuid.UUID) ([]*types.StageJob, error) {
	return s.repo.ListByStudy(ctx, nil, studyID)
}
