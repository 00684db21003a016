package study

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/vitalscan/neurostudy-backend/internal/clients/agents"
	"github.com/vitalscan/neurostudy-backend/internal/jobs/runtime"
	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/repos"
	"github.com/vitalscan/neurostudy-backend/internal/staging"
	"github.com/vitalscan/neurostudy-backend/internal/storage"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

// Enqueuer schedules the next stage job of a chain. Implemented by the
// stage-job service so the dispatch substrate stays out of handler code.
type Enqueuer interface {
	EnqueueStage(ctx context.Context, studyID uuid.UUID, jobType string) (*types.StageJob, error)
}

// Deps carries everything the stage handlers share.
type Deps struct {
	Log     *logger.Logger
	Studies repos.StudyRepo
	Steps   repos.StudyStepRepo
	Assets  repos.AssetRepo
	Stager  staging.Stager
	Agents  agents.Client
	Disk    storage.LocalDisk
	Enqueue Enqueuer
}

// RegisterHandlers wires all six stage handlers into the registry.
func RegisterHandlers(reg *runtime.Registry, deps *Deps) error {
	handlers := []runtime.Handler{
		&QualityCheckHandler{deps: deps},
		&SegmentationHandler{deps: deps},
		&VolumetryHandler{deps: deps},
		&LLMAnalysisHandler{deps: deps},
		&VRPreparationHandler{deps: deps},
		&FinalizeHandler{deps: deps},
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// NewStagePayload builds the payload stored on every stage job row.
func NewStagePayload(studyID uuid.UUID) datatypes.JSON {
	b, _ := json.Marshal(map[string]string{"study_id": studyID.String()})
	return datatypes.JSON(b)
}

// stageMeta is the fixed identity of one pipeline stage.
type stageMeta struct {
	name        string
	description string
	order       int
	errorKey    string
}

// enterStage loads the study and opens the audit step. When the study has
// already reached a terminal state the job is canceled and no step is
// created; callers stop immediately on a nil study.
func (d *Deps) enterStage(jc *runtime.Context, meta stageMeta) (*types.Study, *types.StudyStep, error) {
	studyID, ok := jc.PayloadUUID("study_id")
	if !ok {
		err := fmt.Errorf("stage payload missing study_id")
		jc.Fail(err)
		return nil, nil, err
	}

	study, err := d.Studies.GetByID(jc.Ctx, nil, studyID)
	if err != nil {
		jc.Fail(fmt.Errorf("failed to load study %s: %w", studyID, err))
		return nil, nil, err
	}
	if study == nil {
		err := fmt.Errorf("study %s not found", studyID)
		jc.Fail(err)
		return nil, nil, err
	}
	if study.IsTerminal() {
		d.Log.Info("skipping stage for terminal study",
			"study_code", study.Code,
			"study_status", study.Status,
			"stage", meta.name,
		)
		jc.Cancel(fmt.Sprintf("study %s is %s", study.Code, study.Status))
		return nil, nil, nil
	}

	now := time.Now()
	step, err := d.Steps.Create(jc.Ctx, nil, &types.StudyStep{
		StudyID:     study.ID,
		Name:        meta.name,
		Description: meta.description,
		Status:      types.StepStatusInProgress,
		StepOrder:   meta.order,
		StartedAt:   &now,
	})
	if err != nil {
		jc.Fail(fmt.Errorf("failed to create step %q: %w", meta.name, err))
		return nil, nil, err
	}

	d.Log.Info("stage started", "study_code", study.Code, "stage", meta.name)
	return study, step, nil
}

// completeStage closes the step, marks the job succeeded, and schedules the
// successor while the study is still in_progress. The job is terminal once
// Succeed runs, so errors past that point never propagate back to the worker
// (which would flip the succeeded row to failed); instead a dispatch failure
// marks the study failed so the chain does not stall silently.
func (d *Deps) completeStage(jc *runtime.Context, study *types.Study, step *types.StudyStep, meta stageMeta, notes string, result any) error {
	now := time.Now()
	if err := d.Steps.UpdateFields(jc.Ctx, nil, step.ID, map[string]interface{}{
		"status":       types.StepStatusCompleted,
		"completed_at": now,
		"notes":        notes,
	}); err != nil {
		return err
	}
	jc.Succeed(result)

	next := types.NextStage(jc.Job.JobType)
	if next == "" {
		return nil
	}

	fresh, err := d.Studies.GetByID(jc.Ctx, nil, study.ID)
	if err != nil {
		d.failStudyAfterStage(jc, study, meta, fmt.Errorf("failed to reload study before scheduling %s: %w", next, err))
		return nil
	}
	if fresh == nil || fresh.Status != types.StudyStatusInProgress {
		d.Log.Info("chain halted, study no longer in progress",
			"study_code", study.Code,
			"study_status", func() string {
				if fresh == nil {
					return "missing"
				}
				return fresh.Status
			}(),
		)
		return nil
	}
	if _, err := d.Enqueue.EnqueueStage(jc.Ctx, study.ID, next); err != nil {
		d.failStudyAfterStage(jc, study, meta, fmt.Errorf("failed to schedule %s: %w", next, err))
	}
	return nil
}

// failStudyAfterStage handles errors that occur after the stage itself has
// already succeeded. The step and job keep their completed states; only the
// study flips to failed with the cause recorded under the stage's error key.
func (d *Deps) failStudyAfterStage(jc *runtime.Context, study *types.Study, meta stageMeta, cause error) {
	d.Log.Error("stage chain dispatch failed",
		"study_code", study.Code,
		"stage", meta.name,
		"error", cause,
	)
	now := time.Now()
	_ = d.Studies.AppendProcessingError(jc.Ctx, nil, study.ID, meta.errorKey, cause.Error())
	_ = d.Studies.UpdateFields(jc.Ctx, nil, study.ID, map[string]interface{}{
		"status":                  types.StudyStatusFailed,
		"processing_completed_at": now,
	})
}

// failStage records the failure on the step, merges the stage error into the
// study, flips the study to failed, and fails the job. The chain halts here;
// no successor is ever enqueued.
func (d *Deps) failStage(jc *runtime.Context, study *types.Study, step *types.StudyStep, meta stageMeta, cause error) {
	d.Log.Error("stage failed",
		"study_code", study.Code,
		"stage", meta.name,
		"error", cause,
	)

	now := time.Now()
	if step != nil {
		_ = d.Steps.UpdateFields(jc.Ctx, nil, step.ID, map[string]interface{}{
			"status":       types.StepStatusFailed,
			"completed_at": now,
			"notes":        meta.name + " failed: " + cause.Error(),
		})
	}
	_ = d.Studies.AppendProcessingError(jc.Ctx, nil, study.ID, meta.errorKey, cause.Error())
	_ = d.Studies.UpdateFields(jc.Ctx, nil, study.ID, map[string]interface{}{
		"status":                  types.StudyStatusFailed,
		"processing_completed_at": now,
	})
	jc.Fail(cause)
}
