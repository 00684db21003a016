package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/pkg/apperrors"
	"github.com/vitalscan/neurostudy-backend/internal/repos"
	"github.com/vitalscan/neurostudy-backend/internal/storage"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

type studyEnv struct {
	db       *gorm.DB
	studies  repos.StudyRepo
	steps    repos.StudyStepRepo
	assets   repos.AssetRepo
	jobs     repos.StageJobRepo
	patients repos.PatientRepo
	jobSvc   StageJobService
	svc      StudyService
	disk     storage.LocalDisk
}

func newStudyEnv(t *testing.T) *studyEnv {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&types.Patient{},
		&types.Study{},
		&types.StudyStep{},
		&types.Asset{},
		&types.StageJob{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	disk, err := storage.NewLocalDiskAt(log, t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalDiskAt: %v", err)
	}

	env := &studyEnv{
		db:       db,
		studies:  repos.NewStudyRepo(db, log),
		steps:    repos.NewStudyStepRepo(db, log),
		assets:   repos.NewAssetRepo(db, log),
		jobs:     repos.NewStageJobRepo(db, log),
		patients: repos.NewPatientRepo(db, log),
		disk:     disk,
	}
	env.jobSvc = NewStageJobService(db, log, env.jobs, nil, "")
	env.svc = NewStudyService(db, log, env.studies, env.steps, env.assets, env.patients, env.jobSvc, disk)
	return env
}

func (e *studyEnv) createPatient(t *testing.T) *types.Patient {
	t.Helper()
	p, err := e.patients.Create(context.Background(), nil, &types.Patient{
		FirstName: "Ada",
		LastName:  "Lovelace",
	})
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}
	return p
}

func (e *studyEnv) createStudy(t *testing.T) *types.Study {
	t.Helper()
	p := e.createPatient(t)
	s, err := e.svc.Create(context.Background(), CreateStudyInput{
		Title:     "Baseline scan",
		PatientID: p.ID,
		SourceDir: "case-001",
	})
	if err != nil {
		t.Fatalf("create study: %v", err)
	}
	return s
}

func TestCreateStudyValidation(t *testing.T) {
	env := newStudyEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, CreateStudyInput{PatientID: uuid.New(), SourceDir: "case-001"})
	if !errors.Is(err, apperrors.ErrInvalidArgument) {
		t.Fatalf("missing title: want ErrInvalidArgument got %v", err)
	}
	_, err = env.svc.Create(ctx, CreateStudyInput{Title: "x", SourceDir: "case-001"})
	if !errors.Is(err, apperrors.ErrInvalidArgument) {
		t.Fatalf("missing patient: want ErrInvalidArgument got %v", err)
	}
	_, err = env.svc.Create(ctx, CreateStudyInput{Title: "x", PatientID: uuid.New(), SourceDir: "case-001"})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("unknown patient: want ErrNotFound got %v", err)
	}
}

func TestCreateStudyStartsPipeline(t *testing.T) {
	env := newStudyEnv(t)
	ctx := context.Background()

	s := env.createStudy(t)

	if !strings.HasPrefix(s.Code, "STU-") || len(s.Code) != 12 {
		t.Fatalf("study code: got %q", s.Code)
	}
	if s.Status != types.StudyStatusInProgress {
		t.Fatalf("status: want=%q got=%q", types.StudyStatusInProgress, s.Status)
	}
	if s.ProcessingStartedAt == nil {
		t.Fatalf("processing_started_at not set")
	}

	steps, err := env.steps.ListByStudyOrdered(ctx, nil, s.ID)
	if err != nil {
		t.Fatalf("ListByStudyOrdered: %v", err)
	}
	if len(steps) != 1 || steps[0].Name != types.StepNamePipelineStarted {
		t.Fatalf("marker step: got %+v", steps)
	}
	if steps[0].Status != types.StepStatusCompleted || steps[0].StepOrder != types.StepOrderPipelineStarted {
		t.Fatalf("marker step state: %+v", steps[0])
	}

	jobs, err := env.jobs.ListByStudy(ctx, nil, s.ID)
	if err != nil {
		t.Fatalf("ListByStudy: %v", err)
	}
	if len(jobs) != 1 || jobs[0].JobType != types.JobTypeQualityCheck || jobs[0].Status != types.JobStatusQueued {
		t.Fatalf("queued job: got %+v", jobs)
	}
}

func TestStartPipelineMarkerIsIdempotent(t *testing.T) {
	env := newStudyEnv(t)
	ctx := context.Background()

	s := env.createStudy(t)
	if err := env.svc.StartPipeline(ctx, s.ID); err != nil {
		t.Fatalf("StartPipeline again: %v", err)
	}

	steps, _ := env.steps.ListByStudyOrdered(ctx, nil, s.ID)
	markers := 0
	for _, st := range steps {
		if st.Name == types.StepNamePipelineStarted {
			markers++
		}
	}
	if markers != 1 {
		t.Fatalf("marker count after restart: want=1 got=%d", markers)
	}
}

func TestStartPipelineRejectsTerminalStudy(t *testing.T) {
	env := newStudyEnv(t)
	ctx := context.Background()

	s := env.createStudy(t)
	if err := env.studies.UpdateFields(ctx, nil, s.ID, map[string]interface{}{
		"status": types.StudyStatusCompleted,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	err := env.svc.StartPipeline(ctx, s.ID)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("restart terminal study: want ErrConflict got %v", err)
	}
}

func TestCancelPendingStudyIsNoOp(t *testing.T) {
	env := newStudyEnv(t)
	ctx := context.Background()

	p := env.createPatient(t)
	s, err := env.studies.Create(ctx, nil, &types.Study{
		Code:      "STU-PENDING1",
		Title:     "Awaiting intake",
		PatientID: p.ID,
		Status:    types.StudyStatusPending,
		SourceDir: "case-001",
	})
	if err != nil {
		t.Fatalf("create study: %v", err)
	}

	_, err = env.svc.Cancel(ctx, s.ID)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("cancel pending study: want ErrConflict got %v", err)
	}

	got, err := env.studies.GetByID(ctx, nil, s.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.StudyStatusPending {
		t.Fatalf("status after cancel: want=%q got=%q", types.StudyStatusPending, got.Status)
	}
	if got.ProcessingCompletedAt != nil {
		t.Fatalf("processing_completed_at set on no-op cancel")
	}
}

func TestCancelStopsQueuedWork(t *testing.T) {
	env := newStudyEnv(t)
	ctx := context.Background()

	s := env.createStudy(t)
	// Simulate a stage in flight.
	if _, err := env.steps.Create(ctx, nil, &types.StudyStep{
		StudyID:   s.ID,
		Name:      "Quality Check",
		Status:    types.StepStatusInProgress,
		StepOrder: types.StepOrderQualityCheck,
	}); err != nil {
		t.Fatalf("create step: %v", err)
	}

	got, err := env.svc.Cancel(ctx, s.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != types.StudyStatusCancelled {
		t.Fatalf("status: want=%q got=%q", types.StudyStatusCancelled, got.Status)
	}
	if got.ProcessingCompletedAt == nil {
		t.Fatalf("processing_completed_at not set")
	}

	steps, _ := env.steps.ListByStudyOrdered(ctx, nil, s.ID)
	for _, st := range steps {
		if st.Name == "Quality Check" {
			if st.Status != types.StepStatusCancelled {
				t.Fatalf("running step status: want=%q got=%q", types.StepStatusCancelled, st.Status)
			}
			if st.Notes != "Study cancelled by user" {
				t.Fatalf("running step notes: got %q", st.Notes)
			}
		}
	}

	jobs, _ := env.jobs.ListByStudy(ctx, nil, s.ID)
	for _, j := range jobs {
		if j.Status != types.JobStatusCanceled {
			t.Fatalf("job %s status: want=%q got=%q", j.JobType, types.JobStatusCanceled, j.Status)
		}
	}

	if _, err := env.svc.Cancel(ctx, s.ID); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("cancel twice: want ErrConflict got %v", err)
	}
}

func TestSendToVRRequiresCompletedStudy(t *testing.T) {
	env := newStudyEnv(t)
	ctx := context.Background()

	s := env.createStudy(t)
	if _, err := env.svc.SendToVR(ctx, s.ID); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("SendToVR in_progress: want ErrConflict got %v", err)
	}

	if err := env.studies.UpdateFields(ctx, nil, s.ID, map[string]interface{}{
		"status": types.StudyStatusCompleted,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	got, err := env.svc.SendToVR(ctx, s.ID)
	if err != nil {
		t.Fatalf("SendToVR completed: %v", err)
	}
	if !got.IsVR {
		t.Fatalf("is_vr not set")
	}
}

func TestSendToVRIsExclusive(t *testing.T) {
	env := newStudyEnv(t)
	ctx := context.Background()

	a := env.createStudy(t)
	b := env.createStudy(t)
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		if err := env.studies.UpdateFields(ctx, nil, id, map[string]interface{}{
			"status": types.StudyStatusCompleted,
		}); err != nil {
			t.Fatalf("UpdateFields: %v", err)
		}
	}

	if _, err := env.svc.SendToVR(ctx, a.ID); err != nil {
		t.Fatalf("SendToVR a: %v", err)
	}
	if _, err := env.svc.SendToVR(ctx, b.ID); err != nil {
		t.Fatalf("SendToVR b: %v", err)
	}

	gotA, _ := env.studies.GetByID(ctx, nil, a.ID)
	gotB, _ := env.studies.GetByID(ctx, nil, b.ID)
	if gotA.IsVR {
		t.Fatalf("study a still VR-active")
	}
	if !gotB.IsVR {
		t.Fatalf("study b not VR-active")
	}
}

func TestStatsIncludesTotal(t *testing.T) {
	env := newStudyEnv(t)
	ctx := context.Background()

	env.createStudy(t)
	env.createStudy(t)

	stats, err := env.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats["total"] != 2 {
		t.Fatalf("total: want=2 got=%d", stats["total"])
	}
	if stats[types.StudyStatusInProgress] != 2 {
		t.Fatalf("in_progress: want=2 got=%d", stats[types.StudyStatusInProgress])
	}
}

func TestResolveAssetFile(t *testing.T) {
	env := newStudyEnv(t)
	ctx := context.Background()

	s := env.createStudy(t)
	relPath := env.disk.StudyDir(s.Code) + "/mask.nii.gz"
	if _, err := env.disk.Write(relPath, strings.NewReader("mask-bytes")); err != nil {
		t.Fatalf("disk write: %v", err)
	}
	asset, err := env.assets.Create(ctx, nil, &types.Asset{
		StudyID:   s.ID,
		Filename:  "mask.nii.gz",
		FilePath:  relPath,
		AssetType: types.AssetTypeSegmentation,
	})
	if err != nil {
		t.Fatalf("create asset: %v", err)
	}

	got, absPath, err := env.svc.ResolveAssetFile(ctx, s.ID, asset.ID)
	if err != nil {
		t.Fatalf("ResolveAssetFile: %v", err)
	}
	if got.ID != asset.ID {
		t.Fatalf("asset id: want=%s got=%s", asset.ID, got.ID)
	}
	if absPath != env.disk.AbsPath(relPath) {
		t.Fatalf("abs path: want=%q got=%q", env.disk.AbsPath(relPath), absPath)
	}

	if _, _, err := env.svc.ResolveAssetFile(ctx, s.ID, uuid.New()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("missing asset: want ErrNotFound got %v", err)
	}

	// Record present, file gone.
	if err := env.disk.Remove(relPath); err != nil {
		t.Fatalf("disk remove: %v", err)
	}
	if _, _, err := env.svc.ResolveAssetFile(ctx, s.ID, asset.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("missing file: want ErrNotFound got %v", err)
	}
}
