package repos

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
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
	return db
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func TestClaimNextRunnablePicksOldestQueued(t *testing.T) {
	db := newTestDB(t)
	repo := NewStageJobRepo(db, newTestLogger(t))
	ctx := context.Background()
	studyID := uuid.New()

	older := &types.StageJob{StudyID: studyID, JobType: types.JobTypeQualityCheck, CreatedAt: time.Now().Add(-2 * time.Minute)}
	newer := &types.StageJob{StudyID: studyID, JobType: types.JobTypeSegmentation, CreatedAt: time.Now().Add(-1 * time.Minute)}
	for _, j := range []*types.StageJob{newer, older} {
		if _, err := repo.Create(ctx, nil, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	claimed, err := repo.ClaimNextRunnable(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if claimed == nil {
		t.Fatalf("ClaimNextRunnable: want a job, got nil")
	}
	if claimed.ID != older.ID {
		t.Fatalf("claim order: want=%s got=%s", older.ID, claimed.ID)
	}
	if claimed.Status != types.JobStatusRunning {
		t.Fatalf("claimed status: want=%q got=%q", types.JobStatusRunning, claimed.Status)
	}
	if claimed.Attempts != 1 {
		t.Fatalf("claimed attempts: want=1 got=%d", claimed.Attempts)
	}
	if claimed.LockedAt == nil || claimed.HeartbeatAt == nil {
		t.Fatalf("claimed lock timestamps not set")
	}

	second, err := repo.ClaimNextRunnable(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable second: %v", err)
	}
	if second == nil || second.ID != newer.ID {
		t.Fatalf("second claim: want=%s got=%v", newer.ID, second)
	}

	empty, err := repo.ClaimNextRunnable(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable empty: %v", err)
	}
	if empty != nil {
		t.Fatalf("empty queue: want nil, got %s", empty.ID)
	}
}

func TestClaimNextRunnableReclaimsStaleRunning(t *testing.T) {
	db := newTestDB(t)
	repo := NewStageJobRepo(db, newTestLogger(t))
	ctx := context.Background()

	staleBeat := time.Now().Add(-2 * time.Hour)
	stale := &types.StageJob{
		StudyID:     uuid.New(),
		JobType:     types.JobTypeSegmentation,
		Status:      types.JobStatusRunning,
		Attempts:    1,
		LockedAt:    &staleBeat,
		HeartbeatAt: &staleBeat,
	}
	if _, err := repo.Create(ctx, nil, stale); err != nil {
		t.Fatalf("Create stale: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if claimed == nil {
		t.Fatalf("stale running job not reclaimed")
	}
	if claimed.ID != stale.ID {
		t.Fatalf("reclaimed job: want=%s got=%s", stale.ID, claimed.ID)
	}
	if claimed.Attempts != 2 {
		t.Fatalf("reclaim attempts: want=2 got=%d", claimed.Attempts)
	}
	got, _ := repo.GetByID(ctx, nil, claimed.ID)
	if got.HeartbeatAt == nil || !got.HeartbeatAt.After(staleBeat) {
		t.Fatalf("reclaim did not refresh heartbeat: %v", got.HeartbeatAt)
	}
}

func TestClaimNextRunnableSkipsFreshRunning(t *testing.T) {
	db := newTestDB(t)
	repo := NewStageJobRepo(db, newTestLogger(t))
	ctx := context.Background()

	beat := time.Now().Add(-1 * time.Minute)
	fresh := &types.StageJob{
		StudyID:     uuid.New(),
		JobType:     types.JobTypeVolumetry,
		Status:      types.JobStatusRunning,
		Attempts:    1,
		LockedAt:    &beat,
		HeartbeatAt: &beat,
	}
	if _, err := repo.Create(ctx, nil, fresh); err != nil {
		t.Fatalf("Create fresh: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if claimed != nil {
		t.Fatalf("fresh running job must not be reclaimed, got %s", claimed.ID)
	}
}

func TestUpdateFieldsUnlessStatusGuardsCanceled(t *testing.T) {
	db := newTestDB(t)
	repo := NewStageJobRepo(db, newTestLogger(t))
	ctx := context.Background()

	job, err := repo.Create(ctx, nil, &types.StageJob{StudyID: uuid.New(), JobType: types.JobTypeQualityCheck})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := repo.UpdateFieldsUnlessStatus(ctx, nil, job.ID, types.JobStatusCanceled, map[string]interface{}{
		"status": types.JobStatusRunning,
	})
	if err != nil {
		t.Fatalf("UpdateFieldsUnlessStatus: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows affected: want=1 got=%d", n)
	}

	if err := repo.UpdateFields(ctx, nil, job.ID, map[string]interface{}{
		"status": types.JobStatusCanceled,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	n, err = repo.UpdateFieldsUnlessStatus(ctx, nil, job.ID, types.JobStatusCanceled, map[string]interface{}{
		"status": types.JobStatusSucceeded,
	})
	if err != nil {
		t.Fatalf("UpdateFieldsUnlessStatus after cancel: %v", err)
	}
	if n != 0 {
		t.Fatalf("guarded write: want=0 rows got=%d", n)
	}

	got, err := repo.GetByID(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.JobStatusCanceled {
		t.Fatalf("status after guarded write: want=%q got=%q", types.JobStatusCanceled, got.Status)
	}
}

func TestCancelPendingForStudyLeavesRunningJobs(t *testing.T) {
	db := newTestDB(t)
	repo := NewStageJobRepo(db, newTestLogger(t))
	ctx := context.Background()
	studyID := uuid.New()

	queued, err := repo.Create(ctx, nil, &types.StageJob{StudyID: studyID, JobType: types.JobTypeVolumetry})
	if err != nil {
		t.Fatalf("Create queued: %v", err)
	}
	running, err := repo.Create(ctx, nil, &types.StageJob{StudyID: studyID, JobType: types.JobTypeSegmentation, Status: types.JobStatusRunning})
	if err != nil {
		t.Fatalf("Create running: %v", err)
	}
	other, err := repo.Create(ctx, nil, &types.StageJob{StudyID: uuid.New(), JobType: types.JobTypeQualityCheck})
	if err != nil {
		t.Fatalf("Create other: %v", err)
	}

	n, err := repo.CancelPendingForStudy(ctx, nil, studyID)
	if err != nil {
		t.Fatalf("CancelPendingForStudy: %v", err)
	}
	if n != 1 {
		t.Fatalf("cancelled count: want=1 got=%d", n)
	}

	got, _ := repo.GetByID(ctx, nil, queued.ID)
	if got.Status != types.JobStatusCanceled {
		t.Fatalf("queued job status: want=%q got=%q", types.JobStatusCanceled, got.Status)
	}
	if got.Error != "study cancelled" {
		t.Fatalf("queued job error: want=%q got=%q", "study cancelled", got.Error)
	}
	got, _ = repo.GetByID(ctx, nil, running.ID)
	if got.Status != types.JobStatusRunning {
		t.Fatalf("running job status: want=%q got=%q", types.JobStatusRunning, got.Status)
	}
	got, _ = repo.GetByID(ctx, nil, other.ID)
	if got.Status != types.JobStatusQueued {
		t.Fatalf("other study job status: want=%q got=%q", types.JobStatusQueued, got.Status)
	}
}

func TestHeartbeatOnlyTouchesRunningJobs(t *testing.T) {
	db := newTestDB(t)
	repo := NewStageJobRepo(db, newTestLogger(t))
	ctx := context.Background()

	job, err := repo.Create(ctx, nil, &types.StageJob{StudyID: uuid.New(), JobType: types.JobTypeFinalize})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Heartbeat(ctx, job.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	got, _ := repo.GetByID(ctx, nil, job.ID)
	if got.HeartbeatAt != nil {
		t.Fatalf("heartbeat on queued job: want nil, got %v", got.HeartbeatAt)
	}

	if err := repo.UpdateFields(ctx, nil, job.ID, map[string]interface{}{"status": types.JobStatusRunning}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	if err := repo.Heartbeat(ctx, job.ID); err != nil {
		t.Fatalf("Heartbeat running: %v", err)
	}
	got, _ = repo.GetByID(ctx, nil, job.ID)
	if got.HeartbeatAt == nil {
		t.Fatalf("heartbeat on running job: want timestamp, got nil")
	}
}
