package stagejob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"gorm.io/gorm"

	jobrt "github.com/vitalscan/neurostudy-backend/internal/jobs/runtime"
	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/repos"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

type Activities struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Jobs     repos.StageJobRepo
	Registry *jobrt.Registry
}

// Tick runs one execution attempt of a stage job. Already-terminal rows are
// reported as-is so a replayed tick after a crash is harmless.
func (a *Activities) Tick(ctx context.Context, jobID string) (TickResult, error) {
	res := TickResult{JobID: strings.TrimSpace(jobID)}
	if a == nil || a.DB == nil || a.Jobs == nil || a.Registry == nil {
		return res, fmt.Errorf("stagejob: activity not configured")
	}

	parsedJobID, err := uuid.Parse(res.JobID)
	if err != nil || parsedJobID == uuid.Nil {
		return res, fmt.Errorf("stagejob: invalid job_id")
	}

	job, err := a.Jobs.GetByID(ctx, nil, parsedJobID)
	if err != nil {
		return res, err
	}
	if job == nil {
		return res, fmt.Errorf("stagejob: job not found")
	}
	res.JobType = job.JobType

	if job.IsTerminal() {
		res.Status = job.Status
		res.Error = job.Error
		return res, nil
	}

	stopHB := a.startHeartbeat(ctx, parsedJobID)
	defer stopHB()

	// Mark running unless a concurrent cancel got there first.
	now := time.Now()
	n, err := a.Jobs.UpdateFieldsUnlessStatus(ctx, nil, parsedJobID, types.JobStatusCanceled, map[string]interface{}{
		"status":       types.JobStatusRunning,
		"attempts":     gorm.Expr("attempts + 1"),
		"locked_at":    now,
		"heartbeat_at": now,
		"updated_at":   now,
	})
	if err != nil {
		return res, err
	}
	if n == 0 {
		res.Status = types.JobStatusCanceled
		return res, nil
	}
	job.Status = types.JobStatusRunning
	job.Attempts++
	job.LockedAt = &now
	job.HeartbeatAt = &now

	handlerReturnedNil := false
	h, ok := a.Registry.Get(job.JobType)
	jc := jobrt.NewContext(ctx, a.DB, job, a.Jobs)
	if !ok {
		jc.Fail(fmt.Errorf("no handler registered for job_type=%s", job.JobType))
	} else {
		func() {
			defer func() {
				if r := recover(); r != nil {
					if a.Log != nil {
						a.Log.Error("Stage handler panic", "job_id", parsedJobID, "job_type", job.JobType, "panic", r)
					}
					jc.Fail(fmt.Errorf("panic: unexpected error"))
				}
			}()
			if runErr := h.Run(jc); runErr != nil {
				jc.Fail(runErr)
				return
			}
			handlerReturnedNil = true
		}()
	}

	updated, err := a.Jobs.GetByID(ctx, nil, parsedJobID)
	if err != nil {
		return res, err
	}
	if updated == nil {
		return res, fmt.Errorf("stagejob: job not found after tick")
	}

	// Safety net: a handler that returns nil without a terminal transition
	// would pin the job in running forever. Treat that as success.
	if handlerReturnedNil && updated.Status == types.JobStatusRunning {
		if a.Log != nil {
			a.Log.Warn("Stage handler returned nil without terminal status; marking succeeded",
				"job_id", parsedJobID, "job_type", updated.JobType)
		}
		jc.Succeed(nil)
		if r2, rerr := a.Jobs.GetByID(ctx, nil, parsedJobID); rerr == nil && r2 != nil {
			updated = r2
		}
	}

	res.Status = updated.Status
	res.Error = updated.Error
	return res, nil
}

func (a *Activities) startHeartbeat(ctx context.Context, jobID uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		temporalHB := time.NewTicker(10 * time.Second)
		defer temporalHB.Stop()

		dbHB := time.NewTicker(30 * time.Second)
		defer dbHB.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-temporalHB.C:
				activity.RecordHeartbeat(ctx)
			case <-dbHB.C:
				if a == nil || a.Jobs == nil || jobID == uuid.Nil {
					continue
				}
				_ = a.Jobs.Heartbeat(ctx, jobID)
			}
		}
	}()
	return func() { close(done) }
}
