package stagejob

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"
)

// Workflow drives a single stage job to a terminal state. The workflow id is
// the stage_job row id; each tick runs (or observes) the job and the loop
// exits once the row is terminal. Stage chaining happens in the handlers, so
// each enqueued stage gets its own workflow execution.
func Workflow(ctx workflow.Context) error {
	jobID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if jobID == "" {
		return fmt.Errorf("stagejob: missing job_id")
	}

	const (
		pollInterval         = 2 * time.Second
		continueTickLimit    = 2000
		continueHistoryLimit = 15000
	)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         nil, // the stage_job row carries its own attempt count
	})

	tickCount := 0
	for {
		tickCount++
		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, jobID).Get(ctx, &out); err != nil {
			return err
		}

		switch strings.ToLower(strings.TrimSpace(out.Status)) {
		case "succeeded", "canceled":
			return nil
		case "failed":
			return fmt.Errorf("stage job failed (job_type=%s): %s", out.JobType, strings.TrimSpace(out.Error))
		}

		if err := workflow.Sleep(ctx, pollInterval); err != nil {
			return err
		}
		if shouldContinueAsNew(ctx, tickCount, continueTickLimit, continueHistoryLimit) {
			return workflow.NewContinueAsNewError(ctx, Workflow)
		}
	}
}

func shouldContinueAsNew(ctx workflow.Context, ticks, maxTicks, maxHistory int) bool {
	if maxTicks > 0 && ticks >= maxTicks {
		return true
	}
	info := workflow.GetInfo(ctx)
	if info == nil || maxHistory <= 0 {
		return false
	}
	return info.GetCurrentHistoryLength() >= maxHistory
}
