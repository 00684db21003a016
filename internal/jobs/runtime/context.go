package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/vitalscan/neurostudy-backend/internal/repos"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

// Context is the execution handle for a single claimed stage job. It wraps
// the stage_job row, the repo that mutates it, and the only sanctioned ways
// to terminate execution. Terminal writes are guarded so a concurrently
// canceled job is never overwritten.
type Context struct {
	Ctx     context.Context
	DB      *gorm.DB
	Job     *types.StageJob
	Repo    repos.StageJobRepo
	payload map[string]any
}

// NewContext eagerly decodes the payload JSON; a malformed payload yields an
// empty map and handlers validate required fields themselves.
func NewContext(ctx context.Context, db *gorm.DB, job *types.StageJob, repo repos.StageJobRepo) *Context {
	c := &Context{
		Ctx:  ctx,
		DB:   db,
		Job:  job,
		Repo: repo,
	}
	_ = c.decodePayload()
	return c
}

func (c *Context) decodePayload() error {
	if c.Job == nil {
		return nil
	}
	if len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload never returns nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Heartbeat refreshes the liveness timestamp of a long-running job.
func (c *Context) Heartbeat() {
	if c == nil || c.Repo == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return
	}
	_ = c.Repo.Heartbeat(c.ctx(), c.Job.ID)
}

// Fail marks the job terminally failed. Canceled jobs are not overwritten.
func (c *Context) Fail(err error) {
	if c == nil {
		return
	}
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		n, _ := c.Repo.UpdateFieldsUnlessStatus(c.ctx(), nil, c.Job.ID, types.JobStatusCanceled, map[string]interface{}{
			"status":        types.JobStatusFailed,
			"error":         msg,
			"last_error_at": now,
			"locked_at":     nil,
			"updated_at":    now,
		})
		if n == 0 {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = types.JobStatusFailed
		c.Job.Error = msg
		c.Job.LastErrorAt = &now
		c.Job.LockedAt = nil
		c.Job.UpdatedAt = now
	}
}

// Succeed marks the job terminally succeeded and persists a result payload.
// Canceled jobs are not overwritten.
func (c *Context) Succeed(result any) {
	if c == nil {
		return
	}
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		n, _ := c.Repo.UpdateFieldsUnlessStatus(c.ctx(), nil, c.Job.ID, types.JobStatusCanceled, map[string]interface{}{
			"status":       types.JobStatusSucceeded,
			"error":        "",
			"result":       res,
			"locked_at":    nil,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if n == 0 {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = types.JobStatusSucceeded
		c.Job.Error = ""
		c.Job.Result = res
		c.Job.LockedAt = nil
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
	}
}

// Cancel marks the job canceled without touching study state. Used when the
// stage-entry guard finds the study already terminal.
func (c *Context) Cancel(reason string) {
	if c == nil {
		return
	}
	now := time.Now()

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		_ = c.Repo.UpdateFields(c.ctx(), nil, c.Job.ID, map[string]interface{}{
			"status":     types.JobStatusCanceled,
			"error":      reason,
			"locked_at":  nil,
			"updated_at": now,
		})
	}

	if c.Job != nil {
		c.Job.Status = types.JobStatusCanceled
		c.Job.Error = reason
		c.Job.LockedAt = nil
		c.Job.UpdatedAt = now
	}
}

func (c *Context) ctx() context.Context {
	if c.Ctx != nil {
		return c.Ctx
	}
	return context.Background()
}
