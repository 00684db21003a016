package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// StageJob statuses on the durable queue. A job row is the unit of
// at-least-once scheduling; the StudyStep rows are the audit trail.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

// Stage job types, one per pipeline stage, in chain order.
const (
	JobTypeQualityCheck  = "study_quality_check"
	JobTypeSegmentation  = "study_segmentation"
	JobTypeVolumetry     = "study_volumetry"
	JobTypeLLMAnalysis   = "study_llm_analysis"
	JobTypeVRPreparation = "study_vr_preparation"
	JobTypeFinalize      = "study_finalize"
)

// StageChain is the fixed dispatch order; each entry enqueues its successor
// only after committing its own terminal state.
var StageChain = []string{
	JobTypeQualityCheck,
	JobTypeSegmentation,
	JobTypeVolumetry,
	JobTypeLLMAnalysis,
	JobTypeVRPreparation,
	JobTypeFinalize,
}

// NextStage returns the successor job type, or "" at the end of the chain.
func NextStage(jobType string) string {
	for i, t := range StageChain {
		if t == jobType && i+1 < len(StageChain) {
			return StageChain[i+1]
		}
	}
	return ""
}

type StageJob struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	StudyID uuid.UUID `gorm:"type:uuid;not null;index;column:study_id" json:"study_id"`
	JobType string    `gorm:"not null;index;column:job_type" json:"job_type"`
	Status  string    `gorm:"not null;default:'queued';index;column:status" json:"status"`

	Attempts int            `gorm:"not null;default:0;column:attempts" json:"attempts"`
	Payload  datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Result   datatypes.JSON `gorm:"column:result;type:jsonb" json:"result"`
	Error    string         `gorm:"column:error" json:"error"`

	LockedAt    *time.Time `gorm:"column:locked_at" json:"locked_at"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at" json:"heartbeat_at"`
	LastErrorAt *time.Time `gorm:"column:last_error_at" json:"last_error_at"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (StageJob) TableName() string { return "stage_job" }

func (j *StageJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}
