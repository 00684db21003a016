package types

import (
	"time"

	"github.com/google/uuid"
)

// StudyStep statuses. Steps are created directly into in_progress and are
// never mutated after reaching a terminal status.
const (
	StepStatusInProgress = "in_progress"
	StepStatusCompleted  = "completed"
	StepStatusFailed     = "failed"
	StepStatusCancelled  = "cancelled"
)

// StepNamePipelineStarted is the synthetic marker step recorded once per
// study when the pipeline is initiated. Its creation is idempotency-guarded;
// stage steps are not (re-runs intentionally add audit rows).
const StepNamePipelineStarted = "Pipeline Started"

// Fixed display/chain ordinals. The marker owns 1; stages own 2..7.
const (
	StepOrderPipelineStarted = 1
	StepOrderQualityCheck    = 2
	StepOrderSegmentation    = 3
	StepOrderVolumetry       = 4
	StepOrderLLMAnalysis     = 5
	StepOrderVRPreparation   = 6
	StepOrderFinalize        = 7
)

type StudyStep struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	StudyID     uuid.UUID `gorm:"type:uuid;not null;index;column:study_id" json:"study_id"`
	Study       *Study    `gorm:"constraint:OnDelete:CASCADE;foreignKey:StudyID;references:ID" json:"study,omitempty"`
	Name        string    `gorm:"not null;column:name" json:"name"`
	Description string    `gorm:"column:description" json:"description"`
	Status      string    `gorm:"not null;column:status" json:"status"`
	StepOrder   int       `gorm:"not null;column:step_order" json:"step_order"`

	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at"`
	Notes       string     `gorm:"column:notes" json:"notes"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (StudyStep) TableName() string { return "study_step" }

func (s *StudyStep) IsTerminal() bool {
	switch s.Status {
	case StepStatusCompleted, StepStatusFailed, StepStatusCancelled:
		return true
	default:
		return false
	}
}
