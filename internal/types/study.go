package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Study statuses. The three right-hand states of
// pending -> in_progress -> {completed|failed|cancelled} are terminal.
const (
	StudyStatusPending    = "pending"
	StudyStatusInProgress = "in_progress"
	StudyStatusCompleted  = "completed"
	StudyStatusFailed     = "failed"
	StudyStatusCancelled  = "cancelled"
)

type Study struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Code        string    `gorm:"uniqueIndex;not null;column:code" json:"code"`
	Title       string    `gorm:"not null;column:title" json:"title"`
	Description string    `gorm:"column:description" json:"description"`
	PatientID   uuid.UUID `gorm:"type:uuid;not null;index;column:patient_id" json:"patient_id"`
	Patient     *Patient  `gorm:"foreignKey:PatientID;references:ID" json:"patient,omitempty"`

	Status    string    `gorm:"not null;default:'pending';index;column:status" json:"status"`
	SourceDir string    `gorm:"column:source_dir" json:"source_dir"`
	StudyDate time.Time `gorm:"column:study_date" json:"study_date"`
	IsVR      bool      `gorm:"not null;default:false;column:is_vr" json:"is_vr"`

	ProcessingStartedAt   *time.Time        `gorm:"column:processing_started_at" json:"processing_started_at"`
	ProcessingCompletedAt *time.Time        `gorm:"column:processing_completed_at" json:"processing_completed_at"`
	ProcessingErrors      datatypes.JSONMap `gorm:"column:processing_errors;type:jsonb" json:"processing_errors"`

	Steps  []StudyStep `gorm:"foreignKey:StudyID;references:ID" json:"steps,omitempty"`
	Assets []Asset     `gorm:"foreignKey:StudyID;references:ID" json:"assets,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Study) TableName() string { return "study" }

func (s *Study) IsProcessing() bool { return s.Status == StudyStatusInProgress }
func (s *Study) IsCompleted() bool  { return s.Status == StudyStatusCompleted }
func (s *Study) IsFailed() bool     { return s.Status == StudyStatusFailed }

// IsTerminal reports whether no further pipeline work may run for the study.
func (s *Study) IsTerminal() bool {
	switch s.Status {
	case StudyStatusCompleted, StudyStatusFailed, StudyStatusCancelled:
		return true
	default:
		return false
	}
}
