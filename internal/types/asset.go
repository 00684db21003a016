package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Asset types. Raw scans carry a modality code; pipeline outputs carry
// "segmentation" or a "<modality>_vrdf" variant. Files that match no known
// naming convention are kept as "unknown".
const (
	AssetTypeSegmentation = "segmentation"
	AssetTypeUnknown      = "unknown"
	VRDFAssetSuffix       = "_vrdf"
)

// RequiredModalities is the fixed MRI sequence set every study must provide.
var RequiredModalities = []string{"t1c", "t1n", "t2w", "t2f"}

type Asset struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	StudyID  uuid.UUID `gorm:"type:uuid;not null;index;column:study_id" json:"study_id"`
	Study    *Study    `gorm:"constraint:OnDelete:CASCADE;foreignKey:StudyID;references:ID" json:"study,omitempty"`
	Filename string    `gorm:"not null;column:filename" json:"filename"`
	FilePath string    `gorm:"not null;column:file_path" json:"file_path"`
	FileSize int64     `gorm:"column:file_size" json:"file_size"`
	MimeType string    `gorm:"column:mime_type" json:"mime_type"`

	AssetType string            `gorm:"not null;index;column:asset_type" json:"asset_type"`
	Metadata  datatypes.JSONMap `gorm:"column:metadata;type:jsonb" json:"metadata"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Asset) TableName() string { return "asset" }

// ModalityFromFilename matches the "-{modality}.nii.gz" filename convention
// and returns the modality code, or "" when none matches.
func ModalityFromFilename(filename string) string {
	for _, m := range RequiredModalities {
		if strings.Contains(filename, "-"+m+".nii.gz") {
			return m
		}
	}
	return ""
}

// VRDFAssetType derives the asset type for a VR-converted modality file.
func VRDFAssetType(modality string) string { return modality + VRDFAssetSuffix }
