package staging

import (
	"compress/gzip"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/vitalscan/neurostudy-backend/internal/clients/gcs"
	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/repos"
	"github.com/vitalscan/neurostudy-backend/internal/storage"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

// StagedFile describes one file pulled from the source bucket into the
// shared staging volume.
type StagedFile struct {
	Filename  string
	RelPath   string
	Size      int64
	AssetType string
}

// Stager copies a study's source files onto the local staging disk and
// registers one Asset per file. All-or-nothing: any transfer or validation
// failure fails the whole batch.
type Stager interface {
	StageStudyFiles(ctx context.Context, tx *gorm.DB, study *types.Study) ([]StagedFile, error)
}

type stager struct {
	log    *logger.Logger
	source gcs.SourceStore
	disk   storage.LocalDisk
	assets repos.AssetRepo
}

func NewStager(baseLog *logger.Logger, source gcs.SourceStore, disk storage.LocalDisk, assets repos.AssetRepo) Stager {
	return &stager{
		log:    baseLog.With("service", "Stager"),
		source: source,
		disk:   disk,
		assets: assets,
	}
}

func (s *stager) StageStudyFiles(ctx context.Context, tx *gorm.DB, study *types.Study) ([]StagedFile, error) {
	keys, err := s.source.ListFiles(ctx, study.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list source directory %q: %w", study.SourceDir, err)
	}

	gzKeys := []string{}
	for _, k := range keys {
		if strings.HasSuffix(k, ".gz") {
			gzKeys = append(gzKeys, k)
		}
	}
	if len(gzKeys) == 0 {
		return nil, fmt.Errorf("no gz files found in source directory: %s", study.SourceDir)
	}
	sort.Strings(gzKeys)

	s.log.Info("staging source files", "study_code", study.Code, "count", len(gzKeys))

	staged := make([]StagedFile, 0, len(gzKeys))
	for _, key := range gzKeys {
		f, err := s.stageOne(ctx, study, key)
		if err != nil {
			return nil, err
		}
		staged = append(staged, *f)
	}

	if err := s.validateModalities(staged); err != nil {
		return nil, err
	}

	for _, f := range staged {
		_, err := s.assets.Create(ctx, tx, &types.Asset{
			StudyID:   study.ID,
			Filename:  f.Filename,
			FilePath:  f.RelPath,
			FileSize:  f.Size,
			MimeType:  "application/gzip",
			AssetType: f.AssetType,
			Metadata: datatypes.JSONMap{
				"original_source_directory": study.SourceDir,
				"processed_at":              time.Now().Format(time.RFC3339),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register asset %s: %w", f.Filename, err)
		}
	}

	return staged, nil
}

func (s *stager) stageOne(ctx context.Context, study *types.Study, key string) (*StagedFile, error) {
	exists, err := s.source.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check source file %s: %w", key, err)
	}
	if !exists {
		return nil, fmt.Errorf("file does not exist in source bucket: %s", key)
	}

	r, err := s.source.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read file from source bucket: %s: %w", key, err)
	}
	defer r.Close()

	filename := path.Base(key)
	relPath := path.Join(s.disk.StudyDir(study.Code), filename)
	n, err := s.disk.Write(relPath, r)
	if err != nil {
		return nil, fmt.Errorf("failed to save file locally: %s: %w", relPath, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("downloaded file is empty: %s", key)
	}
	if err := s.validateGzip(relPath); err != nil {
		return nil, fmt.Errorf("corrupt gz file %s: %w", filename, err)
	}

	s.log.Info("staged source file", "study_code", study.Code, "file", filename, "bytes", n)

	assetType := types.ModalityFromFilename(filename)
	if assetType == "" {
		assetType = types.AssetTypeUnknown
	}

	return &StagedFile{
		Filename:  filename,
		RelPath:   relPath,
		Size:      n,
		AssetType: assetType,
	}, nil
}

// validateGzip checks the gzip framing by reading the header back off disk.
func (s *stager) validateGzip(relPath string) error {
	f, err := s.disk.Open(relPath)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	return zr.Close()
}

func (s *stager) validateModalities(staged []StagedFile) error {
	found := map[string]bool{}
	for _, f := range staged {
		if f.AssetType != types.AssetTypeUnknown {
			found[f.AssetType] = true
		}
	}
	missing := []string{}
	for _, m := range types.RequiredModalities {
		if !found[m] {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required file types: %s", strings.Join(missing, ", "))
	}
	return nil
}
