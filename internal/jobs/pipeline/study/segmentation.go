package study

import (
	"fmt"
	"path"

	"gorm.io/datatypes"

	"github.com/vitalscan/neurostudy-backend/internal/jobs/runtime"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

var segmentationMeta = stageMeta{
	name:        "Segmentation Processing",
	description: "Running AI segmentation models on brain MRI images",
	order:       types.StepOrderSegmentation,
	errorKey:    "segmentation",
}

// SegmentationHandler submits the study to the segmentation agent, records
// the remote task id, polls until the task is terminal, and registers the
// output file as the study's segmentation asset.
type SegmentationHandler struct {
	deps *Deps
}

func (h *SegmentationHandler) Type() string { return types.JobTypeSegmentation }

func (h *SegmentationHandler) Run(jc *runtime.Context) error {
	study, step, err := h.deps.enterStage(jc, segmentationMeta)
	if err != nil || study == nil {
		return nil
	}

	taskID, err := h.deps.Agents.SubmitSegmentation(jc.Ctx, study.Code)
	if err != nil {
		h.deps.failStage(jc, study, step, segmentationMeta, err)
		return nil
	}

	h.deps.Log.Info("segmentation task started", "study_code", study.Code, "task_id", taskID)
	_ = h.deps.Steps.UpdateFields(jc.Ctx, nil, step.ID, map[string]interface{}{
		"notes": fmt.Sprintf("Segmentation task ID: %s", taskID),
	})

	result, err := h.deps.Agents.AwaitTask(jc.Ctx, taskID)
	if err != nil {
		h.deps.failStage(jc, study, step, segmentationMeta, err)
		return nil
	}

	if err := h.registerOutput(jc, study, taskID, result.OutputFile); err != nil {
		h.deps.failStage(jc, study, step, segmentationMeta, err)
		return nil
	}

	return h.deps.completeStage(jc, study, step, segmentationMeta,
		fmt.Sprintf("Segmentation completed. Output: %s", result.OutputFile),
		map[string]interface{}{"task_id": taskID, "output_file": result.OutputFile},
	)
}

// registerOutput records the agent's output file. When an asset with that
// filename already exists it is retyped to segmentation; otherwise a new
// asset is created with the size read off the shared volume.
func (h *SegmentationHandler) registerOutput(jc *runtime.Context, study *types.Study, taskID, outputFile string) error {
	filename := path.Base(outputFile)

	existing, err := h.deps.Assets.GetByFilename(jc.Ctx, nil, study.ID, filename)
	if err != nil {
		return fmt.Errorf("failed to look up asset %s: %w", filename, err)
	}
	if existing != nil {
		h.deps.Log.Info("retyping existing asset to segmentation",
			"study_code", study.Code, "filename", filename)
		return h.deps.Assets.UpdateFields(jc.Ctx, nil, existing.ID, map[string]interface{}{
			"asset_type": types.AssetTypeSegmentation,
		})
	}

	relPath := path.Join(h.deps.Disk.StudyDir(study.Code), filename)
	size, err := h.deps.Disk.Size(relPath)
	if err != nil {
		return fmt.Errorf("segmentation output missing on shared volume: %s: %w", relPath, err)
	}

	_, err = h.deps.Assets.Create(jc.Ctx, nil, &types.Asset{
		StudyID:   study.ID,
		Filename:  filename,
		FilePath:  relPath,
		FileSize:  size,
		MimeType:  "application/gzip",
		AssetType: types.AssetTypeSegmentation,
		Metadata:  datatypes.JSONMap{"task_id": taskID},
	})
	return err
}
