package study

import (
	"fmt"

	"github.com/vitalscan/neurostudy-backend/internal/jobs/runtime"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

var volumetryMeta = stageMeta{
	name:        "Volumetry Processing",
	description: "Calculating brain tissue volumes from segmentation results",
	order:       types.StepOrderVolumetry,
	errorKey:    "volumetry",
}

// VolumetryHandler sends the segmentation filename to the volumetry agent.
// The call is synchronous; the agent reads the file from the shared volume
// and persists its own metrics.
type VolumetryHandler struct {
	deps *Deps
}

func (h *VolumetryHandler) Type() string { return types.JobTypeVolumetry }

func (h *VolumetryHandler) Run(jc *runtime.Context) error {
	study, step, err := h.deps.enterStage(jc, volumetryMeta)
	if err != nil || study == nil {
		return nil
	}

	segAsset, err := h.deps.Assets.GetByType(jc.Ctx, nil, study.ID, types.AssetTypeSegmentation)
	if err != nil {
		h.deps.failStage(jc, study, step, volumetryMeta, err)
		return nil
	}
	if segAsset == nil {
		h.deps.failStage(jc, study, step, volumetryMeta,
			fmt.Errorf("no segmentation file found for study %s", study.Code))
		return nil
	}

	result, err := h.deps.Agents.AnalyzeVolumetry(jc.Ctx, study.Code, segAsset.Filename)
	if err != nil {
		h.deps.failStage(jc, study, step, volumetryMeta, err)
		return nil
	}
	if result.Status != "success" || !result.MetricsSaved {
		msg := result.Message
		if msg == "" {
			msg = "Unknown error"
		}
		h.deps.failStage(jc, study, step, volumetryMeta,
			fmt.Errorf("volumetry processing failed: %s", msg))
		return nil
	}

	return h.deps.completeStage(jc, study, step, volumetryMeta,
		"Volumetry completed successfully. "+result.Message,
		map[string]interface{}{"message": result.Message},
	)
}
