package study

import (
	"fmt"
	"path"
	"strings"

	"gorm.io/datatypes"

	"github.com/vitalscan/neurostudy-backend/internal/jobs/runtime"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

var vrPreparationMeta = stageMeta{
	name:        "VR Asset Preparation",
	description: "Converting study volumes to VRDF files for VR visualization",
	order:       types.StepOrderVRPreparation,
	errorKey:    "vr_preparation",
}

// VRPreparationHandler converts each modality volume into a VRDF file.
// Preconditions are checked up front: the segmentation asset and all four
// modality assets must exist. A failed conversion aborts the remainder.
type VRPreparationHandler struct {
	deps *Deps
}

func (h *VRPreparationHandler) Type() string { return types.JobTypeVRPreparation }

func (h *VRPreparationHandler) Run(jc *runtime.Context) error {
	study, step, err := h.deps.enterStage(jc, vrPreparationMeta)
	if err != nil || study == nil {
		return nil
	}

	segAsset, err := h.deps.Assets.GetByType(jc.Ctx, nil, study.ID, types.AssetTypeSegmentation)
	if err != nil {
		h.deps.failStage(jc, study, step, vrPreparationMeta, err)
		return nil
	}
	if segAsset == nil {
		h.deps.failStage(jc, study, step, vrPreparationMeta,
			fmt.Errorf("no segmentation file found for study %s", study.Code))
		return nil
	}

	modalityAssets, err := h.deps.Assets.ListByTypes(jc.Ctx, nil, study.ID, types.RequiredModalities)
	if err != nil {
		h.deps.failStage(jc, study, step, vrPreparationMeta, err)
		return nil
	}
	byModality := map[string]*types.Asset{}
	for _, a := range modalityAssets {
		if _, seen := byModality[a.AssetType]; !seen {
			byModality[a.AssetType] = a
		}
	}
	missing := []string{}
	for _, m := range types.RequiredModalities {
		if byModality[m] == nil {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		h.deps.failStage(jc, study, step, vrPreparationMeta,
			fmt.Errorf("missing required assets for VR preparation: %s", strings.Join(missing, ", ")))
		return nil
	}

	converted := 0
	for _, m := range types.RequiredModalities {
		asset := byModality[m]
		result, err := h.deps.Agents.ConvertVRDF(jc.Ctx, study.Code, asset.Filename)
		if err != nil {
			h.deps.failStage(jc, study, step, vrPreparationMeta, err)
			return nil
		}
		if err := h.registerOutput(jc, study, m, asset.Filename, result.OutputFile); err != nil {
			h.deps.failStage(jc, study, step, vrPreparationMeta, err)
			return nil
		}
		converted++
	}

	return h.deps.completeStage(jc, study, step, vrPreparationMeta,
		fmt.Sprintf("VR preparation completed. Converted %d files.", converted),
		map[string]interface{}{"converted": converted},
	)
}

func (h *VRPreparationHandler) registerOutput(jc *runtime.Context, study *types.Study, modality, sourceFilename, outputFile string) error {
	filename := path.Base(outputFile)
	relPath := path.Join(h.deps.Disk.StudyDir(study.Code), filename)
	size, err := h.deps.Disk.Size(relPath)
	if err != nil {
		return fmt.Errorf("vrdf output missing on shared volume: %s: %w", relPath, err)
	}
	_, err = h.deps.Assets.Create(jc.Ctx, nil, &types.Asset{
		StudyID:   study.ID,
		Filename:  filename,
		FilePath:  relPath,
		FileSize:  size,
		MimeType:  "application/octet-stream",
		AssetType: types.VRDFAssetType(modality),
		Metadata:  datatypes.JSONMap{"source_file": sourceFilename},
	})
	return err
}
