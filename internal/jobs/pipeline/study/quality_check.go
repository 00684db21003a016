package study

import (
	"github.com/vitalscan/neurostudy-backend/internal/jobs/runtime"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

var qualityCheckMeta = stageMeta{
	name:        "Quality Check",
	description: "Downloading and validating study data from the source bucket",
	order:       types.StepOrderQualityCheck,
	errorKey:    "quality_check",
}

// QualityCheckHandler stages the study's source files onto the shared
// volume: list, filter .gz, download, validate gzip framing, require all
// four modalities, register one asset per file. All-or-nothing.
type QualityCheckHandler struct {
	deps *Deps
}

func (h *QualityCheckHandler) Type() string { return types.JobTypeQualityCheck }

func (h *QualityCheckHandler) Run(jc *runtime.Context) error {
	study, step, err := h.deps.enterStage(jc, qualityCheckMeta)
	if err != nil || study == nil {
		return nil
	}

	staged, err := h.deps.Stager.StageStudyFiles(jc.Ctx, nil, study)
	if err != nil {
		h.deps.failStage(jc, study, step, qualityCheckMeta, err)
		return nil
	}

	return h.deps.completeStage(jc, study, step, qualityCheckMeta,
		"Quality check completed successfully. All required asset types validated and stored.",
		map[string]interface{}{"staged_files": len(staged)},
	)
}
