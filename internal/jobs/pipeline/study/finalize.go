package study

import (
	"time"

	"github.com/vitalscan/neurostudy-backend/internal/jobs/runtime"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

var finalizeMeta = stageMeta{
	name:        "Finalize",
	description: "Closing out study processing",
	order:       types.StepOrderFinalize,
	errorKey:    "finalize",
}

// FinalizeHandler is the local terminal stage: it flips the study to
// completed. No external calls.
type FinalizeHandler struct {
	deps *Deps
}

func (h *FinalizeHandler) Type() string { return types.JobTypeFinalize }

func (h *FinalizeHandler) Run(jc *runtime.Context) error {
	study, step, err := h.deps.enterStage(jc, finalizeMeta)
	if err != nil || study == nil {
		return nil
	}

	now := time.Now()
	if err := h.deps.Studies.UpdateFields(jc.Ctx, nil, study.ID, map[string]interface{}{
		"status":                  types.StudyStatusCompleted,
		"processing_completed_at": now,
	}); err != nil {
		h.deps.failStage(jc, study, step, finalizeMeta, err)
		return nil
	}

	h.deps.Log.Info("study processing finalized", "study_code", study.Code)
	return h.deps.completeStage(jc, study, step, finalizeMeta,
		"Study processing completed successfully.", nil)
}
