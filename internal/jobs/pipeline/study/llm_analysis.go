package study

import (
	"fmt"

	"github.com/vitalscan/neurostudy-backend/internal/jobs/runtime"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

var llmAnalysisMeta = stageMeta{
	name:        "LLM Analysis",
	description: "Generating AI-powered medical analysis and insights",
	order:       types.StepOrderLLMAnalysis,
	errorKey:    "llm_analysis",
}

// LLMAnalysisHandler asks the analysis agent for a narrative report over the
// study's saved metrics. Synchronous call; the service message lands in the
// step notes.
type LLMAnalysisHandler struct {
	deps *Deps
}

func (h *LLMAnalysisHandler) Type() string { return types.JobTypeLLMAnalysis }

func (h *LLMAnalysisHandler) Run(jc *runtime.Context) error {
	study, step, err := h.deps.enterStage(jc, llmAnalysisMeta)
	if err != nil || study == nil {
		return nil
	}

	result, err := h.deps.Agents.AnalyzeStudy(jc.Ctx, study.Code)
	if err != nil {
		h.deps.failStage(jc, study, step, llmAnalysisMeta, err)
		return nil
	}
	if result.Status != "success" {
		msg := result.Message
		if msg == "" {
			msg = "Unknown error"
		}
		h.deps.failStage(jc, study, step, llmAnalysisMeta,
			fmt.Errorf("LLM analysis failed: %s", msg))
		return nil
	}

	return h.deps.completeStage(jc, study, step, llmAnalysisMeta,
		"LLM analysis completed. "+result.Message,
		map[string]interface{}{"message": result.Message},
	)
}
