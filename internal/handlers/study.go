package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vitalscan/neurostudy-backend/internal/services"
)

type StudyHandler struct {
	studies services.StudyService
	sources services.SourceBrowser
}

func NewStudyHandler(studies services.StudyService, sources services.SourceBrowser) *StudyHandler {
	return &StudyHandler{studies: studies, sources: sources}
}

type createStudyRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	PatientID   string `json:"patient_id" binding:"required"`
	SourceDir   string `json:"source_dir" binding:"required"`
	StudyDate   string `json:"study_date"`
}

// Create validates the intake request, persists the study, and starts the
// processing pipeline.
func (h *StudyHandler) Create(c *gin.Context) {
	var req createStudyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_patient_id", err)
		return
	}
	var studyDate time.Time
	if req.StudyDate != "" {
		studyDate, err = time.Parse("2006-01-02", req.StudyDate)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_study_date", err)
			return
		}
	}

	study, err := h.studies.Create(c.Request.Context(), services.CreateStudyInput{
		Title:       req.Title,
		Description: req.Description,
		PatientID:   patientID,
		SourceDir:   req.SourceDir,
		StudyDate:   studyDate,
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondCreated(c, study)
}

func (h *StudyHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	studies, err := h.studies.List(c.Request.Context(), limit, offset)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"studies": studies})
}

// Show returns the full study snapshot: patient, steps ordered by
// step_order, and assets. Clients poll this and stop on terminal status.
func (h *StudyHandler) Show(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return
	}
	study, err := h.studies.Snapshot(c.Request.Context(), id)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, study)
}

func (h *StudyHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return
	}
	study, err := h.studies.Cancel(c.Request.Context(), id)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, study)
}

func (h *StudyHandler) Stats(c *gin.Context) {
	stats, err := h.studies.Stats(c.Request.Context())
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, stats)
}

func (h *StudyHandler) SendToVR(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return
	}
	study, err := h.studies.SendToVR(c.Request.Context(), id)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, study)
}

func (h *StudyHandler) ClearVR(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return
	}
	study, err := h.studies.ClearVR(c.Request.Context(), id)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, study)
}

func (h *StudyHandler) DownloadAsset(c *gin.Context) {
	studyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return
	}
	assetID, err := uuid.Parse(c.Param("assetId"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_asset_id", err)
		return
	}
	asset, absPath, err := h.studies.ResolveAssetFile(c.Request.Context(), studyID, assetID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", asset.Filename))
	if asset.MimeType != "" {
		c.Header("Content-Type", asset.MimeType)
	}
	c.File(absPath)
}

func (h *StudyHandler) SourceDirectories(c *gin.Context) {
	dirs, err := h.sources.ListDirectories(c.Request.Context())
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "source_listing_failed", err)
		return
	}
	RespondOK(c, gin.H{"directories": dirs, "status": "success"})
}
