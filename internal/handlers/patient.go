package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vitalscan/neurostudy-backend/internal/services"
)

type PatientHandler struct {
	patients services.PatientService
}

func NewPatientHandler(patients services.PatientService) *PatientHandler {
	return &PatientHandler{patients: patients}
}

type createPatientRequest struct {
	FirstName      string `json:"first_name" binding:"required"`
	LastName       string `json:"last_name" binding:"required"`
	DateOfBirth    string `json:"date_of_birth"`
	Gender         string `json:"gender"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	MedicalHistory string `json:"medical_history"`
}

func (h *PatientHandler) Create(c *gin.Context) {
	var req createPatientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var dob time.Time
	if req.DateOfBirth != "" {
		var err error
		dob, err = time.Parse("2006-01-02", req.DateOfBirth)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_date_of_birth", err)
			return
		}
	}
	patient, err := h.patients.Create(c.Request.Context(), services.CreatePatientInput{
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		DateOfBirth:    dob,
		Gender:         req.Gender,
		Email:          req.Email,
		Phone:          req.Phone,
		MedicalHistory: req.MedicalHistory,
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondCreated(c, patient)
}

func (h *PatientHandler) Show(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return
	}
	patient, err := h.patients.GetByID(c.Request.Context(), id)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, patient)
}

func (h *PatientHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	patients, err := h.patients.List(c.Request.Context(), limit, offset)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"patients": patients})
}
