package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/vitalscan/neurostudy-backend/internal/handlers"
)

type RouterConfig struct {
	PatientHandler     *handlers.PatientHandler
	StudyHandler       *handlers.StudyHandler
	AgentHealthHandler *handlers.AgentHealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5174",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		// Patients
		api.POST("/patients", cfg.PatientHandler.Create)
		api.GET("/patients", cfg.PatientHandler.List)
		api.GET("/patients/:id", cfg.PatientHandler.Show)

		// Studies
		api.POST("/studies", cfg.StudyHandler.Create)
		api.GET("/studies", cfg.StudyHandler.List)
		api.GET("/studies/stats", cfg.StudyHandler.Stats)
		api.GET("/studies/:id", cfg.StudyHandler.Show)
		api.GET("/studies/:id/status", cfg.StudyHandler.Show)
		api.POST("/studies/:id/cancel", cfg.StudyHandler.Cancel)
		api.POST("/studies/:id/vr", cfg.StudyHandler.SendToVR)
		api.DELETE("/studies/:id/vr", cfg.StudyHandler.ClearVR)
		api.GET("/studies/:id/assets/:assetId/download", cfg.StudyHandler.DownloadAsset)

		// Source browsing and agent health
		api.GET("/source-directories", cfg.StudyHandler.SourceDirectories)
		api.GET("/services/health", cfg.AgentHealthHandler.CheckAll)
	}

	return router
}
