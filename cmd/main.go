package main

import (
	"context"
	"fmt"
	"os"

	"github.com/vitalscan/neurostudy-backend/internal/clients/agents"
	"github.com/vitalscan/neurostudy-backend/internal/clients/gcs"
	"github.com/vitalscan/neurostudy-backend/internal/clients/rediscache"
	"github.com/vitalscan/neurostudy-backend/internal/db"
	"github.com/vitalscan/neurostudy-backend/internal/handlers"
	pipeline "github.com/vitalscan/neurostudy-backend/internal/jobs/pipeline/study"
	"github.com/vitalscan/neurostudy-backend/internal/jobs/runtime"
	"github.com/vitalscan/neurostudy-backend/internal/jobs/worker"
	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/repos"
	"github.com/vitalscan/neurostudy-backend/internal/server"
	"github.com/vitalscan/neurostudy-backend/internal/services"
	"github.com/vitalscan/neurostudy-backend/internal/staging"
	"github.com/vitalscan/neurostudy-backend/internal/storage"
	"github.com/vitalscan/neurostudy-backend/internal/temporalx"
	"github.com/vitalscan/neurostudy-backend/internal/temporalx/temporalworker"
	"github.com/vitalscan/neurostudy-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	patientRepo := repos.NewPatientRepo(thePG, log)
	studyRepo := repos.NewStudyRepo(thePG, log)
	studyStepRepo := repos.NewStudyStepRepo(thePG, log)
	assetRepo := repos.NewAssetRepo(thePG, log)
	stageJobRepo := repos.NewStageJobRepo(thePG, log)

	// Clients
	log.Info("Setting up Clients from main...")
	sourceStore, err := gcs.NewBucketStore(log)
	if err != nil {
		log.Error("Could not init source bucket store", "error", err)
		os.Exit(1)
	}
	localDisk, err := storage.NewLocalDisk(log)
	if err != nil {
		log.Error("Could not init local disk storage", "error", err)
		os.Exit(1)
	}
	cache, err := rediscache.New(log)
	if err != nil {
		log.Warn("Redis cache unavailable, continuing without cache", "error", err)
		cache = nil
	}
	agentClient := agents.NewClient(log)

	// Pipeline
	log.Info("Setting up pipeline from main...")
	stager := staging.NewStager(log, sourceStore, localDisk, assetRepo)
	registry := runtime.NewRegistry()

	// Temporal (optional). When TEMPORAL_ADDRESS is unset, the in-process
	// worker pool drains the stage job queue instead.
	temporalCfg := temporalx.LoadConfig()
	temporalClient, err := temporalx.NewClient(log)
	if err != nil {
		log.Error("Temporal client init failed", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up Services from main...")
	stageJobService := services.NewStageJobService(thePG, log, stageJobRepo, temporalClient, temporalCfg.TaskQueue)
	if err := pipeline.RegisterHandlers(registry, &pipeline.Deps{
		Log:     log,
		Studies: studyRepo,
		Steps:   studyStepRepo,
		Assets:  assetRepo,
		Stager:  stager,
		Agents:  agentClient,
		Disk:    localDisk,
		Enqueue: stageJobService,
	}); err != nil {
		log.Error("Could not register stage handlers", "error", err)
		os.Exit(1)
	}
	studyService := services.NewStudyService(thePG, log, studyRepo, studyStepRepo, assetRepo, patientRepo, stageJobService, localDisk)
	patientService := services.NewPatientService(thePG, log, patientRepo)
	sourceBrowser := services.NewSourceBrowser(log, sourceStore, cache)
	agentHealthService := services.NewAgentHealthService(log, agentClient)

	// Workers
	ctx := context.Background()
	if temporalClient != nil {
		runner, err := temporalworker.NewRunner(log, temporalClient, thePG, stageJobRepo, registry)
		if err != nil {
			log.Error("Could not init temporal worker", "error", err)
			os.Exit(1)
		}
		if err := runner.Start(ctx); err != nil {
			log.Error("Could not start temporal worker", "error", err)
			os.Exit(1)
		}
	} else {
		worker.NewWorker(thePG, log, stageJobRepo, registry).Start(ctx)
	}

	// Handlers
	log.Info("Setting up handlers from main...")
	patientHandler := handlers.NewPatientHandler(patientService)
	studyHandler := handlers.NewStudyHandler(studyService, sourceBrowser)
	agentHealthHandler := handlers.NewAgentHealthHandler(agentHealthService)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		PatientHandler:     patientHandler,
		StudyHandler:       studyHandler,
		AgentHealthHandler: agentHealthHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Warn("Server failed", "error", err)
	}
}
