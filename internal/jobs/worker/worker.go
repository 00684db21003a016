package worker

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/vitalscan/neurostudy-backend/internal/jobs/runtime"
	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/repos"
	"github.com/vitalscan/neurostudy-backend/internal/utils"
)

// Worker drives the stage-job queue. Each goroutine ticks, claims the next
// runnable job, and runs its registered handler while heartbeating the row.
// Running rows whose heartbeat goes stale (a crashed worker) are reclaimed
// by the next claim. Handlers own their terminal transitions; the Fail
// calls here are safety nets.
type Worker struct {
	db             *gorm.DB
	log            *logger.Logger
	repo           repos.StageJobRepo
	registry       *runtime.Registry
	staleRunning   time.Duration
	heartbeatEvery time.Duration
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, repo repos.StageJobRepo, registry *runtime.Registry) *Worker {
	return &Worker{
		db:             db,
		log:            baseLog.With("component", "StageWorker"),
		repo:           repo,
		registry:       registry,
		staleRunning:   30 * time.Minute,
		heartbeatEvery: 30 * time.Second,
	}
}

func (w *Worker) Start(ctx context.Context) {
	concurrency := utils.GetEnvAsInt("WORKER_CONCURRENCY", 4, w.log)
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("Starting stage worker pool", "concurrency", concurrency)

	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		go w.runLoop(ctx, workerID)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			w.RunOnce(ctx, workerID)
		}
	}
}

// RunOnce claims and executes at most one job. Exposed so callers can drain
// the queue synchronously.
func (w *Worker) RunOnce(ctx context.Context, workerID int) bool {
	job, err := w.repo.ClaimNextRunnable(ctx, w.staleRunning)
	if err != nil {
		w.log.Warn("ClaimNextRunnable failed", "worker_id", workerID, "error", err)
		return false
	}
	if job == nil {
		return false
	}

	h, ok := w.registry.Get(job.JobType)
	jc := runtime.NewContext(ctx, w.db, job, w.repo)

	if !ok {
		w.log.Warn("No handler registered for job_type",
			"worker_id", workerID,
			"job_type", job.JobType,
			"job_id", job.ID,
		)
		jc.Fail(&missingHandlerError{JobType: job.JobType})
		return true
	}

	hbStop := make(chan struct{})
	go w.heartbeatLoop(jc, hbStop)

	func() {
		defer close(hbStop)
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("Stage handler panic",
					"worker_id", workerID,
					"job_id", job.ID,
					"job_type", job.JobType,
					"panic", r,
				)
				jc.Fail(errFromRecover(r))
			}
		}()

		if runErr := h.Run(jc); runErr != nil {
			jc.Fail(runErr)
		}
	}()
	return true
}

// heartbeatLoop keeps the claimed row's heartbeat fresh for the duration of
// the handler so long stages (segmentation polls for up to 30 minutes) are
// never mistaken for a dead worker's leftovers.
func (w *Worker) heartbeatLoop(jc *runtime.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			jc.Heartbeat()
		}
	}
}

type missingHandlerError struct{ JobType string }

func (e *missingHandlerError) Error() string { return "no handler registered for job_type=" + e.JobType }

func errFromRecover(v any) error { return &panicError{Val: v} }

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
