package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vitalscan/neurostudy-backend/internal/logger"
)

func testClient(t *testing.T, cfg Config) Client {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	cfg.RequestTimeout = 2 * time.Second
	cfg.RetryAttempts = 1
	cfg.RetryBackoff = time.Millisecond
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.PollMaxAttempts == 0 {
		cfg.PollMaxAttempts = 5
	}
	return NewClientWithConfig(log, cfg)
}

func TestSubmitSegmentationReturnsTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/segment" {
			t.Fatalf("path: want=/segment got=%s", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["study_code"] != "STU-ABCD1234" {
			t.Fatalf("study_code: got=%q", body["study_code"])
		}
		json.NewEncoder(w).Encode(map[string]string{"task_id": "task-42"})
	}))
	defer srv.Close()

	c := testClient(t, Config{SegmentationURL: srv.URL})
	taskID, err := c.SubmitSegmentation(context.Background(), "STU-ABCD1234")
	if err != nil {
		t.Fatalf("SubmitSegmentation: %v", err)
	}
	if taskID != "task-42" {
		t.Fatalf("task id: want=task-42 got=%q", taskID)
	}
}

func TestSubmitSegmentationRequiresTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := testClient(t, Config{SegmentationURL: srv.URL})
	_, err := c.SubmitSegmentation(context.Background(), "STU-ABCD1234")
	if err == nil {
		t.Fatalf("SubmitSegmentation: expected error on missing task_id")
	}
}

func TestAwaitTaskCompletes(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 3 {
			json.NewEncoder(w).Encode(map[string]any{"status": TaskStatusProcessing})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": TaskStatusCompleted,
			"result": map[string]string{"task_id": "task-1", "output_file": "mask.nii.gz"},
		})
	}))
	defer srv.Close()

	c := testClient(t, Config{SegmentationURL: srv.URL, PollMaxAttempts: 10})
	result, err := c.AwaitTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("AwaitTask: %v", err)
	}
	if result.OutputFile != "mask.nii.gz" {
		t.Fatalf("output file: want=mask.nii.gz got=%q", result.OutputFile)
	}
	if polls != 3 {
		t.Fatalf("poll count: want=3 got=%d", polls)
	}
}

func TestAwaitTaskFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": TaskStatusFailed, "error": "gpu exploded"})
	}))
	defer srv.Close()

	c := testClient(t, Config{SegmentationURL: srv.URL})
	_, err := c.AwaitTask(context.Background(), "task-1")
	if err == nil {
		t.Fatalf("AwaitTask: expected error")
	}
	if err.Error() != "segmentation failed: gpu exploded" {
		t.Fatalf("error: got %q", err.Error())
	}
}

func TestAwaitTaskFailureWithoutMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": TaskStatusFailed})
	}))
	defer srv.Close()

	c := testClient(t, Config{SegmentationURL: srv.URL})
	_, err := c.AwaitTask(context.Background(), "task-1")
	if err == nil || err.Error() != "segmentation failed: Unknown error" {
		t.Fatalf("error: got %v", err)
	}
}

func TestAwaitTaskTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": TaskStatusPending})
	}))
	defer srv.Close()

	c := testClient(t, Config{SegmentationURL: srv.URL, PollMaxAttempts: 3})
	_, err := c.AwaitTask(context.Background(), "task-1")
	if !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("error: want ErrAwaitTimeout got %v", err)
	}
}

func TestAwaitTaskTransientErrorsConsumeAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, Config{SegmentationURL: srv.URL, PollMaxAttempts: 3})
	_, err := c.AwaitTask(context.Background(), "task-1")
	if !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("error: want ErrAwaitTimeout got %v", err)
	}
}

func TestAnalyzeVolumetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["filename"] != "mask.nii.gz" {
			t.Fatalf("filename: got=%q", body["filename"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success", "message": "metrics stored", "metrics_saved": true,
		})
	}))
	defer srv.Close()

	c := testClient(t, Config{VolumetryURL: srv.URL})
	result, err := c.AnalyzeVolumetry(context.Background(), "STU-ABCD1234", "mask.nii.gz")
	if err != nil {
		t.Fatalf("AnalyzeVolumetry: %v", err)
	}
	if result.Status != "success" || !result.MetricsSaved {
		t.Fatalf("result: %+v", result)
	}
}

func TestHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Fatalf("path: got=%s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer healthy.Close()
	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
	}))
	defer sick.Close()

	c := testClient(t, Config{})
	if err := c.Health(context.Background(), healthy.URL); err != nil {
		t.Fatalf("Health healthy: %v", err)
	}
	err := c.Health(context.Background(), sick.URL)
	if err == nil || !strings.Contains(err.Error(), "starting") {
		t.Fatalf("Health sick: got %v", err)
	}
}
