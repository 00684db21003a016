package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/pkg/httpx"
	"github.com/vitalscan/neurostudy-backend/internal/utils"
)

// ErrAwaitTimeout is returned when a task poll exhausts its attempt budget
// before the remote task reaches a terminal state.
var ErrAwaitTimeout = errors.New("task polling timed out")

const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// TaskResult is the payload of a completed long-running task.
type TaskResult struct {
	TaskID     string `json:"task_id"`
	OutputFile string `json:"output_file"`
}

type taskStatusResponse struct {
	Status string      `json:"status"`
	Result *TaskResult `json:"result"`
	Error  string      `json:"error"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

// VolumetryResult is the synchronous answer of the volumetry agent.
type VolumetryResult struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	MetricsSaved bool   `json:"metrics_saved"`
}

// AnalysisResult is the synchronous answer of the LLM analysis agent.
type AnalysisResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ConvertResult is the answer of one VRDF conversion call.
type ConvertResult struct {
	Status     string `json:"status"`
	OutputFile string `json:"output_file"`
}

// Client is the gateway to the processing microservices. All calls share the
// shared staging volume with the agents, so requests and responses carry
// filenames, never file bodies.
type Client interface {
	SubmitSegmentation(ctx context.Context, studyCode string) (string, error)
	AwaitTask(ctx context.Context, taskID string) (*TaskResult, error)
	AnalyzeVolumetry(ctx context.Context, studyCode, filename string) (*VolumetryResult, error)
	AnalyzeStudy(ctx context.Context, studyCode string) (*AnalysisResult, error)
	ConvertVRDF(ctx context.Context, studyCode, filename string) (*ConvertResult, error)
	Health(ctx context.Context, baseURL string) error
	Endpoints() map[string]string
}

type Config struct {
	SegmentationURL string
	VolumetryURL    string
	AnalysisURL     string
	VRDFURL         string

	RequestTimeout time.Duration
	RetryAttempts  int
	RetryBackoff   time.Duration

	PollInterval    time.Duration
	PollMaxAttempts int
}

func ConfigFromEnv() Config {
	return Config{
		SegmentationURL: utils.GetEnv("SEGMENTATION_SERVICE_URL", "http://brats:8000", nil),
		VolumetryURL:    utils.GetEnv("VOLUMETRY_SERVICE_URL", "http://volumetry-agent:8000", nil),
		AnalysisURL:     utils.GetEnv("ANALYSIS_SERVICE_URL", "http://analysis-agent:8000", nil),
		VRDFURL:         utils.GetEnv("VRDF_SERVICE_URL", "http://vrdf-agent:8000", nil),
		RequestTimeout:  time.Duration(utils.GetEnvAsInt("AGENT_REQUEST_TIMEOUT_SECONDS", 60, nil)) * time.Second,
		RetryAttempts:   3,
		RetryBackoff:    100 * time.Millisecond,
		PollInterval:    time.Duration(utils.GetEnvAsInt("AGENT_POLL_INTERVAL_MS", 2000, nil)) * time.Millisecond,
		PollMaxAttempts: utils.GetEnvAsInt("AGENT_POLL_MAX_ATTEMPTS", 900, nil),
	}
}

type client struct {
	log  *logger.Logger
	cfg  Config
	http *http.Client
}

func NewClient(baseLog *logger.Logger) Client {
	return NewClientWithConfig(baseLog, ConfigFromEnv())
}

func NewClientWithConfig(baseLog *logger.Logger, cfg Config) Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollMaxAttempts < 1 {
		cfg.PollMaxAttempts = 900
	}
	return &client{
		log:  baseLog.With("service", "AgentsClient"),
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (c *client) Endpoints() map[string]string {
	return map[string]string{
		"segmentation": c.cfg.SegmentationURL,
		"volumetry":    c.cfg.VolumetryURL,
		"analysis":     c.cfg.AnalysisURL,
		"vrdf":         c.cfg.VRDFURL,
	}
}

// postJSON issues one POST with the retry budget and decodes a 2xx body
// into out. Non-2xx answers come back as *httpx.StatusError and are never
// retried.
func (c *client) postJSON(ctx context.Context, url string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return httpx.DoWithRetry(ctx, c.cfg.RetryAttempts, c.cfg.RetryBackoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &httpx.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(respBody, out)
	})
}

func (c *client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &httpx.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (c *client) SubmitSegmentation(ctx context.Context, studyCode string) (string, error) {
	var resp submitResponse
	err := c.postJSON(ctx, c.cfg.SegmentationURL+"/segment", map[string]interface{}{
		"study_code": studyCode,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to start segmentation: %w", err)
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("no task_id returned from segmentation API")
	}
	return resp.TaskID, nil
}

// AwaitTask polls the segmentation task until it reaches a terminal status.
// Transient poll errors and non-2xx answers consume one attempt and continue;
// an exhausted budget surfaces ErrAwaitTimeout.
func (c *client) AwaitTask(ctx context.Context, taskID string) (*TaskResult, error) {
	for attempt := 0; attempt < c.cfg.PollMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var status taskStatusResponse
		err := c.getJSON(ctx, fmt.Sprintf("%s/task/%s/status", c.cfg.SegmentationURL, taskID), &status)
		if err != nil {
			c.log.Warn("task status check failed, retrying", "task_id", taskID, "attempt", attempt, "error", err)
			if serr := c.sleepPoll(ctx); serr != nil {
				return nil, serr
			}
			continue
		}
		switch status.Status {
		case TaskStatusCompleted:
			if status.Result == nil {
				return nil, fmt.Errorf("task %s completed without a result", taskID)
			}
			return status.Result, nil
		case TaskStatusFailed:
			msg := status.Error
			if msg == "" {
				msg = "Unknown error"
			}
			return nil, fmt.Errorf("segmentation failed: %s", msg)
		}
		if serr := c.sleepPoll(ctx); serr != nil {
			return nil, serr
		}
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrAwaitTimeout, c.cfg.PollMaxAttempts)
}

func (c *client) sleepPoll(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.PollInterval):
		return nil
	}
}

func (c *client) AnalyzeVolumetry(ctx context.Context, studyCode, filename string) (*VolumetryResult, error) {
	var resp VolumetryResult
	err := c.postJSON(ctx, c.cfg.VolumetryURL+"/analyze", map[string]interface{}{
		"study_code": studyCode,
		"filename":   filename,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("volumetry API failed: %w", err)
	}
	return &resp, nil
}

func (c *client) AnalyzeStudy(ctx context.Context, studyCode string) (*AnalysisResult, error) {
	var resp AnalysisResult
	err := c.postJSON(ctx, c.cfg.AnalysisURL+"/analyze", map[string]interface{}{
		"study_code": studyCode,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("analysis API failed: %w", err)
	}
	return &resp, nil
}

func (c *client) ConvertVRDF(ctx context.Context, studyCode, filename string) (*ConvertResult, error) {
	var resp ConvertResult
	err := c.postJSON(ctx, c.cfg.VRDFURL+"/convert", map[string]interface{}{
		"study_code": studyCode,
		"filename":   filename,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("vrdf conversion failed for %s: %w", filename, err)
	}
	return &resp, nil
}

func (c *client) Health(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var resp map[string]interface{}
	if err := c.getJSON(ctx, baseURL+"/health", &resp); err != nil {
		return err
	}
	if s, _ := resp["status"].(string); s != "ok" && s != "healthy" {
		return fmt.Errorf("service reported status %q", resp["status"])
	}
	return nil
}
