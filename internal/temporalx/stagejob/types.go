package stagejob

const (
	WorkflowName = "stage_job"
	ActivityTick = "stage_job_tick"
)

type TickResult struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}
