package model

// TaskResult is the outcome of the last task a worker ran. It survives the
// worker's reset to idle so a poller that missed the terminal status can
// still learn how its task ended.
type TaskResult struct {
	TaskID  string     `json:"task_id"`
	Attempt int        `json:"attempt"`
	Status  NodeStatus `json:"status"`
	Output  string     `json:"output,omitempty"`
	Size    int64      `json:"size,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// WorkerStatusSnapshot is produced fresh on every status query.
type WorkerStatusSnapshot struct {
	Status      NodeStatus  `json:"status"`
	Progress    int         `json:"progress"`
	CurrentTask string      `json:"current_task,omitempty"`
	Attempt     int         `json:"attempt,omitempty"`
	Output      string      `json:"output,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Timestamp   int64       `json:"timestamp"`
	LastResult  *TaskResult `json:"last_result,omitempty"`
}
