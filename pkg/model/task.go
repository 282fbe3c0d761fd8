package model

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus is the coordinator-side lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"    // waiting for an idle node
	TaskUploading  TaskStatus = "uploading"  // submitted, worker receiving the input
	TaskProcessing TaskStatus = "processing" // worker encoding
	TaskCompleted  TaskStatus = "completed"  // output retrieved and validated
	TaskFailed     TaskStatus = "failed"     // retry budget exhausted or validation failed
	TaskError      TaskStatus = "error"      // attempt failed, retry decision pending
	TaskCancelled  TaskStatus = "cancelled"
)

// UploadShare is the slice of overall progress attributed to the transfer.
const UploadShare = 10

// ErrInvalidTransition is returned for edges outside the task state machine.
var ErrInvalidTransition = errors.New("invalid task transition")

// ParseTaskStatus validates a persisted or user supplied status.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case TaskPending, TaskUploading, TaskProcessing, TaskCompleted, TaskFailed, TaskError, TaskCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unrecognized task status %q", s)
	}
}

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Active reports whether a node is working on the task.
func (s TaskStatus) Active() bool {
	return s == TaskUploading || s == TaskProcessing
}

// rank orders the success path; off-path states have no rank.
func (s TaskStatus) rank() int {
	switch s {
	case TaskPending:
		return 1
	case TaskUploading:
		return 2
	case TaskProcessing:
		return 3
	case TaskCompleted:
		return 4
	default:
		return 0
	}
}

// CanTransition enforces the task state machine. Forward moves along
// pending→uploading→processing→completed may skip a step; any non-terminal
// state may fall to failed, error or cancelled. Going back to pending is
// only possible through Requeue.
func CanTransition(from, to TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case TaskFailed, TaskError, TaskCancelled:
		return true
	}
	if from == TaskError {
		return false
	}
	return from.rank() > 0 && to.rank() > from.rank()
}

// CanRequeue reports whether the retry transition is allowed from s.
func CanRequeue(s TaskStatus) bool {
	return s == TaskUploading || s == TaskProcessing || s == TaskError
}

// Task is one unit of transcoding work.
type Task struct {
	ID     string   `json:"id"`
	Input  string   `json:"input"`
	Output string   `json:"output"`
	Args   []string `json:"args"`

	Status        TaskStatus `json:"status"`
	Progress      int        `json:"progress"`
	PhaseProgress int        `json:"phase_progress"`
	Error         string     `json:"error,omitempty"`
	OutputSize    int64      `json:"output_size,omitempty"`

	Node       string `json:"node,omitempty"`
	LastNode   string `json:"last_node,omitempty"`
	Attempt    int    `json:"attempt"`
	Retries    int    `json:"retries"`
	MaxRetries int    `json:"max_retries"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	NotBefore time.Time  `json:"not_before,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (t *Task) Clone() *Task {
	c := *t
	c.Args = append([]string(nil), t.Args...)
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.EndedAt != nil {
		e := *t.EndedAt
		c.EndedAt = &e
	}
	return &c
}

// Before orders tasks by arrival, ties broken by id.
func (t *Task) Before(o *Task) bool {
	if !t.CreatedAt.Equal(o.CreatedAt) {
		return t.CreatedAt.Before(o.CreatedAt)
	}
	return t.ID < o.ID
}

// OverallProgress folds a phase percentage into the task-wide scale.
func OverallProgress(status TaskStatus, phase int) int {
	phase = clamp(phase, 0, 100)
	switch status {
	case TaskUploading:
		return phase * UploadShare / 100
	case TaskProcessing:
		return UploadShare + phase*(100-UploadShare)/100
	case TaskCompleted:
		return 100
	default:
		return 0
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
