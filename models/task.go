package models

import "time"

type TaskState string

const (
	TaskQueued    TaskState = "QUEUED"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
)

func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskRecord tracks one asynchronous request from submission to completion.
type TaskRecord struct {
	ID          string            `json:"task_id"`
	Kind        string            `json:"kind"`
	Args        map[string]string `json:"args,omitempty"`
	State       TaskState         `json:"status"`
	Result      interface{}       `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	StartedAt   time.Time         `json:"started_at,omitempty"`
	FinishedAt  time.Time         `json:"finished_at,omitempty"`
}
