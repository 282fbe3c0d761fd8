package store

import (
	"context"
	"errors"
	"time"

	"tcluster/pkg/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// TaskEventType classifies a watch notification.
type TaskEventType int

const (
	TaskPut TaskEventType = iota
	TaskDelete
)

// TaskEvent wraps one change observed on the task keyspace.
type TaskEvent struct {
	Type TaskEventType
	Task *model.Task
}

// Store is everything the coordinator persists. Tasks survive a restart so
// that unfinished work can be resumed; nodes are mirrored with a TTL purely
// for outside readers such as tc-cli.
type Store interface {
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateTask(ctx context.Context, task *model.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context) ([]*model.Task, error)

	// WatchTasks streams task changes until ctx is done.
	WatchTasks(ctx context.Context) <-chan TaskEvent

	RegisterNode(ctx context.Context, node *model.Node, ttl time.Duration) error
	ListNodes(ctx context.Context) ([]*model.Node, error)

	Close() error
}
