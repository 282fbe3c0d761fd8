// Package tracker is the coordinator's task table. Every mutation runs under
// one mutex and is published on the event bus. New tasks are persisted
// before they become visible; later changes are written behind the lock.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tcluster/pkg/model"
	"tcluster/pkg/store"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	// ErrStaleAttempt rejects updates from an attempt that was superseded.
	ErrStaleAttempt = errors.New("stale attempt")
)

type Options struct {
	Store      store.Store
	Bus        *EventBus
	Logger     *zap.Logger
	MaxRetries int
	// WriteTimeout bounds each store write. Default 5s.
	WriteTimeout time.Duration
}

type Tracker struct {
	mu       sync.Mutex
	tasks    map[string]*model.Task
	reserved map[string]bool // outputs of tasks being created

	store        store.Store
	writes       *writeBehind
	writeTimeout time.Duration
	bus          *EventBus
	log          *zap.Logger
	maxRetries   int
	now          func() time.Time
	newID        func() string
}

func New(opts Options) *Tracker {
	t := &Tracker{
		tasks:        make(map[string]*model.Task),
		reserved:     make(map[string]bool),
		store:        opts.Store,
		writeTimeout: opts.WriteTimeout,
		bus:          opts.Bus,
		log:          opts.Logger,
		maxRetries:   opts.MaxRetries,
		now:          time.Now,
		newID:        NewID,
	}
	if t.store == nil {
		t.store = store.NewMemoryStore()
	}
	if t.bus == nil {
		t.bus = NewEventBus(0)
	}
	if t.log == nil {
		t.log = zap.NewNop()
	}
	if t.writeTimeout <= 0 {
		t.writeTimeout = 5 * time.Second
	}
	t.writes = newWriteBehind(t.store, t.writeTimeout, t.log)
	return t
}

// Flush waits until every change made so far has reached the store.
func (t *Tracker) Flush(ctx context.Context) error { return t.writes.flush(ctx) }

// Close flushes pending writes, bounded by ctx, and stops the writer. Later
// changes are written synchronously.
func (t *Tracker) Close(ctx context.Context) error { return t.writes.close(ctx) }

// NewID returns a time-ordered task identifier.
func NewID() string {
	return "task-" + uuid.Must(uuid.NewV7()).String()
}

func (t *Tracker) Bus() *EventBus { return t.bus }

// Submit creates a pending task. An empty output is derived from the input.
func (t *Tracker) Submit(ctx context.Context, input, output string, args []string) (*model.Task, error) {
	tasks, err := t.SubmitBatch(ctx, []Request{{Input: input, Output: output, Args: args}})
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// Request describes one task to create.
type Request struct {
	Input  string   `json:"input"`
	Output string   `json:"output,omitempty"`
	Args   []string `json:"args"`
}

// SubmitBatch creates one task per request in order. Every request is
// validated before any task is created. Derived output paths avoid files on
// disk and outputs already claimed by known tasks. Tasks become visible once
// stored; on a store error the tasks created so far are returned with it.
func (t *Tracker) SubmitBatch(ctx context.Context, reqs []Request) ([]*model.Task, error) {
	for _, r := range reqs {
		if r.Input == "" {
			return nil, errors.New("task input is required")
		}
	}
	tasks := t.prepare(reqs)
	defer t.unreserve(tasks)

	out := make([]*model.Task, 0, len(tasks))
	for _, task := range tasks {
		wctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
		err := t.store.CreateTask(wctx, task.Clone())
		cancel()
		if err != nil {
			return out, fmt.Errorf("persist task: %w", err)
		}

		t.mu.Lock()
		// the store watch may have delivered it already
		if _, ok := t.tasks[task.ID]; !ok {
			t.tasks[task.ID] = task
			t.publish(EventCreated, task, "")
		}
		t.mu.Unlock()

		t.log.Info("task created",
			zap.String("task", task.ID),
			zap.String("input", task.Input),
			zap.String("output", task.Output))
		out = append(out, task.Clone())
	}
	return out, nil
}

// prepare builds the pending tasks and reserves their outputs.
func (t *Tracker) prepare(reqs []Request) []*model.Task {
	t.mu.Lock()
	defer t.mu.Unlock()

	claimed := make(map[string]bool, len(t.tasks)+len(t.reserved)+len(reqs))
	for _, task := range t.tasks {
		if !task.Status.Terminal() {
			claimed[task.Output] = true
		}
	}
	for p := range t.reserved {
		claimed[p] = true
	}
	taken := func(p string) bool { return claimed[p] || fileExists(p) }

	out := make([]*model.Task, 0, len(reqs))
	for _, r := range reqs {
		output := r.Output
		if output == "" {
			output = OutputPath(r.Input, DefaultSuffix, taken)
		}
		claimed[output] = true
		t.reserved[output] = true

		now := t.now()
		out = append(out, &model.Task{
			ID:         t.newID(),
			Input:      r.Input,
			Output:     output,
			Args:       append([]string(nil), r.Args...),
			Status:     model.TaskPending,
			Attempt:    1,
			MaxRetries: t.maxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return out
}

func (t *Tracker) unreserve(tasks []*model.Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, task := range tasks {
		delete(t.reserved, task.Output)
	}
}

// Adopt takes in a task that appeared in the store from another writer. It
// reports whether the task was new.
func (t *Tracker) Adopt(task *model.Task) bool {
	if task == nil || task.ID == "" {
		return false
	}
	if _, err := model.ParseTaskStatus(string(task.Status)); err != nil {
		t.log.Warn("ignoring stored task", zap.String("task", task.ID), zap.Error(err))
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tasks[task.ID]; ok {
		return false
	}
	c := task.Clone()
	if c.Attempt == 0 {
		c.Attempt = 1
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = t.now()
	}
	t.tasks[c.ID] = c
	t.publish(EventCreated, c, "adopted")
	return true
}

// Recover loads persisted tasks. Work that was in flight when the previous
// coordinator stopped goes back to pending.
func (t *Tracker) Recover(ctx context.Context) (int, error) {
	stored, err := t.store.ListTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	recovered := 0
	for _, task := range stored {
		if task.Status.Active() || task.Status == model.TaskError {
			task.Status = model.TaskPending
			task.Node = ""
			task.Progress = 0
			task.PhaseProgress = 0
			task.NotBefore = time.Time{}
			task.Attempt++
			task.UpdatedAt = t.now()
			t.persist(task)
			recovered++
		}
		if task.Attempt == 0 {
			task.Attempt = 1
		}
		t.tasks[task.ID] = task
	}
	if recovered > 0 {
		t.log.Info("recovered unfinished tasks", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (t *Tracker) Get(id string) (*model.Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// List returns every task in arrival order.
func (t *Tracker) List() []*model.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sorted(func(*model.Task) bool { return true })
}

// Pending returns the tasks ready for assignment at now, oldest first.
func (t *Tracker) Pending(now time.Time) []*model.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sorted(func(task *model.Task) bool {
		return task.Status == model.TaskPending && !now.Before(task.NotBefore)
	})
}

// NextRetry reports the earliest NotBefore among delayed pending tasks.
func (t *Tracker) NextRetry(now time.Time) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var next time.Time
	for _, task := range t.tasks {
		if task.Status != model.TaskPending || !now.Before(task.NotBefore) {
			continue
		}
		if next.IsZero() || task.NotBefore.Before(next) {
			next = task.NotBefore
		}
	}
	return next, !next.IsZero()
}

// Assign moves a pending task to uploading on node.
func (t *Tracker) Assign(ctx context.Context, id, node string) (*model.Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != model.TaskPending {
		return nil, fmt.Errorf("%w: assign %s task", model.ErrInvalidTransition, task.Status)
	}
	now := t.now()
	task.Status = model.TaskUploading
	task.Node = node
	task.LastNode = node
	task.Progress = 0
	task.PhaseProgress = 0
	task.Error = ""
	task.NotBefore = time.Time{}
	task.UpdatedAt = now
	if task.StartedAt == nil {
		task.StartedAt = &now
	}
	t.persist(task)
	t.publish(EventAssigned, task, "")
	return task.Clone(), nil
}

// Observe applies a progress report for attempt. It reports false for
// reports that would move the task backwards or belong to an older attempt.
func (t *Tracker) Observe(ctx context.Context, id string, attempt int, status model.TaskStatus, phase int) (bool, error) {
	if !status.Active() {
		return false, fmt.Errorf("%w: progress for %s", model.ErrInvalidTransition, status)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	if attempt != task.Attempt || !task.Status.Active() {
		return false, nil
	}
	if task.Status == model.TaskProcessing && status == model.TaskUploading {
		return false, nil
	}
	phase = min(max(phase, 0), 100)
	overall := model.OverallProgress(status, phase)
	if overall < task.Progress {
		return false, nil
	}
	// within a phase the raw percentage only moves forward
	if status == task.Status && phase <= task.PhaseProgress {
		return false, nil
	}
	task.Status = status
	task.Progress = overall
	task.PhaseProgress = phase
	task.UpdatedAt = t.now()
	t.persist(task)
	t.publish(EventProgress, task, "")
	return true, nil
}

// Complete records a validated output.
func (t *Tracker) Complete(ctx context.Context, id string, attempt int, size int64) error {
	return t.finish(ctx, id, attempt, model.TaskCompleted, "", func(task *model.Task) {
		task.Progress = 100
		task.PhaseProgress = 100
		task.OutputSize = size
	})
}

// MarkError records a failed attempt whose retry decision is pending.
func (t *Tracker) MarkError(ctx context.Context, id string, attempt int, reason string) error {
	return t.finish(ctx, id, attempt, model.TaskError, reason, nil)
}

// Fail ends the task.
func (t *Tracker) Fail(ctx context.Context, id string, attempt int, reason string) error {
	return t.finish(ctx, id, attempt, model.TaskFailed, reason, nil)
}

func (t *Tracker) finish(ctx context.Context, id string, attempt int, to model.TaskStatus, reason string, mutate func(*model.Task)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if attempt != task.Attempt {
		return ErrStaleAttempt
	}
	if !model.CanTransition(task.Status, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, task.Status, to)
	}
	now := t.now()
	task.Status = to
	task.Node = ""
	task.Error = reason
	task.UpdatedAt = now
	if to.Terminal() {
		task.EndedAt = &now
	}
	if mutate != nil {
		mutate(task)
	}
	t.persist(task)

	ev := map[model.TaskStatus]EventType{
		model.TaskCompleted: EventCompleted,
		model.TaskError:     EventError,
		model.TaskFailed:    EventFailed,
	}[to]
	t.publish(ev, task, reason)
	t.log.Info("task "+string(to),
		zap.String("task", id),
		zap.Int("attempt", attempt),
		zap.String("reason", reason))
	return nil
}

// Requeue sends the task back to pending for another attempt. Progress
// restarts at zero and the attempt number advances, so late reports from
// the previous attempt are rejected.
func (t *Tracker) Requeue(ctx context.Context, id string, attempt int, reason string, notBefore time.Time) (*model.Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if attempt != task.Attempt {
		return nil, ErrStaleAttempt
	}
	if !model.CanRequeue(task.Status) {
		return nil, fmt.Errorf("%w: requeue %s task", model.ErrInvalidTransition, task.Status)
	}
	task.Status = model.TaskPending
	task.Retries++
	task.Attempt++
	task.Progress = 0
	task.PhaseProgress = 0
	task.Node = ""
	task.Error = reason
	task.NotBefore = notBefore
	task.UpdatedAt = t.now()
	t.persist(task)
	t.publish(EventRequeued, task, reason)
	t.log.Info("task requeued",
		zap.String("task", id),
		zap.Int("retries", task.Retries),
		zap.String("reason", reason))
	return task.Clone(), nil
}

// Cancel ends a non-terminal task and returns the node it was running on.
func (t *Tracker) Cancel(ctx context.Context, id string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return "", ErrTaskNotFound
	}
	if !model.CanTransition(task.Status, model.TaskCancelled) {
		return "", fmt.Errorf("%w: cancel %s task", model.ErrInvalidTransition, task.Status)
	}
	node := task.Node
	now := t.now()
	task.Status = model.TaskCancelled
	task.Node = ""
	task.UpdatedAt = now
	task.EndedAt = &now
	t.persist(task)
	t.publish(EventCancelled, task, "")
	return node, nil
}

// persist queues a snapshot for the store. Failures are logged; the
// in-memory table stays authoritative for this process.
func (t *Tracker) persist(task *model.Task) {
	t.writes.enqueue(task.Clone())
}

func (t *Tracker) publish(typ EventType, task *model.Task, msg string) {
	t.bus.Publish(Event{
		Type:     typ,
		TaskID:   task.ID,
		Status:   task.Status,
		Progress: task.Progress,
		Node:     task.Node,
		Attempt:  task.Attempt,
		Message:  msg,
	})
}

func (t *Tracker) sorted(keep func(*model.Task) bool) []*model.Task {
	out := make([]*model.Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		if keep(task) {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
