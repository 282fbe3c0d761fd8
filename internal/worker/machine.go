package worker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tcluster/pkg/model"
)

var (
	ErrBusy    = errors.New("worker busy")
	ErrStopped = errors.New("worker stopped")
	// ErrWrongTask rejects an update for a task the worker is not running.
	ErrWrongTask = errors.New("not the current task")
)

// Machine is the single authoritative worker status. Every mutation advances
// the snapshot timestamp, so observers can order reports.
type Machine struct {
	mu sync.Mutex

	state    model.NodeStatus
	taskID   string
	attempt  int
	progress int
	output   string
	reason   string
	last     *model.TaskResult

	enteredAt time.Time
	ts        int64
	now       func() time.Time
}

func NewMachine() *Machine {
	m := &Machine{state: model.NodeIdle, now: time.Now}
	m.touch()
	return m
}

func isValidTransition(from, to model.NodeStatus) bool {
	if from == model.NodeStopped {
		return false
	}
	if to == model.NodeStopped {
		return true
	}
	switch from {
	case model.NodeIdle:
		return to == model.NodeReceiving
	case model.NodeReceiving:
		return to == model.NodeProcessing || to == model.NodeError
	case model.NodeProcessing:
		return to == model.NodeCompleted || to == model.NodeError
	case model.NodeCompleted, model.NodeError:
		return to == model.NodeIdle
	}
	return false
}

// touch advances the timestamp; callers hold mu.
func (m *Machine) touch() {
	now := m.now()
	ts := now.UnixNano()
	if ts <= m.ts {
		ts = m.ts + 1
	}
	m.ts = ts
	m.enteredAt = now
}

func (m *Machine) move(to model.NodeStatus) error {
	if !isValidTransition(m.state, to) {
		return fmt.Errorf("invalid worker transition: %s -> %s", m.state, to)
	}
	m.state = to
	m.touch()
	return nil
}

// Begin claims the exclusive task slot.
func (m *Machine) Begin(taskID string, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case model.NodeStopped:
		return ErrStopped
	case model.NodeIdle:
	default:
		return ErrBusy
	}
	m.taskID, m.attempt = taskID, attempt
	m.progress, m.output, m.reason = 0, "", ""
	return m.move(model.NodeReceiving)
}

// Bind names the task once its descriptor has been read, for submissions
// that did not announce it up front.
func (m *Machine) Bind(taskID string, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != model.NodeReceiving {
		return fmt.Errorf("bind in %s state", m.state)
	}
	if m.taskID != "" && m.taskID != taskID {
		return fmt.Errorf("%w: announced %s, descriptor %s", ErrWrongTask, m.taskID, taskID)
	}
	m.taskID = taskID
	if attempt > 0 {
		m.attempt = attempt
	}
	m.touch()
	return nil
}

// SetProgress records phase progress for the running task. Lower values
// than already reported are ignored.
func (m *Machine) SetProgress(taskID string, pct int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.taskID != taskID || (m.state != model.NodeReceiving && m.state != model.NodeProcessing) {
		return
	}
	pct = max(0, min(pct, 100))
	if pct <= m.progress {
		return
	}
	m.progress = pct
	m.touch()
}

// Processing marks the input as fully received.
func (m *Machine) Processing(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.taskID != taskID {
		return ErrWrongTask
	}
	if err := m.move(model.NodeProcessing); err != nil {
		return err
	}
	m.progress = 0
	return nil
}

// Complete records a successful encode with its artifact name.
func (m *Machine) Complete(taskID, output string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.taskID != taskID {
		return ErrWrongTask
	}
	if err := m.move(model.NodeCompleted); err != nil {
		return err
	}
	m.progress = 100
	m.output = output
	m.last = &model.TaskResult{TaskID: taskID, Attempt: m.attempt, Status: model.NodeCompleted, Output: output, Size: size}
	return nil
}

// Fail moves the running task to error with a reason.
func (m *Machine) Fail(taskID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.taskID != taskID {
		return ErrWrongTask
	}
	if err := m.move(model.NodeError); err != nil {
		return err
	}
	m.reason = reason
	m.last = &model.TaskResult{TaskID: taskID, Attempt: m.attempt, Status: model.NodeError, Reason: reason}
	return nil
}

// Stop is final.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == model.NodeStopped {
		return
	}
	_ = m.move(model.NodeStopped)
}

func (m *Machine) State() model.NodeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot reads the current status without side effects.
func (m *Machine) Snapshot() model.WorkerStatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// Observe returns the current status on behalf of the coordinator. A
// terminal status is reported once and the worker then goes back to idle.
func (m *Machine) Observe() model.WorkerStatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if m.state.Terminal() {
		m.reset()
	}
	return snap
}

// ResetIfExpired returns a terminal worker to idle once it has sat
// unobserved for timeout.
func (m *Machine) ResetIfExpired(timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Terminal() || m.now().Sub(m.enteredAt) < timeout {
		return false
	}
	m.reset()
	return true
}

func (m *Machine) reset() {
	m.taskID, m.attempt = "", 0
	m.progress, m.output, m.reason = 0, "", ""
	_ = m.move(model.NodeIdle)
}

func (m *Machine) snapshot() model.WorkerStatusSnapshot {
	s := model.WorkerStatusSnapshot{
		Status:      m.state,
		Progress:    m.progress,
		CurrentTask: m.taskID,
		Attempt:     m.attempt,
		Output:      m.output,
		Reason:      m.reason,
		Timestamp:   m.ts,
	}
	if m.last != nil {
		r := *m.last
		s.LastResult = &r
	}
	return s
}
