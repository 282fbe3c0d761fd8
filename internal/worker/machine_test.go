package worker

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"tcluster/pkg/model"
)

// TestMachineSuccessPath verifies the idle to completed path and the reset
// on observation.
func TestMachineSuccessPath(t *testing.T) {
	m := NewMachine()
	assert.NilError(t, m.Begin("task-1", 1))
	m.SetProgress("task-1", 40)
	assert.Equal(t, m.Snapshot().Progress, 40)

	assert.NilError(t, m.Processing("task-1"))
	assert.Equal(t, m.Snapshot().Progress, 0)
	m.SetProgress("task-1", 70)
	m.SetProgress("task-1", 60)
	assert.Equal(t, m.Snapshot().Progress, 70)

	assert.NilError(t, m.Complete("task-1", "out.mp4", 123))

	snap := m.Observe()
	assert.Equal(t, snap.Status, model.NodeCompleted)
	assert.Equal(t, snap.Output, "out.mp4")
	assert.Equal(t, snap.CurrentTask, "task-1")

	after := m.Snapshot()
	assert.Equal(t, after.Status, model.NodeIdle)
	assert.Equal(t, after.CurrentTask, "")
	assert.Assert(t, after.LastResult != nil)
	assert.Equal(t, after.LastResult.TaskID, "task-1")
	assert.Equal(t, after.LastResult.Size, int64(123))
}

func TestMachineRejectsWhenBusy(t *testing.T) {
	m := NewMachine()
	assert.NilError(t, m.Begin("task-1", 1))
	assert.ErrorIs(t, m.Begin("task-2", 1), ErrBusy)
	assert.NilError(t, m.Fail("task-1", "bad input"))
	assert.ErrorIs(t, m.Begin("task-2", 1), ErrBusy)

	snap := m.Observe()
	assert.Equal(t, snap.Status, model.NodeError)
	assert.Equal(t, snap.Reason, "bad input")
	assert.NilError(t, m.Begin("task-2", 1))
}

func TestMachineInvalidTransitions(t *testing.T) {
	m := NewMachine()
	assert.ErrorContains(t, m.Complete("", "x", 1), "invalid worker transition")
	assert.NilError(t, m.Begin("task-1", 1))
	assert.ErrorContains(t, m.Complete("task-1", "x", 1), "invalid worker transition")
	assert.ErrorIs(t, m.Processing("task-9"), ErrWrongTask)
}

func TestMachineStopIsFinal(t *testing.T) {
	m := NewMachine()
	assert.NilError(t, m.Begin("task-1", 1))
	m.Stop()
	assert.Equal(t, m.State(), model.NodeStopped)
	assert.ErrorIs(t, m.Begin("task-2", 1), ErrStopped)
	assert.Assert(t, m.Processing("task-1") != nil)
	m.Stop()
	assert.Equal(t, m.Observe().Status, model.NodeStopped)
}

// TestMachineTimestampsIncrease verifies every change is ordered even when
// the wall clock does not move.
func TestMachineTimestampsIncrease(t *testing.T) {
	m := NewMachine()
	frozen := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return frozen }

	prev := m.Snapshot().Timestamp
	assert.NilError(t, m.Begin("task-1", 1))
	for _, step := range []func(){
		func() { m.SetProgress("task-1", 10) },
		func() { _ = m.Processing("task-1") },
		func() { m.SetProgress("task-1", 50) },
		func() { _ = m.Complete("task-1", "o", 1) },
		func() { m.Observe() },
	} {
		ts := m.Snapshot().Timestamp
		assert.Assert(t, ts > prev)
		prev = ts
		step()
	}
	assert.Assert(t, m.Snapshot().Timestamp > prev)
}

func TestMachineIdleTimeout(t *testing.T) {
	m := NewMachine()
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	assert.NilError(t, m.Begin("task-1", 1))
	assert.NilError(t, m.Fail("task-1", "boom"))
	assert.Assert(t, !m.ResetIfExpired(time.Minute))

	now = now.Add(61 * time.Second)
	assert.Assert(t, m.ResetIfExpired(time.Minute))
	assert.Equal(t, m.State(), model.NodeIdle)
	assert.Equal(t, m.Snapshot().LastResult.Reason, "boom")
}

func TestMachineBindAnnouncedTask(t *testing.T) {
	m := NewMachine()
	assert.NilError(t, m.Begin("", 0))
	assert.NilError(t, m.Bind("task-7", 2))
	snap := m.Snapshot()
	assert.Equal(t, snap.CurrentTask, "task-7")
	assert.Equal(t, snap.Attempt, 2)

	m2 := NewMachine()
	assert.NilError(t, m2.Begin("task-1", 1))
	assert.ErrorIs(t, m2.Bind("task-2", 1), ErrWrongTask)
}
