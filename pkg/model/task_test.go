package model

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskUploading, true},
		{TaskUploading, TaskProcessing, true},
		{TaskProcessing, TaskCompleted, true},
		{TaskUploading, TaskCompleted, true},
		{TaskProcessing, TaskUploading, false},
		{TaskPending, TaskFailed, true},
		{TaskProcessing, TaskError, true},
		{TaskError, TaskFailed, true},
		{TaskError, TaskProcessing, false},
		{TaskCompleted, TaskFailed, false},
		{TaskFailed, TaskPending, false},
		{TaskCancelled, TaskPending, false},
		{TaskUploading, TaskPending, false},
	}
	for _, tt := range tests {
		got := CanTransition(tt.from, tt.to)
		assert.Equal(t, got, tt.want, "%s -> %s", tt.from, tt.to)
	}
}

func TestCanRequeue(t *testing.T) {
	assert.Assert(t, CanRequeue(TaskError))
	assert.Assert(t, CanRequeue(TaskProcessing))
	assert.Assert(t, !CanRequeue(TaskPending))
	assert.Assert(t, !CanRequeue(TaskCompleted))
}

func TestOverallProgressIsMonotoneAcrossPhases(t *testing.T) {
	last := -1
	for _, st := range []TaskStatus{TaskUploading, TaskProcessing} {
		for p := 0; p <= 100; p += 5 {
			got := OverallProgress(st, p)
			assert.Assert(t, got >= last, "%s %d%% gave %d after %d", st, p, got, last)
			last = got
		}
	}
	assert.Equal(t, OverallProgress(TaskCompleted, 0), 100)
	assert.Equal(t, OverallProgress(TaskProcessing, 250), 100)
}

func TestTaskBeforeBreaksTiesByID(t *testing.T) {
	now := time.Now()
	a := &Task{ID: "task-a", CreatedAt: now}
	b := &Task{ID: "task-b", CreatedAt: now}
	c := &Task{ID: "task-0", CreatedAt: now.Add(time.Second)}
	assert.Assert(t, a.Before(b))
	assert.Assert(t, !b.Before(a))
	assert.Assert(t, b.Before(c))
}

func TestParseStatus(t *testing.T) {
	st, err := ParseNodeStatus("processing")
	assert.NilError(t, err)
	assert.Equal(t, st, NodeProcessing)

	_, err = ParseNodeStatus("busy")
	assert.ErrorContains(t, err, "unrecognized")

	_, err = ParseTaskStatus("done")
	assert.ErrorContains(t, err, "unrecognized")
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	orig := &Task{ID: "t", Args: []string{"-c:v", "libx265"}, StartedAt: &now}
	c := orig.Clone()
	c.Args[0] = "x"
	*c.StartedAt = now.Add(time.Hour)
	assert.Equal(t, orig.Args[0], "-c:v")
	assert.Assert(t, orig.StartedAt.Equal(now))
}
