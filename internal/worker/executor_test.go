package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"tcluster/internal/worker/encoder"
	"tcluster/pkg/model"
)

// fakeRunner copies the input to the output once released.
type fakeRunner struct {
	release chan struct{}
	started chan encoder.Job
	fail    error
	empty   bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{release: make(chan struct{}), started: make(chan encoder.Job, 4)}
}

func (f *fakeRunner) Kind() string { return "fake" }

func (f *fakeRunner) Run(ctx context.Context, job encoder.Job) (encoder.Result, error) {
	if job.OnProgress != nil {
		job.OnProgress(30)
	}
	f.started <- job
	select {
	case <-f.release:
	case <-ctx.Done():
		return encoder.Result{}, &encoder.Error{Stage: encoder.StageEncode, Message: "encode cancelled", Err: ctx.Err()}
	}
	if f.fail != nil {
		return encoder.Result{}, f.fail
	}
	data, err := os.ReadFile(filepath.Join(job.Dir, job.Input))
	if err != nil {
		return encoder.Result{}, err
	}
	if f.empty {
		data = nil
	}
	out := filepath.Join(job.Dir, job.Output)
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return encoder.Result{}, err
	}
	size, err := encoder.ValidateOutput(out)
	if err != nil {
		return encoder.Result{}, err
	}
	return encoder.Result{Output: out, Size: size}, nil
}

func newTestExecutor(t *testing.T, r encoder.Runner) *Executor {
	t.Helper()
	e, err := NewExecutor(ExecutorOptions{WorkDir: t.TempDir(), Runner: r, IdleResetTimeout: time.Minute})
	assert.NilError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func submissionBody(t *testing.T, taskID string, data []byte) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(Submission{
		TaskID:        taskID,
		Attempt:       1,
		InputArtifact: Artifact{Name: "clip.mp4", EncodedData: base64.StdEncoding.EncodeToString(data)},
		EncodeArgs:    []string{"-c:v", "libx264"},
		OutputName:    "clip_transcoded.mp4",
	})
	assert.NilError(t, err)
	return bytes.NewReader(b)
}

func waitStatus(t *testing.T, e *Executor, want model.NodeStatus) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if got := e.Status().Status; got != want {
			return poll.Continue("status %s, want %s", got, want)
		}
		return poll.Success()
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(5*time.Millisecond))
}

// TestExecutorDecodeIdentity verifies the decoded input reproduces the
// submitted bytes exactly.
func TestExecutorDecodeIdentity(t *testing.T) {
	r := newFakeRunner()
	e := newTestExecutor(t, r)
	data := make([]byte, 64*1024+7)
	for i := range data {
		data[i] = byte(i * 31)
	}
	body := submissionBody(t, "task-1", data)

	acc, err := e.Submit("task-1", 1, body, body.Size())
	assert.NilError(t, err)
	assert.Equal(t, acc.Output, "clip_transcoded.mp4")

	job := <-r.started
	got, err := os.ReadFile(filepath.Join(job.Dir, job.Input))
	assert.NilError(t, err)
	assert.Assert(t, bytes.Equal(got, data))
	assert.DeepEqual(t, job.Args, []string{"-c:v", "libx264"})

	snap := e.Status()
	assert.Equal(t, snap.Status, model.NodeProcessing)
	assert.Equal(t, snap.CurrentTask, "task-1")

	close(r.release)
	waitStatus(t, e, model.NodeCompleted)

	path, err := e.Artifact("clip_transcoded.mp4")
	assert.NilError(t, err)
	out, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Assert(t, bytes.Equal(out, data))
}

func TestExecutorBusy(t *testing.T) {
	r := newFakeRunner()
	e := newTestExecutor(t, r)
	body := submissionBody(t, "task-1", []byte("abc"))
	_, err := e.Submit("task-1", 1, body, body.Size())
	assert.NilError(t, err)

	again := submissionBody(t, "task-2", []byte("abc"))
	_, err = e.Submit("task-2", 1, again, again.Size())
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, e.Status().CurrentTask, "task-1")
}

func TestExecutorDecodeFailure(t *testing.T) {
	e := newTestExecutor(t, newFakeRunner())

	bad := bytes.NewReader([]byte(`{"task_id":"task-1","input_artifact":{"name":"a.mp4","encoded_data":"@@not base64@@"}}`))
	_, err := e.Submit("task-1", 1, bad, bad.Size())
	var decErr *DecodeError
	assert.Assert(t, errors.As(err, &decErr))

	snap := e.Observe()
	assert.Equal(t, snap.Status, model.NodeError)
	assert.Assert(t, snap.Reason != "")
	assert.Equal(t, e.Status().Status, model.NodeIdle)

	traversal := bytes.NewReader([]byte(`{"task_id":"task-2","input_artifact":{"name":"..","encoded_data":""}}`))
	_, err = e.Submit("task-2", 1, traversal, traversal.Size())
	assert.Assert(t, errors.As(err, &decErr))
}

func TestExecutorEncodeFailureAndEmptyOutput(t *testing.T) {
	r := newFakeRunner()
	r.fail = &encoder.Error{Stage: encoder.StageEncode, Message: "encoder failed", Log: encoder.CommandLog{Command: "ffmpeg", ExitCode: 1}}
	e := newTestExecutor(t, r)
	body := submissionBody(t, "task-1", []byte("abc"))
	_, err := e.Submit("task-1", 1, body, body.Size())
	assert.NilError(t, err)
	close(r.release)
	waitStatus(t, e, model.NodeError)
	assert.Equal(t, e.Status().Reason, "encode: encoder failed (cmd=ffmpeg exit=1)")
	_, err = e.Artifact("clip_transcoded.mp4")
	assert.ErrorIs(t, err, ErrNoArtifact)

	r2 := newFakeRunner()
	r2.empty = true
	e2 := newTestExecutor(t, r2)
	body = submissionBody(t, "task-2", []byte("abc"))
	_, err = e2.Submit("task-2", 1, body, body.Size())
	assert.NilError(t, err)
	close(r2.release)
	waitStatus(t, e2, model.NodeError)
}

// TestExecutorArtifactSurvivesReset verifies the output stays downloadable
// after the coordinator observed completion, until the next submission.
func TestExecutorArtifactSurvivesReset(t *testing.T) {
	r := newFakeRunner()
	close(r.release)
	e := newTestExecutor(t, r)
	body := submissionBody(t, "task-1", []byte("abc"))
	_, err := e.Submit("task-1", 1, body, body.Size())
	assert.NilError(t, err)
	waitStatus(t, e, model.NodeCompleted)

	assert.Equal(t, e.Observe().Status, model.NodeCompleted)
	assert.Equal(t, e.Status().Status, model.NodeIdle)
	_, err = e.Artifact("clip_transcoded.mp4")
	assert.NilError(t, err)
	_, err = e.Artifact("other.mp4")
	assert.ErrorIs(t, err, ErrNoArtifact)

	body = submissionBody(t, "task-2", []byte("xyz"))
	_, err = e.Submit("task-2", 1, body, body.Size())
	assert.NilError(t, err)
	<-r.started
	<-r.started
	waitStatus(t, e, model.NodeCompleted)
	assert.Equal(t, e.Status().LastResult.TaskID, "task-2")
}

// TestExecutorStopKillsEncode verifies Stop cancels a running encode and
// removes the task directory.
func TestExecutorStopKillsEncode(t *testing.T) {
	r := newFakeRunner()
	e := newTestExecutor(t, r)
	body := submissionBody(t, "task-1", []byte("abc"))
	_, err := e.Submit("task-1", 1, body, body.Size())
	assert.NilError(t, err)
	job := <-r.started

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, e.Status().Status, model.NodeStopped)
	_, err = os.Stat(job.Dir)
	assert.Assert(t, os.IsNotExist(err))
}

// TestExecutorSubmitAfterCancelLeavesNoDir covers a submission whose input
// finished decoding just as the executor was shut down.
func TestExecutorSubmitAfterCancelLeavesNoDir(t *testing.T) {
	r := newFakeRunner()
	e := newTestExecutor(t, r)
	e.cancel()

	body := submissionBody(t, "task-1", []byte("abc"))
	_, err := e.Submit("task-1", 1, body, body.Size())
	assert.ErrorIs(t, err, ErrStopped)

	left, err := filepath.Glob(filepath.Join(e.opts.WorkDir, "task-*"))
	assert.NilError(t, err)
	assert.Equal(t, len(left), 0)
	select {
	case job := <-r.started:
		t.Fatalf("encode started for %s", job.TaskID)
	default:
	}
	assert.Equal(t, e.Status().Status, model.NodeError)
	assert.Equal(t, e.Status().Reason, ErrStopped.Error())
}
