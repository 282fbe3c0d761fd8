package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tcluster/internal/worker/encoder"
	"tcluster/pkg/model"
)

// Submission is the POST /task body.
type Submission struct {
	TaskID        string   `json:"task_id"`
	Attempt       int      `json:"attempt"`
	InputArtifact Artifact `json:"input_artifact"`
	EncodeArgs    []string `json:"encode_args"`
	// OutputName selects the artifact name, and through its extension the
	// container format. Derived from the input name when empty.
	OutputName string `json:"output_name,omitempty"`
}

// Artifact is a file carried inside a submission, base64 encoded.
type Artifact struct {
	Name        string `json:"name"`
	EncodedData string `json:"encoded_data"`
}

// DecodeError reports a submission that could not be read or decoded.
type DecodeError struct{ Err error }

func (e *DecodeError) Error() string { return "decode submission: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// ErrNoArtifact is returned for downloads of unknown or unfinished outputs.
var ErrNoArtifact = errors.New("artifact not available")

// Accepted is returned once the encode has been launched.
type Accepted struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
	Output  string `json:"output"`
}

type ExecutorOptions struct {
	WorkDir          string
	IdleResetTimeout time.Duration
	Runner           encoder.Runner
	Capabilities     model.Capabilities
	Logger           *zap.Logger
}

// Executor owns the task slot: it decodes submissions into a private
// directory, runs the encoder off the request path and serves the result.
type Executor struct {
	m    *Machine
	opts ExecutorOptions
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	dir      string // private directory of the current or last task
	artifact string // completed output name inside dir
}

func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Runner == nil {
		return nil, errors.New("executor needs an encode runner")
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("work dir: %w", err)
	}
	if opts.IdleResetTimeout <= 0 {
		opts.IdleResetTimeout = 60 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		m:      NewMachine(),
		opts:   opts,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (e *Executor) Machine() *Machine { return e.m }

// Status is the live snapshot used by heartbeats and discovery replies.
func (e *Executor) Status() model.WorkerStatusSnapshot { return e.m.Snapshot() }

// Observe is the snapshot served to the coordinator; it resets a terminal
// worker to idle.
func (e *Executor) Observe() model.WorkerStatusSnapshot { return e.m.Observe() }

func (e *Executor) Capabilities() model.Capabilities { return e.opts.Capabilities }

// Submit claims the slot, reads and decodes the body (reporting receive
// progress against size) and launches the encode. It returns once the
// encode is running.
func (e *Executor) Submit(taskID string, attempt int, body io.Reader, size int64) (Accepted, error) {
	if err := e.m.Begin(taskID, attempt); err != nil {
		return Accepted{}, err
	}
	e.discardPrevious()

	dir, in, sub, err := e.receive(taskID, body, size)
	if err != nil {
		id := taskID
		if id == "" {
			id = sub.TaskID
		}
		_ = e.m.Fail(id, err.Error())
		e.log.Warn("submission rejected", zap.String("task", id), zap.Error(err))
		return Accepted{}, err
	}
	taskID = sub.TaskID

	out := outputName(in, sub.OutputName)
	if err := e.m.Processing(taskID); err != nil {
		os.RemoveAll(dir)
		return Accepted{}, err
	}

	job := encoder.Job{
		TaskID:     taskID,
		Dir:        dir,
		Input:      in,
		Output:     out,
		Args:       sub.EncodeArgs,
		OnProgress: func(p int) { e.m.SetProgress(taskID, p) },
	}

	// Stop cancels under mu, so either it sees the encode in wg or we see
	// the cancellation here.
	e.mu.Lock()
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		os.RemoveAll(dir)
		_ = e.m.Fail(taskID, ErrStopped.Error())
		return Accepted{}, ErrStopped
	}
	e.dir = dir
	e.wg.Add(1)
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(e.ctx)
	go e.encode(ctx, cancel, job)

	e.log.Info("task accepted",
		zap.String("task", taskID),
		zap.Int("attempt", sub.Attempt),
		zap.String("input", in))
	return Accepted{TaskID: taskID, Attempt: sub.Attempt, Output: out}, nil
}

func (e *Executor) receive(taskID string, body io.Reader, size int64) (string, string, Submission, error) {
	var sub Submission
	cr := &countingReader{r: body, size: size, report: func(p int) {
		if taskID != "" {
			e.m.SetProgress(taskID, p)
		}
	}}
	if err := json.NewDecoder(cr).Decode(&sub); err != nil {
		return "", "", sub, &DecodeError{Err: err}
	}
	if sub.TaskID == "" {
		sub.TaskID = taskID
	}
	if sub.TaskID == "" {
		return "", "", sub, &DecodeError{Err: errors.New("task_id missing")}
	}
	if err := e.m.Bind(sub.TaskID, sub.Attempt); err != nil {
		return "", "", sub, &DecodeError{Err: err}
	}
	name, err := safeName(sub.InputArtifact.Name)
	if err != nil {
		return "", "", sub, &DecodeError{Err: err}
	}

	dir, err := os.MkdirTemp(e.opts.WorkDir, "task-*")
	if err != nil {
		return "", "", sub, err
	}
	if err := writeDecoded(filepath.Join(dir, name), sub.InputArtifact.EncodedData); err != nil {
		os.RemoveAll(dir)
		return "", "", sub, &DecodeError{Err: err}
	}
	e.m.SetProgress(sub.TaskID, 100)
	return dir, name, sub, nil
}

func writeDecoded(path, data string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	dec := base64.NewDecoder(base64.StdEncoding, strings.NewReader(data))
	if _, err := io.Copy(f, dec); err != nil {
		f.Close()
		return fmt.Errorf("artifact data: %w", err)
	}
	return f.Close()
}

func (e *Executor) encode(ctx context.Context, cancel context.CancelFunc, job encoder.Job) {
	defer e.wg.Done()
	defer cancel()

	start := time.Now()
	res, err := e.opts.Runner.Run(ctx, job)
	if err != nil {
		if e.m.State() == model.NodeStopped {
			return
		}
		reason := encoder.Reason(err)
		_ = e.m.Fail(job.TaskID, reason)
		e.log.Warn("encode failed", zap.String("task", job.TaskID), zap.String("reason", reason))
		return
	}

	e.mu.Lock()
	e.artifact = job.Output
	e.mu.Unlock()
	if err := e.m.Complete(job.TaskID, job.Output, res.Size); err != nil {
		e.log.Warn("complete task", zap.String("task", job.TaskID), zap.Error(err))
		return
	}
	e.log.Info("encode finished",
		zap.String("task", job.TaskID),
		zap.String("output", job.Output),
		zap.Int64("size", res.Size),
		zap.Duration("took", time.Since(start)))
}

// Artifact resolves a completed output for download. The last completed
// artifact stays available after the reset to idle, until the next
// submission.
func (e *Executor) Artifact(name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.artifact == "" || name != e.artifact || e.dir == "" {
		return "", ErrNoArtifact
	}
	snap := e.m.Snapshot()
	done := snap.Status == model.NodeCompleted ||
		(snap.LastResult != nil && snap.LastResult.Status == model.NodeCompleted && snap.LastResult.Output == name)
	if !done {
		return "", ErrNoArtifact
	}
	p := filepath.Join(e.dir, name)
	if _, err := os.Stat(p); err != nil {
		return "", ErrNoArtifact
	}
	return p, nil
}

// Run resets unobserved terminal states after the idle timeout until ctx is
// done, then stops the executor.
func (e *Executor) Run(ctx context.Context) {
	tick := e.opts.IdleResetTimeout / 4
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if e.m.ResetIfExpired(e.opts.IdleResetTimeout) {
				e.log.Info("idle timeout, worker reset")
			}
		case <-ctx.Done():
			e.Stop()
			return
		}
	}
}

// Stop moves to stopped, kills any running encode and removes the task
// directory.
func (e *Executor) Stop() {
	e.m.Stop()
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dir != "" {
		os.RemoveAll(e.dir)
		e.dir, e.artifact = "", ""
	}
}

func (e *Executor) discardPrevious() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dir != "" {
		os.RemoveAll(e.dir)
	}
	e.dir, e.artifact = "", ""
}

func safeName(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || base == "." || base == ".." || base == "/" {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return base, nil
}

func outputName(input, requested string) string {
	if requested != "" {
		if n, err := safeName(requested); err == nil && n != input {
			return n
		}
	}
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "_out" + ext
}

// countingReader reports how much of size has been read.
type countingReader struct {
	r      io.Reader
	n      int64
	size   int64
	report func(int)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.size > 0 && n > 0 {
		c.report(int(c.n * 100 / c.size))
	}
	return n, err
}
