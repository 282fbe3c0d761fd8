// Package encoder runs the external encode step on a worker. The exec runner
// invokes a local ffmpeg; the docker runner runs the same command inside a
// container with the task directory mounted.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Job is one encode inside a private working directory. Input and Output
// are file names relative to Dir.
type Job struct {
	TaskID     string
	Dir        string
	Input      string
	Output     string
	Args       []string
	OnProgress func(percent int)
}

// Result describes a finished encode.
type Result struct {
	Output string // absolute path
	Size   int64
	Log    CommandLog
}

// Runner executes encode jobs. Run blocks until the encode ends or ctx is
// cancelled, in which case the process is killed.
type Runner interface {
	Run(ctx context.Context, job Job) (Result, error)
	Kind() string
}

// CommandLog captures one external command invocation.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stderr   string   `json:"stderr,omitempty"` // tail only
}

const (
	StageEncode   = "encode"
	StageValidate = "validate"
)

// ErrEmptyOutput is returned when the encoder succeeded but left nothing
// usable behind.
var ErrEmptyOutput = errors.New("output missing or empty")

// Error is a stage-aware failure with the command context, if any.
type Error struct {
	Stage   string
	Message string
	Log     CommandLog
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Log.Command == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s (cmd=%s exit=%d)", e.Stage, e.Message, e.Log.Command, e.Log.ExitCode)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Reason renders err for a worker status report: the message plus the last
// stderr line, which for ffmpeg usually names the cause.
func Reason(err error) string {
	var ee *Error
	if !errors.As(err, &ee) {
		return err.Error()
	}
	msg := ee.Error()
	if tail := strings.TrimSpace(ee.Log.Stderr); tail != "" {
		lines := strings.Split(tail, "\n")
		msg += ": " + strings.TrimSpace(lines[len(lines)-1])
	}
	return msg
}

// CommandArgs builds the encoder argument list for a job.
func CommandArgs(input, output string, args []string) []string {
	out := []string{"-hide_banner", "-nostdin", "-y", "-i", input}
	out = append(out, args...)
	return append(out, output)
}

// ValidateOutput checks that path exists and is non-empty.
func ValidateOutput(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, &Error{Stage: StageValidate, Message: "output file not produced", Err: ErrEmptyOutput}
		}
		return 0, &Error{Stage: StageValidate, Message: err.Error(), Err: err}
	}
	if fi.IsDir() || fi.Size() == 0 {
		return 0, &Error{Stage: StageValidate, Message: "output file is empty", Err: ErrEmptyOutput}
	}
	return fi.Size(), nil
}

func finish(job Job, log CommandLog) (Result, error) {
	out := filepath.Join(job.Dir, job.Output)
	size, err := ValidateOutput(out)
	if err != nil {
		var ee *Error
		if errors.As(err, &ee) {
			ee.Log = log
		}
		return Result{Log: log}, err
	}
	return Result{Output: out, Size: size, Log: log}, nil
}
