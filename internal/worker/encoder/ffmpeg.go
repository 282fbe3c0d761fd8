package encoder

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// FFmpeg runs a local ffmpeg binary.
type FFmpeg struct {
	Path string
	log  *zap.Logger
}

func NewFFmpeg(path string, log *zap.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FFmpeg{Path: path, log: log}
}

func (f *FFmpeg) Kind() string { return "exec" }

func (f *FFmpeg) Run(ctx context.Context, job Job) (Result, error) {
	args := CommandArgs(job.Input, job.Output, job.Args)
	cmd := exec.CommandContext(ctx, f.Path, args...)
	cmd.Dir = job.Dir
	cmd.WaitDelay = 2 * time.Second

	log := CommandLog{Command: f.Path, Args: args, ExitCode: -1}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Log: log}, &Error{Stage: StageEncode, Message: err.Error(), Log: log, Err: err}
	}
	f.log.Info("encode started", zap.String("task", job.TaskID), zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		return Result{Log: log}, &Error{Stage: StageEncode, Message: "start encoder", Log: log, Err: err}
	}

	t := &tail{n: 20}
	follow(bufio.NewScanner(stderr), job, t)
	err = cmd.Wait()
	log.Stderr = t.String()

	if ctx.Err() != nil {
		return Result{Log: log}, &Error{Stage: StageEncode, Message: "encode cancelled", Log: log, Err: ctx.Err()}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.ExitCode = exitErr.ExitCode()
		}
		return Result{Log: log}, &Error{Stage: StageEncode, Message: "encoder failed", Log: log, Err: err}
	}
	log.ExitCode = 0
	return finish(job, log)
}
