package encoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// workMount is where the task directory appears inside the container.
const workMount = "/work"

// Docker runs ffmpeg inside a container.
type Docker struct {
	cli   *client.Client
	Image string
	log   *zap.Logger
}

// NewDocker connects to the local daemon using the environment defaults.
func NewDocker(image string, log *zap.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Docker{cli: cli, Image: image, log: log}, nil
}

func (d *Docker) Kind() string { return "docker" }

// Ping checks that the daemon answers.
func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *Docker) Close() error { return d.cli.Close() }

func (d *Docker) Run(ctx context.Context, job Job) (Result, error) {
	args := CommandArgs(job.Input, job.Output, job.Args)
	log := CommandLog{Command: "docker:" + d.Image, Args: args, ExitCode: -1}
	fail := func(msg string, err error) (Result, error) {
		return Result{Log: log}, &Error{Stage: StageEncode, Message: msg, Log: log, Err: err}
	}

	// 1. 创建容器 (镜像不存在时先拉取)
	id, err := d.create(ctx, job, args)
	if err != nil {
		return fail("create container", err)
	}
	// 6. 清理容器 (Remove): ctx 可能已经取消, 删除仍然要做
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.cli.ContainerRemove(rmCtx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
			d.log.Warn("remove container", zap.String("container", id[:12]), zap.Error(err))
		}
	}()
	d.log.Info("container created", zap.String("task", job.TaskID), zap.String("container", id[:12]))

	// 2. 启动容器 (Start Container)
	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return fail("start container", err)
	}

	// 3. 跟随日志, 从 stderr 解析进度
	logs, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return fail("follow logs", err)
	}
	defer logs.Close()

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, logs)
		pw.CloseWithError(err)
	}()
	t := &tail{n: 20}
	followed := make(chan struct{})
	go func() {
		defer close(followed)
		follow(bufio.NewScanner(pr), job, t)
		_, _ = io.Copy(io.Discard, pr)
	}()

	// 4. 等待容器结束 (Wait)
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var exit int64
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			logs.Close()
			<-followed
			log.Stderr = t.String()
			return fail("encode cancelled", ctx.Err())
		}
		return fail("wait container", err)
	case st := <-statusCh:
		exit = st.StatusCode
		if st.Error != nil {
			<-followed
			log.Stderr = t.String()
			return fail(st.Error.Message, fmt.Errorf("container: %s", st.Error.Message))
		}
	}
	// 5. 根据退出码决定结果
	<-followed
	log.Stderr = t.String()
	log.ExitCode = int(exit)
	if exit != 0 {
		return fail("encoder failed", fmt.Errorf("exit status %d", exit))
	}
	return finish(job, log)
}

func (d *Docker) create(ctx context.Context, job Job, args []string) (string, error) {
	cfg := &container.Config{
		Image:      d.Image,
		Entrypoint: []string{"ffmpeg"},
		Cmd:        args,
		WorkingDir: workMount,
		Tty:        false,
	}
	host := &container.HostConfig{Binds: []string{job.Dir + ":" + workMount}}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if client.IsErrNotFound(err) {
		d.log.Info("pulling image", zap.String("image", d.Image))
		rc, perr := d.cli.ImagePull(ctx, d.Image, types.ImagePullOptions{})
		if perr != nil {
			return "", perr
		}
		_, _ = io.Copy(io.Discard, rc)
		rc.Close()
		resp, err = d.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	}
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}
