// Package worker implements a transcoding node: the task state machine, the
// executor that runs encodes, its HTTP plane and the UDP announcer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tcluster/internal/config"
	"tcluster/internal/worker/encoder"
	"tcluster/pkg/model"
)

// Agent wires one worker node together.
type Agent struct {
	cfg       config.Config
	log       *zap.Logger
	exec      *Executor
	server    *Server
	announcer *Announcer
	caps      model.Capabilities
}

func NewAgent(ctx context.Context, cfg config.Config, log *zap.Logger) (*Agent, error) {
	runner, err := newRunner(cfg, log)
	if err != nil {
		return nil, err
	}
	caps := encoder.NewProber(cfg.FFmpegPath, runner.Kind(), cfg.DockerImage).Probe(ctx)
	if runner.Kind() == "exec" && !caps.FFmpegInstalled {
		log.Warn("ffmpeg not found, encodes will fail", zap.String("path", cfg.FFmpegPath))
	}

	exec, err := NewExecutor(ExecutorOptions{
		WorkDir:          cfg.WorkDir,
		IdleResetTimeout: cfg.IdleResetTimeout.Std(),
		Runner:           runner,
		Capabilities:     caps,
		Logger:           log.Named("executor"),
	})
	if err != nil {
		return nil, err
	}
	return &Agent{
		cfg:    cfg,
		log:    log,
		exec:   exec,
		server: NewServer(exec, log.Named("http")),
		announcer: NewAnnouncer(exec, AnnounceOptions{
			Port:       cfg.DiscoveryPort,
			WorkerPort: cfg.WorkerPort,
			Hostname:   caps.Hostname,
			Interval:   cfg.HeartbeatInterval.Std(),
			Peers:      cfg.Peers,
			Logger:     log.Named("announce"),
		}),
		caps: caps,
	}, nil
}

func newRunner(cfg config.Config, log *zap.Logger) (encoder.Runner, error) {
	switch cfg.Runner {
	case "", "exec":
		return encoder.NewFFmpeg(cfg.FFmpegPath, log.Named("ffmpeg")), nil
	case "docker":
		d, err := encoder.NewDocker(cfg.DockerImage, log.Named("docker"))
		if err != nil {
			return nil, fmt.Errorf("docker runner: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown runner %q", cfg.Runner)
	}
}

func (a *Agent) Capabilities() model.Capabilities { return a.caps }

// Run serves the HTTP plane and the announcer until ctx is done, then stops
// any running encode.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(a.cfg.WorkerPort)),
		Handler:           a.server.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.log.Info("worker listening",
			zap.String("addr", srv.Addr),
			zap.String("runner", a.caps.Runner),
			zap.String("work_dir", a.cfg.WorkDir))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	g.Go(func() error { return a.announcer.Run(gctx) })
	g.Go(func() error {
		a.exec.Run(gctx)
		return nil
	})

	err := g.Wait()
	a.log.Info("worker stopped")
	return err
}
