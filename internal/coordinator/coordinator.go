// Package coordinator wires the control side of the cluster: persistence,
// node registry and discovery, the dispatcher and the control API.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tcluster/internal/backoff"
	"tcluster/internal/config"
	"tcluster/internal/coordinator/api"
	"tcluster/internal/coordinator/discovery"
	"tcluster/internal/coordinator/dispatcher"
	"tcluster/internal/coordinator/registry"
	"tcluster/internal/coordinator/tracker"
	"tcluster/internal/coordinator/transfer"
	"tcluster/pkg/store"
)

type Coordinator struct {
	cfg        config.Config
	log        *zap.Logger
	store      store.Store
	tracker    *tracker.Tracker
	meters     *sdkmetric.MeterProvider
	dispatcher *dispatcher.Dispatcher
	discovery  *discovery.Service
	api        *api.Server
}

// New opens the store, recovers unfinished tasks and builds every component.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Coordinator, error) {
	st, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := registry.New(registry.Options{
		Liveness:     cfg.Liveness(),
		ForgetAfter:  cfg.ForgetAfter.Std(),
		FailureLimit: cfg.NodeFailureLimit,
		Logger:       log.Named("registry"),
	})
	tr := tracker.New(tracker.Options{
		Store:      st,
		Logger:     log.Named("tracker"),
		MaxRetries: cfg.MaxRetries,
	})
	if _, err := tr.Recover(ctx); err != nil {
		tr.Close(ctx)
		st.Close()
		return nil, err
	}

	// metrics are pulled on GET /metrics
	reader := sdkmetric.NewManualReader()
	meters := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	client := transfer.New(transfer.Options{
		SubmitTimeout: cfg.SubmitTimeout.Std(),
		StatusTimeout: cfg.StatusTimeout.Std(),
		Logger:        log.Named("transfer"),
	})
	disp, err := dispatcher.New(dispatcher.Options{
		Registry:         reg,
		Tracker:          tr,
		Client:           client,
		Store:            st,
		Backoff:          backoff.Default(cfg.RetryDelay.Std()),
		PollInterval:     cfg.PollInterval.Std(),
		PollFailureLimit: cfg.PollFailureLimit,
		Meter:            meters.Meter("tcluster/dispatcher"),
		Logger:           log.Named("dispatcher"),
	})
	if err != nil {
		tr.Close(ctx)
		st.Close()
		return nil, err
	}

	srv := api.NewServer(disp, log.Named("api"))
	srv.ServeMetrics(reader)

	return &Coordinator{
		cfg:        cfg,
		log:        log,
		store:      st,
		tracker:    tr,
		meters:     meters,
		dispatcher: disp,
		discovery: discovery.New(reg, discovery.Options{
			Port:         cfg.DiscoveryPort,
			WorkerPort:   cfg.WorkerPort,
			Interval:     cfg.DiscoveryInterval.Std(),
			Peers:        cfg.Peers,
			Pinger:       client,
			ScanInterval: cfg.ScanInterval.Std(),
			ScanFrom:     cfg.ScanFrom,
			Logger:       log.Named("discovery"),
			OnChange:     disp.NodeChanged,
		}),
		api: srv,
	}, nil
}

// OpenStore returns the backend named by cfg.Store.
func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, error) {
	switch cfg.Store {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "etcd":
		st, err := store.NewEtcdManager(cfg.EtcdEndpoints, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "redis":
		st, err := store.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func (c *Coordinator) Dispatcher() *dispatcher.Dispatcher { return c.dispatcher }

// Run serves until ctx is done. On the way out queued task writes are
// flushed before the store is closed.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.store.Close()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.tracker.Close(shutCtx); err != nil {
			c.log.Warn("task writes not flushed", zap.Error(err))
		}
		_ = c.meters.Shutdown(shutCtx)
	}()
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(c.cfg.ControlPort)),
		Handler:           c.api.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		c.log.Info("control api listening",
			zap.String("addr", srv.Addr),
			zap.String("store", c.cfg.Store))
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
	g.Go(func() error { return c.discovery.Run(gctx) })
	g.Go(func() error { return c.dispatcher.Run(gctx) })

	err := g.Wait()
	c.log.Info("coordinator stopped")
	return err
}
