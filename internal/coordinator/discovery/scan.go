package discovery

import (
	"context"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tcluster/internal/coordinator/registry"
	"tcluster/internal/netutil"
	"tcluster/pkg/model"
)

// Pinger checks whether a worker plane answers at addr.
type Pinger interface {
	Ping(ctx context.Context, addr string) error
}

// ScanHosts pings port on every host, at most limit at a time, and returns
// the addresses that answered in host order.
func ScanHosts(ctx context.Context, p Pinger, hosts []string, port, limit int) []string {
	if limit <= 0 {
		limit = 64
	}
	found := make([]bool, len(hosts))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, h := range hosts {
		addr := net.JoinHostPort(h, strconv.Itoa(port))
		g.Go(func() error {
			if ctx.Err() == nil && p.Ping(ctx, addr) == nil {
				found[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []string
	for i, ok := range found {
		if ok {
			out = append(out, net.JoinHostPort(hosts[i], strconv.Itoa(port)))
		}
	}
	return out
}

// Scan pings the worker port across the /24 of ScanFrom, or of the local
// address, and records every responder. A new node enters the registry as
// unknown until its status is queried; a known one only has its liveness
// refreshed.
func (s *Service) Scan(ctx context.Context) ([]string, error) {
	from := s.opts.ScanFrom
	if from == "" {
		from = netutil.LocalIP()
	}
	hosts, err := netutil.SubnetHosts(from)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	found := ScanHosts(ctx, s.opts.Pinger, hosts, s.opts.WorkerPort, s.opts.ScanConcurrency)
	for _, addr := range found {
		if s.reg.Observe(registry.Observation{Address: addr, Status: model.NodeUnknown}) && s.opts.OnChange != nil {
			s.opts.OnChange(addr)
		}
	}
	s.log.Info("subnet scan finished",
		zap.String("from", from),
		zap.Int("found", len(found)),
		zap.Duration("took", time.Since(start)))
	return found, nil
}

// scanLoop scans right away and then every ScanInterval until ctx is done.
func (s *Service) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ScanInterval)
	defer ticker.Stop()
	for {
		if _, err := s.Scan(ctx); err != nil {
			s.log.Warn("subnet scan failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
