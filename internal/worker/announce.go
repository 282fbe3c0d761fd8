package worker

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tcluster/internal/netutil"
	"tcluster/pkg/model"
	"tcluster/pkg/protocol"
)

// StatusSource supplies the live status announced over UDP.
type StatusSource interface {
	Status() model.WorkerStatusSnapshot
}

type AnnounceOptions struct {
	Port       int    // discovery port
	WorkerPort int    // advertised HTTP port
	Address    string // advertised host; empty lets the coordinator use the sender IP
	Hostname   string
	Interval   time.Duration
	Peers      []string
	Logger     *zap.Logger
}

// Announcer answers discovery probes and emits heartbeats. It only reads
// the status source, so an encode never delays it.
type Announcer struct {
	src     StatusSource
	opts    AnnounceOptions
	log     *zap.Logger
	limiter *rate.Limiter
	peers   []*net.UDPAddr
	conn    *net.UDPConn
}

func NewAnnouncer(src StatusSource, opts AnnounceOptions) *Announcer {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	peers, errs := netutil.ResolvePeers(opts.Peers, opts.Port)
	for _, err := range errs {
		log.Warn("ignoring heartbeat peer", zap.Error(err))
	}
	return &Announcer{
		src:     src,
		opts:    opts,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
		peers:   peers,
	}
}

// Run serves until ctx is done and then sends one stopped heartbeat.
func (a *Announcer) Run(ctx context.Context) error {
	conn, err := netutil.ListenUDP(ctx, a.opts.Port)
	if err != nil {
		return err
	}
	a.conn = conn
	a.log.Info("announcer listening", zap.Int("port", a.opts.Port))

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.respond(ctx)
	}()

	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	a.heartbeat(a.src.Status())
	for {
		select {
		case <-ticker.C:
			a.heartbeat(a.src.Status())
		case <-ctx.Done():
			final := a.src.Status()
			final.Status = model.NodeStopped
			final.Timestamp++
			a.heartbeat(final)
			conn.Close()
			<-done
			return nil
		}
	}
}

func (a *Announcer) message(typ protocol.MessageType, snap model.WorkerStatusSnapshot) ([]byte, error) {
	return protocol.Encode(protocol.FromSnapshot(typ, a.opts.Hostname, a.opts.Address, a.opts.WorkerPort, snap))
}

func (a *Announcer) heartbeat(snap model.WorkerStatusSnapshot) {
	payload, err := a.message(protocol.TypeHeartbeat, snap)
	if err != nil {
		a.log.Warn("encode heartbeat", zap.Error(err))
		return
	}
	targets := append([]*net.UDPAddr{netutil.BroadcastAddr(a.opts.Port)}, a.peers...)
	for _, to := range targets {
		if _, err := a.conn.WriteToUDP(payload, to); err != nil {
			a.log.Debug("heartbeat send failed", zap.Stringer("to", to), zap.Error(err))
		}
	}
}

func (a *Announcer) respond(ctx context.Context) {
	buf := make([]byte, protocol.MaxMessageSize+1)
	for {
		n, from, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			a.log.Warn("announcer read failed", zap.Error(err))
			continue
		}
		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			a.log.Debug("dropping datagram", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		if msg.Type != protocol.TypeDiscovery {
			continue
		}
		if !a.limiter.Allow() {
			continue
		}
		payload, err := a.message(protocol.TypeDiscoveryResponse, a.src.Status())
		if err != nil {
			a.log.Warn("encode discovery response", zap.Error(err))
			continue
		}
		if _, err := a.conn.WriteToUDP(payload, from); err != nil {
			a.log.Debug("discovery reply failed", zap.Stringer("to", from), zap.Error(err))
		}
	}
}
