// Package discovery finds worker nodes over UDP broadcast and keeps the
// registry fed from their discovery responses and heartbeats.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"tcluster/internal/coordinator/registry"
	"tcluster/internal/netutil"
	"tcluster/pkg/protocol"
)

type Options struct {
	Port       int           // discovery port, shared by broadcast and replies
	WorkerPort int           // assumed worker HTTP port when a message omits it
	Interval   time.Duration // re-broadcast period
	Peers      []string      // extra unicast targets
	Logger     *zap.Logger
	// OnChange is called after an observation changed a node record.
	OnChange func(addr string)

	// Subnet scanning, for networks that drop broadcast. Disabled unless
	// both Pinger and ScanInterval are set.
	Pinger          Pinger
	ScanInterval    time.Duration
	ScanFrom        string // address whose /24 is scanned, default the local one
	ScanConcurrency int
}

type Service struct {
	reg   *registry.Registry
	opts  Options
	log   *zap.Logger
	peers []*net.UDPAddr
	conn  *net.UDPConn
}

func New(reg *registry.Registry, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	peers, errs := netutil.ResolvePeers(opts.Peers, opts.Port)
	for _, err := range errs {
		log.Warn("ignoring discovery peer", zap.Error(err))
	}
	return &Service{reg: reg, opts: opts, log: log, peers: peers}
}

// Run binds the discovery port, broadcasts immediately and then every
// Interval, and ingests replies until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	conn, err := netutil.ListenUDP(ctx, s.opts.Port)
	if err != nil {
		return err
	}
	s.conn = conn
	s.log.Info("discovery listening", zap.Int("port", s.opts.Port))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.receive(ctx)
	}()
	scanned := make(chan struct{})
	if s.opts.Pinger != nil && s.opts.ScanInterval > 0 {
		go func() {
			defer close(scanned)
			s.scanLoop(ctx)
		}()
	} else {
		close(scanned)
	}

	interval := s.opts.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.broadcast()
	for {
		select {
		case <-ticker.C:
			s.broadcast()
		case <-ctx.Done():
			conn.Close()
			<-done
			<-scanned
			s.log.Info("discovery stopped")
			return nil
		}
	}
}

func (s *Service) broadcast() {
	if err := s.send(); err != nil {
		s.log.Warn("discovery broadcast failed", zap.Error(err))
	}
}

func (s *Service) send() error {
	payload, err := protocol.Encode(protocol.Discovery())
	if err != nil {
		return err
	}
	targets := append([]*net.UDPAddr{netutil.BroadcastAddr(s.opts.Port)}, s.peers...)
	var errs []error
	for _, to := range targets {
		if _, err := s.conn.WriteToUDP(payload, to); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) receive(ctx context.Context) {
	buf := make([]byte, protocol.MaxMessageSize+1)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("discovery read failed", zap.Error(err))
			continue
		}
		if _, err := s.Ingest(buf[:n], from); err != nil {
			s.log.Debug("dropping datagram", zap.Stringer("from", from), zap.Error(err))
		}
	}
}

// Ingest decodes one datagram and applies it to the registry. Discovery
// probes, including our own echoes, are ignored.
func (s *Service) Ingest(data []byte, from *net.UDPAddr) (registry.Observation, error) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return registry.Observation{}, err
	}
	if msg.Type == protocol.TypeDiscovery {
		return registry.Observation{}, nil
	}
	o := registry.Observation{
		Address:     s.nodeAddress(msg, from),
		Hostname:    msg.Hostname,
		Status:      msg.Status,
		Progress:    msg.Progress,
		CurrentTask: msg.CurrentTask,
		Timestamp:   msg.Timestamp,
	}
	if s.reg.Observe(o) && s.opts.OnChange != nil {
		s.opts.OnChange(o.Address)
	}
	return o, nil
}

// nodeAddress builds the registry key: the advertised host, or the sender
// IP, joined with the advertised port or the default worker port.
func (s *Service) nodeAddress(msg protocol.Message, from *net.UDPAddr) string {
	if _, _, err := net.SplitHostPort(msg.Address); err == nil {
		return msg.Address
	}
	host := msg.Address
	if host == "" && from != nil {
		host = from.IP.String()
	}
	port := msg.Port
	if port == 0 {
		port = s.opts.WorkerPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
