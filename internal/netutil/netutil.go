// Package netutil holds the small socket helpers shared by the discovery
// listener and the worker responder.
package netutil

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// ListenUDP binds the discovery port with address and port reuse enabled so
// a coordinator and a worker can share one host.
func ListenUDP(ctx context.Context, port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen udp :%d: %w", port, err)
	}
	return pc.(*net.UDPConn), nil
}

// BroadcastAddr is the limited broadcast destination on port.
func BroadcastAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4bcast, Port: port}
}

// ResolvePeers turns "host" or "host:port" strings into UDP destinations,
// defaulting the port. Entries that do not resolve are returned as errors
// alongside the ones that do.
func ResolvePeers(peers []string, port int) ([]*net.UDPAddr, []error) {
	var (
		addrs []*net.UDPAddr
		errs  []error
	)
	for _, p := range peers {
		host, portStr, err := net.SplitHostPort(p)
		if err != nil {
			host, portStr = p, strconv.Itoa(port)
		}
		a, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, portStr))
		if err != nil {
			errs = append(errs, fmt.Errorf("peer %q: %w", p, err))
			continue
		}
		addrs = append(addrs, a)
	}
	return addrs, errs
}

// LocalIP reports the address this host uses to reach the LAN. No packet is
// sent; connecting a UDP socket only selects a route.
func LocalIP() string {
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok && !a.IP.IsUnspecified() {
		return a.IP.String()
	}
	return "127.0.0.1"
}

// SubnetHosts lists the 254 host addresses of the /24 that contains ip.
func SubnetHosts(ip string) ([]string, error) {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return nil, fmt.Errorf("subnet of %q: not an IPv4 address", ip)
	}
	hosts := make([]string, 0, 254)
	for i := 1; i < 255; i++ {
		hosts = append(hosts, net.IPv4(parsed[0], parsed[1], parsed[2], byte(i)).String())
	}
	return hosts, nil
}
