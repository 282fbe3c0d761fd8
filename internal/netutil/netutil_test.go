package netutil

import (
	"context"
	"net"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestListenUDPSharesPort(t *testing.T) {
	a, err := ListenUDP(context.Background(), 0)
	assert.NilError(t, err)
	defer a.Close()
	port := a.LocalAddr().(*net.UDPAddr).Port

	b, err := ListenUDP(context.Background(), port)
	assert.NilError(t, err)
	defer b.Close()
}

func TestListenUDPReceives(t *testing.T) {
	conn, err := ListenUDP(context.Background(), 0)
	assert.NilError(t, err)
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	out, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	assert.NilError(t, err)
	defer out.Close()
	_, err = out.Write([]byte("hello"))
	assert.NilError(t, err)

	buf := make([]byte, 16)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	assert.NilError(t, err)
	assert.Equal(t, string(buf[:n]), "hello")
}

func TestResolvePeers(t *testing.T) {
	addrs, errs := ResolvePeers([]string{"127.0.0.1", "127.0.0.1:6000"}, 55557)
	assert.Equal(t, len(errs), 0)
	assert.Equal(t, len(addrs), 2)
	assert.Equal(t, addrs[0].Port, 55557)
	assert.Equal(t, addrs[1].Port, 6000)
}

func TestSubnetHosts(t *testing.T) {
	hosts, err := SubnetHosts("192.168.7.42")
	assert.NilError(t, err)
	assert.Equal(t, len(hosts), 254)
	assert.Equal(t, hosts[0], "192.168.7.1")
	assert.Equal(t, hosts[253], "192.168.7.254")

	_, err = SubnetHosts("fe80::1")
	assert.ErrorContains(t, err, "not an IPv4 address")
}

func TestLocalIPIsIPv4(t *testing.T) {
	ip := net.ParseIP(LocalIP())
	assert.Assert(t, ip != nil && ip.To4() != nil)
}
