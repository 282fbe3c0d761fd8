package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"tcluster/internal/config"
	"tcluster/pkg/model"
	"tcluster/pkg/store"
)

func freePorts(t *testing.T) (tcp, udp int) {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	assert.NilError(t, err)
	tcp = l.Addr().(*net.TCPAddr).Port
	l.Close()

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	assert.NilError(t, err)
	udp = pc.LocalAddr().(*net.UDPAddr).Port
	pc.Close()
	return tcp, udp
}

func TestOpenStore(t *testing.T) {
	cfg := config.Default()
	st, err := OpenStore(context.Background(), cfg, zap.NewNop())
	assert.NilError(t, err)
	_, ok := st.(*store.MemoryStore)
	assert.Assert(t, ok)

	cfg.Store = "sqlite"
	_, err = OpenStore(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unknown store")
}

func TestServesControlAPI(t *testing.T) {
	cfg := config.Default()
	cfg.ControlPort, cfg.DiscoveryPort = freePorts(t)
	cfg.DiscoveryInterval = config.Duration(time.Hour)

	c, err := New(context.Background(), cfg, zap.NewNop())
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.ControlPort)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		resp, err := http.Get(base + "/ping")
		if err != nil {
			return poll.Continue("control api not up: %v", err)
		}
		resp.Body.Close()
		return poll.Success()
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(20*time.Millisecond))

	body, _ := json.Marshal(map[string]any{"input": "/videos/a.mp4", "preset": "720p_h264"})
	resp, err := http.Post(base+"/tasks", "application/json", bytes.NewReader(body))
	assert.NilError(t, err)
	var created []model.Task
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusCreated)
	assert.Equal(t, len(created), 1)

	// No workers: the task waits.
	task, err := c.Dispatcher().Task(created[0].ID)
	assert.NilError(t, err)
	assert.Equal(t, task.Status, model.TaskPending)

	// the dispatcher's meter is collected by the control api
	resp, err = http.Get(base + "/metrics")
	assert.NilError(t, err)
	var points []map[string]any
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&points))
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Assert(t, points != nil)

	cancel()
	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}

// TestScanFindsWorker checks that a configured subnet scan reaches a worker
// plane and registers it.
func TestScanFindsWorker(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			w.Write([]byte("pong"))
			return
		}
		http.NotFound(w, r)
	}))
	defer worker.Close()
	_, port, err := net.SplitHostPort(worker.Listener.Addr().String())
	assert.NilError(t, err)

	cfg := config.Default()
	cfg.ControlPort, cfg.DiscoveryPort = freePorts(t)
	cfg.DiscoveryInterval = config.Duration(time.Hour)
	cfg.ScanInterval = config.Duration(time.Hour)
	cfg.ScanFrom = "127.0.0.5"
	cfg.WorkerPort, err = strconv.Atoi(port)
	assert.NilError(t, err)

	c, err := New(context.Background(), cfg, zap.NewNop())
	assert.NilError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	want := net.JoinHostPort("127.0.0.1", port)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		for _, n := range c.Dispatcher().Nodes() {
			if n.Address == want {
				return poll.Success()
			}
		}
		return poll.Continue("scan has not found %s", want)
	}, poll.WithTimeout(15*time.Second), poll.WithDelay(50*time.Millisecond))

	cancel()
	assert.NilError(t, <-done)
}
