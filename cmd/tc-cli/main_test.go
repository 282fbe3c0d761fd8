package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"tcluster/internal/coordinator/api"
	"tcluster/internal/coordinator/dispatcher"
	"tcluster/internal/coordinator/registry"
	"tcluster/internal/coordinator/tracker"
	"tcluster/internal/coordinator/transfer"
	"tcluster/pkg/model"
)

type cluster struct {
	addr string
	reg  *registry.Registry
	disp *dispatcher.Dispatcher
}

// startCluster serves the control API over a running dispatcher that has
// no idle workers, so submitted tasks stay pending.
func startCluster(t *testing.T) *cluster {
	t.Helper()
	reg := registry.New(registry.Options{Liveness: time.Minute})
	tr := tracker.New(tracker.Options{MaxRetries: 2})
	t.Cleanup(func() { tr.Close(context.Background()) })
	d, err := dispatcher.New(dispatcher.Options{
		Registry: reg,
		Tracker:  tr,
		Client:   transfer.New(transfer.Options{StatusTimeout: 100 * time.Millisecond}),
		Cycle:    20 * time.Millisecond,
	})
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := httptest.NewServer(api.NewServer(d, zap.NewNop()).Engine())
	t.Cleanup(srv.Close)
	return &cluster{addr: srv.Listener.Addr().String(), reg: reg, disp: d}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out)
	return out.String(), err
}

func TestSubmitListAndCancel(t *testing.T) {
	c := startCluster(t)
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.mp4"), filepath.Join(dir, "b.mkv")

	out, err := runCLI(t, "-addr", c.addr, "-preset", "720p_h264", a, b)
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, "submitted"))
	assert.Check(t, is.Contains(out, a))

	tasks := c.disp.Tasks()
	assert.Equal(t, len(tasks), 2)
	assert.Equal(t, tasks[0].Input, a)
	assert.Equal(t, tasks[0].Status, model.TaskPending)

	out, err = runCLI(t, "-addr", c.addr, "-tasks")
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, tasks[0].ID))
	assert.Check(t, is.Contains(out, "pending"))

	out, err = runCLI(t, "-addr", c.addr, "-cancel", tasks[1].ID)
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, "cancelled"))

	out, err = runCLI(t, "-addr", c.addr, "-tasks", "-status", "cancelled")
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, tasks[1].ID))
	assert.Check(t, !strings.Contains(out, tasks[0].ID))
}

func TestSubmitWithArgsAndOutput(t *testing.T) {
	c := startCluster(t)
	dir := t.TempDir()
	in, dest := filepath.Join(dir, "in.mov"), filepath.Join(dir, "out.mp4")

	_, err := runCLI(t, "-addr", c.addr, "-args", "-c:v libx264  -crf 20", "-o", dest, in)
	assert.NilError(t, err)

	tasks := c.disp.Tasks()
	assert.Equal(t, len(tasks), 1)
	assert.Equal(t, tasks[0].Output, dest)
	assert.DeepEqual(t, tasks[0].Args, []string{"-c:v", "libx264", "-crf", "20"})
}

func TestOutputNeedsSingleInput(t *testing.T) {
	_, err := runCLI(t, "-addr", "127.0.0.1:1", "-o", "x.mp4", "a.mp4", "b.mp4")
	assert.ErrorContains(t, err, "exactly one input")
}

func TestUnknownPresetIsRejected(t *testing.T) {
	c := startCluster(t)
	_, err := runCLI(t, "-addr", c.addr, "-preset", "nope", "a.mp4")
	assert.ErrorContains(t, err, "preset \"nope\" not found")
	assert.Equal(t, len(c.disp.Tasks()), 0)
}

func TestListNodes(t *testing.T) {
	c := startCluster(t)

	out, err := runCLI(t, "-addr", c.addr, "-nodes")
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, "no workers"))

	c.reg.Observe(registry.Observation{
		Address: "127.0.0.1:1", Hostname: "encoder-1", Status: model.NodeProcessing, Progress: 30,
	})
	out, err = runCLI(t, "-addr", c.addr, "-nodes")
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, "encoder-1"))
	assert.Check(t, is.Contains(out, "processing"))
}

func TestListPresets(t *testing.T) {
	out, err := runCLI(t, "-presets")
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, "720p_h264"))
	assert.Check(t, is.Contains(out, "audio_mp3"))
}

func TestCoordinatorDown(t *testing.T) {
	_, err := runCLI(t, "-addr", "127.0.0.1:1", "-tasks")
	assert.ErrorContains(t, err, "coordinator unreachable")
}

// fakeTasks answers GET /tasks/:id from a script of successive states.
type fakeTasks struct {
	mu     sync.Mutex
	script map[string][]model.Task
}

func (f *fakeTasks) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := strings.TrimPrefix(r.URL.Path, "/tasks/")
	states := f.script[id]
	if len(states) == 0 {
		http.NotFound(w, r)
		return
	}
	cur := states[0]
	if len(states) > 1 {
		f.script[id] = states[1:]
	}
	_ = json.NewEncoder(w).Encode(cur)
}

func TestWaitReportsProgressAndFailures(t *testing.T) {
	f := &fakeTasks{script: map[string][]model.Task{
		"ok": {
			{ID: "ok", Status: model.TaskProcessing, Progress: 40},
			{ID: "ok", Status: model.TaskCompleted, Progress: 100, OutputSize: 42},
		},
		"bad": {
			{ID: "bad", Status: model.TaskUploading, Progress: 5},
			{ID: "bad", Status: model.TaskFailed, Error: "encode failed (gave up after 2 retries)"},
		},
	}}
	srv := httptest.NewServer(f)
	defer srv.Close()

	var out bytes.Buffer
	err := wait(context.Background(), newClient(srv.URL), []model.Task{{ID: "ok"}, {ID: "bad"}}, 5*time.Millisecond, &out)
	assert.ErrorContains(t, err, "1 of 2 tasks did not complete")
	assert.Check(t, is.Contains(out.String(), "ok completed (42 bytes)"))
	assert.Check(t, is.Contains(out.String(), "gave up after 2 retries"))
	assert.Check(t, is.Contains(out.String(), " 40%"))
}

func TestProbeWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Check(t, is.Equal(r.URL.Path, "/capabilities"))
		_ = json.NewEncoder(w).Encode(model.Capabilities{
			Hostname: "gpu-box", CPUCores: 16, Runner: "exec",
			FFmpegInstalled: true, FFmpegVersion: "6.1", NVENC: true,
		})
	}))
	defer srv.Close()

	out, err := runCLI(t, "-probe", srv.Listener.Addr().String())
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, "gpu-box"))
	assert.Check(t, is.Contains(out, "nvenc"))
	assert.Check(t, is.Contains(out, "16 cores"))
}

func TestScanListsWorkers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			_, _ = w.Write([]byte("pong"))
		case "/capabilities":
			_ = json.NewEncoder(w).Encode(model.Capabilities{Hostname: "enc-7", Runner: "docker", FFmpegVersion: "6.1"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	assert.NilError(t, err)

	out, err := runCLI(t, "-scan", "-scan-from", "127.0.0.9", "-worker-port", port)
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, "127.0.0.9/24"))
	assert.Check(t, is.Contains(out, "127.0.0.1:"+port))
	assert.Check(t, is.Contains(out, "enc-7"))
	assert.Check(t, is.Contains(out, "docker"))
}

func TestScanRejectsBadAddress(t *testing.T) {
	_, err := runCLI(t, "-scan", "-scan-from", "::1")
	assert.ErrorContains(t, err, "not an IPv4 address")
}

func TestMetricsTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Check(t, is.Equal(r.URL.Path, "/metrics"))
		_ = json.NewEncoder(w).Encode([]api.MetricPoint{
			{Name: "tcluster.attempt.duration", Kind: "histogram", Attributes: map[string]string{"node": "a:9000", "outcome": "completed"}, Count: 2, Sum: 9},
			{Name: "tcluster.tasks.completed", Kind: "counter", Attributes: map[string]string{"node": "a:9000"}, Value: 2},
		})
	}))
	defer srv.Close()

	out, err := runCLI(t, "-addr", srv.URL, "-metrics")
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, "tcluster.tasks.completed"))
	assert.Check(t, is.Contains(out, "2 × avg 4.5s"))
	assert.Check(t, is.Contains(out, "completed"))
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, progressBar(50), strings.Repeat("█", 10)+strings.Repeat("░", 10)+"  50%")
	assert.Equal(t, progressBar(150), strings.Repeat("█", 20)+" 100%")
	assert.Equal(t, progressBar(-3), strings.Repeat("░", 20)+"   0%")
}
