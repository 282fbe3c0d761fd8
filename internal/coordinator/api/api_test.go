package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"tcluster/internal/coordinator/tracker"
	"tcluster/internal/presets"
	"tcluster/pkg/model"
)

type fakeBackend struct {
	tr        *tracker.Tracker
	nodes     []model.Node
	cancelErr error
}

func (b *fakeBackend) SubmitBatch(ctx context.Context, reqs []tracker.Request) ([]*model.Task, error) {
	return b.tr.SubmitBatch(ctx, reqs)
}

func (b *fakeBackend) Cancel(ctx context.Context, id string) error {
	if b.cancelErr != nil {
		return b.cancelErr
	}
	_, err := b.tr.Cancel(ctx, id)
	return err
}

func (b *fakeBackend) Nodes() []model.Node                { return b.nodes }
func (b *fakeBackend) Tasks() []*model.Task               { return b.tr.List() }
func (b *fakeBackend) Task(id string) (*model.Task, error) { return b.tr.Get(id) }
func (b *fakeBackend) Events(since int64) []tracker.Event { return b.tr.Bus().Since(since) }
func (b *fakeBackend) Subscribe(buffer int) (<-chan tracker.Event, func()) {
	return b.tr.Bus().Subscribe(buffer)
}

func newTestServer(t *testing.T) (*Server, *fakeBackend) {
	t.Helper()
	b := &fakeBackend{
		tr:    tracker.New(tracker.Options{MaxRetries: 2}),
		nodes: []model.Node{{Address: "10.0.0.2:9000", Hostname: "enc1", Status: model.NodeIdle}},
	}
	t.Cleanup(func() { b.tr.Close(context.Background()) })
	return NewServer(b, nil), b
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		assert.NilError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSubmitSingleWithPreset(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/tasks", SubmitRequest{
		TaskRequest: TaskRequest{Input: "/videos/a.mp4", Preset: "720p_h264"},
	})
	assert.Equal(t, rec.Code, http.StatusCreated, rec.Body.String())

	tasks := decode[[]model.Task](t, rec)
	assert.Equal(t, len(tasks), 1)
	p, _ := presets.Get("720p_h264")
	assert.DeepEqual(t, tasks[0].Args, p.Args())
	assert.Equal(t, tasks[0].Output, "/videos/a_transcoded.mp4")
	assert.Equal(t, tasks[0].Status, model.TaskPending)
}

func TestSubmitBatchInheritsDefaults(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/tasks", SubmitRequest{
		TaskRequest: TaskRequest{Args: []string{"-c:v", "libvpx-vp9"}},
		Tasks: []TaskRequest{
			{Input: "/v/a.mkv"},
			{Input: "/v/b.mkv", Preset: "audio_aac"},
			{Input: "/v/a.mkv"},
		},
	})
	assert.Equal(t, rec.Code, http.StatusCreated, rec.Body.String())

	tasks := decode[[]model.Task](t, rec)
	assert.Equal(t, len(tasks), 3)
	assert.DeepEqual(t, tasks[0].Args, []string{"-c:v", "libvpx-vp9"})
	aac, _ := presets.Get("audio_aac")
	assert.DeepEqual(t, tasks[1].Args, aac.Args())
	assert.Equal(t, tasks[0].Output, "/v/a_transcoded.mkv")
	assert.Equal(t, tasks[2].Output, "/v/a_transcoded_2.mkv")
}

func TestSubmitDefaultArgs(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/tasks", SubmitRequest{TaskRequest: TaskRequest{Input: "/v/c.mp4"}})
	assert.Equal(t, rec.Code, http.StatusCreated)
	tasks := decode[[]model.Task](t, rec)
	assert.DeepEqual(t, tasks[0].Args, presets.DefaultArgs)
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/tasks", SubmitRequest{})
	assert.Equal(t, rec.Code, http.StatusBadRequest)
	assert.Check(t, is.Contains(rec.Body.String(), "input is required"))

	rec = do(t, s, http.MethodPost, "/tasks", SubmitRequest{TaskRequest: TaskRequest{Input: "/v/a.mp4", Preset: "nope"}})
	assert.Equal(t, rec.Code, http.StatusBadRequest)
	assert.Check(t, is.Contains(rec.Body.String(), "not found"))

	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewBufferString("{"))
	r := httptest.NewRecorder()
	s.Engine().ServeHTTP(r, req)
	assert.Equal(t, r.Code, http.StatusBadRequest)
}

func TestGetAndListTasks(t *testing.T) {
	s, b := newTestServer(t)
	a, err := b.tr.Submit(context.Background(), "/v/a.mp4", "", nil)
	assert.NilError(t, err)
	c, err := b.tr.Submit(context.Background(), "/v/c.mp4", "", nil)
	assert.NilError(t, err)
	_, err = b.tr.Cancel(context.Background(), c.ID)
	assert.NilError(t, err)

	rec := do(t, s, http.MethodGet, "/tasks/"+a.ID, nil)
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, decode[model.Task](t, rec).ID, a.ID)

	rec = do(t, s, http.MethodGet, "/tasks/task-missing", nil)
	assert.Equal(t, rec.Code, http.StatusNotFound)

	rec = do(t, s, http.MethodGet, "/tasks", nil)
	assert.Equal(t, len(decode[[]model.Task](t, rec)), 2)

	rec = do(t, s, http.MethodGet, "/tasks?status=cancelled", nil)
	got := decode[[]model.Task](t, rec)
	assert.Equal(t, len(got), 1)
	assert.Equal(t, got[0].ID, c.ID)

	rec = do(t, s, http.MethodGet, "/tasks?status=sleeping", nil)
	assert.Equal(t, rec.Code, http.StatusBadRequest)
}

func TestCancel(t *testing.T) {
	s, b := newTestServer(t)
	task, err := b.tr.Submit(context.Background(), "/v/a.mp4", "", nil)
	assert.NilError(t, err)

	rec := do(t, s, http.MethodPost, "/tasks/"+task.ID+"/cancel", nil)
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, decode[model.Task](t, rec).Status, model.TaskCancelled)

	rec = do(t, s, http.MethodPost, "/tasks/"+task.ID+"/cancel", nil)
	assert.Equal(t, rec.Code, http.StatusConflict)

	rec = do(t, s, http.MethodPost, "/tasks/task-missing/cancel", nil)
	assert.Equal(t, rec.Code, http.StatusNotFound)

	b.cancelErr = fmt.Errorf("store offline")
	rec = do(t, s, http.MethodPost, "/tasks/"+task.ID+"/cancel", nil)
	assert.Equal(t, rec.Code, http.StatusInternalServerError)
}

func TestNodesEventsPresetsPing(t *testing.T) {
	s, b := newTestServer(t)
	_, err := b.tr.Submit(context.Background(), "/v/a.mp4", "", nil)
	assert.NilError(t, err)

	rec := do(t, s, http.MethodGet, "/nodes", nil)
	nodes := decode[[]model.Node](t, rec)
	assert.Equal(t, len(nodes), 1)
	assert.Equal(t, nodes[0].Hostname, "enc1")

	rec = do(t, s, http.MethodGet, "/events?since=0", nil)
	events := decode[[]tracker.Event](t, rec)
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Type, tracker.EventCreated)

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/events?since=%d", events[0].Seq), nil)
	assert.Equal(t, len(decode[[]tracker.Event](t, rec)), 0)

	rec = do(t, s, http.MethodGet, "/events?since=x", nil)
	assert.Equal(t, rec.Code, http.StatusBadRequest)

	rec = do(t, s, http.MethodGet, "/presets", nil)
	assert.Check(t, is.Contains(decode[map[string]string](t, rec), "1080p_h264_high"))

	rec = do(t, s, http.MethodGet, "/ping", nil)
	assert.Equal(t, rec.Body.String(), "pong")
}

func TestEventStreamReplaysThenFollows(t *testing.T) {
	s, b := newTestServer(t)
	first, err := b.tr.Submit(context.Background(), "/v/a.mp4", "", nil)
	assert.NilError(t, err)

	srv := httptest.NewServer(s.Engine())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/stream?since=0", nil)
	assert.NilError(t, err)
	resp, err := http.DefaultClient.Do(req)
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Check(t, is.Contains(resp.Header.Get("Content-Type"), "text/event-stream"))

	lines := bufio.NewScanner(resp.Body)
	next := func() tracker.Event {
		t.Helper()
		var ev tracker.Event
		for lines.Scan() {
			line := lines.Text()
			if data, ok := strings.CutPrefix(line, "data:"); ok {
				assert.NilError(t, json.Unmarshal([]byte(data), &ev))
				return ev
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return ev
	}

	ev := next()
	assert.Equal(t, ev.Type, tracker.EventCreated)
	assert.Equal(t, ev.TaskID, first.ID)

	second, err := b.tr.Submit(context.Background(), "/v/b.mp4", "", nil)
	assert.NilError(t, err)
	ev = next()
	assert.Equal(t, ev.TaskID, second.ID)
	assert.Assert(t, ev.Seq > 1)
}

func TestEventStreamBadSince(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/events/stream?since=x", nil)
	assert.Equal(t, rec.Code, http.StatusBadRequest)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())
	s.ServeMetrics(reader)

	meter := mp.Meter("test")
	done, err := meter.Int64Counter("tcluster.tasks.completed")
	assert.NilError(t, err)
	took, err := meter.Float64Histogram("tcluster.attempt.duration")
	assert.NilError(t, err)
	ctx := context.Background()
	done.Add(ctx, 2, metric.WithAttributes(attribute.String("node", "b:9000")))
	done.Add(ctx, 1, metric.WithAttributes(attribute.String("node", "a:9000")))
	took.Record(ctx, 1.5, metric.WithAttributes(attribute.String("node", "a:9000")))
	took.Record(ctx, 2.5, metric.WithAttributes(attribute.String("node", "a:9000")))

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, rec.Code, http.StatusOK)
	points := decode[[]MetricPoint](t, rec)
	assert.DeepEqual(t, points, []MetricPoint{
		{Name: "tcluster.attempt.duration", Kind: "histogram", Attributes: map[string]string{"node": "a:9000"}, Count: 2, Sum: 4},
		{Name: "tcluster.tasks.completed", Kind: "counter", Attributes: map[string]string{"node": "a:9000"}, Value: 1},
		{Name: "tcluster.tasks.completed", Kind: "counter", Attributes: map[string]string{"node": "b:9000"}, Value: 2},
	})
}

type failingSource struct{}

func (failingSource) Collect(context.Context, *metricdata.ResourceMetrics) error {
	return errors.New("reader is shutdown")
}

func TestMetricsCollectError(t *testing.T) {
	s, _ := newTestServer(t)
	s.ServeMetrics(failingSource{})
	rec := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, rec.Code, http.StatusInternalServerError)
}
