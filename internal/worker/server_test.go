package worker

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"tcluster/pkg/model"
)

func newTestServer(t *testing.T, r *fakeRunner) (*httptest.Server, *Executor) {
	t.Helper()
	e := newTestExecutor(t, r)
	e.opts.Capabilities = model.Capabilities{Hostname: "enc-1", FFmpegInstalled: true, NVENC: true}
	srv := httptest.NewServer(NewServer(e, nil).Engine())
	t.Cleanup(srv.Close)
	return srv, e
}

func getStatus(t *testing.T, base string) model.WorkerStatusSnapshot {
	t.Helper()
	resp, err := http.Get(base + "/status")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	var snap model.WorkerStatusSnapshot
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&snap))
	return snap
}

func postTask(t *testing.T, base, taskID string, data []byte) (*http.Response, map[string]any) {
	t.Helper()
	body := submissionBody(t, taskID, data)
	resp, err := http.Post(base+"/task?task_id="+taskID+"&attempt=1", "application/json", body)
	assert.NilError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

// TestStatusAnswersWhileProcessing verifies status queries are not
// serialized behind a running encode.
func TestStatusAnswersWhileProcessing(t *testing.T) {
	r := newFakeRunner()
	srv, _ := newTestServer(t, r)

	resp, out := postTask(t, srv.URL, "task-1", []byte("video"))
	assert.Equal(t, resp.StatusCode, http.StatusAccepted)
	assert.Equal(t, out["status"], "accepted")
	<-r.started

	for i := 0; i < 5; i++ {
		start := time.Now()
		snap := getStatus(t, srv.URL)
		assert.Equal(t, snap.Status, model.NodeProcessing)
		assert.Equal(t, snap.CurrentTask, "task-1")
		assert.Equal(t, snap.Progress, 30)
		assert.Assert(t, time.Since(start) < time.Second)
	}

	resp, out = postTask(t, srv.URL, "task-2", []byte("video"))
	assert.Equal(t, resp.StatusCode, http.StatusConflict)
	assert.Equal(t, out["status"], "busy")

	close(r.release)
	var snap model.WorkerStatusSnapshot
	for i := 0; i < 200; i++ {
		if snap = getStatus(t, srv.URL); snap.Status == model.NodeCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, snap.Status, model.NodeCompleted)
	assert.Equal(t, snap.Output, "clip_transcoded.mp4")

	// observed once, then idle with the result retained
	snap = getStatus(t, srv.URL)
	assert.Equal(t, snap.Status, model.NodeIdle)
	assert.Equal(t, snap.LastResult.TaskID, "task-1")

	dl, err := http.Get(srv.URL + "/download?file=clip_transcoded.mp4")
	assert.NilError(t, err)
	defer dl.Body.Close()
	assert.Equal(t, dl.StatusCode, http.StatusOK)
	data, err := io.ReadAll(dl.Body)
	assert.NilError(t, err)
	assert.Equal(t, string(data), "video")
}

func TestDownloadUnknownIs404(t *testing.T) {
	srv, _ := newTestServer(t, newFakeRunner())
	for _, q := range []string{"", "?file=nope.mp4", "?file=../../etc/passwd"} {
		resp, err := http.Get(srv.URL + "/download" + q)
		assert.NilError(t, err)
		resp.Body.Close()
		assert.Equal(t, resp.StatusCode, http.StatusNotFound, q)
	}
}

func TestDownloadBeforeCompletionIs404(t *testing.T) {
	r := newFakeRunner()
	srv, _ := newTestServer(t, r)
	postTask(t, srv.URL, "task-1", []byte("video"))
	<-r.started

	resp, err := http.Get(srv.URL + "/download?file=clip_transcoded.mp4")
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
}

func TestSubmitMalformedIs400(t *testing.T) {
	srv, _ := newTestServer(t, newFakeRunner())
	resp, err := http.Post(srv.URL+"/task", "application/json", bytes.NewReader([]byte(`{not json`)))
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)

	snap := getStatus(t, srv.URL)
	assert.Equal(t, snap.Status, model.NodeError)
}

func TestCapabilitiesAndPing(t *testing.T) {
	srv, _ := newTestServer(t, newFakeRunner())

	resp, err := http.Get(srv.URL + "/capabilities")
	assert.NilError(t, err)
	var caps model.Capabilities
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&caps))
	resp.Body.Close()
	assert.Equal(t, caps.Hostname, "enc-1")
	assert.Assert(t, caps.NVENC)

	resp, err = http.Get(srv.URL + "/ping")
	assert.NilError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, string(body), "pong")
}
