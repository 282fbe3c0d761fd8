package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tcluster/internal/coordinator/api"
	"tcluster/pkg/model"
)

// client talks to the coordinator's control API.
type client struct {
	base string
	http *http.Client
}

func newClient(addr string) *client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) submit(ctx context.Context, req api.SubmitRequest) ([]model.Task, error) {
	var tasks []model.Task
	err := c.do(ctx, http.MethodPost, "/tasks", req, &tasks)
	return tasks, err
}

func (c *client) tasks(ctx context.Context, status string) ([]model.Task, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var tasks []model.Task
	err := c.do(ctx, http.MethodGet, path, nil, &tasks)
	return tasks, err
}

func (c *client) task(ctx context.Context, id string) (model.Task, error) {
	var t model.Task
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &t)
	return t, err
}

func (c *client) cancel(ctx context.Context, id string) (model.Task, error) {
	var t model.Task
	err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/cancel", nil, &t)
	return t, err
}

func (c *client) nodes(ctx context.Context) ([]model.Node, error) {
	var nodes []model.Node
	err := c.do(ctx, http.MethodGet, "/nodes", nil, &nodes)
	return nodes, err
}

func (c *client) metrics(ctx context.Context) ([]api.MetricPoint, error) {
	var points []api.MetricPoint
	err := c.do(ctx, http.MethodGet, "/metrics", nil, &points)
	return points, err
}
