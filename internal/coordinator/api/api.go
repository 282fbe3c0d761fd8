// Package api is the coordinator's control plane. It serves the node and
// task tables to tc-cli and accepts task submissions.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tcluster/internal/coordinator/dispatcher"
	"tcluster/internal/coordinator/tracker"
	"tcluster/internal/logger"
	"tcluster/internal/presets"
	"tcluster/pkg/model"
)

// Backend is what the API needs from the dispatcher.
type Backend interface {
	SubmitBatch(ctx context.Context, reqs []tracker.Request) ([]*model.Task, error)
	Cancel(ctx context.Context, id string) error
	Nodes() []model.Node
	Tasks() []*model.Task
	Task(id string) (*model.Task, error)
	Events(since int64) []tracker.Event
	Subscribe(buffer int) (<-chan tracker.Event, func())
}

// TaskRequest is one task in a submission. Preset wins over Args; with
// neither the default arguments apply.
type TaskRequest struct {
	Input  string   `json:"input"`
	Output string   `json:"output,omitempty"`
	Args   []string `json:"args,omitempty"`
	Preset string   `json:"preset,omitempty"`
}

// SubmitRequest is the POST /tasks body: a single task, or a batch in Tasks
// whose entries inherit Preset and Args from the top level.
type SubmitRequest struct {
	TaskRequest
	Tasks []TaskRequest `json:"tasks,omitempty"`
}

type Server struct {
	engine  *gin.Engine
	backend Backend
	log     *zap.Logger
}

func NewServer(b Backend, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{engine: gin.New(), backend: b, log: log}
	s.engine.Use(gin.Recovery(), logger.Gin(log, "/events", "/events/stream", "/metrics", "/ping"))
	s.routes()
	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/nodes", s.nodes)
	s.engine.GET("/tasks", s.tasks)
	s.engine.GET("/tasks/:id", s.task)
	s.engine.POST("/tasks", s.submit)
	s.engine.POST("/tasks/:id/cancel", s.cancel)
	s.engine.GET("/events", s.events)
	s.engine.GET("/events/stream", s.stream)
	s.engine.GET("/presets", s.presets)
	s.engine.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
}

func (s *Server) nodes(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Nodes())
}

func (s *Server) tasks(c *gin.Context) {
	tasks := s.backend.Tasks()
	if status := c.Query("status"); status != "" {
		want, err := model.ParseTaskStatus(status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		kept := tasks[:0]
		for _, t := range tasks {
			if t.Status == want {
				kept = append(kept, t)
			}
		}
		tasks = kept
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) task(c *gin.Context) {
	task, err := s.backend.Task(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	reqs, err := expand(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tasks, err := s.backend.SubmitBatch(c.Request.Context(), reqs)
	if err != nil {
		s.log.Warn("submission rejected", zap.Int("created", len(tasks)), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "tasks": tasks})
		return
	}
	c.JSON(http.StatusCreated, tasks)
}

// expand turns a submission into tracker requests with resolved arguments.
func expand(req SubmitRequest) ([]tracker.Request, error) {
	items := req.Tasks
	if len(items) == 0 {
		items = []TaskRequest{req.TaskRequest}
	}
	out := make([]tracker.Request, 0, len(items))
	for _, it := range items {
		if it.Input == "" {
			return nil, errors.New("task input is required")
		}
		preset, args := it.Preset, it.Args
		if preset == "" && len(args) == 0 {
			preset, args = req.Preset, req.Args
		}
		resolved, err := presets.Resolve(preset, args)
		if err != nil {
			return nil, err
		}
		out = append(out, tracker.Request{Input: it.Input, Output: it.Output, Args: resolved})
	}
	return out, nil
}

func (s *Server) cancel(c *gin.Context) {
	id := c.Param("id")
	if err := s.backend.Cancel(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	task, err := s.backend.Task(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) events(c *gin.Context) {
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an integer"})
		return
	}
	c.JSON(http.StatusOK, s.backend.Events(since))
}

// stream pushes task events as server-sent events until the client goes
// away. With since the retained events after it are replayed first.
func (s *Server) stream(c *gin.Context) {
	var last int64
	replay := c.Query("since") != ""
	if replay {
		var err error
		if last, err = strconv.ParseInt(c.Query("since"), 10, 64); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an integer"})
			return
		}
	}

	// subscribe before reading the backlog so nothing falls in between
	ch, unsubscribe := s.backend.Subscribe(64)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	if replay {
		for _, ev := range s.backend.Events(last) {
			c.SSEvent(string(ev.Type), ev)
			last = ev.Seq
		}
	}
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			if ev.Seq > last {
				c.SSEvent(string(ev.Type), ev)
				last = ev.Seq
			}
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) presets(c *gin.Context) {
	c.JSON(http.StatusOK, presets.Descriptions())
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tracker.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, dispatcher.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
