package worker

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tcluster/internal/logger"
)

// Server is the worker's HTTP plane.
type Server struct {
	engine *gin.Engine
	exec   *Executor
	log    *zap.Logger
}

func NewServer(exec *Executor, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{engine: gin.New(), exec: exec, log: log}
	s.engine.Use(gin.Recovery(), logger.Gin(log, "/status", "/ping"))
	s.routes()
	return s
}

// Engine exposes the router, mainly for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) routes() {
	s.engine.POST("/task", s.submit)
	s.engine.GET("/status", s.status)
	s.engine.GET("/download", s.download)
	s.engine.GET("/capabilities", s.capabilities)
	s.engine.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
}

func (s *Server) submit(c *gin.Context) {
	taskID := c.Query("task_id")
	attempt, _ := strconv.Atoi(c.Query("attempt"))

	acc, err := s.exec.Submit(taskID, attempt, c.Request.Body, c.Request.ContentLength)
	if err != nil {
		var decErr *DecodeError
		switch {
		case errors.Is(err, ErrBusy):
			snap := s.exec.Status()
			c.JSON(http.StatusConflict, gin.H{"status": "busy", "current_task": snap.CurrentTask})
		case errors.Is(err, ErrStopped):
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": err.Error()})
		case errors.As(err, &decErr):
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":  "accepted",
		"task_id": acc.TaskID,
		"attempt": acc.Attempt,
		"output":  acc.Output,
	})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.exec.Observe())
}

func (s *Server) download(c *gin.Context) {
	name := c.Query("file")
	path, err := s.exec.Artifact(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.FileAttachment(path, name)
}

func (s *Server) capabilities(c *gin.Context) {
	c.JSON(http.StatusOK, s.exec.Capabilities())
}
