// Package bus implements the append-only inter-agent decision log and its
// query surface.
package bus

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hivedev/hive/internal/bus/store"
	"github.com/hivedev/hive/internal/common/errors"
	"github.com/hivedev/hive/internal/common/logger"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// DefaultPageSize caps one query response page.
const DefaultPageSize = 100

// Server is the in-process bus server, started on an allocated port when a
// spawn requests a bus without explicit host/port.
type Server struct {
	store  store.Store
	logger *logger.Logger
	http   *http.Server
}

// NewServer creates a bus server over a store.
func NewServer(st store.Store, log *logger.Logger) *Server {
	return &Server{
		store:  st,
		logger: log.WithFields(zap.String("component", "bus-server")),
	}
}

// Router builds the gin handler for the bus surface.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	busV1 := router.Group("/v1")
	{
		busV1.POST("/append", s.handleAppend)
		busV1.POST("/query", s.handleQuery)
	}
	return router
}

// Start serves the bus on 127.0.0.1:port until Stop.
func (s *Server) Start(port int) error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: s.Router(),
	}

	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("bus server stopped unexpectedly", zap.Error(err))
		}
	}()

	s.logger.Info("bus server listening", zap.Int("port", port))
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleAppend(c *gin.Context) {
	var entry v1.BusEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		appErr := errors.BadRequest("invalid entry: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if entry.Type == "" || entry.AgentID == "" {
		appErr := errors.BadRequest("entry requires type and agent_id")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	pos, err := s.store.Append(c.Request.Context(), &entry)
	if err != nil {
		s.logger.Error("failed to append entry", zap.Error(err))
		appErr := errors.InternalError("failed to append entry", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"position": pos})
}

func (s *Server) handleQuery(c *gin.Context) {
	var req v1.BusQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid query: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	limit := req.Limit
	if limit <= 0 || limit > DefaultPageSize {
		limit = DefaultPageSize
	}

	entries, err := s.store.Read(c.Request.Context(), req.StartPosition, limit, req.Types)
	if err != nil {
		s.logger.Error("failed to read entries", zap.Error(err))
		appErr := errors.InternalError("failed to read entries", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	last, err := s.store.Last(c.Request.Context())
	if err != nil {
		appErr := errors.InternalError("failed to read log position", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	complete := len(entries) == 0 || entries[len(entries)-1].Position >= last
	c.JSON(http.StatusOK, v1.BusQueryResponse{
		Entries:  entries,
		Complete: complete,
	})
}
