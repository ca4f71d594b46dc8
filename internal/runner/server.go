// Package runner implements the HTTP surface exposed by a spawned agent
// process: health, info, turn streaming, history, control and bus query.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	agentbus "github.com/hivedev/hive/internal/bus"
	"github.com/hivedev/hive/internal/common/errors"
	"github.com/hivedev/hive/internal/common/logger"
	"github.com/hivedev/hive/internal/storage/uri"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// Handler runs the agent's reasoning for one turn. Each emit call streams an
// increment back to the caller; the concatenated increments become the
// recorded assistant response.
type Handler interface {
	Handle(ctx context.Context, body string, emit func(delta string)) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, body string, emit func(delta string)) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, body string, emit func(delta string)) error {
	return f(ctx, body, emit)
}

// EchoHandler responds with the turn body unchanged. Used for smoke tests
// and as the default when no reasoning handler is injected.
var EchoHandler = HandlerFunc(func(ctx context.Context, body string, emit func(string)) error {
	emit(body)
	return nil
})

// Server is one agent's HTTP surface. Turns are serialized through a single
// mutex held for the duration of the streamed response.
type Server struct {
	cfg     *Config
	handler Handler
	history *History
	loader  *uri.Downloader
	bus     *agentbus.Client
	logger  *logger.Logger

	turnMu sync.Mutex

	loadedMu sync.Mutex
	loaded   []string

	http *http.Server
}

// NewServer creates a runner server. loader may be nil to disable the
// load_bundles control op; the bus client is created only when the config
// carries bus coordinates.
func NewServer(cfg *Config, handler Handler, loader *uri.Downloader, log *logger.Logger) *Server {
	if handler == nil {
		handler = EchoHandler
	}

	s := &Server{
		cfg:     cfg,
		handler: handler,
		history: NewHistory(),
		loader:  loader,
		logger:  log.WithFields(zap.String("component", "runner"), zap.String("agent_id", cfg.AgentID)),
	}
	if cfg.HasBus() {
		s.bus = agentbus.NewClient(fmt.Sprintf("http://%s:%d", cfg.BusHost, cfg.BusPort))
	}
	return s
}

// History exposes the conversation record, mainly for tests.
func (s *Server) History() *History { return s.history }

// Router builds the gin handler for the runner surface.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)

	apiV1 := router.Group("/v1")
	{
		apiV1.GET("/info", s.handleInfo)
		apiV1.POST("/turn", s.handleTurn)
		apiV1.POST("/history", s.handleHistory)
		apiV1.POST("/control", s.handleControl)
		if s.bus != nil {
			apiV1.POST("/agentbus", s.handleAgentBus)
		}
	}
	return router
}

// Start serves until Stop.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.HTTPPort),
		Handler: s.Router(),
	}

	s.logger.Info("runner listening", zap.Int("port", s.cfg.HTTPPort))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
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

// authorize checks the caller's claimed identity and nonce. Turns must name
// this agent exactly; an absent agent id is a mismatch. The reasoning
// handler is never reached without both passing.
func (s *Server) authorize(agentID, nonce string) error {
	if agentID != s.cfg.AgentID {
		return errors.Authorization("agent id mismatch")
	}
	return s.authorizeNonce(nonce)
}

// authorizeNonce gates the control and bus surfaces, which carry only the
// nonce.
func (s *Server) authorizeNonce(nonce string) error {
	if nonce != s.cfg.Nonce {
		return errors.Authorization("invalid nonce")
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, v1.HealthResponse{Status: "healthy", AgentID: s.cfg.AgentID})
}

// handleInfo reports process facts used to verify sandbox isolation from
// outside.
func (s *Server) handleInfo(c *gin.Context) {
	cwd, _ := os.Getwd()

	var rootDir []string
	if entries, err := os.ReadDir("/"); err == nil {
		for _, e := range entries {
			rootDir = append(rootDir, e.Name())
		}
	}

	c.JSON(http.StatusOK, v1.InfoResponse{
		PID:     os.Getpid(),
		CWD:     cwd,
		UID:     os.Getuid(),
		RootDir: rootDir,
	})
}

func (s *Server) handleTurn(c *gin.Context) {
	var req v1.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid turn request: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := s.authorize(req.AgentID, req.Nonce); err != nil {
		c.JSON(errors.GetHTTPStatus(err), err)
		return
	}

	// A second concurrent turn blocks here until the first completes.
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.history.Append(v1.RoleUser, req.Body)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	deltas := make(chan string)
	result := make(chan error, 1)
	go func() {
		defer close(deltas)
		result <- s.handler.Handle(ctx, req.Body, func(delta string) {
			select {
			case deltas <- delta:
			case <-ctx.Done():
			}
		})
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	var accumulated strings.Builder
	for delta := range deltas {
		accumulated.WriteString(delta)
		s.writeChunk(c, v1.TurnChunk{Body: delta})
	}
	err := <-result

	// Whatever accumulated up to completion or cancellation is recorded.
	s.history.Append(v1.RoleAssistant, accumulated.String())

	if ctx.Err() != nil {
		// Caller is gone; nothing left to write.
		s.logger.Debug("turn abandoned by caller")
		return
	}
	if err != nil {
		s.logger.Warn("turn handler failed", zap.Error(err))
		s.writeChunk(c, v1.TurnChunk{Done: true, Error: err.Error()})
		return
	}
	s.writeChunk(c, v1.TurnChunk{Done: true})
}

func (s *Server) writeChunk(c *gin.Context, chunk v1.TurnChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

func (s *Server) handleHistory(c *gin.Context) {
	var req v1.HistoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid history request: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, v1.HistoryResponse{Entries: s.history.Last(req.LastN)})
}

func (s *Server) handleControl(c *gin.Context) {
	var req v1.ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid control request: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := s.authorizeNonce(req.Nonce); err != nil {
		c.JSON(errors.GetHTTPStatus(err), err)
		return
	}

	switch req.Op {
	case v1.ControlOpLoadBundles:
		s.handleLoadBundles(c, &req)
	default:
		appErr := errors.BadRequest("unknown control op '" + req.Op + "'")
		c.JSON(appErr.HTTPStatus, appErr)
	}
}

// handleLoadBundles hot-loads code bundles by URI into the running process's
// search path.
func (s *Server) handleLoadBundles(c *gin.Context, req *v1.ControlRequest) {
	if s.loader == nil {
		appErr := errors.BadRequest("bundle loading is not configured")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	loaded := make([]string, 0, len(req.Bundles))
	for _, ref := range req.Bundles {
		path, err := s.loader.Fetch(c.Request.Context(), ref)
		if err != nil {
			appErr := errors.Wrap(err, "failed to load bundle "+ref)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		loaded = append(loaded, path)
	}

	s.loadedMu.Lock()
	s.loaded = append(s.loaded, loaded...)
	s.loadedMu.Unlock()

	s.logger.Info("loaded bundles", zap.Strings("paths", loaded))
	c.JSON(http.StatusOK, v1.ControlResponse{Op: req.Op, Loaded: loaded})
}

// LoadedBundles returns the paths hot-loaded so far.
func (s *Server) LoadedBundles() []string {
	s.loadedMu.Lock()
	defer s.loadedMu.Unlock()
	out := make([]string, len(s.loaded))
	copy(out, s.loaded)
	return out
}

// handleAgentBus pages through the configured bus from a starting position
// and returns the aggregated flat list.
func (s *Server) handleAgentBus(c *gin.Context) {
	var req v1.AgentBusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid bus request: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := s.authorizeNonce(req.Nonce); err != nil {
		c.JSON(errors.GetHTTPStatus(err), err)
		return
	}

	entries, err := s.bus.QueryAll(c.Request.Context(), req.StartPosition, req.PayloadTypes)
	if err != nil {
		appErr := errors.Wrap(err, "bus query failed")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, v1.AgentBusResponse{Entries: entries})
}
