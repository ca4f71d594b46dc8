// Package api exposes the kernel's orchestration surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hivedev/hive/internal/common/errors"
	"github.com/hivedev/hive/internal/common/logger"
	"github.com/hivedev/hive/internal/kernel/registry"
	"github.com/hivedev/hive/internal/packaging"
	"github.com/hivedev/hive/internal/spawn"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// Kernel is the orchestration surface the handlers sit on.
type Kernel interface {
	CreateTeam(teamID string, budget int) error
	DeleteTeam(ctx context.Context, teamID string) error
	Team(teamID string) (*v1.Team, error)

	Spawn(ctx context.Context, req *spawn.Request) (*v1.SpawnResult, error)
	Kill(ctx context.Context, agentID string) error
	Get(agentID string) (*v1.Agent, error)
	IsRunning(agentID string) bool
	Status(filter registry.Filter) []*v1.Agent

	Turn(ctx context.Context, agentID, nonce, body string) (<-chan v1.TurnChunk, error)
	History(ctx context.Context, agentID string, lastN int) ([]v1.HistoryEntry, error)
	Control(ctx context.Context, agentID string, req v1.ControlRequest) (*v1.ControlResponse, error)
	Info(ctx context.Context, agentID string) (*v1.InfoResponse, error)

	BusDrain(ctx context.Context, agentID string, start int64, types []v1.BusEntryType) (<-chan v1.BusEntry, error)
	BusFollow(ctx context.Context, agentID string, start int64, interval, timeout time.Duration, types []v1.BusEntryType) (<-chan v1.BusEntry, error)

	Package(ctx context.Context, req packaging.Request) (*v1.PackageJob, error)
}

// Handlers serves the kernel API.
type Handlers struct {
	kernel Kernel
	logger *logger.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(k Kernel, log *logger.Logger) *Handlers {
	return &Handlers{
		kernel: k,
		logger: log.WithFields(zap.String("component", "kernel-api")),
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(errors.GetHTTPStatus(err), gin.H{"error": err.Error()})
}

func (h *Handlers) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handlers) handleCreateTeam(c *gin.Context) {
	var req CreateTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid team request: "+err.Error()))
		return
	}
	if err := h.kernel.CreateTeam(req.ID, req.Budget); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (h *Handlers) handleGetTeam(c *gin.Context) {
	team, err := h.kernel.Team(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, team)
}

func (h *Handlers) handleDeleteTeam(c *gin.Context) {
	if err := h.kernel.DeleteTeam(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) handleSpawn(c *gin.Context) {
	var req spawn.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid spawn request: "+err.Error()))
		return
	}
	if req.AgentType == "" || req.ImageID == "" {
		respondError(c, errors.BadRequest("spawn requires agent_type and image_id"))
		return
	}

	result, err := h.kernel.Spawn(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handlers) handleListAgents(c *gin.Context) {
	filter := registry.Filter{
		TeamID: c.Query("team_id"),
		State:  v1.AgentState(c.Query("state")),
	}
	c.JSON(http.StatusOK, gin.H{"agents": h.kernel.Status(filter)})
}

func (h *Handlers) handleGetAgent(c *gin.Context) {
	agent, err := h.kernel.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handlers) handleKill(c *gin.Context) {
	if err := h.kernel.Kill(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) handleRunning(c *gin.Context) {
	if _, err := h.kernel.Get(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, RunningResponse{Running: h.kernel.IsRunning(c.Param("id"))})
}

// handleTurn proxies one streamed turn, re-emitting the agent's chunks as
// SSE to the caller.
func (h *Handlers) handleTurn(c *gin.Context) {
	var body TurnBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, errors.BadRequest("invalid turn body: "+err.Error()))
		return
	}

	chunks, err := h.kernel.Turn(c.Request.Context(), c.Param("id"), body.Nonce, body.Body)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Writer.Flush()

	for chunk := range chunks {
		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		c.Writer.Flush()
	}
}

func (h *Handlers) handleHistory(c *gin.Context) {
	var req v1.HistoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid history request: "+err.Error()))
		return
	}
	entries, err := h.kernel.History(c.Request.Context(), c.Param("id"), req.LastN)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.HistoryResponse{Entries: entries})
}

func (h *Handlers) handleControl(c *gin.Context) {
	var req v1.ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid control request: "+err.Error()))
		return
	}
	result, err := h.kernel.Control(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) handleInfo(c *gin.Context) {
	info, err := h.kernel.Info(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleBus drains or follows an agent's bus. Drain answers with a flat JSON
// list; follow streams entries as SSE until the window closes.
func (h *Handlers) handleBus(c *gin.Context) {
	var req BusQueryBody
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid bus query: "+err.Error()))
		return
	}
	agentID := c.Param("id")
	ctx := c.Request.Context()

	if req.FollowSeconds <= 0 {
		entries, err := h.kernel.BusDrain(ctx, agentID, req.StartPosition, req.Types)
		if err != nil {
			respondError(c, err)
			return
		}
		collected := make([]v1.BusEntry, 0)
		for entry := range entries {
			collected = append(collected, entry)
		}
		c.JSON(http.StatusOK, v1.BusQueryResponse{Entries: collected, Complete: true})
		return
	}

	entries, err := h.kernel.BusFollow(ctx, agentID, req.StartPosition,
		time.Second, time.Duration(req.FollowSeconds)*time.Second, req.Types)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Writer.Flush()
	for entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		c.Writer.Flush()
	}
}

func (h *Handlers) handlePackage(c *gin.Context) {
	var req PackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid package request: "+err.Error()))
		return
	}

	job, err := h.kernel.Package(c.Request.Context(), packaging.Request{
		Name:    req.Name,
		Bundles: req.Bundles,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusCreated
	if job.Status == v1.PackageJobFailed {
		status = http.StatusBadGateway
	}
	c.JSON(status, job)
}
