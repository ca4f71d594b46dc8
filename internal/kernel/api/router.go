package api

import (
	"github.com/gin-gonic/gin"

	"github.com/hivedev/hive/internal/kernel/streaming"
)

// NewRouter builds the kernel's HTTP router. hub may be nil to disable the
// websocket event feed.
func NewRouter(h *Handlers, hub *streaming.Hub) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", h.handleHealth)

	apiV1 := router.Group("/v1")
	{
		teams := apiV1.Group("/teams")
		{
			teams.POST("", h.handleCreateTeam)
			teams.GET("/:id", h.handleGetTeam)
			teams.DELETE("/:id", h.handleDeleteTeam)
		}

		agents := apiV1.Group("/agents")
		{
			agents.POST("", h.handleSpawn)
			agents.GET("", h.handleListAgents)
			agents.GET("/:id", h.handleGetAgent)
			agents.DELETE("/:id", h.handleKill)
			agents.GET("/:id/running", h.handleRunning)
			agents.POST("/:id/turn", h.handleTurn)
			agents.POST("/:id/history", h.handleHistory)
			agents.POST("/:id/control", h.handleControl)
			agents.GET("/:id/info", h.handleInfo)
			agents.POST("/:id/bus", h.handleBus)
		}

		apiV1.POST("/images", h.handlePackage)

		if hub != nil {
			apiV1.GET("/events", func(c *gin.Context) {
				hub.ServeWS(c.Writer, c.Request)
			})
		}
	}
	return router
}
